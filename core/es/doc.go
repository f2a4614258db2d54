// Package es implements event sourcing primitives: an event store contract
// with optimistic concurrency and a gapless global sequence, an aggregate
// model with uncommitted event tracking, snapshots with integrity checking
// and pluggable snapshotting strategies, and a repository that ties them
// together.
//
// Backends live under adapters/ (postgres, nats); InMemoryStore and
// InMemorySnapshotter in this package serve tests and development.
package es
