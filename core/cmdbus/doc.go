// Package cmdbus implements the write-side command bus: typed handler
// registration, a validate/authorize/execute pipeline with transactional
// handler execution, retry with exponential backoff for transient
// failures, circuit breaking, a dead letter queue for exhausted commands,
// and async dispatch over a worker pool with per-aggregate ordering.
package cmdbus
