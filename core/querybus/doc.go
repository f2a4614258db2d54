// Package querybus implements the read-side query bus: typed handler
// registration, a tiered cache (in-process LRU, shared cache, durable read
// model) with cache-aside population, single-flight deduplication of
// concurrent misses, tag-based invalidation with coalescing, and
// concurrent batch execution with per-entry error markers.
package querybus
