package es

import "errors"

var (
	// ErrAggregateNotFound is returned when neither events nor a snapshot
	// exist for the requested aggregate.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrConcurrencyConflict is returned by Append when the stored version
	// does not match the expected version. The caller resolves the conflict
	// by reloading and reapplying; the store never partially persists.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrStorageUnavailable wraps transient backend failures. Retryable.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUnknownEventType is returned when decoding an envelope whose type
	// is not registered.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrStoreNoEvents is returned by Append when the batch is empty.
	ErrStoreNoEvents = errors.New("no events to store")

	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotCorrupted is returned when a stored snapshot fails its
	// integrity check. Non-fatal: the repository falls back to full replay.
	ErrSnapshotCorrupted = errors.New("snapshot corrupted")

	ErrSnapshotterUnconfigured = errors.New("no snapshotter configured")
)
