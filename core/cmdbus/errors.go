package cmdbus

import (
	"errors"

	"github.com/codewandler/esrc-go/core/breaker"
	"github.com/codewandler/esrc-go/core/es"
)

var (
	// ErrValidationFailed marks a command rejected by its own Validate.
	// Terminal: never retried, never dead-lettered.
	ErrValidationFailed = errors.New("command validation failed")

	// ErrUnauthorized marks a command rejected by the authorizer.
	// Terminal: never retried, never dead-lettered.
	ErrUnauthorized = errors.New("command unauthorized")

	// ErrHandlerNotFound is returned when no handler is registered for the
	// command's type.
	ErrHandlerNotFound = errors.New("no handler registered for command")

	// ErrBusClosed is returned by async dispatch after Close.
	ErrBusClosed = errors.New("command bus closed")

	// ErrNotReplayable is returned when a dead letter's command type is no
	// longer registered.
	ErrNotReplayable = errors.New("dead letter not replayable")

	// ErrExecutionTimeout marks an attempt that outran the command's
	// execution timeout while the dispatch itself was still live.
	// Transient: retried and, on exhaustion, dead-lettered.
	ErrExecutionTimeout = errors.New("command execution timed out")
)

// Retryable reports whether a dispatch failure is transient: concurrency
// conflicts, storage outages (including a rejecting circuit breaker) and
// execution timeouts are, everything else is permanent. Errors may
// override the classification with a Retryable() bool method.
func Retryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return errors.Is(err, es.ErrConcurrencyConflict) ||
		errors.Is(err, es.ErrStorageUnavailable) ||
		errors.Is(err, breaker.ErrOpen) ||
		errors.Is(err, ErrExecutionTimeout)
}
