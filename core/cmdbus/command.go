package cmdbus

import (
	"context"
	"time"

	"github.com/codewandler/esrc-go/internal/reflector"
)

type (
	// Handler executes one command type. The command passed to Handle is
	// the pointer type registered for it.
	Handler interface {
		Handle(ctx context.Context, cmd any) (any, error)
	}

	HandlerFunc func(ctx context.Context, cmd any) (any, error)

	// Validator is implemented by commands that carry their own structural
	// validation. A failure terminates the dispatch with
	// ErrValidationFailed; it is never retried or dead-lettered.
	Validator interface {
		Validate() error
	}

	// AggregateTarget is implemented by commands addressing a single
	// aggregate. Async dispatch serializes commands per target so two
	// commands for the same aggregate never race.
	AggregateTarget interface {
		TargetAggregateID() string
	}

	// PermissionsProvider exposes the permissions a command requires, for
	// the bus authorizer to check against the caller's principal.
	PermissionsProvider interface {
		RequiredPermissions() []string
	}

	// Authorizer decides whether the caller in ctx may dispatch cmd. A
	// failure terminates the dispatch with ErrUnauthorized.
	Authorizer interface {
		Authorize(ctx context.Context, cmd any) error
	}

	AuthorizerFunc func(ctx context.Context, cmd any) error

	identifiable        interface{ CommandID() string }
	retryPolicyProvider interface{ RetryPolicy() RetryPolicy }
	timeoutProvider     interface{ ExecutionTimeout() time.Duration }
)

func (f HandlerFunc) Handle(ctx context.Context, cmd any) (any, error) { return f(ctx, cmd) }

func (f AuthorizerFunc) Authorize(ctx context.Context, cmd any) error { return f(ctx, cmd) }

// CommandTypeOf derives the type name a command dispatches under.
// Commands may override it with a CommandType() string method.
func CommandTypeOf(cmd any) string {
	if t, ok := cmd.(interface{ CommandType() string }); ok {
		return t.CommandType()
	}
	return reflector.TypeInfoOf(cmd).Name
}

// CommandTypeFor derives the dispatch type name for T.
func CommandTypeFor[T any]() string {
	return CommandTypeOf(new(T))
}
