package es

import "context"

// UnitOfWork scopes a function to a transactional boundary. Store
// implementations that share the same backend join the transaction via the
// returned context, so a failure after state mutation but before event
// append leaves no partial effects.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// NopUnitOfWork runs the function without any transaction. Suitable for
// stores that are atomic per append (memory, NATS JetStream).
type NopUnitOfWork struct{}

func (NopUnitOfWork) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

var _ UnitOfWork = NopUnitOfWork{}
