package cmdbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Status is the lifecycle position of a dispatch, observable through async
// tickets.
type Status int

const (
	StatusReceived Status = iota
	StatusValidating
	StatusAuthorizing
	StatusExecuting
	StatusCompleted
	StatusFailed
	StatusDeadLettered
)

func (s Status) String() string {
	switch s {
	case StatusReceived:
		return "received"
	case StatusValidating:
		return "validating"
	case StatusAuthorizing:
		return "authorizing"
	case StatusExecuting:
		return "executing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusDeadLettered:
		return "dead-lettered"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transitions will happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDeadLettered
}

type registration struct {
	ctor    func() any
	handler Handler
}

// Bus routes commands to their registered handlers through a fixed
// pipeline: validate, authorize, execute. Execution runs inside the
// configured UnitOfWork and behind the circuit breaker; transient failures
// are retried with exponential backoff and exhausted commands land in the
// DLQ.
type Bus struct {
	log  *slog.Logger
	opts busOpts

	mu       sync.RWMutex
	handlers map[string]registration

	async *asyncDispatcher
}

func New(log *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		log:      log.With(slog.String("component", "cmdbus")),
		opts:     newBusOpts(opts...),
		handlers: map[string]registration{},
	}
	b.async = newAsyncDispatcher(b)
	return b
}

// Handle registers a handler for cmdType. The ctor produces fresh command
// instances for dead letter replay. Registering the same type twice
// replaces the previous handler.
func (b *Bus) Handle(cmdType string, ctor func() any, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[cmdType] = registration{ctor: ctor, handler: h}
}

// Register registers a typed handler function for command type C.
func Register[C any](b *Bus, fn func(ctx context.Context, cmd *C) (any, error)) {
	b.Handle(
		CommandTypeFor[C](),
		func() any { return new(C) },
		HandlerFunc(func(ctx context.Context, cmd any) (any, error) {
			c, ok := cmd.(*C)
			if !ok {
				return nil, fmt.Errorf("handler for %s got %T", CommandTypeFor[C](), cmd)
			}
			return fn(ctx, c)
		}),
	)
}

func (b *Bus) registration(cmdType string) (registration, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	reg, ok := b.handlers[cmdType]
	return reg, ok
}

// Dispatch runs cmd through the pipeline and returns the handler's result.
func (b *Bus) Dispatch(ctx context.Context, cmd any) (any, error) {
	return b.dispatch(ctx, cmd, nil, true)
}

// Close shuts down async dispatch, draining queued commands first.
func (b *Bus) Close() { b.async.close() }

func (b *Bus) dispatch(ctx context.Context, cmd any, observe func(Status), useDLQ bool) (any, error) {
	cmdType := CommandTypeOf(cmd)
	notify := func(s Status) {
		if observe != nil {
			observe(s)
		}
	}

	notify(StatusReceived)
	b.opts.metrics.CommandReceived(cmdType)
	timer := b.opts.metrics.DispatchDuration(cmdType)
	defer timer.ObserveDuration()

	reg, ok := b.registration(cmdType)
	if !ok {
		b.opts.metrics.CommandFailed(cmdType, "unroutable")
		notify(StatusFailed)
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, cmdType)
	}

	notify(StatusValidating)
	if v, ok := cmd.(Validator); ok {
		if err := v.Validate(); err != nil {
			b.opts.metrics.CommandFailed(cmdType, "validation")
			notify(StatusFailed)
			return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
	}

	notify(StatusAuthorizing)
	if b.opts.authorizer != nil {
		if err := b.opts.authorizer.Authorize(ctx, cmd); err != nil {
			b.opts.metrics.CommandFailed(cmdType, "unauthorized")
			notify(StatusFailed)
			if errors.Is(err, ErrUnauthorized) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}

	notify(StatusExecuting)
	res, attempts, err := b.executeWithRetry(ctx, cmdType, cmd, reg.handler)
	if err == nil {
		b.opts.metrics.CommandCompleted(cmdType)
		notify(StatusCompleted)
		return res, nil
	}

	b.opts.metrics.CommandFailed(cmdType, "execution")
	b.log.Warn("command failed",
		slog.String("command", cmdType),
		slog.Int("attempts", attempts),
		slog.Any("error", err))

	// only transient failures that exhausted their retries are worth
	// replaying later; permanent handler errors go back to the caller
	if useDLQ && b.opts.dlq != nil && Retryable(err) {
		b.deadLetter(ctx, cmdType, cmd, attempts, err)
		notify(StatusDeadLettered)
	} else {
		notify(StatusFailed)
	}
	return nil, err
}

func (b *Bus) executeWithRetry(ctx context.Context, cmdType string, cmd any, h Handler) (any, int, error) {
	policy := b.opts.retry
	if p, ok := cmd.(retryPolicyProvider); ok {
		policy = p.RetryPolicy()
	}

	var (
		res      any
		attempts int
	)
	op := func() error {
		attempts++
		var err error
		res, err = b.executeOnce(ctx, cmd, h)
		if err == nil {
			return nil
		}
		if Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		b.opts.metrics.CommandRetried(cmdType)
		b.log.Debug("retrying command",
			slog.String("command", cmdType),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", next),
			slog.Any("error", err))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(policy.backOff(), ctx), notify)
	return res, attempts, err
}

func (b *Bus) executeOnce(ctx context.Context, cmd any, h Handler) (any, error) {
	parent := ctx
	if tp, ok := cmd.(timeoutProvider); ok {
		if d := tp.ExecutionTimeout(); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	var res any
	run := func(ctx context.Context) error {
		return b.opts.uow.WithinTx(ctx, func(ctx context.Context) error {
			var err error
			res, err = h.Handle(ctx, cmd)
			return err
		})
	}

	var err error
	if b.opts.brk != nil {
		err = b.opts.brk.Do(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		// a fired attempt deadline is transient as long as the dispatch
		// itself is still live; caller cancellation stays terminal
		if errors.Is(err, context.DeadlineExceeded) &&
			errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
			return nil, fmt.Errorf("%w: %w", ErrExecutionTimeout, err)
		}
		return nil, err
	}
	return res, nil
}

func (b *Bus) deadLetter(ctx context.Context, cmdType string, cmd any, attempts int, cause error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		b.log.Error("cannot serialize command for dlq",
			slog.String("command", cmdType), slog.Any("error", err))
		return
	}

	letter := &DeadLetter{
		ID:          b.opts.idGenerator(),
		CommandType: cmdType,
		Payload:     payload,
		Attempts:    attempts,
		LastError:   cause.Error(),
		EnqueuedAt:  time.Now(),
	}
	if c, ok := cmd.(identifiable); ok {
		letter.CommandID = c.CommandID()
	}

	if err := b.opts.dlq.Enqueue(ctx, letter); err != nil {
		b.log.Error("dlq enqueue failed",
			slog.String("command", cmdType), slog.Any("error", err))
		return
	}
	b.opts.metrics.CommandDeadLettered(cmdType)
	b.log.Warn("command dead-lettered",
		slog.String("command", cmdType),
		slog.String("letter_id", letter.ID),
		slog.Int("attempts", attempts))
}

// ReplayDeadLetter re-dispatches the dead letter with the given id and
// discards it on success. On failure the letter stays queued unchanged.
func (b *Bus) ReplayDeadLetter(ctx context.Context, id string) (any, error) {
	if b.opts.dlq == nil {
		return nil, errors.New("no dlq configured")
	}
	letter, err := b.opts.dlq.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	reg, ok := b.registration(letter.CommandType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotReplayable, letter.CommandType)
	}
	cmd := reg.ctor()
	if err := json.Unmarshal(letter.Payload, cmd); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrNotReplayable, err)
	}

	res, err := b.dispatch(ctx, cmd, nil, false)
	if err != nil {
		return nil, err
	}
	if derr := b.opts.dlq.Discard(ctx, id); derr != nil && !errors.Is(derr, ErrDeadLetterNotFound) {
		b.log.Warn("discard after replay failed", slog.String("letter_id", id), slog.Any("error", derr))
	}
	return res, nil
}
