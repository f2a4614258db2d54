package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codewandler/esrc-go/core/es"
)

type (
	coordinatorOpts struct {
		idGenerator es.IDGenerator
		clock       func() time.Time
	}

	CoordinatorOption interface{ applyToCoordinator(*coordinatorOpts) }

	idGenOption valueOption[es.IDGenerator]
	clockOption valueOption[func() time.Time]

	valueOption[T any] struct{ v T }
)

// WithIDGenerator sets the instance id generator.
func WithIDGenerator(gen es.IDGenerator) CoordinatorOption { return idGenOption{v: gen} }

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) CoordinatorOption { return clockOption{v: clock} }

func (o idGenOption) applyToCoordinator(c *coordinatorOpts) { c.idGenerator = o.v }
func (o clockOption) applyToCoordinator(c *coordinatorOpts) { c.clock = o.v }

// Coordinator runs saga definitions, persisting the instance after every
// transition.
type Coordinator struct {
	log   *slog.Logger
	store Store
	opts  coordinatorOpts
}

func NewCoordinator(log *slog.Logger, store Store, opts ...CoordinatorOption) *Coordinator {
	options := coordinatorOpts{
		idGenerator: es.DefaultIDGenerator(),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt.applyToCoordinator(&options)
	}
	return &Coordinator{
		log:   log.With(slog.String("component", "saga")),
		store: store,
		opts:  options,
	}
}

// Run executes the definition with the given initial payload. It returns
// the final instance; the error is the failing step's error when the saga
// did not complete. The instance reports whether compensation succeeded.
func (c *Coordinator) Run(ctx context.Context, def Definition, payload any) (*Instance, error) {
	now := c.opts.clock()
	ins := &Instance{
		ID:        c.opts.idGenerator(),
		Name:      def.Name,
		Status:    StatusStarted,
		Steps:     make([]StepRecord, len(def.Steps)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for n, step := range def.Steps {
		ins.Steps[n] = StepRecord{Name: step.Name, Status: StepPending}
	}
	if payload != nil {
		if err := ins.SetPayload(payload); err != nil {
			return nil, err
		}
	}
	if err := c.save(ctx, ins); err != nil {
		return nil, err
	}

	log := c.log.With(slog.String("saga", def.Name), slog.String("instance", ins.ID))

	for n, step := range def.Steps {
		ins.Status = StatusRunning
		ins.CurrentStep = n
		ins.Steps[n].Status = StepRunning
		ins.Steps[n].StartedAt = c.opts.clock()
		if err := c.save(ctx, ins); err != nil {
			return ins, err
		}

		err := c.runStep(ctx, step.Timeout, ins, step.Execute)
		ins.Steps[n].FinishedAt = c.opts.clock()
		if err != nil {
			ins.Steps[n].Status = StepFailed
			ins.Steps[n].Error = err.Error()
			ins.Error = fmt.Sprintf("step %s: %v", step.Name, err)
			log.Warn("saga step failed, compensating",
				slog.String("step", step.Name), slog.Any("error", err))

			c.compensate(ctx, def, ins, n-1)
			return ins, err
		}
		ins.Steps[n].Status = StepCompleted
		if serr := c.save(ctx, ins); serr != nil {
			return ins, serr
		}
	}

	ins.Status = StatusCompleted
	if err := c.save(ctx, ins); err != nil {
		return ins, err
	}
	log.Info("saga completed", slog.Int("steps", len(def.Steps)))
	return ins, nil
}

// compensate undoes steps [from..0] in reverse order. Compensation runs on
// a context detached from the (possibly cancelled or timed out) step
// context.
func (c *Coordinator) compensate(ctx context.Context, def Definition, ins *Instance, from int) {
	ctx = context.WithoutCancel(ctx)
	log := c.log.With(slog.String("saga", def.Name), slog.String("instance", ins.ID))

	ins.Status = StatusCompensating
	if err := c.save(ctx, ins); err != nil {
		log.Error("cannot persist compensating status", slog.Any("error", err))
	}

	failed := false
	for n := from; n >= 0; n-- {
		if ins.Steps[n].Status != StepCompleted {
			continue
		}
		step := def.Steps[n]
		ins.CurrentStep = n
		if step.Compensate == nil {
			ins.Steps[n].Status = StepCompensated
			_ = c.save(ctx, ins)
			continue
		}

		err := c.runStep(ctx, step.Timeout, ins, step.Compensate)
		if err != nil {
			// keep unwinding the remaining steps, an operator resolves
			// this instance manually
			failed = true
			ins.Steps[n].Status = StepCompensationFailed
			ins.Steps[n].Error = err.Error()
			log.Error("saga compensation failed",
				slog.String("step", step.Name), slog.Any("error", err))
		} else {
			ins.Steps[n].Status = StepCompensated
		}
		_ = c.save(ctx, ins)
	}

	if failed {
		ins.Status = StatusCompensationFailed
	} else {
		ins.Status = StatusCompensated
	}
	if err := c.save(ctx, ins); err != nil {
		log.Error("cannot persist final saga status", slog.Any("error", err))
	}
}

// runStep hands fn a detached copy of the instance: a step that overruns
// its timeout keeps mutating only its own snapshot while the coordinator
// moves on. Payload updates are merged back when the step succeeds.
func (c *Coordinator) runStep(ctx context.Context, timeout time.Duration, ins *Instance, fn func(ctx context.Context, ins *Instance) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	snap := ins.clone()
	done := make(chan error, 1)
	go func() { done <- fn(ctx, snap) }()
	select {
	case err := <-done:
		if err == nil {
			ins.Payload = snap.Payload
		}
		return err
	case <-ctx.Done():
		// a stuck step must not stall the saga; the goroutine is left to
		// finish against its cancelled context
		return ctx.Err()
	}
}

func (c *Coordinator) save(ctx context.Context, ins *Instance) error {
	ins.UpdatedAt = c.opts.clock()
	return c.store.Save(ctx, ins)
}

// Get returns the stored instance with the given id.
func (c *Coordinator) Get(ctx context.Context, id string) (*Instance, error) {
	return c.store.Get(ctx, id)
}
