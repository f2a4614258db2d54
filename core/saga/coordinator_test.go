package saga

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

type transferState struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

func step(name string, trace *[]string, fail bool) Step {
	return Step{
		Name: name,
		Execute: func(context.Context, *Instance) error {
			*trace = append(*trace, "do:"+name)
			if fail {
				return errors.New(name + " exploded")
			}
			return nil
		},
		Compensate: func(context.Context, *Instance) error {
			*trace = append(*trace, "undo:"+name)
			return nil
		},
	}
}

func TestCoordinator_Completes(t *testing.T) {
	store := NewInMemoryStore()
	c := NewCoordinator(discard(), store)

	var trace []string
	def := Definition{
		Name:  "transfer",
		Steps: []Step{step("debit", &trace, false), step("credit", &trace, false)},
	}

	ins, err := c.Run(t.Context(), def, &transferState{From: "a", To: "b", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, ins.Status)
	assert.True(t, ins.Done())
	assert.Equal(t, []string{"do:debit", "do:credit"}, trace)

	for _, rec := range ins.Steps {
		assert.Equal(t, StepCompleted, rec.Status)
		assert.False(t, rec.StartedAt.IsZero())
		assert.False(t, rec.FinishedAt.IsZero())
	}

	// the terminal state is durable
	stored, err := c.Get(t.Context(), ins.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)

	var state transferState
	require.NoError(t, stored.DecodePayload(&state))
	assert.Equal(t, int64(10), state.Amount)
}

func TestCoordinator_CompensatesInReverseOrder(t *testing.T) {
	store := NewInMemoryStore()
	c := NewCoordinator(discard(), store)

	var trace []string
	def := Definition{
		Name: "transfer",
		Steps: []Step{
			step("reserve", &trace, false),
			step("debit", &trace, false),
			step("credit", &trace, true), // fails
			step("notify", &trace, false),
		},
	}

	ins, err := c.Run(t.Context(), def, nil)
	require.ErrorContains(t, err, "credit exploded")
	assert.Equal(t, StatusCompensated, ins.Status)
	assert.Equal(t, []string{
		"do:reserve", "do:debit", "do:credit",
		"undo:debit", "undo:reserve",
	}, trace)

	assert.Equal(t, StepCompensated, ins.Steps[0].Status)
	assert.Equal(t, StepCompensated, ins.Steps[1].Status)
	assert.Equal(t, StepFailed, ins.Steps[2].Status)
	assert.Equal(t, StepPending, ins.Steps[3].Status)
	assert.Contains(t, ins.Error, "credit exploded")
}

func TestCoordinator_FirstStepFailureCompensatesNothing(t *testing.T) {
	c := NewCoordinator(discard(), NewInMemoryStore())

	var trace []string
	def := Definition{
		Name:  "transfer",
		Steps: []Step{step("debit", &trace, true), step("credit", &trace, false)},
	}

	ins, err := c.Run(t.Context(), def, nil)
	require.Error(t, err)
	assert.Equal(t, StatusCompensated, ins.Status)
	assert.Equal(t, []string{"do:debit"}, trace)
}

func TestCoordinator_StepTimeoutTriggersCompensation(t *testing.T) {
	c := NewCoordinator(discard(), NewInMemoryStore())

	var trace []string
	def := Definition{
		Name: "slow",
		Steps: []Step{
			step("first", &trace, false),
			{
				Name:    "stuck",
				Timeout: 20 * time.Millisecond,
				Execute: func(ctx context.Context, _ *Instance) error {
					<-ctx.Done()
					return ctx.Err()
				},
			},
		},
	}

	start := time.Now()
	ins, err := c.Run(t.Context(), def, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusCompensated, ins.Status)
	assert.Equal(t, []string{"do:first", "undo:first"}, trace)
}

func TestCoordinator_AbandonedStepCannotMutateTheInstance(t *testing.T) {
	c := NewCoordinator(discard(), NewInMemoryStore())

	late := make(chan struct{})
	def := Definition{
		Name: "slow",
		Steps: []Step{{
			Name:    "stuck",
			Timeout: 20 * time.Millisecond,
			Execute: func(ctx context.Context, ins *Instance) error {
				<-ctx.Done()
				// a late writer only ever touches its own snapshot
				ins.Status = StatusCompleted
				ins.Error = "late write"
				_ = ins.SetPayload(&transferState{Amount: 999})
				close(late)
				return ctx.Err()
			},
		}},
	}

	ins, err := c.Run(t.Context(), def, &transferState{Amount: 5})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	<-late
	assert.Equal(t, StatusCompensated, ins.Status)
	assert.NotEqual(t, "late write", ins.Error)

	var s transferState
	require.NoError(t, ins.DecodePayload(&s))
	assert.Equal(t, int64(5), s.Amount)
}

func TestCoordinator_CompensationFailureIsRecorded(t *testing.T) {
	c := NewCoordinator(discard(), NewInMemoryStore())

	var trace []string
	broken := step("first", &trace, false)
	broken.Compensate = func(context.Context, *Instance) error {
		return errors.New("undo is broken")
	}
	def := Definition{
		Name: "transfer",
		Steps: []Step{
			broken,
			step("second", &trace, false),
			step("third", &trace, true),
		},
	}

	ins, err := c.Run(t.Context(), def, nil)
	require.Error(t, err)
	assert.Equal(t, StatusCompensationFailed, ins.Status)
	assert.True(t, ins.Done())

	// the unwind continued past the broken compensation
	assert.Equal(t, StepCompensationFailed, ins.Steps[0].Status)
	assert.Contains(t, ins.Steps[0].Error, "undo is broken")
	assert.Equal(t, StepCompensated, ins.Steps[1].Status)
}

func TestCoordinator_StepsShareThePayload(t *testing.T) {
	c := NewCoordinator(discard(), NewInMemoryStore())

	def := Definition{
		Name: "enrich",
		Steps: []Step{
			{
				Name: "load",
				Execute: func(_ context.Context, ins *Instance) error {
					return ins.SetPayload(&transferState{From: "a", Amount: 5})
				},
			},
			{
				Name: "double",
				Execute: func(_ context.Context, ins *Instance) error {
					var s transferState
					if err := ins.DecodePayload(&s); err != nil {
						return err
					}
					s.Amount *= 2
					return ins.SetPayload(&s)
				},
			},
		},
	}

	ins, err := c.Run(t.Context(), def, nil)
	require.NoError(t, err)

	var s transferState
	require.NoError(t, ins.DecodePayload(&s))
	assert.Equal(t, int64(10), s.Amount)
}

func TestInMemoryStore_List(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()

	require.NoError(t, store.Save(ctx, &Instance{ID: "s1", Status: StatusCompleted}))
	require.NoError(t, store.Save(ctx, &Instance{ID: "s2", Status: StatusCompensated}))
	require.NoError(t, store.Save(ctx, &Instance{ID: "s3", Status: StatusCompleted}))

	all, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	completed, err := store.List(ctx, StatusCompleted, 0)
	require.NoError(t, err)
	require.Len(t, completed, 2)
	assert.Equal(t, "s1", completed[0].ID)

	one, err := store.List(ctx, StatusCompleted, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)

	_, err = store.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrInstanceNotFound)
}
