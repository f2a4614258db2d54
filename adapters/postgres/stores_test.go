package postgres

import (
	"encoding/json"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/esrc-go/core/cmdbus"
	"github.com/codewandler/esrc-go/core/saga"
)

func TestPostgres_DLQ(t *testing.T) {
	db := NewTestDB(t)
	dlq := NewDLQ(db)

	letter := &cmdbus.DeadLetter{
		ID:          gonanoid.Must(),
		CommandID:   "cmd-1",
		CommandType: "account.open",
		Payload:     json.RawMessage(`{"owner":"alice"}`),
		Attempts:    4,
		LastError:   "storage unavailable",
		EnqueuedAt:  time.Now(),
	}
	require.NoError(t, dlq.Enqueue(t.Context(), letter))
	require.NoError(t, dlq.Enqueue(t.Context(), &cmdbus.DeadLetter{
		ID:          gonanoid.Must(),
		CommandType: "account.close",
		Payload:     json.RawMessage(`{}`),
		Attempts:    1,
		EnqueuedAt:  time.Now(),
	}))

	t.Run("list in enqueue order", func(t *testing.T) {
		letters, err := dlq.List(t.Context(), 0)
		require.NoError(t, err)
		require.Len(t, letters, 2)
		assert.Equal(t, letter.ID, letters[0].ID)

		one, err := dlq.List(t.Context(), 1)
		require.NoError(t, err)
		assert.Len(t, one, 1)
	})

	t.Run("get", func(t *testing.T) {
		got, err := dlq.Get(t.Context(), letter.ID)
		require.NoError(t, err)
		assert.Equal(t, "account.open", got.CommandType)
		assert.Equal(t, 4, got.Attempts)
		assert.Equal(t, "storage unavailable", got.LastError)
		assert.JSONEq(t, `{"owner":"alice"}`, string(got.Payload))

		_, err = dlq.Get(t.Context(), "missing")
		require.ErrorIs(t, err, cmdbus.ErrDeadLetterNotFound)
	})

	t.Run("discard", func(t *testing.T) {
		require.NoError(t, dlq.Discard(t.Context(), letter.ID))
		require.ErrorIs(t, dlq.Discard(t.Context(), letter.ID), cmdbus.ErrDeadLetterNotFound)

		letters, err := dlq.List(t.Context(), 0)
		require.NoError(t, err)
		assert.Len(t, letters, 1)
	})
}

func TestPostgres_SagaStore(t *testing.T) {
	db := NewTestDB(t)
	store := NewSagaStore(db)

	now := time.Now().Truncate(time.Millisecond)
	ins := &saga.Instance{
		ID:     gonanoid.Must(),
		Name:   "transfer",
		Status: saga.StatusRunning,
		Steps: []saga.StepRecord{
			{Name: "debit", Status: saga.StepCompleted, StartedAt: now, FinishedAt: now},
			{Name: "credit", Status: saga.StepRunning, StartedAt: now},
		},
		Payload:   json.RawMessage(`{"amount":10}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Save(t.Context(), ins))

	t.Run("get", func(t *testing.T) {
		got, err := store.Get(t.Context(), ins.ID)
		require.NoError(t, err)
		assert.Equal(t, saga.StatusRunning, got.Status)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, saga.StepCompleted, got.Steps[0].Status)
		assert.JSONEq(t, `{"amount":10}`, string(got.Payload))

		_, err = store.Get(t.Context(), "missing")
		require.ErrorIs(t, err, saga.ErrInstanceNotFound)
	})

	t.Run("save is an upsert", func(t *testing.T) {
		ins.Status = saga.StatusCompleted
		ins.Steps[1].Status = saga.StepCompleted
		require.NoError(t, store.Save(t.Context(), ins))

		got, err := store.Get(t.Context(), ins.ID)
		require.NoError(t, err)
		assert.Equal(t, saga.StatusCompleted, got.Status)
		assert.Equal(t, saga.StepCompleted, got.Steps[1].Status)
	})

	t.Run("list by status", func(t *testing.T) {
		require.NoError(t, store.Save(t.Context(), &saga.Instance{
			ID:        gonanoid.Must(),
			Name:      "transfer",
			Status:    saga.StatusCompensated,
			CreatedAt: now.Add(time.Second),
			UpdatedAt: now.Add(time.Second),
		}))

		all, err := store.List(t.Context(), "", 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		completed, err := store.List(t.Context(), saga.StatusCompleted, 0)
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, ins.ID, completed[0].ID)
	})
}

func TestPostgres_Tier(t *testing.T) {
	db := NewTestDB(t)
	tier := NewTier(db)

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, tier.Set(t.Context(), "k1", []byte("v1"), 0, []string{"account:a1"}))

		val, ok, err := tier.Get(t.Context(), "k1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("v1"), val)

		_, ok, err = tier.Get(t.Context(), "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		require.NoError(t, tier.Set(t.Context(), "short", []byte("v"), 50*time.Millisecond, nil))

		_, ok, err := tier.Get(t.Context(), "short")
		require.NoError(t, err)
		require.True(t, ok)

		time.Sleep(80 * time.Millisecond)
		_, ok, err = tier.Get(t.Context(), "short")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("tag invalidation", func(t *testing.T) {
		require.NoError(t, tier.Set(t.Context(), "k2", []byte("v2"), 0, []string{"account:a1", "account:all"}))
		require.NoError(t, tier.Set(t.Context(), "k3", []byte("v3"), 0, []string{"account:a2"}))

		require.NoError(t, tier.Invalidate(t.Context(), []string{"account:a1"}))

		_, ok, err := tier.Get(t.Context(), "k1")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = tier.Get(t.Context(), "k2")
		require.NoError(t, err)
		assert.False(t, ok)

		// untagged by the invalidated tag, still present
		_, ok, err = tier.Get(t.Context(), "k3")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("invalidate is idempotent", func(t *testing.T) {
		require.NoError(t, tier.Invalidate(t.Context(), []string{"account:a1"}))
		require.NoError(t, tier.Invalidate(t.Context(), []string{"unknown"}))
	})

	t.Run("set replaces tags", func(t *testing.T) {
		require.NoError(t, tier.Set(t.Context(), "k4", []byte("old"), 0, []string{"tag-a"}))
		require.NoError(t, tier.Set(t.Context(), "k4", []byte("new"), 0, []string{"tag-b"}))

		require.NoError(t, tier.Invalidate(t.Context(), []string{"tag-a"}))
		val, ok, err := tier.Get(t.Context(), "k4")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("new"), val)

		require.NoError(t, tier.Invalidate(t.Context(), []string{"tag-b"}))
		_, ok, err = tier.Get(t.Context(), "k4")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
