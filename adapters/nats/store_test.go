package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/esrc-go/core/es"
)

func newEnv(aggType, aggID string, version es.Version) es.Envelope {
	return es.Envelope{
		ID:            gonanoid.Must(),
		AggregateType: aggType,
		AggregateID:   aggID,
		Type:          "testEvent",
		Version:       version,
		OccurredAt:    time.Now(),
		Data:          json.RawMessage(fmt.Sprintf(`{"v":%d}`, version)),
	}
}

func TestNats_EventStore(t *testing.T) {
	connect := ReuseConnection(NewTestContainer(t))
	store, err := NewStore(StoreConfig{Connect: connect, Log: slog.Default()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	t.Run("append and load", func(t *testing.T) {
		res, err := store.Append(t.Context(), "account", "a1", 0, []es.Envelope{
			newEnv("account", "a1", 1),
			newEnv("account", "a1", 2),
			newEnv("account", "a1", 3),
		})
		require.NoError(t, err)
		require.EqualValues(t, 3, res.LastSeq)

		events, err := store.Load(t.Context(), "account", "a1")
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, e := range events {
			assert.EqualValues(t, i+1, e.Version)
			assert.EqualValues(t, i+1, e.Seq)
		}
	})

	t.Run("load options", func(t *testing.T) {
		events, err := store.Load(t.Context(), "account", "a1", es.WithStartAtVersion(2))
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.EqualValues(t, 2, events[0].Version)

		events, err = store.Load(t.Context(), "account", "a1",
			es.WithStartAtVersion(2), es.WithLoadLimit(1))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.EqualValues(t, 2, events[0].Version)
	})

	t.Run("unknown aggregate", func(t *testing.T) {
		_, err := store.Load(t.Context(), "account", "missing")
		require.ErrorIs(t, err, es.ErrAggregateNotFound)
	})

	t.Run("stale expected version conflicts", func(t *testing.T) {
		_, err := store.Append(t.Context(), "account", "a1", 1, []es.Envelope{
			newEnv("account", "a1", 2),
		})
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)

		_, err = store.Append(t.Context(), "account", "a1", 0, []es.Envelope{
			newEnv("account", "a1", 1),
		})
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)

		events, err := store.Load(t.Context(), "account", "a1")
		require.NoError(t, err)
		assert.Len(t, events, 3)
	})

	t.Run("concurrent create has one winner", func(t *testing.T) {
		const writers = 8
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			wins  int
			fails int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Append(context.Background(), "account", "contested", 0, []es.Envelope{
					newEnv("account", "contested", 1),
				})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if errors.Is(err, es.ErrConcurrencyConflict) {
					fails++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, fails)

		events, err := store.Load(t.Context(), "account", "contested")
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("global pages in commit order", func(t *testing.T) {
		all, err := store.Global(t.Context(), 0, 0)
		require.NoError(t, err)
		require.NotEmpty(t, all)
		for i := 1; i < len(all); i++ {
			assert.Equal(t, all[i-1].Seq+1, all[i].Seq)
		}

		page, err := store.Global(t.Context(), 1, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.EqualValues(t, 2, page[0].Seq)
		assert.EqualValues(t, 3, page[1].Seq)

		empty, err := store.Global(t.Context(), all[len(all)-1].Seq, 0)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("subscribe tails backlog and live events", func(t *testing.T) {
		sub, err := store.Subscribe(t.Context(), 0)
		require.NoError(t, err)
		defer sub.Cancel()

		// backlog
		first := recvEnvelope(t, sub)
		assert.EqualValues(t, 1, first.Seq)

		backlog, err := store.Global(t.Context(), 0, 0)
		require.NoError(t, err)
		for range len(backlog) - 1 {
			recvEnvelope(t, sub)
		}

		// live
		_, err = store.Append(t.Context(), "account", "a2", 0, []es.Envelope{
			newEnv("account", "a2", 1),
		})
		require.NoError(t, err)

		live := recvEnvelope(t, sub)
		assert.Equal(t, "a2", live.AggregateID)
	})
}

func recvEnvelope(t *testing.T, sub es.Subscription) es.Envelope {
	t.Helper()
	select {
	case e := <-sub.Chan():
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return es.Envelope{}
	}
}

func TestNats_Snapshotter(t *testing.T) {
	connect := ReuseConnection(NewTestContainer(t, WithTestImage("nats:2.10-alpine")))
	snaps, err := NewSnapshotter(SnapshotterConfig{Connect: connect, Bucket: "esrc_snapshots_test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = snaps.Close() })

	save := func(version es.Version, marker string) {
		require.NoError(t, snaps.SaveSnapshot(t.Context(), &es.Snapshot{
			SnapshotID:    gonanoid.Must(),
			AggregateID:   "a1",
			AggregateType: "account",
			Version:       version,
			Seq:           uint64(version),
			CreatedAt:     time.Now(),
			SchemaVersion: 1,
			Encoding:      "json",
			Hash:          marker,
			Data:          []byte(`{}`),
		}))
	}

	t.Run("round trip", func(t *testing.T) {
		save(10, "h10")

		s, err := snaps.LoadSnapshot(t.Context(), "account", "a1", 0)
		require.NoError(t, err)
		assert.EqualValues(t, 10, s.Version)
		assert.Equal(t, "h10", s.Hash)
	})

	t.Run("only the latest version is retained", func(t *testing.T) {
		save(20, "h20")

		s, err := snaps.LoadSnapshot(t.Context(), "account", "a1", 0)
		require.NoError(t, err)
		assert.EqualValues(t, 20, s.Version)

		_, err = snaps.LoadSnapshot(t.Context(), "account", "a1", 15)
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)
	})

	t.Run("stale writer does not clobber a fresher snapshot", func(t *testing.T) {
		save(15, "h15-late")

		s, err := snaps.LoadSnapshot(t.Context(), "account", "a1", 0)
		require.NoError(t, err)
		assert.EqualValues(t, 20, s.Version)
	})

	t.Run("unknown aggregate", func(t *testing.T) {
		_, err := snaps.LoadSnapshot(t.Context(), "account", "missing", 0)
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)
	})
}
