package estests

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/esrc-go/core/es"
	"github.com/codewandler/esrc-go/estests/domain"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newAccountRepo(
	store es.EventStore,
	registry *es.EventRegistry,
	opts ...es.RepositoryOption,
) es.TypedRepository[*domain.Account] {
	return es.NewTypedRepository[*domain.Account](discard(), store, registry, opts...)
}

func TestRepository_RoundTrip(t *testing.T) {
	ctx := t.Context()
	store := es.NewInMemoryStore()
	repo := newAccountRepo(store, es.NewRegistry())

	acc, err := repo.Create(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(1), acc.GetVersion())

	require.NoError(t, acc.Deposit(100))
	require.NoError(t, acc.Deposit(50))
	require.NoError(t, acc.Withdraw(30))
	require.NoError(t, repo.Save(ctx, acc))
	require.Equal(t, es.Version(4), acc.GetVersion())
	require.Empty(t, acc.Uncommitted())

	loaded, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), loaded.Balance)
	assert.Equal(t, 3, loaded.TxCount)
	assert.Equal(t, acc.GetVersion(), loaded.GetVersion())
	assert.Equal(t, acc.GetSeq(), loaded.GetSeq())
	assert.True(t, loaded.IsCreated())
}

func TestRepository_NotFound(t *testing.T) {
	repo := newAccountRepo(es.NewInMemoryStore(), es.NewRegistry())
	_, err := repo.GetByID(t.Context(), "missing")
	require.ErrorIs(t, err, es.ErrAggregateNotFound)
}

func TestRepository_SaveNothing(t *testing.T) {
	ctx := t.Context()
	repo := newAccountRepo(es.NewInMemoryStore(), es.NewRegistry())
	acc, err := repo.Create(ctx, "acc-1")
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, acc))
	require.Equal(t, es.Version(1), acc.GetVersion())
}

func TestRepository_ConcurrencyConflict(t *testing.T) {
	ctx := t.Context()
	store := es.NewInMemoryStore()
	repo := newAccountRepo(store, es.NewRegistry())

	_, err := repo.Create(ctx, "acc-1")
	require.NoError(t, err)

	a, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	b, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)

	require.NoError(t, a.Deposit(10))
	require.NoError(t, repo.Save(ctx, a))

	require.NoError(t, b.Deposit(20))
	err = repo.Save(ctx, b)
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	// losing writer resolves by reload and reapply
	b, err = repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	require.NoError(t, b.Deposit(20))
	require.NoError(t, repo.Save(ctx, b))
	assert.Equal(t, int64(30), b.Balance)
}

func TestRepository_GetOrCreate(t *testing.T) {
	ctx := t.Context()
	repo := newAccountRepo(es.NewInMemoryStore(), es.NewRegistry())

	a, err := repo.GetOrCreate(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(1), a.GetVersion())

	require.NoError(t, a.Deposit(5))
	require.NoError(t, repo.Save(ctx, a))

	b, err := repo.GetOrCreate(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Balance)
	assert.Equal(t, es.Version(2), b.GetVersion())
}

func TestRepository_Metadata(t *testing.T) {
	ctx := t.Context()
	store := es.NewInMemoryStore()
	repo := newAccountRepo(store, es.NewRegistry())

	acc := repo.New()
	require.NoError(t, acc.Create("acc-1"))
	require.NoError(t, acc.Deposit(10))
	require.NoError(t, repo.Save(ctx, acc, es.WithMetadata(es.Metadata{
		es.MetaCorrelationID: "corr-1",
		es.MetaCausationID:   "cmd-1",
	})))

	envs, err := store.Load(ctx, "account", "acc-1")
	require.NoError(t, err)
	require.Len(t, envs, 2)
	for _, env := range envs {
		assert.Equal(t, "corr-1", env.Metadata[es.MetaCorrelationID])
		assert.Equal(t, "cmd-1", env.Metadata[es.MetaCausationID])
	}
}

func TestRepository_SnapshotFixedCountTrigger(t *testing.T) {
	ctx := t.Context()
	store := es.NewInMemoryStore()
	snaps := es.NewInMemorySnapshotter()
	repo := newAccountRepo(store, es.NewRegistry(),
		es.WithSnapshotter(snaps),
		es.WithSnapshotStrategy(es.NewFixedCountStrategy(10)),
		es.WithSyncSnapshots(),
	)

	acc, err := repo.Create(ctx, "acc-1") // version 1
	require.NoError(t, err)

	deposit := func(n int) {
		for i := 0; i < n; i++ {
			require.NoError(t, acc.Deposit(1))
			require.NoError(t, repo.Save(ctx, acc))
		}
	}

	// 9 events total: below the threshold, no snapshot yet
	deposit(8)
	_, err = snaps.LoadSnapshot(ctx, "account", "acc-1", 0)
	require.ErrorIs(t, err, es.ErrSnapshotNotFound)

	// the 10th event trips the strategy
	deposit(1)
	snap, err := snaps.LoadSnapshot(ctx, "account", "acc-1", 0)
	require.NoError(t, err)
	assert.Equal(t, es.Version(10), snap.Version)

	// counter resets: next snapshot lands 10 events later
	deposit(10)
	snap, err = snaps.LoadSnapshot(ctx, "account", "acc-1", 0)
	require.NoError(t, err)
	assert.Equal(t, es.Version(20), snap.Version)
}

func TestRepository_SnapshotLoadEquivalence(t *testing.T) {
	ctx := t.Context()
	store := es.NewInMemoryStore()
	snaps := es.NewInMemorySnapshotter()
	repo := newAccountRepo(store, es.NewRegistry(),
		es.WithSnapshotter(snaps),
		es.WithSnapshotStrategy(es.NewFixedCountStrategy(5)),
		es.WithSyncSnapshots(),
		es.WithSnapshotCompression(),
	)

	acc, err := repo.Create(ctx, "acc-1")
	require.NoError(t, err)
	for i := 1; i <= 12; i++ {
		require.NoError(t, acc.Deposit(int64(i)))
		require.NoError(t, repo.Save(ctx, acc))
	}

	// a snapshot exists and is actually used
	snap, err := snaps.LoadSnapshot(ctx, "account", "acc-1", 0)
	require.NoError(t, err)
	require.Equal(t, es.EncodingJSONZstd, snap.Encoding)

	fromSnap, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	fromReplay, err := repo.GetByID(ctx, "acc-1", es.WithSnapshot(false))
	require.NoError(t, err)

	assert.Equal(t, fromReplay.Balance, fromSnap.Balance)
	assert.Equal(t, fromReplay.TxCount, fromSnap.TxCount)
	assert.Equal(t, fromReplay.GetVersion(), fromSnap.GetVersion())
	assert.Equal(t, fromReplay.GetSeq(), fromSnap.GetSeq())
}

// corruptingSnapshotter hands out snapshots with flipped payload bytes.
type corruptingSnapshotter struct {
	es.Snapshotter
}

func (c *corruptingSnapshotter) LoadSnapshot(
	ctx context.Context,
	aggType, aggID string,
	atOrBefore es.Version,
) (*es.Snapshot, error) {
	snap, err := c.Snapshotter.LoadSnapshot(ctx, aggType, aggID, atOrBefore)
	if err != nil {
		return nil, err
	}
	tampered := *snap
	tampered.Data = append([]byte(nil), snap.Data...)
	if len(tampered.Data) > 0 {
		tampered.Data[0] ^= 0xff
	}
	return &tampered, nil
}

func TestRepository_CorruptedSnapshotFallsBackToReplay(t *testing.T) {
	ctx := t.Context()
	store := es.NewInMemoryStore()
	snaps := &corruptingSnapshotter{Snapshotter: es.NewInMemorySnapshotter()}
	repo := newAccountRepo(store, es.NewRegistry(),
		es.WithSnapshotter(snaps),
		es.WithSnapshotStrategy(es.NewFixedCountStrategy(5)),
		es.WithSyncSnapshots(),
	)

	acc, err := repo.Create(ctx, "acc-1")
	require.NoError(t, err)
	for i := 0; i < 9; i++ {
		require.NoError(t, acc.Deposit(10))
		require.NoError(t, repo.Save(ctx, acc))
	}

	loaded, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), loaded.Balance)
	assert.Equal(t, es.Version(10), loaded.GetVersion())
}

func TestRepository_ExplicitSnapshot(t *testing.T) {
	ctx := t.Context()
	snaps := es.NewInMemorySnapshotter()
	repo := newAccountRepo(es.NewInMemoryStore(), es.NewRegistry(), es.WithSnapshotter(snaps))

	acc, err := repo.Create(ctx, "acc-1")
	require.NoError(t, err)
	require.NoError(t, acc.Deposit(10))
	require.NoError(t, repo.Save(ctx, acc))

	snap, err := repo.CreateSnapshot(ctx, acc)
	require.NoError(t, err)
	assert.Equal(t, es.Version(2), snap.Version)

	stored, err := snaps.LoadSnapshot(ctx, "account", "acc-1", 0)
	require.NoError(t, err)
	assert.Equal(t, snap.SnapshotID, stored.SnapshotID)
}

func TestRepository_SnapshotterUnconfigured(t *testing.T) {
	ctx := t.Context()
	repo := newAccountRepo(es.NewInMemoryStore(), es.NewRegistry())
	acc, err := repo.Create(ctx, "acc-1")
	require.NoError(t, err)

	_, err = repo.CreateSnapshot(ctx, acc)
	require.ErrorIs(t, err, es.ErrSnapshotterUnconfigured)
}

func TestTypedRepository_WithTransaction(t *testing.T) {
	ctx := t.Context()
	store := es.NewInMemoryStore()
	registry := es.NewRegistry()
	repo := newAccountRepo(store, registry)

	_, err := repo.Create(ctx, "acc-1")
	require.NoError(t, err)

	err = repo.WithTransaction(ctx, "acc-1", func(acc *domain.Account) error {
		return acc.Deposit(25)
	})
	require.NoError(t, err)

	loaded, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), loaded.Balance)
}

func TestTypedRepository_WithTransaction_Create(t *testing.T) {
	ctx := t.Context()
	repo := newAccountRepo(es.NewInMemoryStore(), es.NewRegistry())

	err := repo.WithTransaction(ctx, "fresh", func(acc *domain.Account) error {
		return acc.Deposit(5)
	})
	require.ErrorIs(t, err, es.ErrAggregateNotFound)

	err = repo.WithTransaction(ctx, "fresh", func(acc *domain.Account) error {
		return acc.Deposit(5)
	}, es.WithTxCreate())
	require.NoError(t, err)

	loaded, err := repo.GetByID(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, int64(5), loaded.Balance)
	assert.Equal(t, es.Version(2), loaded.GetVersion())
}

func TestTypedRepository_WithTransaction_RetriesOnConflict(t *testing.T) {
	ctx := t.Context()
	store := es.NewInMemoryStore()
	registry := es.NewRegistry()
	repo := newAccountRepo(store, registry)

	_, err := repo.Create(ctx, "acc-1")
	require.NoError(t, err)

	attempts := 0
	err = repo.WithTransaction(ctx, "acc-1", func(acc *domain.Account) error {
		attempts++
		if attempts == 1 {
			// interleave a competing write so the first save conflicts
			other, err := repo.GetByID(ctx, "acc-1")
			if err != nil {
				return err
			}
			if err := other.Deposit(100); err != nil {
				return err
			}
			if err := repo.Save(ctx, other); err != nil {
				return err
			}
		}
		return acc.Deposit(1)
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)

	loaded, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(101), loaded.Balance)
}

func TestTypedRepository_WithTransaction_AttemptsExhausted(t *testing.T) {
	ctx := t.Context()
	repo := newAccountRepo(es.NewInMemoryStore(), es.NewRegistry())

	_, err := repo.Create(ctx, "acc-1")
	require.NoError(t, err)

	err = repo.WithTransaction(ctx, "acc-1", func(acc *domain.Account) error {
		// always interleave a competing write
		other, err := repo.GetByID(ctx, "acc-1")
		if err != nil {
			return err
		}
		if err := other.Deposit(1); err != nil {
			return err
		}
		if err := repo.Save(ctx, other); err != nil {
			return err
		}
		return acc.Deposit(1)
	}, es.WithTxMaxAttempts(2))
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)
}
