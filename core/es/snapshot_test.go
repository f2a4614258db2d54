package es

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapAgg struct {
	BaseAggregate
	Count int `json:"count"`
}

func (a *snapAgg) GetAggType() string { return "snap-agg" }

func (a *snapAgg) Register(r Registrar) {
	RegisterEventFor[AggregateCreatedEvent](r)
}

func newSnapAgg(t *testing.T) *snapAgg {
	t.Helper()
	a := &snapAgg{Count: 42}
	require.NoError(t, a.Create("a1"))
	a.ClearUncommitted()
	a.setVersion(7)
	a.setSeq(21)
	return a
}

func TestSnapshot_RoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		a := newSnapAgg(t)

		snap, err := CreateSnapshot(a, compress)
		require.NoError(t, err)
		assert.NotEmpty(t, snap.SnapshotID)
		assert.Equal(t, "snap-agg", snap.AggregateType)
		assert.Equal(t, "a1", snap.AggregateID)
		assert.Equal(t, Version(7), snap.Version)
		assert.Equal(t, uint64(21), snap.Seq)
		assert.NotEmpty(t, snap.Hash)
		if compress {
			assert.Equal(t, EncodingJSONZstd, snap.Encoding)
		} else {
			assert.Equal(t, EncodingJSON, snap.Encoding)
		}

		restored := &snapAgg{}
		restored.SetID("a1")
		require.NoError(t, RestoreSnapshot(snap, restored))
		assert.Equal(t, 42, restored.Count)
		assert.Equal(t, Version(7), restored.GetVersion())
		assert.Equal(t, uint64(21), restored.GetSeq())
		assert.Equal(t, a.GetCreatedAt().Unix(), restored.GetCreatedAt().Unix())
	}
}

func TestSnapshot_TamperedDataIsCorrupted(t *testing.T) {
	a := newSnapAgg(t)
	snap, err := CreateSnapshot(a, false)
	require.NoError(t, err)

	snap.Data = append([]byte(nil), snap.Data...)
	snap.Data[0] ^= 0xff

	err = RestoreSnapshot(snap, &snapAgg{})
	require.ErrorIs(t, err, ErrSnapshotCorrupted)
}

func TestSnapshot_UnknownEncodingIsCorrupted(t *testing.T) {
	a := newSnapAgg(t)
	snap, err := CreateSnapshot(a, false)
	require.NoError(t, err)
	snap.Encoding = "gob"

	err = RestoreSnapshot(snap, &snapAgg{})
	require.ErrorIs(t, err, ErrSnapshotCorrupted)
}

func TestInMemorySnapshotter(t *testing.T) {
	ctx := t.Context()
	s := NewInMemorySnapshotter()

	_, err := s.LoadSnapshot(ctx, "snap-agg", "a1", 0)
	require.ErrorIs(t, err, ErrSnapshotNotFound)

	for _, v := range []Version{5, 10, 15} {
		require.NoError(t, s.SaveSnapshot(ctx, &Snapshot{
			SnapshotID:    fmt.Sprintf("s%d", v),
			AggregateID:   "a1",
			AggregateType: "snap-agg",
			Version:       v,
		}))
	}

	// latest
	snap, err := s.LoadSnapshot(ctx, "snap-agg", "a1", 0)
	require.NoError(t, err)
	assert.Equal(t, Version(15), snap.Version)

	// at or before
	snap, err = s.LoadSnapshot(ctx, "snap-agg", "a1", 12)
	require.NoError(t, err)
	assert.Equal(t, Version(10), snap.Version)

	snap, err = s.LoadSnapshot(ctx, "snap-agg", "a1", 5)
	require.NoError(t, err)
	assert.Equal(t, Version(5), snap.Version)

	_, err = s.LoadSnapshot(ctx, "snap-agg", "a1", 4)
	require.ErrorIs(t, err, ErrSnapshotNotFound)

	// upsert per version is idempotent
	require.NoError(t, s.SaveSnapshot(ctx, &Snapshot{
		SnapshotID: "replacement", AggregateID: "a1", AggregateType: "snap-agg", Version: 15,
	}))
	snap, err = s.LoadSnapshot(ctx, "snap-agg", "a1", 0)
	require.NoError(t, err)
	assert.Equal(t, "replacement", snap.SnapshotID)
}
