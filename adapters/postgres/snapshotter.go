package postgres

import (
	"context"
	"errors"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/codewandler/esrc-go/core/es"
)

// Snapshotter persists snapshots with a unique (aggregate_type,
// aggregate_id, version) key. SaveSnapshot is an idempotent upsert on that
// key.
type Snapshotter struct {
	log *slog.Logger
	db  *gorm.DB
}

func NewSnapshotter(log *slog.Logger, db *gorm.DB) *Snapshotter {
	return &Snapshotter{
		log: log.With(slog.String("snapshotter", "postgres")),
		db:  db,
	}
}

func (s *Snapshotter) SaveSnapshot(ctx context.Context, snapshot *es.Snapshot) error {
	rec := snapshotRecord{
		SnapshotID:    snapshot.SnapshotID,
		AggregateType: snapshot.AggregateType,
		AggregateID:   snapshot.AggregateID,
		Version:       uint64(snapshot.Version),
		Seq:           snapshot.Seq,
		CreatedAt:     snapshot.CreatedAt.UTC(),
		SchemaVersion: snapshot.SchemaVersion,
		Encoding:      snapshot.Encoding,
		Hash:          snapshot.Hash,
		Data:          snapshot.Data,
	}
	err := handle(ctx, s.db).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "aggregate_type"}, {Name: "aggregate_id"}, {Name: "version"},
		},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return storageErr("save snapshot", err)
	}
	return nil
}

func (s *Snapshotter) LoadSnapshot(
	ctx context.Context,
	aggType, aggID string,
	atOrBefore es.Version,
) (*es.Snapshot, error) {
	q := handle(ctx, s.db).
		Where("aggregate_type = ? AND aggregate_id = ?", aggType, aggID).
		Order("version DESC")
	if atOrBefore > 0 {
		q = q.Where("version <= ?", uint64(atOrBefore))
	}

	var rec snapshotRecord
	if err := q.First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, es.ErrSnapshotNotFound
		}
		return nil, storageErr("load snapshot", err)
	}
	return &es.Snapshot{
		SnapshotID:    rec.SnapshotID,
		AggregateID:   rec.AggregateID,
		AggregateType: rec.AggregateType,
		Version:       es.Version(rec.Version),
		Seq:           rec.Seq,
		CreatedAt:     rec.CreatedAt,
		SchemaVersion: rec.SchemaVersion,
		Encoding:      rec.Encoding,
		Hash:          rec.Hash,
		Data:          rec.Data,
	}, nil
}

var _ es.Snapshotter = (*Snapshotter)(nil)
