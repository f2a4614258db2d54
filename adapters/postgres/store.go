package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/codewandler/esrc-go/core/es"
)

// Store is a PostgreSQL event store. Appends run in one transaction that
// performs the version compare-and-swap on the stream head, draws gapless
// global sequence numbers from a counter row and inserts the batch; any
// failure rolls back all of it.
type Store struct {
	log     *slog.Logger
	db      *gorm.DB
	metrics es.ESMetrics
}

type (
	storeOpts struct {
		metrics es.ESMetrics
	}

	// StoreOption configures NewStore.
	StoreOption interface{ applyToStore(*storeOpts) }

	storeMetricsOption struct{ v es.ESMetrics }
)

// WithMetrics instruments store operations.
func WithMetrics(m es.ESMetrics) StoreOption { return storeMetricsOption{v: m} }

func (o storeMetricsOption) applyToStore(s *storeOpts) { s.metrics = o.v }

func NewStore(log *slog.Logger, db *gorm.DB, opts ...StoreOption) *Store {
	options := storeOpts{metrics: es.NopESMetrics()}
	for _, opt := range opts {
		opt.applyToStore(&options)
	}
	return &Store{
		log:     log.With(slog.String("store", "postgres")),
		db:      db,
		metrics: options.metrics,
	}
}

func (s *Store) Load(
	ctx context.Context,
	aggType, aggID string,
	opts ...es.StoreLoadOption,
) ([]es.Envelope, error) {
	defer s.metrics.StoreLoadDuration(aggType).ObserveDuration()

	var lo loadOptions
	for _, opt := range opts {
		opt.ApplyToStoreLoadOptions(&lo)
	}

	q := handle(ctx, s.db).
		Where("aggregate_type = ? AND aggregate_id = ?", aggType, aggID).
		Order("version ASC")
	if lo.startVersion > 0 {
		q = q.Where("version >= ?", lo.startVersion)
	}
	if lo.startSeq > 0 {
		q = q.Where("seq >= ?", lo.startSeq)
	}
	if lo.limit > 0 {
		q = q.Limit(lo.limit)
	}

	var records []eventRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, storageErr("load events", err)
	}
	if len(records) == 0 {
		var head streamRecord
		err := handle(ctx, s.db).
			Where("aggregate_type = ? AND aggregate_id = ?", aggType, aggID).
			First(&head).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, es.ErrAggregateNotFound
		}
		if err != nil {
			return nil, storageErr("load stream head", err)
		}
		// the stream exists, the requested range is just empty
		return []es.Envelope{}, nil
	}
	return envelopesFromRecords(records)
}

// loadOptions collects the load narrowing options before they are turned
// into query predicates.
type loadOptions struct {
	startVersion uint64
	startSeq     uint64
	limit        int
}

func (o *loadOptions) SetStartVersion(v es.Version) { o.startVersion = uint64(v) }
func (o *loadOptions) SetStartSeq(seq uint64)       { o.startSeq = seq }
func (o *loadOptions) SetLimit(n int)               { o.limit = n }

func (s *Store) Append(
	ctx context.Context,
	aggType, aggID string,
	expectedVersion es.Version,
	events []es.Envelope,
) (*es.StoreAppendResult, error) {
	if len(events) == 0 {
		return nil, es.ErrStoreNoEvents
	}
	defer s.metrics.StoreAppendDuration(aggType).ObserveDuration()

	// validate the whole batch before touching the database
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if want := expectedVersion + es.Version(i+1); e.Version != want {
			return nil, fmt.Errorf("non-contiguous batch: event %d has version %d, want %d", i, e.Version, want)
		}
	}

	var lastSeq uint64
	err := handle(ctx, s.db).Transaction(func(tx *gorm.DB) error {
		newVersion := uint64(expectedVersion) + uint64(len(events))
		if expectedVersion == 0 {
			err := tx.Create(&streamRecord{
				AggregateType: aggType,
				AggregateID:   aggID,
				Version:       newVersion,
			}).Error
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return conflictErr(aggType, aggID, expectedVersion)
			}
			if err != nil {
				return storageErr("create stream head", err)
			}
		} else {
			res := tx.Model(&streamRecord{}).
				Where("aggregate_type = ? AND aggregate_id = ? AND version = ?",
					aggType, aggID, uint64(expectedVersion)).
				Update("version", newVersion)
			if res.Error != nil {
				return storageErr("advance stream head", res.Error)
			}
			if res.RowsAffected == 0 {
				return conflictErr(aggType, aggID, expectedVersion)
			}
		}

		// the counter row lock serializes committers; a rollback undoes the
		// increment, so the committed sequence stays gapless
		var seq int64
		err := tx.Raw(`
			INSERT INTO es_sequence (id, value) VALUES (1, ?)
			ON CONFLICT (id) DO UPDATE SET value = es_sequence.value + EXCLUDED.value
			RETURNING value`, len(events)).Scan(&seq).Error
		if err != nil {
			return storageErr("advance global sequence", err)
		}
		lastSeq = uint64(seq)

		records := make([]eventRecord, len(events))
		for i, e := range events {
			e.Seq = lastSeq - uint64(len(events)-i-1)
			rec, err := recordFromEnvelope(e)
			if err != nil {
				return err
			}
			records[i] = rec
		}
		if err := tx.Create(&records).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return conflictErr(aggType, aggID, expectedVersion)
			}
			return storageErr("insert events", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("append",
		slog.String("agg_type", aggType),
		slog.String("agg_id", aggID),
		slog.Uint64("last_seq", lastSeq),
		slog.Int("num_events", len(events)),
	)
	return &es.StoreAppendResult{LastSeq: lastSeq}, nil
}

func (s *Store) Global(ctx context.Context, afterSeq uint64, limit int) ([]es.Envelope, error) {
	q := handle(ctx, s.db).
		Where("seq > ?", afterSeq).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var records []eventRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, storageErr("load global stream", err)
	}
	return envelopesFromRecords(records)
}

func conflictErr(aggType, aggID string, expected es.Version) error {
	return fmt.Errorf("%w: agg_type=%s agg_id=%s expected=%d",
		es.ErrConcurrencyConflict, aggType, aggID, expected)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", es.ErrStorageUnavailable, op, err)
}

func recordFromEnvelope(e es.Envelope) (eventRecord, error) {
	var meta []byte
	if len(e.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(e.Metadata)
		if err != nil {
			return eventRecord{}, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	return eventRecord{
		ID:            e.ID,
		Seq:           e.Seq,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Version:       uint64(e.Version),
		EventType:     e.Type,
		EventVersion:  e.EventVersion,
		OccurredAt:    e.OccurredAt.UTC(),
		Metadata:      meta,
		Data:          e.Data,
	}, nil
}

func envelopesFromRecords(records []eventRecord) ([]es.Envelope, error) {
	out := make([]es.Envelope, len(records))
	for i, r := range records {
		var meta es.Metadata
		if len(r.Metadata) > 0 {
			if err := json.Unmarshal(r.Metadata, &meta); err != nil {
				return nil, fmt.Errorf("unmarshal metadata of event %s: %w", r.ID, err)
			}
		}
		out[i] = es.Envelope{
			ID:            r.ID,
			Seq:           r.Seq,
			Version:       es.Version(r.Version),
			AggregateType: r.AggregateType,
			AggregateID:   r.AggregateID,
			Type:          r.EventType,
			EventVersion:  r.EventVersion,
			OccurredAt:    r.OccurredAt.In(time.UTC),
			Metadata:      meta,
			Data:          r.Data,
		}
	}
	return out, nil
}

var _ es.EventStore = (*Store)(nil)
