package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// replayEWMAWeight smooths replay latency observations fed to adaptive
// snapshot strategies.
const replayEWMAWeight = 0.3

type (
	// Repository rehydrates aggregates from the event store and persists
	// their uncommitted events, taking snapshots per the configured
	// strategy. Snapshots are an optimization only: any snapshot failure
	// degrades to full replay, never to an error.
	Repository interface {
		// Load rehydrates agg (identified by GetAggType/GetID) from the
		// latest usable snapshot plus subsequent events. Returns
		// ErrAggregateNotFound when no events and no snapshot exist.
		Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error
		// Save appends agg's uncommitted events with expectedVersion =
		// agg.GetVersion(). On success the aggregate's version and sequence
		// advance and the uncommitted list is cleared. No-op when there is
		// nothing to save.
		Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error
		// CreateSnapshot takes a snapshot of agg's current state right now,
		// bypassing the strategy. Synchronous.
		CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error)
	}

	// aggTracker carries the per-aggregate stats a SnapshotStrategy
	// decides on.
	aggTracker struct {
		eventsSinceSnapshot int
		lastSnapshotAt      time.Time
		replayEWMA          time.Duration
		// version is the last version this repository saved or loaded,
		// used to re-derive eventsSinceSnapshot when an async snapshot
		// lands after further saves.
		version Version
	}

	repository struct {
		log     *slog.Logger
		store   EventStore
		decoder Decoder
		opts    repoOpts

		mu       sync.Mutex
		trackers map[string]*aggTracker
		wg       sync.WaitGroup
	}
)

// NewRepository creates a Repository on top of store. The decoder (usually
// an *EventRegistry) turns stored envelopes back into typed events.
func NewRepository(log *slog.Logger, store EventStore, decoder Decoder, opts ...RepositoryOption) Repository {
	return &repository{
		log:      log.With(slog.String("component", "es-repo")),
		store:    store,
		decoder:  decoder,
		opts:     newRepoOpts(opts...),
		trackers: map[string]*aggTracker{},
	}
}

func (r *repository) tracker(aggType, aggID string) *aggTracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := aggType + "-" + aggID
	t, ok := r.trackers[k]
	if !ok {
		t = &aggTracker{}
		r.trackers[k] = t
	}
	return t
}

func (r *repository) Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error {
	options := newLoadOptions(opts...)
	aggType, aggID := agg.GetAggType(), agg.GetID()
	if aggID == "" {
		return errors.New("load: aggregate id is empty")
	}

	timer := r.opts.metrics.RepoLoadDuration(aggType)
	defer timer.ObserveDuration()
	start := time.Now()

	if options.snapshot && r.opts.snapshotter != nil {
		r.restoreFromSnapshot(ctx, agg, aggType, aggID)
	}

	replayed, err := r.replay(ctx, agg, aggType, aggID)
	if err != nil {
		return err
	}
	if agg.GetVersion() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrAggregateNotFound, aggType, aggID)
	}

	t := r.tracker(aggType, aggID)
	r.mu.Lock()
	t.eventsSinceSnapshot = replayed
	t.version = agg.GetVersion()
	obs := time.Since(start)
	if t.replayEWMA == 0 {
		t.replayEWMA = obs
	} else {
		t.replayEWMA = time.Duration(
			float64(t.replayEWMA)*(1-replayEWMAWeight) + float64(obs)*replayEWMAWeight,
		)
	}
	r.mu.Unlock()

	return nil
}

// restoreFromSnapshot best-effort restores agg from its latest snapshot.
// Missing, corrupted or unreachable snapshots all degrade to full replay.
func (r *repository) restoreFromSnapshot(ctx context.Context, agg Aggregate, aggType, aggID string) {
	timer := r.opts.metrics.SnapshotLoadDuration(aggType)
	snap, err := r.opts.snapshotter.LoadSnapshot(ctx, aggType, aggID, 0)
	timer.ObserveDuration()

	switch {
	case err == nil:
	case errors.Is(err, ErrSnapshotNotFound):
		return
	case errors.Is(err, ErrSnapshotCorrupted):
		r.opts.metrics.SnapshotCorrupted(aggType)
		r.log.Warn("corrupted snapshot, falling back to full replay",
			slog.String("agg_type", aggType), slog.String("agg_id", aggID), slog.Any("error", err))
		return
	default:
		r.log.Warn("snapshot load failed, falling back to full replay",
			slog.String("agg_type", aggType), slog.String("agg_id", aggID), slog.Any("error", err))
		return
	}

	if err := RestoreSnapshot(snap, agg); err != nil {
		r.opts.metrics.SnapshotCorrupted(aggType)
		r.log.Warn("snapshot restore failed, falling back to full replay",
			snap.logAttrs(), slog.Any("error", err))
	}
}

// replay loads and applies all events past the aggregate's current version,
// returning the number of events applied.
func (r *repository) replay(ctx context.Context, agg Aggregate, aggType, aggID string) (int, error) {
	timer := r.opts.metrics.StoreLoadDuration(aggType)
	envs, err := r.store.Load(ctx, aggType, aggID, WithStartAtVersion(agg.GetVersion()+1))
	timer.ObserveDuration()
	if err != nil {
		if errors.Is(err, ErrAggregateNotFound) && agg.GetVersion() > 0 {
			// snapshot covers the whole stream
			return 0, nil
		}
		return 0, err
	}

	for _, env := range envs {
		if env.Version != agg.GetVersion()+1 {
			return 0, fmt.Errorf(
				"event stream gap for %s/%s: have version %d, next event is %d",
				aggType, aggID, agg.GetVersion(), env.Version,
			)
		}
		ev, err := r.decoder.Decode(env)
		if err != nil {
			return 0, fmt.Errorf("decode event %s at version %d: %w", env.Type, env.Version, err)
		}
		if err := agg.Apply(ev); err != nil {
			return 0, fmt.Errorf("apply event %s at version %d: %w", env.Type, env.Version, err)
		}
		agg.setVersion(env.Version)
		agg.setSeq(env.Seq)
	}
	return len(envs), nil
}

func (r *repository) Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error {
	options := newSaveOptions(opts...)
	uncommitted := agg.Uncommitted()
	if len(uncommitted) == 0 {
		return nil
	}
	aggType, aggID := agg.GetAggType(), agg.GetID()
	if aggID == "" {
		return errors.New("save: aggregate id is empty")
	}

	timer := r.opts.metrics.RepoSaveDuration(aggType)
	defer timer.ObserveDuration()

	expected := agg.GetVersion()
	envelopes, err := r.envelopes(aggType, aggID, expected, uncommitted, options.metadata)
	if err != nil {
		return err
	}

	appendTimer := r.opts.metrics.StoreAppendDuration(aggType)
	res, err := r.store.Append(ctx, aggType, aggID, expected, envelopes)
	appendTimer.ObserveDuration()
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.opts.metrics.ConcurrencyConflict(aggType)
		}
		return err
	}

	agg.setVersion(expected + Version(len(envelopes)))
	agg.setSeq(res.LastSeq)
	agg.ClearUncommitted()
	r.opts.metrics.EventsAppended(aggType, len(envelopes))

	t := r.tracker(aggType, aggID)
	r.mu.Lock()
	t.eventsSinceSnapshot += len(envelopes)
	t.version = agg.GetVersion()
	stats := SnapshotStats{
		EventsSinceSnapshot: t.eventsSinceSnapshot,
		LastSnapshotAt:      t.lastSnapshotAt,
		ReplayLatency:       t.replayEWMA,
	}
	r.mu.Unlock()

	if r.opts.snapshotter != nil && (options.snapshot || r.opts.strategy.ShouldSnapshot(stats)) {
		r.snapshot(ctx, agg, t)
	}
	return nil
}

// snapshot serializes the aggregate state synchronously (the caller still
// owns the instance here) and persists it, asynchronously unless
// WithSyncSnapshots is set. Failures are logged, never surfaced; the
// event counter is only reset on success so the strategy fires again.
func (r *repository) snapshot(ctx context.Context, agg Aggregate, t *aggTracker) {
	snap, err := CreateSnapshot(agg, r.opts.compress)
	if err != nil {
		r.log.Warn("snapshot serialization failed",
			slog.String("agg_type", agg.GetAggType()),
			slog.String("agg_id", agg.GetID()),
			slog.Any("error", err))
		return
	}

	save := func(ctx context.Context) {
		timer := r.opts.metrics.SnapshotSaveDuration(snap.AggregateType)
		err := r.opts.snapshotter.SaveSnapshot(ctx, snap)
		timer.ObserveDuration()
		if err != nil {
			r.log.Warn("snapshot save failed", snap.logAttrs(), slog.Any("error", err))
			return
		}
		r.opts.metrics.SnapshotCreated(snap.AggregateType)
		r.log.Debug("snapshot saved", snap.logAttrs())

		r.mu.Lock()
		if snap.CreatedAt.After(t.lastSnapshotAt) {
			t.lastSnapshotAt = snap.CreatedAt
			t.eventsSinceSnapshot = int(t.version - snap.Version)
		}
		r.mu.Unlock()
	}

	if r.opts.syncSnapshots {
		save(ctx)
		return
	}
	r.wg.Add(1)
	go func(ctx context.Context) {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		save(ctx)
	}(context.WithoutCancel(ctx))
}

func (r *repository) CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error) {
	if r.opts.snapshotter == nil {
		return nil, ErrSnapshotterUnconfigured
	}
	snap, err := CreateSnapshot(agg, r.opts.compress)
	if err != nil {
		return nil, err
	}
	timer := r.opts.metrics.SnapshotSaveDuration(snap.AggregateType)
	err = r.opts.snapshotter.SaveSnapshot(ctx, snap)
	timer.ObserveDuration()
	if err != nil {
		return nil, err
	}
	r.opts.metrics.SnapshotCreated(snap.AggregateType)

	t := r.tracker(snap.AggregateType, snap.AggregateID)
	r.mu.Lock()
	if snap.CreatedAt.After(t.lastSnapshotAt) {
		t.lastSnapshotAt = snap.CreatedAt
		t.eventsSinceSnapshot = 0
		t.version = snap.Version
	}
	r.mu.Unlock()
	return snap, nil
}

func (r *repository) envelopes(
	aggType, aggID string,
	expected Version,
	events []any,
	md Metadata,
) ([]Envelope, error) {
	schemaVersion := func(string) int { return 1 }
	if sv, ok := r.decoder.(interface{ SchemaVersion(string) int }); ok {
		schemaVersion = sv.SchemaVersion
	}

	envelopes := make([]Envelope, 0, len(events))
	for i, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal event %T: %w", ev, err)
		}
		eventType := getEventTypeOf(ev)
		envelopes = append(envelopes, Envelope{
			ID:            r.opts.idGenerator(),
			Version:       expected + Version(i+1),
			AggregateType: aggType,
			AggregateID:   aggID,
			Type:          eventType,
			EventVersion:  schemaVersion(eventType),
			OccurredAt:    time.Now(),
			Metadata:      cloneMetadata(md),
			Data:          data,
		})
	}
	return envelopes, nil
}

func cloneMetadata(md Metadata) Metadata {
	if md == nil {
		return nil
	}
	out := make(Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

var _ Repository = (*repository)(nil)

// === Typed repository ===

// TypedRepository is a generic facade over Repository bound to one
// aggregate type.
type TypedRepository[T Aggregate] interface {
	// GetAggType returns the bound aggregate type name.
	GetAggType() string
	// New returns a fresh, empty aggregate instance.
	New() T
	// NewWithID returns a fresh instance with its ID set (not created).
	NewWithID(id string) T
	// Create creates and persists a new aggregate with the given ID.
	Create(ctx context.Context, id string) (T, error)
	// GetByID loads the aggregate with the given ID.
	GetByID(ctx context.Context, id string, opts ...LoadOption) (T, error)
	// GetOrCreate loads the aggregate or creates (and persists) it when it
	// does not exist yet.
	GetOrCreate(ctx context.Context, id string, opts ...LoadOption) (T, error)
	// Save persists the aggregate's uncommitted events.
	Save(ctx context.Context, agg T, opts ...SaveOption) error
	// CreateSnapshot snapshots the aggregate's current state immediately.
	CreateSnapshot(ctx context.Context, agg T) (*Snapshot, error)
	// WithTransaction loads the aggregate, runs fn against it and saves,
	// retrying the whole cycle on concurrency conflicts up to the
	// configured number of attempts.
	WithTransaction(ctx context.Context, id string, fn func(agg T) error, opts ...TxOption) error
}

type typedRepository[T Aggregate] struct {
	repo    Repository
	aggType string
}

// NewTypedRepository builds a Repository and binds it to T, registering
// T's event types with the registry.
func NewTypedRepository[T Aggregate](
	log *slog.Logger,
	store EventStore,
	registry *EventRegistry,
	opts ...RepositoryOption,
) TypedRepository[T] {
	sample := newAggregate[T]()
	sample.Register(registry)
	return &typedRepository[T]{
		repo:    NewRepository(log, store, registry, opts...),
		aggType: sample.GetAggType(),
	}
}

// TypedFrom binds an existing Repository to T. Event registration is the
// caller's responsibility.
func TypedFrom[T Aggregate](repo Repository) TypedRepository[T] {
	return &typedRepository[T]{repo: repo, aggType: newAggregate[T]().GetAggType()}
}

func newAggregate[T Aggregate]() T {
	var zero T
	t := reflect.TypeOf(zero)
	if t != nil && t.Kind() == reflect.Ptr {
		return reflect.New(t.Elem()).Interface().(T)
	}
	return zero
}

func (r *typedRepository[T]) GetAggType() string { return r.aggType }

func (r *typedRepository[T]) New() T { return newAggregate[T]() }

func (r *typedRepository[T]) NewWithID(id string) T {
	a := r.New()
	a.SetID(id)
	return a
}

func (r *typedRepository[T]) Create(ctx context.Context, id string) (T, error) {
	a := r.New()
	if err := a.Create(id); err != nil {
		var zero T
		return zero, err
	}
	if err := r.repo.Save(ctx, a); err != nil {
		var zero T
		return zero, err
	}
	return a, nil
}

func (r *typedRepository[T]) GetByID(ctx context.Context, id string, opts ...LoadOption) (T, error) {
	a := r.NewWithID(id)
	if err := r.repo.Load(ctx, a, opts...); err != nil {
		var zero T
		return zero, err
	}
	return a, nil
}

func (r *typedRepository[T]) GetOrCreate(ctx context.Context, id string, opts ...LoadOption) (T, error) {
	a, err := r.GetByID(ctx, id, opts...)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrAggregateNotFound) {
		var zero T
		return zero, err
	}
	return r.Create(ctx, id)
}

func (r *typedRepository[T]) Save(ctx context.Context, agg T, opts ...SaveOption) error {
	return r.repo.Save(ctx, agg, opts...)
}

func (r *typedRepository[T]) CreateSnapshot(ctx context.Context, agg T) (*Snapshot, error) {
	return r.repo.CreateSnapshot(ctx, agg)
}

func (r *typedRepository[T]) WithTransaction(
	ctx context.Context,
	id string,
	fn func(agg T) error,
	opts ...TxOption,
) error {
	options := newTxOptions(opts...)
	for attempt := 1; ; attempt++ {
		agg, err := r.GetByID(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrAggregateNotFound) || !options.create {
				return err
			}
			agg = r.New()
			if err := agg.Create(id); err != nil {
				return err
			}
		}
		if err := fn(agg); err != nil {
			return err
		}
		err = r.repo.Save(ctx, agg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) || attempt >= options.maxAttempts {
			return err
		}
	}
}

var _ TypedRepository[Aggregate] = (*typedRepository[Aggregate])(nil)
