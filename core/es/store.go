package es

import (
	"context"
	"encoding/json"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/esrc-go/internal/reflector"
)

type (
	valueOption[T any] struct{ v T }

	startVersionOption valueOption[Version]
	startSeqOption     valueOption[uint64]
	loadLimitOption    valueOption[int]

	eventStoreLoadOptions struct {
		startVersion Version
		startSeq     uint64
		limit        int
	}

	storeLoadOptionsReceiver interface {
		SetStartVersion(Version)
		SetStartSeq(uint64)
		SetLimit(int)
	}

	// StoreLoadOption narrows an EventStore.Load call.
	StoreLoadOption interface {
		ApplyToStoreLoadOptions(storeLoadOptionsReceiver)
	}
)

func (o *eventStoreLoadOptions) SetStartVersion(v Version) { o.startVersion = v }
func (o *eventStoreLoadOptions) SetStartSeq(s uint64)      { o.startSeq = s }
func (o *eventStoreLoadOptions) SetLimit(n int)            { o.limit = n }

// WithStartAtVersion loads events with Version >= startVersion.
func WithStartAtVersion(startVersion Version) StoreLoadOption {
	return startVersionOption{startVersion}
}

// WithStartAtSeq loads events with Seq >= startSeq.
func WithStartAtSeq(startSeq uint64) StoreLoadOption { return startSeqOption{startSeq} }

// WithLoadLimit caps the number of events returned by one Load call. The
// read is restartable: re-requesting the same range is deterministic, and
// the next page continues at the last returned version + 1.
func WithLoadLimit(limit int) StoreLoadOption { return loadLimitOption{limit} }

func (o startVersionOption) ApplyToStoreLoadOptions(r storeLoadOptionsReceiver) {
	r.SetStartVersion(o.v)
}
func (o startSeqOption) ApplyToStoreLoadOptions(r storeLoadOptionsReceiver)  { r.SetStartSeq(o.v) }
func (o loadLimitOption) ApplyToStoreLoadOptions(r storeLoadOptionsReceiver) { r.SetLimit(o.v) }

func newStoreLoadOptions(opts ...StoreLoadOption) eventStoreLoadOptions {
	options := eventStoreLoadOptions{}
	for _, opt := range opts {
		opt.ApplyToStoreLoadOptions(&options)
	}
	return options
}

type (
	StoreAppendResult struct {
		// LastSeq is the global sequence of the last appended event.
		LastSeq uint64
	}

	// EventStore stores and loads envelopes per aggregate stream.
	//
	// Append is the single serialization point: it atomically appends the
	// batch iff the stored version still equals expectedVersion, otherwise
	// it fails with ErrConcurrencyConflict and persists nothing. Each
	// committed event receives a gapless, monotonically increasing global
	// sequence number.
	EventStore interface {
		Load(ctx context.Context, aggType, aggID string, opts ...StoreLoadOption) ([]Envelope, error)
		Append(ctx context.Context, aggType, aggID string, expectedVersion Version, events []Envelope) (*StoreAppendResult, error)
		// Global returns events with Seq > afterSeq in commit order, up to
		// limit (0 = no limit). Catch-up readers (projections, sagas, audit
		// tooling) page through the full history with it.
		Global(ctx context.Context, afterSeq uint64, limit int) ([]Envelope, error)
	}
)

// Subscription is a live tail over the store's global stream.
type Subscription interface {
	Chan() <-chan Envelope
	Cancel()
}

// Stream is implemented by stores that support live subscriptions.
type Stream interface {
	Subscribe(ctx context.Context, afterSeq uint64) (Subscription, error)
}

// IDGenerator produces unique identifiers for envelopes and snapshots.
type IDGenerator func() string

// DefaultIDGenerator returns the nanoid-based default.
func DefaultIDGenerator() IDGenerator {
	return func() string { return gonanoid.Must() }
}

// AppendEvents marshals events into envelopes with contiguous versions
// starting at expect+1 and appends them. Intended for tests and tooling;
// application code normally goes through the Repository.
func AppendEvents(
	ctx context.Context,
	store EventStore,
	aggType string,
	aggID string,
	expect Version,
	events ...any,
) (*StoreAppendResult, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}
	envelopes := make([]Envelope, 0, len(events))
	for i, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, Envelope{
			ID:            gonanoid.Must(),
			Type:          getEventTypeOf(ev),
			AggregateID:   aggID,
			AggregateType: aggType,
			EventVersion:  1,
			Data:          data,
			OccurredAt:    time.Now(),
			Version:       expect + Version(i+1),
		})
	}
	return store.Append(ctx, aggType, aggID, expect, envelopes)
}

// EventTypeOf derives the registered event type name for an event value.
func EventTypeOf(ev any) string { return getEventTypeOf(ev) }

// EventTypeFor derives the registered event type name for T.
func EventTypeFor[T any]() string { return reflector.TypeInfoFor[T]().Name }
