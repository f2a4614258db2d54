package querybus

import (
	"errors"
	"time"
)

// ErrHandlerNotFound is returned when no handler is registered for the
// query's type.
var ErrHandlerNotFound = errors.New("no handler registered for query")

type (
	valueOption[T any] struct{ v T }

	busOpts struct {
		tiers            []Tier
		defaultTTL       time.Duration
		metrics          QueryMetrics
		coalesceWindow   time.Duration
		batchConcurrency int
	}

	Option interface{ applyToBus(*busOpts) }

	tiersOption       valueOption[[]Tier]
	defaultTTLOption  valueOption[time.Duration]
	metricsOption     valueOption[QueryMetrics]
	coalesceOption    valueOption[time.Duration]
	concurrencyOption valueOption[int]
)

// WithTiers sets the cache tiers, fastest first (default: a single
// MemoryTier with default capacity).
func WithTiers(tiers ...Tier) Option { return tiersOption{v: tiers} }

// WithDefaultTTL sets the TTL for entries whose query carries none
// (default 5m).
func WithDefaultTTL(ttl time.Duration) Option { return defaultTTLOption{v: ttl} }

// WithQueryMetrics sets the metrics implementation.
func WithQueryMetrics(m QueryMetrics) Option { return metricsOption{v: m} }

// WithCoalesceWindow sets how long invalidations are batched before one
// flush per tier goes out (default 10ms). Zero flushes inline per call.
func WithCoalesceWindow(d time.Duration) Option { return coalesceOption{v: d} }

// WithBatchConcurrency bounds concurrent queries within ExecuteBatch
// (default 16).
func WithBatchConcurrency(n int) Option { return concurrencyOption{v: n} }

func (o tiersOption) applyToBus(b *busOpts)       { b.tiers = o.v }
func (o defaultTTLOption) applyToBus(b *busOpts)  { b.defaultTTL = o.v }
func (o metricsOption) applyToBus(b *busOpts)     { b.metrics = o.v }
func (o coalesceOption) applyToBus(b *busOpts)    { b.coalesceWindow = o.v }
func (o concurrencyOption) applyToBus(b *busOpts) { b.batchConcurrency = o.v }

func newBusOpts(opts ...Option) busOpts {
	options := busOpts{
		defaultTTL:       5 * time.Minute,
		metrics:          NopQueryMetrics(),
		coalesceWindow:   10 * time.Millisecond,
		batchConcurrency: 16,
	}
	for _, opt := range opts {
		opt.applyToBus(&options)
	}
	if len(options.tiers) == 0 {
		options.tiers = []Tier{NewMemoryTier(0)}
	}
	if options.batchConcurrency < 1 {
		options.batchConcurrency = 1
	}
	return options
}
