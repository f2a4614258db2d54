package querybus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codewandler/esrc-go/core/sf"
	"github.com/codewandler/esrc-go/internal/reflector"
)

type (
	// CacheKeyed is implemented by queries that are cacheable. The key must
	// be a pure function of the query's parameters; the bus prefixes it
	// with the query type. Queries without it bypass the cache entirely.
	CacheKeyed interface {
		CacheKey() string
	}

	// TTLProvider overrides the bus-wide default TTL per query.
	TTLProvider interface {
		CacheTTL() time.Duration
	}

	// TagsProvider associates cache tags with a query's entry so writers
	// can invalidate related entries in bulk.
	TagsProvider interface {
		CacheTags() []string
	}

	// Handler computes a query result from the source of truth on a full
	// cache miss.
	Handler interface {
		Handle(ctx context.Context, query any) (any, error)
	}

	HandlerFunc func(ctx context.Context, query any) (any, error)
)

func (f HandlerFunc) Handle(ctx context.Context, query any) (any, error) { return f(ctx, query) }

// QueryTypeOf derives the type name a query dispatches under.
func QueryTypeOf(query any) string {
	if t, ok := query.(interface{ QueryType() string }); ok {
		return t.QueryType()
	}
	return reflector.TypeInfoOf(query).Name
}

// QueryTypeFor derives the dispatch type name for Q.
func QueryTypeFor[Q any]() string { return QueryTypeOf(new(Q)) }

// Bus executes queries through a tiered cache (cache-aside): tiers are
// checked in order, faster tiers are backfilled on a hit further down, and
// a full miss runs the registered handler exactly once per key regardless
// of concurrent callers.
type Bus struct {
	log  *slog.Logger
	opts busOpts

	mu       sync.RWMutex
	handlers map[string]Handler

	flight      *sf.Singleflight[[]byte]
	invalidator *invalidator
}

func New(log *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		log:      log.With(slog.String("component", "querybus")),
		opts:     newBusOpts(opts...),
		handlers: map[string]Handler{},
		flight:   sf.New[[]byte](),
	}
	b.invalidator = newInvalidator(b)
	return b
}

// Handle registers a handler for queryType. Registering the same type
// twice replaces the previous handler.
func (b *Bus) Handle(queryType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[queryType] = h
}

// Register registers a typed handler function for query type Q.
func Register[Q any](b *Bus, fn func(ctx context.Context, query *Q) (any, error)) {
	b.Handle(QueryTypeFor[Q](), HandlerFunc(func(ctx context.Context, query any) (any, error) {
		q, ok := query.(*Q)
		if !ok {
			return nil, fmt.Errorf("handler for %s got %T", QueryTypeFor[Q](), query)
		}
		return fn(ctx, q)
	}))
}

func (b *Bus) handler(queryType string) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[queryType]
	return h, ok
}

// Execute runs the query with per-tier cache semantics and returns the
// JSON-encoded result. Use the package-level Execute for a typed result.
func (b *Bus) Execute(ctx context.Context, query any) (json.RawMessage, error) {
	queryType := QueryTypeOf(query)
	timer := b.opts.metrics.QueryDuration(queryType)
	defer timer.ObserveDuration()

	h, ok := b.handler(queryType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, queryType)
	}

	ck, cacheable := query.(CacheKeyed)
	if !cacheable {
		return b.compute(ctx, queryType, query, h)
	}
	key := queryType + ":" + ck.CacheKey()

	if val, tier, hit := b.lookup(ctx, key, query); hit {
		b.opts.metrics.CacheHit(queryType, tier)
		return val, nil
	}
	b.opts.metrics.CacheMiss(queryType)

	// collapse concurrent misses for the same key into one execution
	val, err, _ := b.flight.Do(key, func() ([]byte, error) {
		val, err := b.compute(ctx, queryType, query, h)
		if err != nil {
			return nil, err
		}
		b.fill(ctx, key, val, query, len(b.opts.tiers))
		return val, nil
	})
	return val, err
}

// lookup walks the tiers top-down and backfills faster tiers on a hit.
func (b *Bus) lookup(ctx context.Context, key string, query any) (json.RawMessage, string, bool) {
	for i, tier := range b.opts.tiers {
		val, ok, err := tier.Get(ctx, key)
		if err != nil {
			// a broken cache tier must not break the query
			b.log.Warn("cache tier get failed",
				slog.String("tier", tier.Name()), slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		b.fill(ctx, key, val, query, i)
		return val, tier.Name(), true
	}
	return nil, "", false
}

// fill populates tiers [0, upto) with the value.
func (b *Bus) fill(ctx context.Context, key string, val []byte, query any, upto int) {
	ttl := b.opts.defaultTTL
	if p, ok := query.(TTLProvider); ok {
		ttl = p.CacheTTL()
	}
	var tags []string
	if p, ok := query.(TagsProvider); ok {
		tags = p.CacheTags()
	}

	for i := 0; i < upto && i < len(b.opts.tiers); i++ {
		tier := b.opts.tiers[i]
		if err := tier.Set(ctx, key, val, ttl, tags); err != nil {
			b.log.Warn("cache tier set failed",
				slog.String("tier", tier.Name()), slog.Any("error", err))
		}
	}
}

func (b *Bus) compute(ctx context.Context, queryType string, query any, h Handler) (json.RawMessage, error) {
	res, err := h.Handle(ctx, query)
	if err != nil {
		return nil, err
	}
	val, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result of %s: %w", queryType, err)
	}
	return val, nil
}

// BatchResult is one entry of an ExecuteBatch response, keyed by the input
// index.
type BatchResult struct {
	Value json.RawMessage
	Err   error
}

// ExecuteBatch runs independent queries concurrently with full per-query
// cache semantics. A failing entry yields its own error marker; the batch
// itself always succeeds.
func (b *Bus) ExecuteBatch(ctx context.Context, queries []any) []BatchResult {
	results := make([]BatchResult, len(queries))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.batchConcurrency)
	for i, q := range queries {
		g.Go(func() error {
			val, err := b.Execute(ctx, q)
			results[i] = BatchResult{Value: val, Err: err}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors, markers carry them
	return results
}

// Invalidate removes all entries carrying any of the given tags from every
// tier. It returns once the removal is visible; concurrent calls within
// the coalescing window share one flush per tier.
func (b *Bus) Invalidate(ctx context.Context, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	return b.invalidator.invalidate(ctx, tags)
}

// Close flushes any pending invalidations.
func (b *Bus) Close() { b.invalidator.close() }

// Execute runs the query on the bus and unmarshals the result into T.
func Execute[T any](ctx context.Context, b *Bus, query any) (T, error) {
	var out T
	val, err := b.Execute(ctx, query)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(val, &out); err != nil {
		return out, fmt.Errorf("unmarshal result of %s: %w", QueryTypeOf(query), err)
	}
	return out, nil
}
