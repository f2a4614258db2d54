package querybus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// invalidator coalesces tag invalidations: calls arriving within the
// window are merged into one flush per tier. Every caller blocks until the
// flush covering its tags has completed, so the operation stays
// synchronous from the outside.
type invalidator struct {
	bus *Bus

	mu      sync.Mutex
	pending map[string]struct{}
	gen     *invalidationGen
	closed  bool
}

type invalidationGen struct {
	done chan struct{}
	err  error
}

func newInvalidator(b *Bus) *invalidator {
	return &invalidator{bus: b, pending: map[string]struct{}{}}
}

func (v *invalidator) invalidate(ctx context.Context, tags []string) error {
	if v.bus.opts.coalesceWindow <= 0 {
		return v.flushTags(dedupe(tags))
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return v.flushTags(dedupe(tags))
	}
	for _, tag := range tags {
		v.pending[tag] = struct{}{}
	}
	if v.gen == nil {
		v.gen = &invalidationGen{done: make(chan struct{})}
		time.AfterFunc(v.bus.opts.coalesceWindow, v.flush)
	}
	gen := v.gen
	v.mu.Unlock()

	select {
	case <-gen.done:
		return gen.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *invalidator) flush() {
	v.mu.Lock()
	gen := v.gen
	tags := make([]string, 0, len(v.pending))
	for tag := range v.pending {
		tags = append(tags, tag)
	}
	v.pending = map[string]struct{}{}
	v.gen = nil
	v.mu.Unlock()

	if gen == nil {
		return
	}
	gen.err = v.flushTags(tags)
	close(gen.done)
}

func (v *invalidator) flushTags(tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, tier := range v.bus.opts.tiers {
		if err := tier.Invalidate(ctx, tags); err != nil {
			v.bus.log.Warn("cache tier invalidate failed",
				slog.String("tier", tier.Name()), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	v.bus.opts.metrics.InvalidationFlush(len(tags))
	return errors.Join(errs...)
}

// close flushes whatever is pending and makes future calls flush inline.
func (v *invalidator) close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	v.flush()
}

func dedupe(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := tags[:0:0]
	for _, tag := range tags {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
