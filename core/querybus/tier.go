package querybus

import (
	"context"
	"sync"
	"time"

	"github.com/codewandler/esrc-go/core/cache"
)

// Tier is one cache level. Tiers are checked in registration order (L1
// first) and populated back-to-front on a miss. Implementations must make
// Invalidate idempotent under concurrent duplicate calls.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration, tags []string) error
	Invalidate(ctx context.Context, tags []string) error
}

// MemoryTier is the in-process L1: a strict-capacity LRU plus a tag index
// for invalidation. The index may briefly hold keys already evicted by the
// LRU; invalidating those is a harmless no-op.
type MemoryTier struct {
	lru cache.Cache

	mu    sync.Mutex
	byTag map[string]map[string]struct{}
	byKey map[string][]string
}

// NewMemoryTier builds the L1 tier with the given capacity (<= 0 uses the
// LRU default).
func NewMemoryTier(capacity int) *MemoryTier {
	return &MemoryTier{
		lru:   cache.NewLRU(cache.LRUOpts{Size: capacity}),
		byTag: map[string]map[string]struct{}{},
		byKey: map[string][]string{},
	}
}

func (m *MemoryTier) Name() string { return "l1" }

func (m *MemoryTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (m *MemoryTier) Set(_ context.Context, key string, val []byte, ttl time.Duration, tags []string) error {
	m.lru.Put(key, val, cache.WithTTL(ttl))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tag := range m.byKey[key] {
		delete(m.byTag[tag], key)
	}
	m.byKey[key] = tags
	for _, tag := range tags {
		keys, ok := m.byTag[tag]
		if !ok {
			keys = map[string]struct{}{}
			m.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

func (m *MemoryTier) Invalidate(_ context.Context, tags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tag := range tags {
		for key := range m.byTag[tag] {
			m.lru.Delete(key)
			for _, other := range m.byKey[key] {
				if other != tag {
					delete(m.byTag[other], key)
				}
			}
			delete(m.byKey, key)
		}
		delete(m.byTag, tag)
	}
	return nil
}

var _ Tier = (*MemoryTier)(nil)
