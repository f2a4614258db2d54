package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	// Size is the hard capacity bound. Inserting beyond it evicts the
	// least recently used entry. Defaults to 128.
	Size int
	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

type lruEntry struct {
	key       string
	val       any
	expiresAt time.Time // zero = never
}

// LRU is an in-memory cache with a strict capacity bound. Eviction is O(1)
// via a doubly linked list; expired entries are dropped lazily on access.
// Safe for concurrent use.
type LRU struct {
	mu    sync.Mutex
	size  int
	ll    *list.List
	items map[string]*list.Element
	now   func() time.Time
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &LRU{
		size:  opts.Size,
		ll:    list.New(),
		items: make(map[string]*list.Element),
		now:   now,
	}
}

func (l *LRU) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ele, ok := l.items[key]
	if !ok {
		return nil, false
	}
	ent := ele.Value.(*lruEntry)
	if !ent.expiresAt.IsZero() && !l.now().Before(ent.expiresAt) {
		l.removeLocked(ele)
		return nil, false
	}
	l.ll.MoveToFront(ele)
	return ent.val, true
}

func (l *LRU) Put(key string, val any, opts ...PutOption) {
	options := PutOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	var expiresAt time.Time
	if options.TTL > 0 {
		expiresAt = l.now().Add(options.TTL)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if ele, ok := l.items[key]; ok {
		l.ll.MoveToFront(ele)
		ent := ele.Value.(*lruEntry)
		ent.val = val
		ent.expiresAt = expiresAt
		return
	}

	ele := l.ll.PushFront(&lruEntry{key: key, val: val, expiresAt: expiresAt})
	l.items[key] = ele

	if l.ll.Len() > l.size {
		if last := l.ll.Back(); last != nil {
			l.removeLocked(last)
		}
	}
}

func (l *LRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ele, ok := l.items[key]; ok {
		l.removeLocked(ele)
	}
}

func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ll.Len()
}

func (l *LRU) removeLocked(ele *list.Element) {
	l.ll.Remove(ele)
	delete(l.items, ele.Value.(*lruEntry).key)
}

var _ Cache = (*LRU)(nil)
