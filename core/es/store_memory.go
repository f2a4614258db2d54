package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// InMemoryStore is a correct (optimistic, gapless) store for tests and
// development. It also implements Stream for live tailing.
type InMemoryStore struct {
	mu      sync.Mutex
	log     *slog.Logger
	seq     uint64
	streams map[string][]Envelope
	global  []Envelope
	subs    map[uint64]*memSubscription
	subSeq  uint64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		log:     slog.Default().With(slog.String("store", "memory")),
		streams: map[string][]Envelope{},
		subs:    map[uint64]*memSubscription{},
	}
}

func (s *InMemoryStore) streamKey(aggType, aggID string) string {
	return fmt.Sprintf("%s-%s", aggType, aggID)
}

func (s *InMemoryStore) Load(
	_ context.Context,
	aggType, aggID string,
	opts ...StoreLoadOption,
) ([]Envelope, error) {
	loadOpts := newStoreLoadOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	events, ok := s.streams[s.streamKey(aggType, aggID)]
	if !ok {
		return nil, ErrAggregateNotFound
	}

	out := make([]Envelope, 0)
	for _, e := range events {
		if e.Version < loadOpts.startVersion {
			continue
		}
		if e.Seq < loadOpts.startSeq {
			continue
		}
		out = append(out, e)
		if loadOpts.limit > 0 && len(out) >= loadOpts.limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Append(
	_ context.Context,
	aggType, aggID string,
	expectedVersion Version,
	events []Envelope,
) (*StoreAppendResult, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sk         = s.streamKey(aggType, aggID)
		cur        = s.streams[sk]
		curVersion Version
	)
	if len(cur) > 0 {
		curVersion = cur[len(cur)-1].Version
	}
	if curVersion != expectedVersion {
		return nil, fmt.Errorf(
			"%w: agg_type=%s agg_id=%s expected=%d stored=%d",
			ErrConcurrencyConflict, aggType, aggID, expectedVersion, curVersion,
		)
	}

	// validate the whole batch before committing anything
	appended := make([]Envelope, 0, len(events))
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if want := expectedVersion + Version(i+1); e.Version != want {
			return nil, fmt.Errorf("non-contiguous batch: event %d has version %d, want %d", i, e.Version, want)
		}
		appended = append(appended, e)
	}

	var lastSeq uint64
	for i := range appended {
		s.seq++
		appended[i].Seq = s.seq
		lastSeq = s.seq
	}

	s.streams[sk] = append(cur, appended...)
	s.global = append(s.global, appended...)

	s.log.Debug(
		"append",
		slog.Uint64("last_seq", lastSeq),
		slog.Int("num_events", len(appended)),
	)

	for _, sub := range s.subs {
		sub.push(appended)
	}

	return &StoreAppendResult{LastSeq: lastSeq}, nil
}

func (s *InMemoryStore) Global(_ context.Context, afterSeq uint64, limit int) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Envelope, 0)
	for _, e := range s.global {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Subscribe returns a live tail starting after afterSeq. Backlog events are
// delivered first, then new appends in commit order.
func (s *InMemoryStore) Subscribe(ctx context.Context, afterSeq uint64) (Subscription, error) {
	s.mu.Lock()
	id := s.subSeq
	s.subSeq++

	sub := &memSubscription{
		ch:   make(chan Envelope),
		stop: make(chan struct{}),
	}
	sub.cancel = func() {
		sub.once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(sub.stop)
		})
	}

	// copy backlog under the lock so no append is missed or duplicated
	for _, e := range s.global {
		if e.Seq > afterSeq {
			sub.pending = append(sub.pending, e)
		}
	}
	s.subs[id] = sub
	s.mu.Unlock()

	go sub.run()
	context.AfterFunc(ctx, sub.cancel)

	return sub, nil
}

var (
	_ EventStore = (*InMemoryStore)(nil)
	_ Stream     = (*InMemoryStore)(nil)
)

type memSubscription struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Envelope
	ch      chan Envelope
	stop    chan struct{}
	once    sync.Once
	cancel  func()
}

func (m *memSubscription) Chan() <-chan Envelope { return m.ch }
func (m *memSubscription) Cancel()               { m.cancel() }

func (m *memSubscription) push(events []Envelope) {
	m.mu.Lock()
	m.pending = append(m.pending, events...)
	if m.cond != nil {
		m.cond.Signal()
	}
	m.mu.Unlock()
}

func (m *memSubscription) run() {
	m.mu.Lock()
	m.cond = sync.NewCond(&m.mu)
	m.mu.Unlock()

	// wake the forwarder when cancelled
	go func() {
		<-m.stop
		m.mu.Lock()
		m.cond.Signal()
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		for len(m.pending) == 0 {
			select {
			case <-m.stop:
				m.mu.Unlock()
				return
			default:
			}
			m.cond.Wait()
		}
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		select {
		case m.ch <- next:
		case <-m.stop:
			return
		}
	}
}
