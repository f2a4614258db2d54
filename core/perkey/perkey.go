// Package perkey provides a scheduler that serializes work per key while
// work for different keys proceeds in parallel.
//
// The command bus uses it for async dispatch: commands targeting the same
// aggregate execute in submission order (avoiding needless optimistic
// concurrency conflicts), commands for distinct aggregates run concurrently.
package perkey

import (
	"context"
	"errors"
	"sync"
)

var ErrSchedulerClosed = errors.New("scheduler is closed")

type Option func(*config)

type config struct {
	bufferSize int
}

// WithBufferSize sets the task queue capacity per key (default 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

type task struct {
	fn   func() error
	done chan error
}

type lane struct {
	tasks chan *task
}

// Scheduler executes tasks such that tasks for the same key run
// sequentially in submission order. A lane (goroutine + queue) is created
// per key on first use.
type Scheduler[K comparable] struct {
	mu         sync.Mutex
	lanes      map[K]*lane
	closed     bool
	inflight   sync.WaitGroup
	running    sync.WaitGroup
	bufferSize int
}

func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := &config{bufferSize: 64}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Scheduler[K]{
		lanes:      make(map[K]*lane),
		bufferSize: cfg.bufferSize,
	}
}

// Do schedules fn for key and blocks until it finishes, returning its error.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is Do with cancellation. If ctx is cancelled while waiting to
// enqueue or for completion it returns ctx.Err(); an already enqueued task
// still executes.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.inflight.Add(1)
	ln := s.laneLocked(key)
	s.mu.Unlock()
	defer s.inflight.Done()

	t := &task{fn: fn, done: make(chan error, 1)}

	select {
	case ln.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules fn for key without waiting for its completion. Calls
// from a single goroutine preserve submission order per key. Blocks only
// while the key's queue is full.
func (s *Scheduler[K]) Enqueue(key K, fn func() error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.inflight.Add(1)
	ln := s.laneLocked(key)
	s.mu.Unlock()
	defer s.inflight.Done()

	ln.tasks <- &task{fn: fn, done: make(chan error, 1)}
	return nil
}

// Close stops accepting tasks, lets queued tasks finish and waits for all
// lanes to shut down.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.inflight.Wait()

	s.mu.Lock()
	for _, ln := range s.lanes {
		close(ln.tasks)
	}
	s.lanes = nil
	s.mu.Unlock()

	s.running.Wait()
}

func (s *Scheduler[K]) laneLocked(key K) *lane {
	if ln, ok := s.lanes[key]; ok {
		return ln
	}
	ln := &lane{tasks: make(chan *task, s.bufferSize)}
	s.lanes[key] = ln
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		for t := range ln.tasks {
			t.done <- t.fn()
		}
	}()
	return ln
}
