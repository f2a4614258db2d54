package cmdbus

import (
	"context"
	"sync"

	"github.com/codewandler/esrc-go/core/perkey"
)

// Ticket is the pollable handle of an async dispatch.
type Ticket struct {
	id string

	mu     sync.Mutex
	status Status
	result any
	err    error
	done   chan struct{}
}

func newTicket(id string) *Ticket {
	return &Ticket{id: id, status: StatusReceived, done: make(chan struct{})}
}

func (t *Ticket) ID() string { return t.id }

// Status returns the latest observed pipeline status.
func (t *Ticket) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Done is closed once the dispatch reaches a terminal status.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the handler's result and error. Only valid after Done is
// closed.
func (t *Ticket) Result() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Wait blocks until the dispatch finishes or ctx is cancelled.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Ticket) observe(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Ticket) finish(res any, err error) {
	t.mu.Lock()
	t.result = res
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// asyncDispatcher executes dispatches in the background. A single router
// goroutine drains the intake queue: commands implementing AggregateTarget
// go to a per-key scheduler (serial per aggregate, in submission order),
// everything else is spread over a bounded worker pool.
type asyncDispatcher struct {
	bus   *Bus
	queue chan *asyncTask
	pool  chan *asyncTask
	sched *perkey.Scheduler[string]

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	running  sync.WaitGroup
}

type asyncTask struct {
	ctx    context.Context
	cmd    any
	ticket *Ticket
}

func newAsyncDispatcher(b *Bus) *asyncDispatcher {
	d := &asyncDispatcher{
		bus:   b,
		queue: make(chan *asyncTask, b.opts.queueSize),
		pool:  make(chan *asyncTask),
		sched: perkey.New[string](),
	}
	d.running.Add(1)
	go d.route()
	for i := 0; i < b.opts.workers; i++ {
		d.running.Add(1)
		go d.worker()
	}
	return d
}

func (d *asyncDispatcher) route() {
	defer d.running.Done()
	defer close(d.pool)

	for t := range d.queue {
		d.bus.opts.metrics.AsyncQueueDepth().Dec()

		if target, ok := t.cmd.(AggregateTarget); ok {
			if id := target.TargetAggregateID(); id != "" {
				if err := d.sched.Enqueue(id, func() error {
					d.run(t)
					return nil
				}); err != nil {
					t.ticket.finish(nil, err)
				}
				continue
			}
		}
		d.pool <- t
	}
}

func (d *asyncDispatcher) worker() {
	defer d.running.Done()
	for t := range d.pool {
		d.run(t)
	}
}

func (d *asyncDispatcher) run(t *asyncTask) {
	res, err := d.bus.dispatch(t.ctx, t.cmd, t.ticket.observe, true)
	t.ticket.finish(res, err)
}

// submit enqueues the command, blocking while the intake queue is full.
func (d *asyncDispatcher) submit(ctx context.Context, cmd any) (*Ticket, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrBusClosed
	}
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	ticket := newTicket(d.bus.opts.idGenerator())

	// detach: the dispatch must not be cancelled by the caller returning
	task := &asyncTask{ctx: context.WithoutCancel(ctx), cmd: cmd, ticket: ticket}
	select {
	case d.queue <- task:
		d.bus.opts.metrics.AsyncQueueDepth().Inc()
		return ticket, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// close drains queued commands, then stops the router and workers.
func (d *asyncDispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.inflight.Wait()
	close(d.queue)
	d.running.Wait()
	d.sched.Close()
}

// DispatchAsync queues cmd for background execution and returns a Ticket
// for tracking it. The dispatch context is detached from ctx; ctx only
// bounds the enqueue itself.
func (b *Bus) DispatchAsync(ctx context.Context, cmd any) (*Ticket, error) {
	return b.async.submit(ctx, cmd)
}
