// Package breaker implements a circuit breaker with closed, open and
// half-open states. It trips on consecutive failures or on failure rate
// over a rolling window, rejects fast while open, and probes the
// downstream with a bounded number of trial calls before closing again.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker rejects calls. The wrapped
// callable is not invoked.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type (
	valueOption[T any] struct{ v T }

	breakerOpts struct {
		failureThreshold int
		errorRate        float64
		minRequests      int
		window           time.Duration
		recoveryTimeout  time.Duration
		halfOpenMaxCalls int
		isFailure        func(error) bool
		onStateChange    func(from, to State)
		clock            func() time.Time
	}

	Option interface{ applyToBreaker(*breakerOpts) }

	failureThresholdOption valueOption[int]
	errorRateOption        struct {
		rate        float64
		minRequests int
	}
	windowOption           valueOption[time.Duration]
	recoveryTimeoutOption  valueOption[time.Duration]
	halfOpenMaxCallsOption valueOption[int]
	failurePredicateOption valueOption[func(error) bool]
	stateChangeOption      valueOption[func(from, to State)]
	clockOption            valueOption[func() time.Time]
)

// WithFailureThreshold opens the breaker after n consecutive failures
// (default 5).
func WithFailureThreshold(n int) Option { return failureThresholdOption{v: n} }

// WithErrorRate opens the breaker when the failure rate over the rolling
// window reaches rate, once at least minRequests calls were observed
// (defaults 0.5 and 10).
func WithErrorRate(rate float64, minRequests int) Option {
	return errorRateOption{rate: rate, minRequests: minRequests}
}

// WithWindow sets the rolling window length for rate tripping (default 60s).
func WithWindow(d time.Duration) Option { return windowOption{v: d} }

// WithRecoveryTimeout sets how long the breaker stays open before probing
// (default 30s).
func WithRecoveryTimeout(d time.Duration) Option { return recoveryTimeoutOption{v: d} }

// WithHalfOpenMaxCalls bounds concurrent trial calls in half-open state
// (default 1). The breaker closes after that many successes.
func WithHalfOpenMaxCalls(n int) Option { return halfOpenMaxCallsOption{v: n} }

// WithFailurePredicate classifies which errors count as failures. By
// default every non-nil error except context cancellation counts.
func WithFailurePredicate(fn func(error) bool) Option { return failurePredicateOption{v: fn} }

// WithStateChange installs a state transition hook. It runs under the
// breaker's lock and must not call back into the breaker.
func WithStateChange(fn func(from, to State)) Option { return stateChangeOption{v: fn} }

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option { return clockOption{v: clock} }

func (o failureThresholdOption) applyToBreaker(b *breakerOpts) { b.failureThreshold = o.v }
func (o errorRateOption) applyToBreaker(b *breakerOpts) {
	b.errorRate = o.rate
	b.minRequests = o.minRequests
}
func (o windowOption) applyToBreaker(b *breakerOpts)           { b.window = o.v }
func (o recoveryTimeoutOption) applyToBreaker(b *breakerOpts)  { b.recoveryTimeout = o.v }
func (o halfOpenMaxCallsOption) applyToBreaker(b *breakerOpts) { b.halfOpenMaxCalls = o.v }
func (o failurePredicateOption) applyToBreaker(b *breakerOpts) { b.isFailure = o.v }
func (o stateChangeOption) applyToBreaker(b *breakerOpts)      { b.onStateChange = o.v }
func (o clockOption) applyToBreaker(b *breakerOpts)            { b.clock = o.v }

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

func newBreakerOpts(opts ...Option) breakerOpts {
	options := breakerOpts{
		failureThreshold: 5,
		errorRate:        0.5,
		minRequests:      10,
		window:           time.Minute,
		recoveryTimeout:  30 * time.Second,
		halfOpenMaxCalls: 1,
		isFailure:        defaultIsFailure,
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt.applyToBreaker(&options)
	}
	return options
}

// Breaker is safe for concurrent use.
type Breaker struct {
	opts breakerOpts

	mu                  sync.Mutex
	state               State
	window              *rollingWindow
	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    int
	halfOpenSuccesses   int
}

func New(opts ...Option) *Breaker {
	o := newBreakerOpts(opts...)
	return &Breaker{
		opts:   o,
		window: newRollingWindow(o.window, o.clock),
	}
}

// State returns the current state, accounting for recovery timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.opts.clock().Sub(b.openedAt) >= b.opts.recoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Do runs fn through the breaker. While open it returns ErrOpen without
// invoking fn. fn's error is returned verbatim; whether it counts as a
// failure is decided by the failure predicate.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := b.allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	release(!b.opts.isFailure(err))
	return err
}

// allow admits or rejects a call. On admission the returned release func
// must be called exactly once with the call's outcome.
func (b *Breaker) allow() (func(success bool), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.opts.clock().Sub(b.openedAt) < b.opts.recoveryTimeout {
			return nil, ErrOpen
		}
		b.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.opts.halfOpenMaxCalls {
			return nil, ErrOpen
		}
		b.halfOpenInFlight++
		return b.releaseHalfOpen, nil
	default:
		return b.releaseClosed, nil
	}
}

func (b *Breaker) releaseClosed(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// a half-open failure may have reopened the breaker while this call
	// was in flight; its outcome no longer matters
	if b.state != StateClosed {
		return
	}

	b.window.record(success)
	if success {
		b.consecutiveFailures = 0
		return
	}
	b.consecutiveFailures++

	successes, failures := b.window.totals()
	total := successes + failures
	trip := b.consecutiveFailures >= b.opts.failureThreshold ||
		(total >= b.opts.minRequests && float64(failures)/float64(total) >= b.opts.errorRate)
	if trip {
		b.transition(StateOpen)
	}
}

func (b *Breaker) releaseHalfOpen(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.halfOpenInFlight--
	if b.state != StateHalfOpen {
		return
	}
	if !success {
		b.transition(StateOpen)
		return
	}
	b.halfOpenSuccesses++
	if b.halfOpenSuccesses >= b.opts.halfOpenMaxCalls {
		b.transition(StateClosed)
	}
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = b.opts.clock()
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
	case StateClosed:
		b.consecutiveFailures = 0
		b.window.reset()
	}

	if fn := b.opts.onStateChange; fn != nil {
		fn(from, to)
	}
}

// === rolling window ===

const windowBuckets = 10

type bucket struct {
	start     time.Time
	successes int
	failures  int
}

// rollingWindow counts outcomes over the trailing window using fixed-width
// buckets.
type rollingWindow struct {
	width   time.Duration
	clock   func() time.Time
	buckets []bucket
}

func newRollingWindow(window time.Duration, clock func() time.Time) *rollingWindow {
	return &rollingWindow{
		width:   window / windowBuckets,
		clock:   clock,
		buckets: make([]bucket, 0, windowBuckets),
	}
}

func (w *rollingWindow) record(success bool) {
	now := w.clock()
	w.evict(now)

	n := len(w.buckets)
	if n == 0 || now.Sub(w.buckets[n-1].start) >= w.width {
		w.buckets = append(w.buckets, bucket{start: now})
		n++
	}
	if success {
		w.buckets[n-1].successes++
	} else {
		w.buckets[n-1].failures++
	}
}

func (w *rollingWindow) totals() (successes, failures int) {
	w.evict(w.clock())
	for _, b := range w.buckets {
		successes += b.successes
		failures += b.failures
	}
	return
}

func (w *rollingWindow) evict(now time.Time) {
	horizon := now.Add(-w.width * windowBuckets)
	i := 0
	for i < len(w.buckets) && w.buckets[i].start.Before(horizon) {
		i++
	}
	w.buckets = w.buckets[i:]
}

func (w *rollingWindow) reset() { w.buckets = w.buckets[:0] }
