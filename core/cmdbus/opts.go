package cmdbus

import (
	"github.com/codewandler/esrc-go/core/breaker"
	"github.com/codewandler/esrc-go/core/es"
)

type (
	valueOption[T any] struct{ v T }

	busOpts struct {
		uow         es.UnitOfWork
		dlq         DLQ
		brk         *breaker.Breaker
		authorizer  Authorizer
		retry       RetryPolicy
		metrics     BusMetrics
		idGenerator es.IDGenerator
		workers     int
		queueSize   int
	}

	Option interface{ applyToBus(*busOpts) }

	uowOption        valueOption[es.UnitOfWork]
	dlqOption        valueOption[DLQ]
	breakerOption    valueOption[*breaker.Breaker]
	authorizerOption valueOption[Authorizer]
	retryOption      valueOption[RetryPolicy]
	metricsOption    valueOption[BusMetrics]
	idGenOption      valueOption[es.IDGenerator]
	workersOption    valueOption[int]
	queueSizeOption  valueOption[int]
)

// WithUnitOfWork wraps handler execution in a transactional boundary
// (default: none).
func WithUnitOfWork(uow es.UnitOfWork) Option { return uowOption{v: uow} }

// WithDLQ routes commands that exhausted their retries to a dead letter
// queue instead of dropping them.
func WithDLQ(dlq DLQ) Option { return dlqOption{v: dlq} }

// WithBreaker guards handler execution with a circuit breaker.
func WithBreaker(b *breaker.Breaker) Option { return breakerOption{v: b} }

// WithAuthorizer installs the authorization stage.
func WithAuthorizer(a Authorizer) Option { return authorizerOption{v: a} }

// WithRetryPolicy sets the bus-wide retry policy for transient failures.
func WithRetryPolicy(p RetryPolicy) Option { return retryOption{v: p} }

// WithBusMetrics sets the metrics implementation.
func WithBusMetrics(m BusMetrics) Option { return metricsOption{v: m} }

// WithIDGenerator sets the generator for dead letter and ticket ids.
func WithIDGenerator(gen es.IDGenerator) Option { return idGenOption{v: gen} }

// WithWorkers sets the async dispatch worker count (default 8).
func WithWorkers(n int) Option { return workersOption{v: n} }

// WithQueueSize bounds the async dispatch queue (default 256).
func WithQueueSize(n int) Option { return queueSizeOption{v: n} }

func (o uowOption) applyToBus(b *busOpts)        { b.uow = o.v }
func (o dlqOption) applyToBus(b *busOpts)        { b.dlq = o.v }
func (o breakerOption) applyToBus(b *busOpts)    { b.brk = o.v }
func (o authorizerOption) applyToBus(b *busOpts) { b.authorizer = o.v }
func (o retryOption) applyToBus(b *busOpts)      { b.retry = o.v }
func (o metricsOption) applyToBus(b *busOpts)    { b.metrics = o.v }
func (o idGenOption) applyToBus(b *busOpts)      { b.idGenerator = o.v }
func (o workersOption) applyToBus(b *busOpts)    { b.workers = o.v }
func (o queueSizeOption) applyToBus(b *busOpts)  { b.queueSize = o.v }

func newBusOpts(opts ...Option) busOpts {
	options := busOpts{
		uow:         es.NopUnitOfWork{},
		retry:       DefaultRetryPolicy(),
		metrics:     NopBusMetrics(),
		idGenerator: es.DefaultIDGenerator(),
		workers:     8,
		queueSize:   256,
	}
	for _, opt := range opts {
		opt.applyToBus(&options)
	}
	if options.workers < 1 {
		options.workers = 1
	}
	if options.queueSize < 1 {
		options.queueSize = 1
	}
	return options
}
