// Package prometheus provides Prometheus implementations of the metrics
// interfaces of all pillars (event sourcing, command bus, query bus).
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/esrc-go/core/metrics"
)

// timer wraps a Prometheus observer to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// gauge adapts a Prometheus gauge to the metrics.Gauge interface.
type gauge struct{ g prometheus.Gauge }

func (g gauge) Set(v float64) { g.g.Set(v) }
func (g gauge) Inc()          { g.g.Inc() }
func (g gauge) Dec()          { g.g.Dec() }

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// AllMetrics holds Prometheus implementations for all pillars, registered
// against one registry.
type AllMetrics struct {
	ES    *esMetrics
	Bus   *busMetrics
	Query *queryMetrics
}

func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		ES:    NewESMetrics(reg).(*esMetrics),
		Bus:   NewBusMetrics(reg).(*busMetrics),
		Query: NewQueryMetrics(reg).(*queryMetrics),
	}
}
