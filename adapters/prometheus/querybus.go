package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/esrc-go/core/metrics"
	"github.com/codewandler/esrc-go/core/querybus"
)

type queryMetrics struct {
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	queryDuration     *prometheus.HistogramVec
	invalidationFlush prometheus.Histogram
}

// NewQueryMetrics creates Prometheus metrics for the query bus and registers
// them with reg.
func NewQueryMetrics(reg prometheus.Registerer) querybus.QueryMetrics {
	m := &queryMetrics{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_querybus_cache_hits_total",
			Help: "Number of query cache hits per tier.",
		}, []string{"query_type", "tier"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_querybus_cache_misses_total",
			Help: "Number of query cache misses across all tiers.",
		}, []string{"query_type"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esrc_querybus_query_duration_seconds",
			Help:    "Duration of query execution including cache lookups.",
			Buckets: defaultBuckets,
		}, []string{"query_type"}),
		invalidationFlush: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "esrc_querybus_invalidation_flush_tags",
			Help:    "Number of distinct tags per coalesced invalidation flush.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
	}
	reg.MustRegister(
		m.cacheHits,
		m.cacheMisses,
		m.queryDuration,
		m.invalidationFlush,
	)
	return m
}

func (m *queryMetrics) CacheHit(queryType, tier string) {
	m.cacheHits.WithLabelValues(queryType, tier).Inc()
}

func (m *queryMetrics) CacheMiss(queryType string) {
	m.cacheMisses.WithLabelValues(queryType).Inc()
}

func (m *queryMetrics) QueryDuration(queryType string) metrics.Timer {
	return newTimer(m.queryDuration.WithLabelValues(queryType))
}

func (m *queryMetrics) InvalidationFlush(tags int) {
	m.invalidationFlush.Observe(float64(tags))
}

var _ querybus.QueryMetrics = (*queryMetrics)(nil)
