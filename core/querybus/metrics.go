package querybus

import "github.com/codewandler/esrc-go/core/metrics"

// QueryMetrics is the instrumentation surface of the query bus.
type QueryMetrics interface {
	CacheHit(queryType, tier string)
	CacheMiss(queryType string)
	QueryDuration(queryType string) metrics.Timer
	// InvalidationFlush records one coalesced invalidation with the number
	// of distinct tags it carried.
	InvalidationFlush(tags int)
}

type nopQueryMetrics struct{}

func (nopQueryMetrics) CacheHit(string, string)              {}
func (nopQueryMetrics) CacheMiss(string)                     {}
func (nopQueryMetrics) QueryDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopQueryMetrics) InvalidationFlush(int)                {}

// NopQueryMetrics returns a no-op QueryMetrics implementation.
func NopQueryMetrics() QueryMetrics { return nopQueryMetrics{} }
