// Package metrics defines small instrumentation interfaces so that core
// packages stay decoupled from any concrete backend. A Prometheus
// implementation lives in adapters/prometheus.
package metrics

// Counter is a monotonically increasing metric.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
}

// Histogram samples observations, e.g. operation latencies.
type Histogram interface {
	Observe(value float64)
}

// Timer measures the duration of one operation. Call ObserveDuration when
// the operation completes.
type Timer interface {
	ObserveDuration()
}
