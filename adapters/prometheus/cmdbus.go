package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/esrc-go/core/cmdbus"
	"github.com/codewandler/esrc-go/core/metrics"
)

type busMetrics struct {
	received         *prometheus.CounterVec
	completed        *prometheus.CounterVec
	failed           *prometheus.CounterVec
	retried          *prometheus.CounterVec
	deadLettered     *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	asyncQueueDepth  prometheus.Gauge
}

// NewBusMetrics creates Prometheus metrics for the command bus and registers
// them with reg.
func NewBusMetrics(reg prometheus.Registerer) cmdbus.BusMetrics {
	m := &busMetrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_cmdbus_commands_received_total",
			Help: "Number of commands received for dispatch.",
		}, []string{"command_type"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_cmdbus_commands_completed_total",
			Help: "Number of commands completed successfully.",
		}, []string{"command_type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_cmdbus_commands_failed_total",
			Help: "Number of commands that failed terminally.",
		}, []string{"command_type", "reason"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_cmdbus_commands_retried_total",
			Help: "Number of command execution retries.",
		}, []string{"command_type"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_cmdbus_commands_dead_lettered_total",
			Help: "Number of commands moved to the dead letter queue.",
		}, []string{"command_type"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esrc_cmdbus_dispatch_duration_seconds",
			Help:    "Duration of command dispatch including retries.",
			Buckets: defaultBuckets,
		}, []string{"command_type"}),
		asyncQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "esrc_cmdbus_async_queue_depth",
			Help: "Number of async commands queued or in flight.",
		}),
	}
	reg.MustRegister(
		m.received,
		m.completed,
		m.failed,
		m.retried,
		m.deadLettered,
		m.dispatchDuration,
		m.asyncQueueDepth,
	)
	return m
}

func (m *busMetrics) CommandReceived(cmdType string) {
	m.received.WithLabelValues(cmdType).Inc()
}

func (m *busMetrics) CommandCompleted(cmdType string) {
	m.completed.WithLabelValues(cmdType).Inc()
}

func (m *busMetrics) CommandFailed(cmdType, reason string) {
	m.failed.WithLabelValues(cmdType, reason).Inc()
}

func (m *busMetrics) CommandRetried(cmdType string) {
	m.retried.WithLabelValues(cmdType).Inc()
}

func (m *busMetrics) CommandDeadLettered(cmdType string) {
	m.deadLettered.WithLabelValues(cmdType).Inc()
}

func (m *busMetrics) DispatchDuration(cmdType string) metrics.Timer {
	return newTimer(m.dispatchDuration.WithLabelValues(cmdType))
}

func (m *busMetrics) AsyncQueueDepth() metrics.Gauge {
	return gauge{g: m.asyncQueueDepth}
}

var _ cmdbus.BusMetrics = (*busMetrics)(nil)
