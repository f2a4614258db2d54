package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/esrc-go/core/es"
	"github.com/codewandler/esrc-go/core/metrics"
)

type esMetrics struct {
	storeLoadDuration    *prometheus.HistogramVec
	storeAppendDuration  *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	repoLoadDuration     *prometheus.HistogramVec
	repoSaveDuration     *prometheus.HistogramVec
	concurrencyConflicts *prometheus.CounterVec
	snapshotSaveDuration *prometheus.HistogramVec
	snapshotLoadDuration *prometheus.HistogramVec
	snapshotsCreated     *prometheus.CounterVec
	snapshotsCorrupted   *prometheus.CounterVec
}

// NewESMetrics creates Prometheus metrics for the event sourcing pillar and
// registers them with reg.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	m := &esMetrics{
		storeLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esrc_es_store_load_duration_seconds",
			Help:    "Duration of event store load operations.",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),
		storeAppendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esrc_es_store_append_duration_seconds",
			Help:    "Duration of event store append operations.",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_es_events_appended_total",
			Help: "Number of events appended to the event store.",
		}, []string{"aggregate_type"}),
		repoLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esrc_es_repo_load_duration_seconds",
			Help:    "Duration of aggregate loads (snapshot restore plus replay).",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),
		repoSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esrc_es_repo_save_duration_seconds",
			Help:    "Duration of aggregate saves.",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),
		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_es_concurrency_conflicts_total",
			Help: "Number of optimistic concurrency conflicts on append.",
		}, []string{"aggregate_type"}),
		snapshotSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esrc_es_snapshot_save_duration_seconds",
			Help:    "Duration of snapshot save operations.",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),
		snapshotLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esrc_es_snapshot_load_duration_seconds",
			Help:    "Duration of snapshot load operations.",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),
		snapshotsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_es_snapshots_created_total",
			Help: "Number of snapshots created.",
		}, []string{"aggregate_type"}),
		snapshotsCorrupted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_es_snapshots_corrupted_total",
			Help: "Number of snapshots that failed integrity verification.",
		}, []string{"aggregate_type"}),
	}
	reg.MustRegister(
		m.storeLoadDuration,
		m.storeAppendDuration,
		m.eventsAppended,
		m.repoLoadDuration,
		m.repoSaveDuration,
		m.concurrencyConflicts,
		m.snapshotSaveDuration,
		m.snapshotLoadDuration,
		m.snapshotsCreated,
		m.snapshotsCorrupted,
	)
	return m
}

func (m *esMetrics) StoreLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.storeLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) StoreAppendDuration(aggType string) metrics.Timer {
	return newTimer(m.storeAppendDuration.WithLabelValues(aggType))
}

func (m *esMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *esMetrics) RepoLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.repoLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) RepoSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.repoSaveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) SnapshotSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotSaveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) SnapshotLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) SnapshotCreated(aggType string) {
	m.snapshotsCreated.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) SnapshotCorrupted(aggType string) {
	m.snapshotsCorrupted.WithLabelValues(aggType).Inc()
}

var _ es.ESMetrics = (*esMetrics)(nil)
