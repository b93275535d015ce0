// Package prometheus exports event store measurements as Prometheus metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cannahum/eventsourcing-chain/eventstore"
)

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// storeMetrics implements eventstore.Metrics using Prometheus.
type storeMetrics struct {
	appendDuration *prometheus.HistogramVec
	readDuration   *prometheus.HistogramVec
	eventsAppended *prometheus.CounterVec
	conflicts      *prometheus.CounterVec

	snapshotsSaved  *prometheus.CounterVec
	snapshotsLoaded *prometheus.CounterVec
}

// NewStoreMetrics registers the event store collectors on reg. It panics if
// they are already registered.
func NewStoreMetrics(reg prometheus.Registerer) eventstore.Metrics {
	m := &storeMetrics{
		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventstore_append_duration_seconds",
			Help:    "Event store append latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		readDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventstore_read_duration_seconds",
			Help:    "Event store read latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventstore_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"aggregate_type"}),

		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventstore_concurrency_conflicts_total",
			Help: "Total number of rejected appends due to a stale expected version",
		}, []string{"aggregate_type"}),

		snapshotsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventstore_snapshots_saved_total",
			Help: "Total number of snapshots written",
		}, []string{"aggregate_type"}),

		snapshotsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventstore_snapshots_loaded_total",
			Help: "Total number of snapshot lookups",
		}, []string{"aggregate_type", "hit"}),
	}

	reg.MustRegister(
		m.appendDuration,
		m.readDuration,
		m.eventsAppended,
		m.conflicts,
		m.snapshotsSaved,
		m.snapshotsLoaded,
	)

	return m
}

func (m *storeMetrics) AppendDuration(aggType string, d time.Duration) {
	m.appendDuration.WithLabelValues(aggType).Observe(d.Seconds())
}

func (m *storeMetrics) ReadDuration(aggType string, d time.Duration) {
	m.readDuration.WithLabelValues(aggType).Observe(d.Seconds())
}

func (m *storeMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *storeMetrics) ConcurrencyConflict(aggType string) {
	m.conflicts.WithLabelValues(aggType).Inc()
}

func (m *storeMetrics) SnapshotSaved(aggType string) {
	m.snapshotsSaved.WithLabelValues(aggType).Inc()
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (m *storeMetrics) SnapshotLoaded(aggType string, hit bool) {
	m.snapshotsLoaded.WithLabelValues(aggType, boolToStr(hit)).Inc()
}

var _ eventstore.Metrics = (*storeMetrics)(nil)
