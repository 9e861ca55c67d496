// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ledger metrics
	TransitionsCommitted *prometheus.CounterVec
	InstructionsRejected *prometheus.CounterVec
	LedgerSequence       prometheus.Gauge

	// Journal metrics
	JournalAppendLatency *prometheus.HistogramVec
	JournalAppendErrors  *prometheus.CounterVec
	SnapshotsTaken       prometheus.Counter
	SnapshotDuration     prometheus.Histogram

	// Feed metrics
	FeedSubscribers     prometheus.Gauge
	FeedMessagesSent    prometheus.Counter
	FeedMessagesDropped prometheus.Counter
	FeedReconnects      prometheus.Counter

	// API metrics
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSnapshotTimestamp prometheus.Gauge
	UptimeSeconds         prometheus.Counter
}

// NewMetrics creates a Metrics instance registered with reg.
// A nil reg uses the default Prometheus registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "token_ledger"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Ledger metrics
		TransitionsCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transitions_committed_total",
			Help:      "Total number of committed transitions by kind",
		}, []string{"kind"}),
		InstructionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "instructions_rejected_total",
			Help:      "Total number of rejected instructions by kind and failure",
		}, []string{"kind", "failure"}),
		LedgerSequence: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "sequence",
			Help:      "Sequence number of the last committed transition",
		}),

		// Journal metrics
		JournalAppendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "append_latency_seconds",
			Help:      "Transition append latency in seconds by store",
			Buckets:   prometheus.DefBuckets,
		}, []string{"store"}),
		JournalAppendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "append_errors_total",
			Help:      "Total number of failed transition appends by store",
		}, []string{"store"}),
		SnapshotsTaken: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "snapshots_total",
			Help:      "Total number of snapshots persisted",
		}),
		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "snapshot_duration_seconds",
			Help:      "Snapshot capture and persist duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		}),

		// Feed metrics
		FeedSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "subscribers",
			Help:      "Current number of websocket subscribers",
		}),
		FeedMessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "messages_sent_total",
			Help:      "Total number of transition messages written to subscribers",
		}),
		FeedMessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "messages_dropped_total",
			Help:      "Total number of messages dropped for slow subscribers",
		}),
		FeedReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "client_reconnects_total",
			Help:      "Total number of feed client reconnect attempts",
		}),

		// API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route and status code",
		}, []string{"route", "code"}),
		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastSnapshotTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_snapshot_timestamp",
			Help:      "Unix timestamp of last persisted snapshot",
		}),
		UptimeSeconds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "uptime_seconds_total",
			Help:      "Total uptime in seconds",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// RecordCommitted records a committed transition and the new ledger sequence.
func (m *Metrics) RecordCommitted(kind string, sequence uint64) {
	m.TransitionsCommitted.WithLabelValues(kind).Inc()
	m.LedgerSequence.Set(float64(sequence))
}

// RecordRejected records an instruction rejected with the given failure kind.
func (m *Metrics) RecordRejected(kind, failure string) {
	m.InstructionsRejected.WithLabelValues(kind, failure).Inc()
}

// RecordAppend records a journal append against store.
func (m *Metrics) RecordAppend(store string, seconds float64, err error) {
	m.JournalAppendLatency.WithLabelValues(store).Observe(seconds)
	if err != nil {
		m.JournalAppendErrors.WithLabelValues(store).Inc()
	}
}

// RecordSnapshot records a persisted snapshot.
func (m *Metrics) RecordSnapshot(seconds float64, unixTime int64) {
	m.SnapshotsTaken.Inc()
	m.SnapshotDuration.Observe(seconds)
	m.LastSnapshotTimestamp.Set(float64(unixTime))
}

// RecordHTTP records one served request.
func (m *Metrics) RecordHTTP(route, code string, seconds float64) {
	m.HTTPRequests.WithLabelValues(route, code).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(seconds)
}

// RecordUptime adds elapsed to the uptime counter.
func (m *Metrics) RecordUptime(elapsed time.Duration) {
	m.UptimeSeconds.Add(elapsed.Seconds())
}

// RecordDBQuery records database query metrics.
func (m *Metrics) RecordDBQuery(database, operation string, seconds float64, err error) {
	m.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		m.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
