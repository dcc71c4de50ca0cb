package prometheus

import (
	"time"

	"github.com/marmos91/parfs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// parfsMetrics is the Prometheus implementation of metrics.ParfsMetrics.
type parfsMetrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	bytesTransferred *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	sessionsAccepted prometheus.Counter
	sessionsClosed   prometheus.Counter
	sessionsRejected *prometheus.CounterVec
	lockWait         *prometheus.HistogramVec
	lockEntries      prometheus.Gauge
}

// NewParfsMetrics creates a collector registered on the global registry.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewParfsMetrics() metrics.ParfsMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopParfsMetrics()
	}
	return NewParfsMetricsWith(metrics.GetRegistry())
}

// NewParfsMetricsWith creates a collector registered on reg.
func NewParfsMetricsWith(reg prometheus.Registerer) metrics.ParfsMetrics {
	return &parfsMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parfs_requests_total",
				Help: "Total number of requests by message kind and status",
			},
			[]string{"kind", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "parfs_request_duration_seconds",
				Help: "Duration of requests in seconds, including payload transfer",
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.1,   // 100ms
					1,     // 1s
					10,    // 10s
					60,    // 1m
				},
			},
			[]string{"kind"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parfs_bytes_transferred_total",
				Help: "Total payload bytes transferred",
			},
			[]string{"direction"}, // up or down
		),
		activeSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "parfs_active_sessions",
				Help: "Current number of active client sessions",
			},
		),
		sessionsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "parfs_sessions_accepted_total",
				Help: "Total number of connections handed to a worker",
			},
		),
		sessionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "parfs_sessions_closed_total",
				Help: "Total number of sessions closed",
			},
		),
		sessionsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parfs_sessions_rejected_total",
				Help: "Total number of connections refused before a session started",
			},
			[]string{"reason"},
		),
		lockWait: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parfs_file_lock_wait_seconds",
				Help:    "Time spent waiting for a file lock",
				Buckets: prometheus.ExponentialBuckets(0.0001, 10, 7), // 100us .. 100s
			},
			[]string{"mode"},
		),
		lockEntries: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "parfs_file_lock_entries",
				Help: "Current number of paths in the file lock table",
			},
		),
	}
}

func (m *parfsMetrics) RecordRequest(kind string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	m.requestsTotal.WithLabelValues(kind, status).Inc()
	m.requestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *parfsMetrics) RecordBytesTransferred(direction string, bytes int64) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

func (m *parfsMetrics) SetActiveSessions(count int32) {
	m.activeSessions.Set(float64(count))
}

func (m *parfsMetrics) RecordSessionAccepted() {
	m.sessionsAccepted.Inc()
}

func (m *parfsMetrics) RecordSessionClosed() {
	m.sessionsClosed.Inc()
}

func (m *parfsMetrics) RecordSessionRejected(reason string) {
	m.sessionsRejected.WithLabelValues(reason).Inc()
}

func (m *parfsMetrics) ObserveLockWait(mode string, wait time.Duration) {
	m.lockWait.WithLabelValues(mode).Observe(wait.Seconds())
}

func (m *parfsMetrics) SetLockEntries(n int) {
	m.lockEntries.Set(float64(n))
}
