package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deskd"

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Lifecycle metrics
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Sessions          *prometheus.GaugeVec
	ReleaseFailures   *prometheus.CounterVec
	CheckpointBytes   prometheus.Histogram
	ArchiveBytes      prometheus.Histogram

	// Reclamation metrics
	ReclaimActions   *prometheus.CounterVec
	ReclaimSweeps    prometheus.Counter
	SuspendedStorage prometheus.Gauge

	// Event stream metrics
	WSConnections prometheus.Gauge
	Events        *prometheus.CounterVec

	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot
	mu       sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalRequests     int64          `json:"total_requests"`
	TotalErrors       int64          `json:"total_errors"`
	ActiveConnections int64          `json:"active_connections"`
	Operations        map[string]int `json:"operations"`
	OperationFailures map[string]int `json:"operation_failures"`
	ReclaimedSessions int64          `json:"reclaimed_sessions"`
	UptimeSeconds     float64        `json:"uptime_seconds"`
}

// NewMetrics registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),
		snapshot: MetricsSnapshot{
			Operations:        make(map[string]int),
			OperationFailures: make(map[string]int),
		},

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 120},
			},
			[]string{"method", "path"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),

		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_operations_total",
				Help:      "Lifecycle operations by operation and result kind",
			},
			[]string{"op", "result"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lifecycle_operation_duration_seconds",
				Help:      "Lifecycle operation duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"op"},
		),
		Sessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions",
				Help:      "Sessions currently held in each status",
			},
			[]string{"status"},
		),
		ReleaseFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "release_failures_total",
				Help:      "Resources that failed to release during destroy",
			},
			[]string{"resource"},
		),
		CheckpointBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "checkpoint_size_bytes",
				Help:      "Size of completed checkpoint images",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 8),
			},
		),
		ArchiveBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "filesystem_archive_size_bytes",
				Help:      "Size of writable layer archives",
				Buckets:   prometheus.ExponentialBuckets(1<<16, 4, 10),
			},
		),

		ReclaimActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reclaim_actions_total",
				Help:      "Reclamation actions by reason, action and outcome",
			},
			[]string{"reason", "action", "outcome"},
		),
		ReclaimSweeps: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reclaim_sweeps_total",
				Help:      "Completed reclamation sweeps",
			},
		),
		SuspendedStorage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "suspended_storage_bytes",
				Help:      "Bytes held on disk by suspended sessions",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Number of open event stream connections",
			},
		),
		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_events_total",
				Help:      "Lifecycle events published by destination status",
			},
			[]string{"to"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Daemon uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordOperation records a finished lifecycle operation. result is "ok" or
// the fault kind of the failure.
func (m *Metrics) RecordOperation(op, result string, duration time.Duration) {
	m.Operations.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.Operations[op]++
	if result != "ok" {
		m.snapshot.OperationFailures[op]++
	}
	m.mu.Unlock()
}

// SetSessions publishes the per-status session counts.
func (m *Metrics) SetSessions(counts map[string]int) {
	for status, n := range counts {
		m.Sessions.WithLabelValues(status).Set(float64(n))
	}
}

// RecordReleaseFailure counts a resource that could not be released.
func (m *Metrics) RecordReleaseFailure(resource string) {
	m.ReleaseFailures.WithLabelValues(resource).Inc()
}

// RecordSuspendSizes records the artifacts of a completed suspend.
func (m *Metrics) RecordSuspendSizes(checkpointBytes, archiveBytes int64) {
	m.CheckpointBytes.Observe(float64(checkpointBytes))
	m.ArchiveBytes.Observe(float64(archiveBytes))
}

// RecordReclaim records one reclamation action.
func (m *Metrics) RecordReclaim(reason, action, outcome string) {
	m.ReclaimActions.WithLabelValues(reason, action, outcome).Inc()
	if outcome == "ok" {
		m.mu.Lock()
		m.snapshot.ReclaimedSessions++
		m.mu.Unlock()
	}
}

// RecordSweep records a completed sweep and the resulting suspended storage.
func (m *Metrics) RecordSweep(suspendedBytes int64) {
	m.ReclaimSweeps.Inc()
	m.SuspendedStorage.Set(float64(suspendedBytes))
}

// RecordEvent counts a published lifecycle event.
func (m *Metrics) RecordEvent(to string) {
	m.Events.WithLabelValues(to).Inc()
}

// IncWSConnections increments event stream connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements event stream connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveConnections--
	m.mu.Unlock()
}

// Snapshot returns a copy of the JSON-facing counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.snapshot
	out.Operations = make(map[string]int, len(m.snapshot.Operations))
	for k, v := range m.snapshot.Operations {
		out.Operations[k] = v
	}
	out.OperationFailures = make(map[string]int, len(m.snapshot.OperationFailures))
	for k, v := range m.snapshot.OperationFailures {
		out.OperationFailures[k] = v
	}
	out.UptimeSeconds = time.Since(m.startTime).Seconds()
	return out
}
