package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics provides Prometheus-compatible metrics for index replication.
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	// Operation log metrics
	operationsAppended *prometheus.CounterVec
	operationsReplayed *prometheus.CounterVec
	watermark          *prometheus.GaugeVec

	// Consistency metrics
	consistencyChecks *prometheus.CounterVec

	// Snapshot metrics
	snapshotsCreated  prometheus.Counter
	snapshotsRestored *prometheus.CounterVec
	snapshotsPruned   prometheus.Counter
	snapshotSize      prometheus.Histogram

	// Reindex metrics
	reindexState      prometheus.Gauge
	reindexTaskStarts prometheus.Counter
	fullRebuilds      *prometheus.CounterVec

	// Recovery metrics
	locksReclaimed *prometheus.CounterVec

	// Messaging metrics
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec

	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "indexsync"
	}

	metrics := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
	}

	metrics.initReplicationMetrics(namespace)
	metrics.initSnapshotMetrics(namespace)
	metrics.initReindexMetrics(namespace)
	metrics.initClusterMetrics(namespace)
	metrics.initRequestMetrics(namespace)

	metrics.registerMetrics()

	return metrics
}

func (m *PrometheusMetrics) initReplicationMetrics(namespace string) {
	m.operationsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_appended_total",
			Help:      "Index operations appended to the cluster log by this node",
		},
		[]string{"affected_index", "operation"},
	)

	m.operationsReplayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_replayed_total",
			Help:      "Index operations replayed from peers",
		},
		[]string{"peer", "affected_index"},
	)

	m.watermark = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_watermark",
			Help:      "Highest operation id applied from each peer",
		},
		[]string{"peer"},
	)

	m.consistencyChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_checks_total",
			Help:      "Consistency check outcomes",
		},
		[]string{"result"},
	)
}

func (m *PrometheusMetrics) initSnapshotMetrics(namespace string) {
	m.snapshotsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_created_total",
			Help:      "Index snapshots written",
		},
	)

	m.snapshotsRestored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_restored_total",
			Help:      "Index snapshot restore attempts",
		},
		[]string{"status"},
	)

	m.snapshotsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_pruned_total",
			Help:      "Snapshots removed by the retention sweep",
		},
	)

	m.snapshotSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_size_bytes",
			Help:      "Size of written snapshot archives",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 12),
		},
	)
}

func (m *PrometheusMetrics) initReindexMetrics(namespace string) {
	m.reindexState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reindex_state",
			Help:      "Node reindex service state (0 idle, 1 running, 2 paused, 3 cancelled)",
		},
	)

	m.reindexTaskStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reindex_task_starts_total",
			Help:      "New indexer task instances created",
		},
	)

	m.fullRebuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "full_rebuilds_total",
			Help:      "Full local index rebuilds",
		},
		[]string{"status"},
	)
}

func (m *PrometheusMetrics) initClusterMetrics(namespace string) {
	m.locksReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_reclaimed_total",
			Help:      "Lock reclamation sweeps per dead node",
		},
		[]string{"node"},
	)

	m.messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_messages_sent_total",
			Help:      "Cluster messages dispatched",
		},
		[]string{"type", "status"},
	)

	m.messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_messages_received_total",
			Help:      "Cluster messages received",
		},
		[]string{"type"},
	)
}

func (m *PrometheusMetrics) initRequestMetrics(namespace string) {
	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of admin API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Admin API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
}

func (m *PrometheusMetrics) registerMetrics() {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operationsAppended,
		m.operationsReplayed,
		m.watermark,
		m.consistencyChecks,
		m.snapshotsCreated,
		m.snapshotsRestored,
		m.snapshotsPruned,
		m.snapshotSize,
		m.reindexState,
		m.reindexTaskStarts,
		m.fullRebuilds,
		m.locksReclaimed,
		m.messagesSent,
		m.messagesReceived,
		m.requestsTotal,
		m.requestDuration,
	)
}

// RecordOperationAppended records a log append
func (m *PrometheusMetrics) RecordOperationAppended(affectedIndex, operation string) {
	if m == nil {
		return
	}
	m.operationsAppended.WithLabelValues(affectedIndex, operation).Inc()
}

// RecordOperationReplayed records a peer operation applied locally
func (m *PrometheusMetrics) RecordOperationReplayed(peer, affectedIndex string, watermark int64) {
	if m == nil {
		return
	}
	m.operationsReplayed.WithLabelValues(peer, affectedIndex).Inc()
	m.watermark.WithLabelValues(peer).Set(float64(watermark))
}

// SetWatermark sets the replay watermark for a peer
func (m *PrometheusMetrics) SetWatermark(peer string, watermark int64) {
	if m == nil {
		return
	}
	m.watermark.WithLabelValues(peer).Set(float64(watermark))
}

// RecordConsistencyCheck records a consistency verdict
func (m *PrometheusMetrics) RecordConsistencyCheck(consistent bool) {
	if m == nil {
		return
	}
	result := "consistent"
	if !consistent {
		result = "inconsistent"
	}
	m.consistencyChecks.WithLabelValues(result).Inc()
}

// RecordSnapshotCreated records a written snapshot archive
func (m *PrometheusMetrics) RecordSnapshotCreated(sizeBytes int64) {
	if m == nil {
		return
	}
	m.snapshotsCreated.Inc()
	m.snapshotSize.Observe(float64(sizeBytes))
}

// RecordSnapshotRestored records a restore attempt
func (m *PrometheusMetrics) RecordSnapshotRestored(success bool) {
	if m == nil {
		return
	}
	m.snapshotsRestored.WithLabelValues(status(success)).Inc()
}

// RecordSnapshotsPruned records removed snapshots
func (m *PrometheusMetrics) RecordSnapshotsPruned(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.snapshotsPruned.Add(float64(count))
}

// SetReindexState sets the reindex service state gauge
func (m *PrometheusMetrics) SetReindexState(state int) {
	if m == nil {
		return
	}
	m.reindexState.Set(float64(state))
}

// RecordReindexTaskStart records a new indexer task instance
func (m *PrometheusMetrics) RecordReindexTaskStart() {
	if m == nil {
		return
	}
	m.reindexTaskStarts.Inc()
}

// RecordFullRebuild records a full local rebuild
func (m *PrometheusMetrics) RecordFullRebuild(success bool) {
	if m == nil {
		return
	}
	m.fullRebuilds.WithLabelValues(status(success)).Inc()
}

// RecordLocksReclaimed records a lock sweep for a dead node
func (m *PrometheusMetrics) RecordLocksReclaimed(node string) {
	if m == nil {
		return
	}
	m.locksReclaimed.WithLabelValues(node).Inc()
}

// RecordMessageSent records a cluster message dispatch
func (m *PrometheusMetrics) RecordMessageSent(messageType string, success bool) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(messageType, status(success)).Inc()
}

// RecordMessageReceived records an inbound cluster message
func (m *PrometheusMetrics) RecordMessageReceived(messageType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(messageType).Inc()
}

// RecordRequest records an admin API request
func (m *PrometheusMetrics) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// GetRegistry returns the Prometheus registry
func (m *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// GetHTTPHandler returns an HTTP handler for metrics endpoint
func (m *PrometheusMetrics) GetHTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MetricsMiddleware returns HTTP middleware for recording request metrics
func (m *PrometheusMetrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w}

		next.ServeHTTP(rw, r)

		if rw.statusCode == 0 {
			rw.statusCode = http.StatusOK
		}
		m.RecordRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.statusCode == 0 {
		rw.statusCode = http.StatusOK
	}
	return rw.ResponseWriter.Write(b)
}
