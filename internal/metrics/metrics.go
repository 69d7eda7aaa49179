// Package metrics provides Prometheus metrics for the storage engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric exported by the engine.
type Metrics struct {
	// Extent engine (C4) metrics.
	ExtentOperationsTotal   *prometheus.CounterVec
	ExtentOperationDuration *prometheus.HistogramVec
	ExtentFlushesTotal      *prometheus.CounterVec
	DirtyPagesGauge         prometheus.Gauge
	ExtentCacheHitsTotal    prometheus.Counter
	ExtentCacheMissesTotal  prometheus.Counter

	// Metadata store (C5) metrics.
	MetadataOperationsTotal   *prometheus.CounterVec
	MetadataOperationDuration *prometheus.HistogramVec
	TransactionsTotal         *prometheus.CounterVec
	TransactionRetriesTotal   prometheus.Counter

	// Checkpointer (C6) metrics.
	CheckpointsTotal   *prometheus.CounterVec
	CheckpointDuration prometheus.Histogram
	CheckpointedBytes  prometheus.Counter

	// Blob router (C7) metrics.
	BlobGetsTotal       *prometheus.CounterVec
	BlobPutsTotal       *prometheus.CounterVec
	BlobPromotionsTotal prometheus.Counter
	BlobDemotionsTotal  prometheus.Counter
	BlobBytesByTier     *prometheus.GaugeVec

	// Engine-wide metrics.
	EngineUptimeSeconds prometheus.Gauge
	EngineStartTime     time.Time
}

// NewMetrics creates and registers every Prometheus metric.
func NewMetrics() *Metrics {
	m := &Metrics{
		EngineStartTime: time.Now(),
	}

	m.ExtentOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsxengine_extent_operations_total",
			Help: "Total number of extent engine operations",
		},
		[]string{"operation", "status"},
	)

	m.ExtentOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fsxengine_extent_operation_duration_seconds",
			Help:    "Duration of extent engine operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	m.ExtentFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsxengine_extent_flushes_total",
			Help: "Total number of per-file extent flushes",
		},
		[]string{"status"},
	)

	m.DirtyPagesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fsxengine_dirty_pages",
			Help: "Current number of buffered dirty pages",
		},
	)

	m.ExtentCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fsxengine_extent_cache_hits_total",
			Help: "Total number of extent cache hits",
		},
	)

	m.ExtentCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fsxengine_extent_cache_misses_total",
			Help: "Total number of extent cache misses",
		},
	)

	m.MetadataOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsxengine_metadata_operations_total",
			Help: "Total number of metadata store operations",
		},
		[]string{"operation", "status"},
	)

	m.MetadataOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fsxengine_metadata_operation_duration_seconds",
			Help:    "Duration of metadata store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsxengine_transactions_total",
			Help: "Total number of metadata store transactions",
		},
		[]string{"outcome"},
	)

	m.TransactionRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fsxengine_transaction_retries_total",
			Help: "Total number of transaction retry attempts",
		},
	)

	m.CheckpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsxengine_checkpoints_total",
			Help: "Total number of checkpointer drains",
		},
		[]string{"trigger"},
	)

	m.CheckpointDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fsxengine_checkpoint_duration_seconds",
			Help:    "Duration of checkpointer drains in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.CheckpointedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fsxengine_checkpointed_bytes_total",
			Help: "Total bytes checkpointed to the metadata store",
		},
	)

	m.BlobGetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsxengine_blob_gets_total",
			Help: "Total number of blob router get operations",
		},
		[]string{"tier", "status"},
	)

	m.BlobPutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsxengine_blob_puts_total",
			Help: "Total number of blob router put operations",
		},
		[]string{"tier", "status"},
	)

	m.BlobPromotionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fsxengine_blob_promotions_total",
			Help: "Total number of blob tier promotions",
		},
	)

	m.BlobDemotionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fsxengine_blob_demotions_total",
			Help: "Total number of blob tier demotions",
		},
	)

	m.BlobBytesByTier = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fsxengine_blob_bytes_by_tier",
			Help: "Current blob bytes stored per tier",
		},
		[]string{"tier"},
	)

	m.EngineUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fsxengine_uptime_seconds",
			Help: "Engine uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.EngineUptimeSeconds.Set(time.Since(m.EngineStartTime).Seconds())
	}
}

// RecordExtentOp records an extent engine operation's outcome and timing.
func (m *Metrics) RecordExtentOp(operation string, status string, duration time.Duration) {
	m.ExtentOperationsTotal.WithLabelValues(operation, status).Inc()
	m.ExtentOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordMetadataOp records a metadata store operation's outcome and timing.
func (m *Metrics) RecordMetadataOp(operation string, status string, duration time.Duration) {
	m.MetadataOperationsTotal.WithLabelValues(operation, status).Inc()
	m.MetadataOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCheckpoint records one checkpointer drain.
func (m *Metrics) RecordCheckpoint(trigger string, duration time.Duration, bytes int64) {
	m.CheckpointsTotal.WithLabelValues(trigger).Inc()
	m.CheckpointDuration.Observe(duration.Seconds())
	m.CheckpointedBytes.Add(float64(bytes))
}

// RecordBlobGet records a blob router get, tagged by the tier it resolved
// against.
func (m *Metrics) RecordBlobGet(tier string, status string) {
	m.BlobGetsTotal.WithLabelValues(tier, status).Inc()
}

// RecordBlobPut records a blob router put.
func (m *Metrics) RecordBlobPut(tier string, status string) {
	m.BlobPutsTotal.WithLabelValues(tier, status).Inc()
}

// RecordBlobPromotion records one blob router tier promotion.
func (m *Metrics) RecordBlobPromotion() {
	m.BlobPromotionsTotal.Inc()
}

// RecordBlobDemotion records one blob router tier demotion.
func (m *Metrics) RecordBlobDemotion() {
	m.BlobDemotionsTotal.Inc()
}
