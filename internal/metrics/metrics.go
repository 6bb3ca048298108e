// Package metrics provides Prometheus metrics for the tile pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Tile metrics
	TilesSucceeded *prometheus.CounterVec
	TilesFailed    *prometheus.CounterVec
	TilesSkipped   *prometheus.CounterVec

	// Batch metrics
	BatchesRecorded *prometheus.CounterVec
	BatchDuration   *prometheus.HistogramVec
	LastBatchSize   *prometheus.GaugeVec

	// Merge metrics
	MergeRuns          prometheus.Counter
	MergeDuration      prometheus.Histogram
	MergedFeatures     prometheus.Gauge
	MergedAreaHectares prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tilescan"
	}

	m := &Metrics{
		TilesSucceeded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_succeeded_total",
				Help:      "Total number of tiles completed per stage",
			},
			[]string{"stage"},
		),
		TilesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_failed_total",
				Help:      "Total number of tile failures per stage and reason",
			},
			[]string{"stage", "reason"},
		),
		TilesSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_skipped_total",
				Help:      "Total number of tiles skipped (already done)",
			},
			[]string{"stage"},
		),
		BatchesRecorded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_recorded_total",
				Help:      "Total number of batches recorded to the ledger",
			},
			[]string{"stage"},
		),
		BatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Wall time spent running one batch",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
			},
			[]string{"stage"},
		),
		LastBatchSize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_batch_size",
				Help:      "Size of the most recently scheduled batch",
			},
			[]string{"stage"},
		),
		MergeRuns: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merge_runs_total",
				Help:      "Total number of merge runs",
			},
		),
		MergeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "merge_duration_seconds",
				Help:      "Wall time spent merging per run",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		MergedFeatures: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "merged_features",
				Help:      "Feature count of the last merged dataset",
			},
		),
		MergedAreaHectares: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "merged_area_hectares",
				Help:      "Total area of the last merged dataset in hectares",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncTilesSucceeded increments the per-stage success counter.
func (m *Metrics) IncTilesSucceeded(stage string) {
	m.TilesSucceeded.WithLabelValues(stage).Inc()
}

// IncTilesFailed increments the per-stage failure counter.
func (m *Metrics) IncTilesFailed(stage, reason string) {
	m.TilesFailed.WithLabelValues(stage, reason).Inc()
}

// IncTilesSkipped increments the per-stage skip counter.
func (m *Metrics) IncTilesSkipped(stage string) {
	m.TilesSkipped.WithLabelValues(stage).Inc()
}

// IncBatchesRecorded increments the batch counter.
func (m *Metrics) IncBatchesRecorded(stage string) {
	m.BatchesRecorded.WithLabelValues(stage).Inc()
}

// ObserveBatchDuration records the batch wall time.
func (m *Metrics) ObserveBatchDuration(stage string, seconds float64) {
	m.BatchDuration.WithLabelValues(stage).Observe(seconds)
}

// SetLastBatchSize sets the most recent batch size.
func (m *Metrics) SetLastBatchSize(stage string, size float64) {
	m.LastBatchSize.WithLabelValues(stage).Set(size)
}

// ObserveMerge records the outcome of one merge run.
func (m *Metrics) ObserveMerge(seconds float64, features int, areaHa float64) {
	m.MergeRuns.Inc()
	m.MergeDuration.Observe(seconds)
	m.MergedFeatures.Set(float64(features))
	m.MergedAreaHectares.Set(areaHa)
}
