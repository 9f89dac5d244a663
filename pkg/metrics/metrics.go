package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	PipelineSourcesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weir_pipeline_sources_total",
			Help: "Number of source workers in the running pipeline",
		},
	)

	OperationsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weir_operations_ingested_total",
			Help: "Total operations ingested by source node",
		},
		[]string{"node"},
	)

	// Epoch metrics
	EpochsClosedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weir_epochs_closed_total",
			Help: "Total epochs closed by the epoch manager",
		},
	)

	EpochsPersistedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weir_epochs_persisted_total",
			Help: "Total epochs whose record-store slice was persisted",
		},
	)

	// Replication log metrics
	LogLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weir_log_length",
			Help: "Next write position of the replication log by endpoint",
		},
		[]string{"endpoint"},
	)

	LogWatchersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weir_log_watchers_active",
			Help: "Pending log read watchers by endpoint",
		},
		[]string{"endpoint"},
	)

	LogSegmentsPersistedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weir_log_segments_persisted_total",
			Help: "Total finalized log segments uploaded by endpoint",
		},
		[]string{"endpoint"},
	)

	// Cache builder metrics
	CacheBuildLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weir_cache_build_latency_seconds",
			Help:    "End-to-end latency from epoch decision to cache commit",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	CacheRecordsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weir_cache_records_total",
			Help: "Records in the serving cache by endpoint",
		},
		[]string{"endpoint"},
	)

	CacheSwapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weir_cache_swaps_total",
			Help: "Catch-up swaps completed by endpoint",
		},
		[]string{"endpoint"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weir_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weir_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PipelineSourcesTotal)
	prometheus.MustRegister(OperationsIngestedTotal)
	prometheus.MustRegister(EpochsClosedTotal)
	prometheus.MustRegister(EpochsPersistedTotal)
	prometheus.MustRegister(LogLength)
	prometheus.MustRegister(LogWatchersActive)
	prometheus.MustRegister(LogSegmentsPersistedTotal)
	prometheus.MustRegister(CacheBuildLatency)
	prometheus.MustRegister(CacheRecordsTotal)
	prometheus.MustRegister(CacheSwapsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
