package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the delivery pipeline
type Metrics struct {
	// Webhook delivery metrics
	DeliveriesTotal   *prometheus.CounterVec
	DeliveryDuration  *prometheus.HistogramVec
	DeliveryAttempts  *prometheus.HistogramVec
	FanoutSize        prometheus.Histogram

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheErrorsTotal *prometheus.CounterVec
	CacheEntries     prometheus.Gauge

	// Queue metrics
	JobsEnqueuedTotal  *prometheus.CounterVec
	JobsProcessedTotal *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	JobsStalled        *prometheus.CounterVec

	// Bulk sync metrics
	SyncRunsTotal      *prometheus.CounterVec
	SyncTargetsUpdated prometheus.Counter
	SyncDuration       prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_deliveries_total",
				Help: "Total number of webhook delivery attempts",
			},
			[]string{"event", "status"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookrelay_delivery_duration_seconds",
				Help:    "Webhook delivery duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event"},
		),
		DeliveryAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookrelay_delivery_attempts",
				Help:    "Attempts needed before a delivery settled",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
			[]string{"status"},
		),
		FanoutSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hookrelay_fanout_size",
				Help:    "Number of subscriptions matched per emitted event",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
			},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"tier"},
		),
		CacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_cache_errors_total",
				Help: "Total number of swallowed distributed-cache errors",
			},
			[]string{"operation"},
		),
		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hookrelay_cache_local_entries",
				Help: "Current number of entries in the local cache tier",
			},
		),

		JobsEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_jobs_enqueued_total",
				Help: "Total number of jobs added to queues",
			},
			[]string{"queue"},
		),
		JobsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_jobs_processed_total",
				Help: "Total number of jobs processed by the worker",
			},
			[]string{"queue", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookrelay_job_duration_seconds",
				Help:    "Job processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		JobsStalled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_jobs_stalled_total",
				Help: "Total number of jobs reclaimed by stalled-job detection",
			},
			[]string{"queue"},
		),

		SyncRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_sync_runs_total",
				Help: "Total number of bulk sync orchestration runs",
			},
			[]string{"trigger", "status"},
		),
		SyncTargetsUpdated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hookrelay_sync_targets_updated_total",
				Help: "Total number of contacts successfully updated by bulk sync",
			},
		),
		SyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hookrelay_sync_duration_seconds",
				Help:    "Bulk sync run duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
	}

	registry.MustRegister(
		m.DeliveriesTotal,
		m.DeliveryDuration,
		m.DeliveryAttempts,
		m.FanoutSize,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheErrorsTotal,
		m.CacheEntries,
		m.JobsEnqueuedTotal,
		m.JobsProcessedTotal,
		m.JobDuration,
		m.JobsStalled,
		m.SyncRunsTotal,
		m.SyncTargetsUpdated,
		m.SyncDuration,
	)

	return m
}

// Handler returns an HTTP handler exposing the registry in Prometheus format
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
