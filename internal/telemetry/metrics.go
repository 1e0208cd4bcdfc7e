package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_jobs_enqueued_total", Help: "Total enqueued jobs"})
	DedupeSkips      = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_enqueue_deduped_total", Help: "Enqueues skipped by dedupe key"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})

	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_jobs_processed_total",
		Help: "Jobs processed by type and outcome",
	}, []string{"type", "outcome"})
	DeadLetterTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_jobs_dead_letter_total", Help: "Jobs moved to the dead-letter status"})
	LeasesReaped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_leases_reaped_total", Help: "Expired leases reverted to pending"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outbox_jobs_due", Help: "Jobs ready to lease"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outbox_jobs_inflight", Help: "Jobs currently executing"})
	JobDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbox_job_duration_seconds",
		Help:    "Handler execution time by job type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// BreakerState is 0=closed, 1=open, 2=half_open per service.
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outbox_breaker_state",
		Help: "Circuit breaker state per external service (0 closed, 1 open, 2 half-open)",
	}, []string{"service"})

	ReconProductsChecked = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconcile_products_checked_total", Help: "Products compared against remote catalog"})
	ReconDriftDetected   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconcile_drift_detected_total", Help: "Field-level drift records created"})
	ReconSyncsTriggered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconcile_syncs_triggered_total", Help: "Repair sync jobs enqueued by reconciliation"})
	ReconRunsTotal       = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_runs_total",
		Help: "Reconciliation runs by final status",
	}, []string{"status"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DedupeSkips,
			RateLimitRejects,
			JobsProcessed,
			DeadLetterTotal,
			LeasesReaped,
			QueueDepthGauge,
			InFlightGauge,
			JobDuration,
			BreakerState,
			ReconProductsChecked,
			ReconDriftDetected,
			ReconSyncsTriggered,
			ReconRunsTotal,
		)
	})
	return promhttp.Handler()
}
