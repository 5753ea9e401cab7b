package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event and queue state
	EventsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anchor_events",
			Help: "Number of collection events by sync status",
		},
		[]string{"status"},
	)

	QueueJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anchor_queue_jobs",
			Help: "Number of sync jobs by queue state",
		},
		[]string{"state"},
	)

	// Enqueue metrics
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_jobs_enqueued_total",
			Help: "Enqueue calls by result (created, duplicate, error)",
		},
		[]string{"result"},
	)

	// Processing metrics
	SyncAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_sync_attempts_total",
			Help: "Event processing outcomes (synced, failed, skipped)",
		},
		[]string{"outcome"},
	)

	LedgerSubmitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anchor_ledger_submit_duration_seconds",
			Help:    "Ledger transaction submission latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anchor_workers_busy",
			Help: "Number of workers currently processing a job",
		},
	)

	// Recovery metrics
	StalledJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_stalled_jobs_total",
			Help: "Jobs with expired leases by outcome (requeued, failed)",
		},
		[]string{"outcome"},
	)

	RetrySweepEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_retry_sweep_events_total",
			Help: "Failed events handled by the retry sweep by result (requeued, skipped, error)",
		},
		[]string{"result"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anchor_reconciliation_duration_seconds",
			Help:    "Duration of a stall detection and retention cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ComponentUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anchor_component_up",
			Help: "Whether a monitored component last reported healthy (1) or not (0)",
		},
		[]string{"component"},
	)

	// Audit metrics
	AuditWriteErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anchor_audit_write_errors_total",
			Help: "Audit entries that could not be written",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anchor_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anchor_api_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

func init() {
	prometheus.MustRegister(EventsByStatus)
	prometheus.MustRegister(QueueJobs)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(SyncAttemptsTotal)
	prometheus.MustRegister(LedgerSubmitDuration)
	prometheus.MustRegister(WorkersBusy)
	prometheus.MustRegister(StalledJobsTotal)
	prometheus.MustRegister(RetrySweepEventsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ComponentUp)
	prometheus.MustRegister(AuditWriteErrorsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RateLimitedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in a histogram vec
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
