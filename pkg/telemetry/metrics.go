package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Gateway ─────────────────────────────────────────────────────────────────

	GatewayDocumentsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docproc",
		Subsystem: "gateway",
		Name:      "documents_submitted_total",
		Help:      "Total documents accepted through the gateway.",
	}, []string{"priority"})

	GatewayBatchesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docproc",
		Subsystem: "gateway",
		Name:      "batches_submitted_total",
		Help:      "Total batches accepted through the gateway.",
	})

	GatewayRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docproc",
		Subsystem: "gateway",
		Name:      "rate_limited_total",
		Help:      "Total submissions rejected by intake backpressure.",
	})

	// ─── Pipeline workers ────────────────────────────────────────────────────────

	StageTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docproc",
		Subsystem: "pipeline",
		Name:      "stage_tasks_total",
		Help:      "Total stage tasks processed, labelled by stage and outcome.",
	}, []string{"stage", "outcome"})

	StageTasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "docproc",
		Subsystem: "pipeline",
		Name:      "stage_tasks_inflight",
		Help:      "Stage tasks currently executing.",
	}, []string{"stage"})

	StageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "docproc",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Stage execution time in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"stage"})

	StageRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docproc",
		Subsystem: "pipeline",
		Name:      "stage_retries_total",
		Help:      "Total stage re-enqueues after retryable failures.",
	}, []string{"stage"})

	PipelineDLQTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docproc",
		Subsystem: "pipeline",
		Name:      "dlq_total",
		Help:      "Total stage tasks forwarded to the dead-letter topic.",
	}, []string{"stage"})

	DocumentsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docproc",
		Subsystem: "pipeline",
		Name:      "documents_terminal_total",
		Help:      "Documents reaching a terminal stage, labelled by stage.",
	}, []string{"stage"})

	// ─── Poller ──────────────────────────────────────────────────────────────────

	PollerPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docproc",
		Subsystem: "poller",
		Name:      "polls_total",
		Help:      "Total external-job polls, labelled by resulting job state.",
	}, []string{"state"})

	PollerResubmitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docproc",
		Subsystem: "poller",
		Name:      "resubmits_total",
		Help:      "Total external jobs resubmitted after transient failures.",
	})

	PollerStuckJobsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docproc",
		Subsystem: "poller",
		Name:      "stuck_jobs_total",
		Help:      "Total jobs force-failed at the maximum job age.",
	})

	// ─── Batches ─────────────────────────────────────────────────────────────────

	BatchesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docproc",
		Subsystem: "batch",
		Name:      "completed_total",
		Help:      "Total batches reaching COMPLETED.",
	})

	BatchCounterFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docproc",
		Subsystem: "batch",
		Name:      "counter_fallbacks_total",
		Help:      "Batch transitions that fell back to the database after cache eviction.",
	})
)
