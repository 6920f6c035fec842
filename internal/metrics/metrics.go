// Package metrics holds the Prometheus collectors for the pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MarkPaidTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_mark_paid_total",
			Help: "Mark-paid invocations by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_submissions_total",
			Help: "Submission job executions by outcome",
		},
		[]string{"outcome"},
	)

	ManualReviewTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_manual_review_total",
			Help: "Mail pieces flagged for manual review",
		},
	)

	SweepCheckedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_sweep_checked_total",
			Help: "Stuck pieces examined by the reconciliation sweep",
		},
	)

	SweepVerifiedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_sweep_verified_total",
			Help: "Stuck pieces the sweep confirmed as paid",
		},
	)

	SweepErroredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_sweep_errored_total",
			Help: "Per-piece errors isolated during sweeps",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailflow_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open)",
		},
		[]string{"dependency"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_http_requests_total",
			Help: "HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailflow_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Register registers all collectors. Call once from main.
func Register() {
	prometheus.MustRegister(
		MarkPaidTotal,
		SubmissionsTotal,
		ManualReviewTotal,
		SweepCheckedTotal,
		SweepVerifiedTotal,
		SweepErroredTotal,
		BreakerState,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}
