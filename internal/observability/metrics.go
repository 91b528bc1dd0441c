// Package observability holds the process-wide Prometheus collectors and the
// slog logger constructor.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querydesk_executions_total",
			Help: "Total number of execution requests by engine and terminal status.",
		},
		[]string{"engine", "status"},
	)
	rateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querydesk_rate_limit_rejections_total",
			Help: "Total number of executions rejected by per-user quotas.",
		},
		[]string{"limit_type"},
	)
	dispatchDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querydesk_dispatch_duration_seconds",
			Help:    "Engine dispatch latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"engine", "outcome"},
	)
	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querydesk_downloads_total",
			Help: "Total number of result download attempts by format and outcome.",
		},
		[]string{"format", "outcome"},
	)
	artifactsStoredBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querydesk_artifacts_stored_bytes_total",
			Help: "Bytes of result artifacts written, by format.",
		},
		[]string{"format"},
	)
	artifactsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydesk_artifacts_swept_total",
			Help: "Total number of expired stored results removed by the sweeper.",
		},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querydesk_http_requests_total",
			Help: "Total HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		executionsTotal,
		rateLimitRejectionsTotal,
		dispatchDurationSeconds,
		downloadsTotal,
		artifactsStoredBytes,
		artifactsSweptTotal,
		httpRequestsTotal,
	)
}

// ObserveExecution counts a finished execution.
func ObserveExecution(engine, status string) {
	executionsTotal.WithLabelValues(engine, status).Inc()
}

// IncrementRateLimitRejection counts a quota rejection.
func IncrementRateLimitRejection(limitType string) {
	rateLimitRejectionsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDispatch records engine latency.
func ObserveDispatch(engine, outcome string, elapsed time.Duration) {
	dispatchDurationSeconds.WithLabelValues(engine, outcome).Observe(elapsed.Seconds())
}

// ObserveDownload counts a download attempt.
func ObserveDownload(format, outcome string) {
	downloadsTotal.WithLabelValues(format, outcome).Inc()
}

// ObserveArtifactStored records the size of a written artifact.
func ObserveArtifactStored(format string, size int) {
	artifactsStoredBytes.WithLabelValues(format).Add(float64(size))
}

// AddArtifactsSwept counts removed results.
func AddArtifactsSwept(n int) {
	if n > 0 {
		artifactsSweptTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest counts a served HTTP request.
func ObserveHTTPRequest(method, route string, status string) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
}
