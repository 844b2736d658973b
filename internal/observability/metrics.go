// Package observability provides Prometheus metrics and OpenTelemetry
// tracing instrumentation for the capability invocation SDK.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// INVOCATION METRICS
// =============================================================================

var (
	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capctl_invocations_total",
			Help: "Total number of capability invocations",
		},
		[]string{"capability", "method", "status"}, // status: ok, error
	)

	invocationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capctl_invocation_duration_seconds",
			Help:    "Capability invocation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"capability", "method"},
	)
)

// =============================================================================
// RESOLUTION METRICS
// =============================================================================

var (
	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capctl_resolutions_total",
			Help: "Total number of capability resolutions",
		},
		[]string{"capability", "outcome"}, // outcome: cache_hit, cache_stale, registry_call, fallback, not_found
	)

	resolutionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capctl_resolution_duration_seconds",
			Help:    "Resolution call duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"capability"},
	)
)

// =============================================================================
// CONNECTION POOL METRICS
// =============================================================================

var (
	poolConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capctl_pool_connections_active",
			Help: "Current number of non-default pooled bus connections",
		},
	)

	poolEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capctl_pool_evictions_total",
			Help: "Total number of pool entries evicted",
		},
		[]string{"reason"}, // reason: lru, idle, expired_credentials
	)
)

// =============================================================================
// WORKER METRICS
// =============================================================================

var (
	workerHandledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capctl_worker_handled_total",
			Help: "Total number of requests handled by a worker consumer",
		},
		[]string{"subject", "status"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordInvocation records invocation outcome and latency.
func RecordInvocation(capability, method, status string, durationMS int64) {
	invocationsTotal.WithLabelValues(capability, method, status).Inc()
	invocationDurationSeconds.WithLabelValues(capability, method).Observe(float64(durationMS) / 1000.0)
}

// RecordResolution records a resolution outcome and latency.
func RecordResolution(capability, outcome string, durationMS int64) {
	resolutionsTotal.WithLabelValues(capability, outcome).Inc()
	resolutionDurationSeconds.WithLabelValues(capability).Observe(float64(durationMS) / 1000.0)
}

// SetPoolConnectionsActive reports the pool's current non-default
// connection count.
func SetPoolConnectionsActive(n int) {
	poolConnectionsActive.Set(float64(n))
}

// RecordPoolEviction records one pool entry eviction.
func RecordPoolEviction(reason string) {
	poolEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordWorkerHandled records one worker-side handled request.
func RecordWorkerHandled(subject, status string) {
	workerHandledTotal.WithLabelValues(subject, status).Inc()
}
