// Package telemetry provides observability primitives for the Vanguard gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	RateLimitRejects *prometheus.CounterVec
	CSRFRejects      prometheus.Counter
	BreakerState     *prometheus.GaugeVec
	BulkheadRejects  *prometheus.CounterVec
	SessionCacheHits *prometheus.CounterVec
	PermCacheHits    *prometheus.CounterVec
	CCUTotal         prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vanguard",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "vanguard",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vanguard",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "vanguard",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream service call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"service"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vanguard",
			Name:      "upstream_errors_total",
			Help:      "Total upstream service errors.",
		}, []string{"service", "kind"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vanguard",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"tier"}),

		CSRFRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vanguard",
			Name:      "csrf_rejects_total",
			Help:      "Total mutating requests rejected for a missing CSRF header.",
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vanguard",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per upstream (0=closed, 1=open, 2=half_open).",
		}, []string{"service"}),

		BulkheadRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vanguard",
			Name:      "bulkhead_rejects_total",
			Help:      "Total calls shed by the per-upstream bulkhead.",
		}, []string{"service"}),

		SessionCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vanguard",
			Name:      "session_cache_total",
			Help:      "Session store lookups by cache tier outcome.",
		}, []string{"outcome"}),

		PermCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vanguard",
			Name:      "permission_cache_total",
			Help:      "Permission resolver lookups by cache tier outcome.",
		}, []string{"outcome"}),

		CCUTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vanguard",
			Name:      "ccu_total",
			Help:      "Concurrently connected users counted by the presence scanner.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.RateLimitRejects,
		m.CSRFRejects,
		m.BreakerState,
		m.BulkheadRejects,
		m.SessionCacheHits,
		m.PermCacheHits,
		m.CCUTotal,
	)

	return m
}
