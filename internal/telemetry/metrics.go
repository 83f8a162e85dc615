// Package telemetry provides observability primitives for the Mithril gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// latencyBuckets spans sub-second cache hits through multi-minute CLI runs.
var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestLatency    *prometheus.HistogramVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	RetriesTotal      *prometheus.CounterVec
	FallbacksTotal    *prometheus.CounterVec
	RateLimitHits     *prometheus.CounterVec
	TokensUsed        *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	ActiveConnections prometheus.Gauge
	StreamsActive     prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Completed gateway requests by provider and terminal status.",
		}, []string{"provider", "status"}),

		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "request_latency_seconds",
			Help:      "End-to-end request latency in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"provider"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "retries_total",
			Help:      "Total retry attempts per provider.",
		}, []string{"provider"}),

		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "fallbacks_total",
			Help:      "Requests served by a fallback provider.",
		}, []string{"provider"}),

		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"key_type"}),

		TokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "tokens_used_total",
			Help:      "Total tokens consumed per provider.",
		}, []string{"provider"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "errors_total",
			Help:      "Upstream errors by provider and classification.",
		}, []string{"provider", "error_type"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "queue_depth",
			Help:      "Queued requests per provider.",
		}, []string{"provider"}),

		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "active_connections",
			Help:      "Number of in-flight HTTP connections.",
		}),

		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "streams_active",
			Help:      "Number of open chunk streams.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern, and status.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestLatency,
		m.CacheHits,
		m.CacheMisses,
		m.RetriesTotal,
		m.FallbacksTotal,
		m.RateLimitHits,
		m.TokensUsed,
		m.ErrorsTotal,
		m.QueueDepth,
		m.ActiveConnections,
		m.StreamsActive,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}
