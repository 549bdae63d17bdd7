// Package telemetry provides observability primitives for the ccflare proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors  *prometheus.CounterVec
	Failovers       *prometheus.CounterVec
	TokenRefreshes  *prometheus.CounterVec
	RateLimitPauses *prometheus.CounterVec
	SpendRejects    prometheus.Counter
	TokensProcessed *prometheus.CounterVec
	WriterQueueDepth prometheus.Gauge
	WriterDropped   prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "ccflare",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccflare",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "ccflare",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "upstream_errors_total",
			Help:      "Total upstream errors by provider and status.",
		}, []string{"provider", "status"}),

		Failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "failovers_total",
			Help:      "Total failovers to another account, by trigger.",
		}, []string{"reason"}),

		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "token_refreshes_total",
			Help:      "Total OAuth token refresh attempts by outcome.",
		}, []string{"outcome"}),

		RateLimitPauses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "ratelimit_pauses_total",
			Help:      "Total account pauses triggered by upstream rate limits.",
		}, []string{"provider"}),

		SpendRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "spend_rejects_total",
			Help:      "Total requests rejected by a key spend limit.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		WriterQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccflare",
			Name:      "writer_queue_depth",
			Help:      "Current number of jobs queued for the database writer.",
		}),

		WriterDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "writer_dropped_total",
			Help:      "Total jobs dropped because the writer queue was full.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.Failovers,
		m.TokenRefreshes,
		m.RateLimitPauses,
		m.SpendRejects,
		m.TokensProcessed,
		m.WriterQueueDepth,
		m.WriterDropped,
	)

	return m
}

// RecordTokens increments the per-class token counters for a model.
func (m *Metrics) RecordTokens(model string, input, output, cacheRead, cacheCreate int64) {
	if input > 0 {
		m.TokensProcessed.WithLabelValues(model, "input").Add(float64(input))
	}
	if output > 0 {
		m.TokensProcessed.WithLabelValues(model, "output").Add(float64(output))
	}
	if cacheRead > 0 {
		m.TokensProcessed.WithLabelValues(model, "cache_read").Add(float64(cacheRead))
	}
	if cacheCreate > 0 {
		m.TokensProcessed.WithLabelValues(model, "cache_creation").Add(float64(cacheCreate))
	}
}
