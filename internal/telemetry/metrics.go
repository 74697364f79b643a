// Package telemetry provides observability primitives for the htrules service.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	RulesGenerated    *prometheus.CounterVec
	RulesRemoved      prometheus.Counter
	RuleErrors        *prometheus.CounterVec
	GenerateDuration  prometheus.Histogram
	TrackedEntries    prometheus.Gauge
	TemplateCacheHits *prometheus.CounterVec
	SweptEntries      prometheus.Counter
	EventsReceived    *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htrules",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "htrules",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "htrules",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		RulesGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htrules",
			Name:      "rules_generated_total",
			Help:      "Total rule files written, by expiry mode.",
		}, []string{"mode"}),

		RulesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htrules",
			Name:      "rules_removed_total",
			Help:      "Total rule files removed.",
		}),

		RuleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htrules",
			Name:      "rule_errors_total",
			Help:      "Total failed rule operations.",
		}, []string{"op"}),

		GenerateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:                       "htrules",
			Name:                            "generate_duration_seconds",
			Help:                            "Rule file generation duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}),

		TrackedEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "htrules",
			Name:      "tracked_entries",
			Help:      "Number of entries with a generated rule file.",
		}),

		TemplateCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htrules",
			Name:      "template_cache_lookups_total",
			Help:      "Parsed template cache lookups, by result.",
		}, []string{"result"}),

		SweptEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htrules",
			Name:      "swept_entries_total",
			Help:      "Total expired entries removed by the sweeper.",
		}),

		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htrules",
			Name:      "events_received_total",
			Help:      "Cache events received on /v1/events, by kind and queue outcome.",
		}, []string{"kind", "result"}),

		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htrules",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by bucket.",
		}, []string{"bucket"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.RulesGenerated,
		m.RulesRemoved,
		m.RuleErrors,
		m.GenerateDuration,
		m.TrackedEntries,
		m.TemplateCacheHits,
		m.SweptEntries,
		m.EventsReceived,
		m.RateLimited,
	)

	return m
}
