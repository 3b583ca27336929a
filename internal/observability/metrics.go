package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// AQI provider call rate by outcome. Watch for: error vs success ratio.
	AQIAPICallsTotal *prometheus.CounterVec

	// AQI provider latency. Watch for: p95 creeping toward the client timeout.
	AQIAPIDuration *prometheus.HistogramVec

	// Station search calls by outcome (success, error, skipped).
	SearchCallsTotal *prometheus.CounterVec

	// Search responses dropped because a newer query superseded them.
	SearchStaleDiscardedTotal prometheus.Counter

	// Monitor ticks by result (skipped, ok, error).
	MonitorTicksTotal *prometheus.CounterVec

	// Sessions with a running monitor.
	MonitorActiveSessions prometheus.Gauge

	// Alerts handed to the sink.
	AlertsSentTotal prometheus.Counter

	// Decisions or deliveries that did not produce an alert, by reason.
	AlertsSuppressedTotal *prometheus.CounterVec

	// Coordinate resolutions by source (manual, device, fallback).
	LocationResolutionsTotal *prometheus.CounterVec

	// Advice requests by outcome (generated, cached, coalesced, fallback, empty).
	AdviceRequestsTotal *prometheus.CounterVec

	// Advice cache errors by operation.
	CacheErrorsTotal *prometheus.CounterVec

	// AQI gateway circuit breaker state (0=closed, 1=half_open, 2=open).
	CircuitBreakerState prometheus.Gauge

	// Requests rejected by the API rate limiter.
	RateLimitDeniedTotal prometheus.Counter
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	AQIAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqiApiCallsTotal",
			Help: "Total number of AQI provider calls",
		},
		[]string{"status"},
	)
	AQIAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aqiApiDurationSeconds",
			Help:    "AQI provider latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	SearchCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchCallsTotal",
			Help: "Total number of station search calls",
		},
		[]string{"result"},
	)
	SearchStaleDiscardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "searchStaleDiscardedTotal",
			Help: "Search responses discarded because a newer input superseded them",
		},
	)
	MonitorTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitorTicksTotal",
			Help: "Monitor loop ticks by result",
		},
		[]string{"result"},
	)
	MonitorActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitorActiveSessions",
			Help: "Sessions with a running monitor loop",
		},
	)
	AlertsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alertsSentTotal",
			Help: "Total number of alerts delivered to the alert sink",
		},
	)
	AlertsSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertsSuppressedTotal",
			Help: "Readings that did not produce an alert, by reason",
		},
		[]string{"reason"},
	)
	LocationResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locationResolutionsTotal",
			Help: "Coordinate resolutions by source",
		},
		[]string{"source"},
	)
	AdviceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adviceRequestsTotal",
			Help: "Health advice requests by outcome",
		},
		[]string{"outcome"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Advice cache errors by operation",
		},
		[]string{"operation"},
	)
	CircuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aqiCircuitBreakerState",
			Help: "AQI provider circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Requests rejected with 429 by the rate limiter",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		AQIAPICallsTotal, AQIAPIDuration,
		SearchCallsTotal, SearchStaleDiscardedTotal,
		MonitorTicksTotal, MonitorActiveSessions,
		AlertsSentTotal, AlertsSuppressedTotal,
		LocationResolutionsTotal,
		AdviceRequestsTotal, CacheErrorsTotal,
		CircuitBreakerState, RateLimitDeniedTotal,
	)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
