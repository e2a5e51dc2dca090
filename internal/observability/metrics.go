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

	// Upstream provider call rate by endpoint and status. Watch for: rate_limited share.
	UpstreamCallsTotal *prometheus.CounterVec

	// Upstream latency per call. Watch for: p99 near the client timeout.
	UpstreamDuration *prometheus.HistogramVec

	// Retry attempts against the upstream provider.
	UpstreamRetriesTotal prometheus.Counter

	// Circuit breaker state per component (0 closed, 1 half-open, 2 open).
	CircuitBreakerState *prometheus.GaugeVec

	// Cache lookups by result (hit, miss, stale, error).
	CacheLookupsTotal *prometheus.CounterVec

	// Cache backend operation latency by backend, operation and result.
	CacheOperationDuration *prometheus.HistogramVec

	// Persistence failures by store and operation. Watch for: any sustained rate.
	PersistenceErrorsTotal *prometheus.CounterVec

	// Concurrent misses for the same key served by one upstream assembly.
	CoalescedMissesTotal prometheus.Counter

	// Per-sensor fetch outcomes (success, empty, error, rate_limited).
	SensorFetchesTotal *prometheus.CounterVec

	// Stations dropped from fan-out output by reason (no_data, no_sensors).
	StationsDroppedTotal *prometheus.CounterVec

	// Historical measurement rows appended.
	HistoryMeasurementsTotal prometheus.Counter

	// Measurement timestamps that were missing or unparsable and fell back to the append time.
	HistoryTimestampFallbackTotal prometheus.Counter

	// Scheduler job runs by job and result.
	SchedulerJobRunsTotal *prometheus.CounterVec

	// Scheduler job wall time by job.
	SchedulerJobDuration *prometheus.HistogramVec

	// Scheduler loop backoffs after an internal failure.
	SchedulerBackoffsTotal prometheus.Counter

	// Rate limit denials on the inbound API.
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
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamCallsTotal",
			Help: "Total number of air quality provider calls",
		},
		[]string{"endpoint", "status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "Air quality provider latency in seconds (per call)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	UpstreamRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstreamRetriesTotal",
			Help: "Total number of retry attempts for provider calls",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"component"},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheLookupsTotal",
			Help: "Cache lookups by result",
		},
		[]string{"backend", "result"},
	)
	CacheOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache backend operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"backend", "operation", "result"},
	)
	PersistenceErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistenceErrorsTotal",
			Help: "Store read/write failures absorbed by the service",
		},
		[]string{"store", "operation"},
	)
	CoalescedMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalescedMissesTotal",
			Help: "Cache misses that shared an in-flight upstream assembly",
		},
	)
	SensorFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorFetchesTotal",
			Help: "Per-sensor series fetches by outcome",
		},
		[]string{"parameter", "outcome"},
	)
	StationsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationsDroppedTotal",
			Help: "Stations excluded from fan-out output",
		},
		[]string{"reason"},
	)
	HistoryMeasurementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "historyMeasurementsTotal",
			Help: "Historical measurement rows appended",
		},
	)
	HistoryTimestampFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "historyTimestampFallbackTotal",
			Help: "Measurements stored with the append time because the period timestamp was missing or unparsable",
		},
	)
	SchedulerJobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedulerJobRunsTotal",
			Help: "Refresh job runs by job and result",
		},
		[]string{"job", "result"},
	)
	SchedulerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "schedulerJobDurationSeconds",
			Help:    "Refresh job wall time in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"job"},
	)
	SchedulerBackoffsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schedulerBackoffsTotal",
			Help: "Scheduler loop backoffs after an internal failure",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamDuration, UpstreamRetriesTotal, CircuitBreakerState,
		CacheLookupsTotal, CacheOperationDuration, PersistenceErrorsTotal, CoalescedMissesTotal,
		SensorFetchesTotal, StationsDroppedTotal,
		HistoryMeasurementsTotal, HistoryTimestampFallbackTotal,
		SchedulerJobRunsTotal, SchedulerJobDuration, SchedulerBackoffsTotal,
		RateLimitDeniedTotal,
	)
}

// RecordPersistenceError counts an absorbed store failure.
func RecordPersistenceError(store, operation string) {
	PersistenceErrorsTotal.WithLabelValues(store, operation).Inc()
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
