package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Standard metric names
const (
	MetricQueryTotal      = "analytics_queries_total"
	MetricQueryDuration   = "analytics_query_duration_seconds"
	MetricStageDuration   = "analytics_stage_duration_seconds"
	MetricSafetyDecisions = "analytics_safety_decisions_total"
	MetricReservedCost    = "analytics_reserved_cost_units_total"
	MetricDiagSubqueries  = "analytics_diagnostic_subqueries_total"
	MetricLLMRequests     = "llm_requests_total"
	MetricLLMDuration     = "llm_request_duration_seconds"
	MetricDBQueries       = "database_queries_total"
	MetricDBDuration      = "database_query_duration_seconds"
	MetricHTTPRequests    = "analytics_http_requests_total"
	MetricHTTPDuration    = "analytics_http_request_duration_seconds"
	MetricBreakerState    = "circuit_breaker_state"
)

var registry = prometheus.NewRegistry()

var (
	queriesTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: MetricQueryTotal,
		Help: "Analytics pipeline runs by intent and outcome.",
	}, []string{"intent", "outcome"})

	queryDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    MetricQueryDuration,
		Help:    "End-to-end pipeline latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"intent"})

	stageDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    MetricStageDuration,
		Help:    "Latency of individual pipeline stages.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage", "outcome"})

	safetyDecisions = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: MetricSafetyDecisions,
		Help: "Safety gate decisions by outcome.",
	}, []string{"outcome"})

	reservedCost = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: MetricReservedCost,
		Help: "Cost units reserved against user quotas.",
	})

	diagSubqueries = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: MetricDiagSubqueries,
		Help: "Diagnostic sub-queries by step and outcome.",
	}, []string{"step", "outcome"})

	llmRequests = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: MetricLLMRequests,
		Help: "Requests to generation providers.",
	}, []string{"provider", "operation", "outcome"})

	llmDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    MetricLLMDuration,
		Help:    "Latency of generation provider calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	dbQueries = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: MetricDBQueries,
		Help: "Semantic model store queries.",
	}, []string{"operation", "outcome"})

	dbDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    MetricDBDuration,
		Help:    "Semantic model store query latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	httpRequests = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: MetricHTTPRequests,
		Help: "HTTP requests by route and status class.",
	}, []string{"method", "route", "status_class"})

	httpDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    MetricHTTPDuration,
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	breakerState = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: MetricBreakerState,
		Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry exposes the process registry, mainly for tests.
func Registry() *prometheus.Registry {
	return registry
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordQueryMetrics records metrics for one pipeline run
func RecordQueryMetrics(intent, outcome string, duration time.Duration) {
	if intent == "" {
		intent = "unknown"
	}
	queriesTotal.WithLabelValues(intent, outcome).Inc()
	queryDuration.WithLabelValues(intent).Observe(duration.Seconds())
}

// RecordStageMetrics records latency for a single pipeline stage
func RecordStageMetrics(stage string, duration time.Duration, err error) {
	stageDuration.WithLabelValues(stage, outcomeLabel(err)).Observe(duration.Seconds())
}

// RecordSafetyDecision records a safety gate outcome and the cost it reserved
func RecordSafetyDecision(outcome string, reserved float64) {
	safetyDecisions.WithLabelValues(outcome).Inc()
	if reserved > 0 {
		reservedCost.Add(reserved)
	}
}

// RecordDiagnosticSubquery records one diagnostic sub-query
func RecordDiagnosticSubquery(step string, err error) {
	diagSubqueries.WithLabelValues(step, outcomeLabel(err)).Inc()
}

// RecordLLMMetrics records metrics for generation provider calls
func RecordLLMMetrics(provider, operation string, duration time.Duration, err error) {
	llmRequests.WithLabelValues(provider, operation, outcomeLabel(err)).Inc()
	llmDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordDBMetrics records metrics for database operations
func RecordDBMetrics(operation string, duration time.Duration, err error) {
	dbQueries.WithLabelValues(operation, outcomeLabel(err)).Inc()
	dbDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHTTPMetrics records one served request under its route template
func RecordHTTPMetrics(method, route string, statusCode int, duration time.Duration) {
	httpRequests.WithLabelValues(method, route, statusClass(statusCode)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordBreakerState publishes a circuit breaker state change
func RecordBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}
