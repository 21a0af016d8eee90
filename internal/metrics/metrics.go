// Package metrics provides Prometheus instrumentation for the task router.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts HTTP requests by route, method, and status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_http_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration observes HTTP request latency in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrouter_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// ActiveConnections tracks the number of in-flight HTTP requests.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskrouter_active_connections",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// IngressRejections counts tenants turned away by the HTTP admission limiter.
	IngressRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_ingress_rejections_total",
			Help: "Total HTTP requests rejected by the per-tenant ingress limiter",
		},
		[]string{"route"},
	)

	// TasksTotal counts routed tasks by type, final provider and outcome code
	// ("ok" on success).
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_tasks_total",
			Help: "Total tasks routed, by outcome",
		},
		[]string{"task_type", "provider", "code"},
	)

	// TaskDuration observes end-to-end routing latency per task type.
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrouter_task_duration_seconds",
			Help:    "End-to-end task routing latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"task_type"},
	)

	// ProviderAttempts counts adapter invocations by provider and outcome code.
	ProviderAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_provider_attempts_total",
			Help: "Total adapter invocations, by outcome",
		},
		[]string{"provider", "code"},
	)

	// ProviderLatency observes adapter call latency.
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrouter_provider_latency_seconds",
			Help:    "Adapter call latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// FallbacksTotal counts fallback traversals by original provider and reason.
	FallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_fallbacks_total",
			Help: "Total fallback traversals started",
		},
		[]string{"provider", "reason"},
	)

	// RetryTotal counts same-provider retry attempts.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_retries_total",
			Help: "Total same-provider retry attempts",
		},
		[]string{"provider"},
	)

	// RateLimitRejections counts provider-quota rejections by window.
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_rate_limit_rejections_total",
			Help: "Total provider rate limit rejections, by exhausted window",
		},
		[]string{"provider", "window"},
	)

	// CircuitBreakerState reports the breaker state per provider
	// (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskrouter_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	// CircuitBreakerTransitions counts breaker state changes.
	CircuitBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"provider", "from", "to"},
	)

	// BulkheadInFlight tracks in-flight calls per capped provider.
	BulkheadInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskrouter_bulkhead_in_flight",
			Help: "In-flight adapter calls per provider bulkhead",
		},
		[]string{"provider"},
	)

	// BulkheadRejections counts calls refused because a bulkhead was full.
	BulkheadRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_bulkhead_rejections_total",
			Help: "Total adapter calls rejected by a full bulkhead",
		},
		[]string{"provider"},
	)

	// BudgetRefusals counts tasks refused by the tenant budget guard.
	BudgetRefusals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_budget_refusals_total",
			Help: "Total tasks refused because the tenant budget was exhausted",
		},
		[]string{"provider"},
	)

	// ExecLogDropped counts execution log entries dropped by a full buffer.
	ExecLogDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrouter_execlog_dropped_total",
			Help: "Total execution log entries dropped because the buffer was full",
		},
	)

	// ConfigReloads counts configuration reload attempts by result.
	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrouter_config_reloads_total",
			Help: "Total configuration reload attempts",
		},
		[]string{"result"},
	)
)

// Collectors returns every collector defined by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		ActiveConnections,
		IngressRejections,
		TasksTotal,
		TaskDuration,
		ProviderAttempts,
		ProviderLatency,
		FallbacksTotal,
		RetryTotal,
		RateLimitRejections,
		CircuitBreakerState,
		CircuitBreakerTransitions,
		BulkheadInFlight,
		BulkheadRejections,
		BudgetRefusals,
		ExecLogDropped,
		ConfigReloads,
	}
}

var initOnce sync.Once

// Init registers all metric collectors with the default Prometheus registry.
// Safe to call more than once; only the first call registers.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
