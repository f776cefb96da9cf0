// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RateLimitDecisions counts limiter decisions by outcome reason.
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Rate limiter decisions by reason",
		},
		[]string{"reason"},
	)

	// BlacklistSize tracks the number of active blacklist entries.
	BlacklistSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ratelimit_blacklist_entries",
			Help: "Active blacklist entries",
		},
	)

	// CircuitState tracks breaker state (0 closed, 1 open, 2 half-open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)

	// CircuitCalls counts breaker call outcomes.
	CircuitCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_calls_total",
			Help: "Circuit breaker calls by outcome",
		},
		[]string{"breaker", "outcome"},
	)

	// CacheLookups counts response cache lookups.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "response_cache_lookups_total",
			Help: "Response cache lookups by result",
		},
		[]string{"result"},
	)

	// CacheEntries tracks the response cache size.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "response_cache_entries",
			Help: "Entries held by the response cache",
		},
	)

	// BatchSize tracks how many inbound messages each batch window merged.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_window_messages",
			Help:    "Messages merged per batch window",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13, 21},
		},
	)

	// RetryQueueRecords tracks retry queue records by status.
	RetryQueueRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retry_queue_records",
			Help: "Retry queue records by status",
		},
		[]string{"status"},
	)

	// RetryAttempts counts retry attempts by result.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_queue_attempts_total",
			Help: "Retry queue attempts by result",
		},
		[]string{"result"},
	)

	// ActiveConversations tracks tracked conversation contexts.
	ActiveConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversations_active",
			Help: "Active conversation contexts",
		},
	)

	// LLMRequestDuration tracks LLM completion latency.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM completion duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// InboundMessages counts pipeline outcomes.
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_messages_total",
			Help: "Inbound messages by pipeline outcome",
		},
		[]string{"channel", "outcome"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLM records metrics for an LLM completion.
func RecordLLM(provider, model, status string, duration float64, tokensIn, tokensOut int) {
	LLMRequestDuration.WithLabelValues(provider, status).Observe(duration)
	if status != "success" {
		return
	}
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}
