// Package metrics exposes Prometheus collectors for the turn pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "nexus_http_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)

	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_turns_total",
			Help: "Chat turns by terminal status (finalized, failed, cancelled, interrupted, rejected)",
		},
		[]string{"status"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexus_turn_duration_seconds",
			Help:    "Wall time of a chat turn from receipt to final event",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)

	ActiveTurns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexus_active_turns",
			Help: "Number of turns currently in flight",
		},
	)

	TokensStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_tokens_streamed_total",
			Help: "Content tokens forwarded to clients",
		},
	)

	FirstTokenLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexus_first_token_seconds",
			Help:    "Time from inference request to first token",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_routing_decisions_total",
			Help: "Routing decisions by tier and task category",
		},
		[]string{"tier", "task"},
	)

	ContextPartial = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_context_partial_total",
			Help: "Turns whose context assembly degraded because a store failed",
		},
	)

	MemoryExtractions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_memory_extractions_total",
			Help: "Memory extraction jobs by result (stored, empty, failed, dropped)",
		},
		[]string{"result"},
	)

	MemoryOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_memory_operations_total",
			Help: "Memory writes by operation (insert, reinforce, delete, decay, purge)",
		},
		[]string{"op"},
	)
)
