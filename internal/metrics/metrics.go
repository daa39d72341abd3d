// Package metrics defines the process-wide Prometheus collectors. Everything
// registers against the default registry and is served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "codepod"

var (
	// ChatRequests counts gateway chat outcomes per provider. outcome is one
	// of success, failure, cached, fallback.
	ChatRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ai",
		Name:      "chat_requests_total",
		Help:      "Chat requests by provider and outcome.",
	}, []string{"provider", "outcome"})

	// ChatLatency observes provider round-trip latency for successful calls.
	ChatLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ai",
		Name:      "chat_latency_seconds",
		Help:      "Provider chat latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	// CacheEvents counts response-cache hits and misses.
	CacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ai",
		Name:      "cache_events_total",
		Help:      "Response cache hits and misses.",
	}, []string{"event"})

	// FallbackResponses counts fallback responses by type.
	FallbackResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ai",
		Name:      "fallback_responses_total",
		Help:      "Fallback responses by type.",
	}, []string{"type"})

	// QueueDepth is the current retry-queue length.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ai",
		Name:      "retry_queue_depth",
		Help:      "Queued chat requests awaiting retry.",
	})

	// QueueDropped counts queued requests dropped after max retries.
	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ai",
		Name:      "retry_queue_dropped_total",
		Help:      "Queued chat requests dropped after exhausting retries.",
	})

	// Executions counts one-shot sandbox runs per language. outcome is one of
	// success, error, timeout.
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sandbox",
		Name:      "executions_total",
		Help:      "One-shot code executions by language and outcome.",
	}, []string{"language", "outcome"})

	// ExecutionDuration observes wall-clock execution time per language.
	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sandbox",
		Name:      "execution_duration_seconds",
		Help:      "Sandbox execution wall-clock time.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"language"})

	// ActiveSessions tracks live interactive terminal sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "terminal",
		Name:      "active_sessions",
		Help:      "Interactive terminal sessions currently attached.",
	})

	// SessionsReaped counts idle sessions removed by the reaper.
	SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "terminal",
		Name:      "sessions_reaped_total",
		Help:      "Sessions cleaned up by the idle reaper.",
	})

	// HTTPRequests counts API requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status.",
	}, []string{"route", "status"})
)
