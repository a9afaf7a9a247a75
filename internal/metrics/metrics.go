package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prosearch_sessions_submitted_total",
			Help: "Total number of research sessions submitted",
		},
		[]string{"effort"},
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prosearch_sessions_completed_total",
			Help: "Total number of research sessions that reached a terminal state",
		},
		[]string{"effort", "status"},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prosearch_session_duration_seconds",
			Help:    "Research session duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"effort", "status"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prosearch_sessions_active",
			Help: "Number of research sessions currently running",
		},
	)

	ResearchLoops = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prosearch_research_loops",
			Help:    "Reflection loops executed per finished session",
			Buckets: []float64{1, 2, 3, 5, 8, 10},
		},
		[]string{"effort"},
	)

	EvidenceCollected = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prosearch_evidence_items",
			Help:    "Evidence items collected per finished session",
			Buckets: []float64{0, 5, 10, 25, 50, 100, 200},
		},
		[]string{"kind"},
	)

	// Source call metrics
	SourceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prosearch_source_requests_total",
			Help: "Total number of evidence source calls",
		},
		[]string{"source", "status"},
	)

	SourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prosearch_source_latency_seconds",
			Help:    "Evidence source call latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source"},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prosearch_llm_requests_total",
			Help: "Total number of language model calls",
		},
		[]string{"operation", "status"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prosearch_llm_tokens_total",
			Help: "Tokens reported by the language model service",
		},
		[]string{"operation"},
	)

	// Tunnel metrics
	TunnelState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prosearch_tunnel_state",
			Help: "Current tunnel state (0=disconnected, 1=connecting, 2=connected, 3=degraded, 4=failed)",
		},
	)

	TunnelTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prosearch_tunnel_transitions_total",
			Help: "Tunnel state transitions",
		},
		[]string{"from", "to"},
	)

	TunnelReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prosearch_tunnel_reconnect_attempts_total",
			Help: "Tunnel connection attempts by outcome",
		},
		[]string{"result"},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prosearch_events_published_total",
			Help: "Progress events published to subscribers",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prosearch_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
	)
)

// RecordSessionMetrics records the outcome of a finished session.
func RecordSessionMetrics(effort, status string, durationSeconds float64, loops int) {
	SessionsCompleted.WithLabelValues(effort, status).Inc()
	SessionDuration.WithLabelValues(effort, status).Observe(durationSeconds)
	if loops > 0 {
		ResearchLoops.WithLabelValues(effort).Observe(float64(loops))
	}
}

// RecordSourceMetrics records one web or knowledge-base call.
func RecordSourceMetrics(source, status string, durationSeconds float64) {
	SourceRequests.WithLabelValues(source, status).Inc()
	if durationSeconds > 0 {
		SourceLatency.WithLabelValues(source).Observe(durationSeconds)
	}
}

// RecordLLMMetrics records one language model call.
func RecordLLMMetrics(operation, status string, tokens int) {
	LLMRequests.WithLabelValues(operation, status).Inc()
	if tokens > 0 {
		LLMTokensUsed.WithLabelValues(operation).Add(float64(tokens))
	}
}
