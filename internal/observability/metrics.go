package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the orchestration pipeline.
//
// Tracked concerns:
//   - Chat request volume and latency per provider/model
//   - Token consumption per provider/model
//   - Tool bridge executions
//   - Hygiene actions (prune, dedupe, archive, retitle)
//   - In-flight request count (abortable requests in the registry)
type Metrics struct {
	// ChatRequests counts chat requests.
	// Labels: provider, model, status (success|error|aborted)
	ChatRequests *prometheus.CounterVec

	// ChatDuration measures end-to-end chat latency in seconds.
	// Labels: provider, model
	ChatDuration *prometheus.HistogramVec

	// TokensUsed counts tokens by direction.
	// Labels: provider, model, type (input|output)
	TokensUsed *prometheus.CounterVec

	// ProviderCost accumulates estimated spend in USD.
	// Labels: provider, model
	ProviderCost *prometheus.CounterVec

	// ToolExecutions counts tool bridge invocations.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// HygieneActions counts hygiene mutations.
	// Labels: action (prune|dedupe|archive|retitle)
	HygieneActions *prometheus.CounterVec

	// ActiveRequests tracks registered abortable requests.
	ActiveRequests prometheus.Gauge

	// FactQueries counts knowledge store queries.
	// Labels: status (hit|empty|error)
	FactQueries *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
// Passing nil registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ChatRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "chat_requests_total",
			Help:      "Chat requests by provider, model, and terminal status.",
		}, []string{"provider", "model", "status"}),

		ChatDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "chat_duration_seconds",
			Help:      "End-to-end chat request latency.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		TokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "tokens_total",
			Help:      "Token consumption by provider and model.",
		}, []string{"provider", "model", "type"}),

		ProviderCost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "provider_cost_usd_total",
			Help:      "Estimated provider spend in USD.",
		}, []string{"provider", "model"}),

		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "tool_executions_total",
			Help:      "Tool bridge executions by tool and status.",
		}, []string{"tool", "status"}),

		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "tool_duration_seconds",
			Help:      "Tool execution time.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 20},
		}, []string{"tool"}),

		HygieneActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "hygiene_actions_total",
			Help:      "Transcript hygiene mutations by action.",
		}, []string{"action"}),

		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "active_requests",
			Help:      "Abortable requests currently registered.",
		}),

		FactQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "fact_queries_total",
			Help:      "Knowledge fact queries by outcome.",
		}, []string{"status"}),
	}
}
