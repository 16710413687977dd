package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus surface for the orchestration core: LLM call
// volume/latency/cost, tool execution outcomes, run attempts, and a
// generic error counter any component can record against.
//
// Usage:
//
//	metrics := observability.NewMetrics(nil) // registers on the default registry
//	start := time.Now()
//	// ... call a model ...
//	metrics.RecordLLMRequest("anthropic", "claude-3-opus", "success", time.Since(start).Seconds(), 100, 500)
type Metrics struct {
	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model calls by outcome.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// LLMCostUSD tracks estimated cost in USD.
	// Labels: provider, model
	LLMCostUSD *prometheus.CounterVec

	// ContextWindowUsed tracks prompt size fed to a model call.
	// Labels: provider, model
	ContextWindowUsed *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations by outcome.
	// Labels: tool_name, status (ok|<domain.ErrKind>)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by originating component and kind.
	// Labels: component (orchestrator|toolexec|...), error_kind
	ErrorCounter *prometheus.CounterVec

	// RunAttempts counts runs reaching a terminal state.
	// Labels: status (completed|failed|cancelled)
	RunAttempts *prometheus.CounterVec
}

// NewMetrics creates and registers every metric against reg. A nil reg
// registers against prometheus.DefaultRegisterer, which panics on a
// second call in the same process (the standard promauto behavior) —
// tests should pass a fresh prometheus.NewRegistry() instead.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "core_llm_request_duration_seconds",
				Help:    "Duration of model calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_llm_requests_total",
				Help: "Total model calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		LLMCostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_llm_cost_usd_total",
				Help: "Estimated model call cost in USD",
			},
			[]string{"provider", "model"},
		),
		ContextWindowUsed: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "core_context_window_tokens",
				Help:    "Prompt size in tokens fed to a model call",
				Buckets: []float64{1000, 4000, 8000, 16000, 32000, 64000, 128000},
			},
			[]string{"provider", "model"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "core_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_errors_total",
				Help: "Total errors by component and kind",
			},
			[]string{"component", "error_kind"},
		),
		RunAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_run_attempts_total",
				Help: "Total runs reaching a terminal state, by status",
			},
			[]string{"status"},
		),
	}
}

// RecordLLMRequest records outcome, latency, and token usage for one
// model call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordLLMCost records estimated model call cost.
func (m *Metrics) RecordLLMCost(provider, model string, costUSD float64) {
	m.LLMCostUSD.WithLabelValues(provider, model).Add(costUSD)
}

// RecordContextWindow records the prompt size fed to a model call.
func (m *Metrics) RecordContextWindow(provider, model string, tokensUsed int) {
	m.ContextWindowUsed.WithLabelValues(provider, model).Observe(float64(tokensUsed))
}

// RecordToolExecution records outcome and duration for one tool call.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and kind.
func (m *Metrics) RecordError(component, errorKind string) {
	m.ErrorCounter.WithLabelValues(component, errorKind).Inc()
}

// RecordRunAttempt records a run reaching a terminal state.
func (m *Metrics) RecordRunAttempt(status string) {
	m.RunAttempts.WithLabelValues(status).Inc()
}
