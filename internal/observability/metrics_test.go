package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersAgainstGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordLLMRequest("anthropic", "claude-3-opus", "success", 1.25, 100, 50)

	if count := testutil.CollectAndCount(m.LLMRequestCounter); count != 1 {
		t.Fatalf("expected 1 label combination, got %d", count)
	}
	expected := `
		# HELP core_llm_requests_total Total model calls by provider, model, and status
		# TYPE core_llm_requests_total counter
		core_llm_requests_total{model="claude-3-opus",provider="anthropic",status="success"} 1
	`
	if err := testutil.CollectAndCompare(m.LLMRequestCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordLLMRequestTracksTokens(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordLLMRequest("openai", "gpt-4", "success", 0.5, 200, 80)
	m.RecordLLMRequest("openai", "gpt-4", "error", 0.1, 0, 0)

	expected := `
		# HELP core_llm_tokens_total Total tokens used by provider, model, and type
		# TYPE core_llm_tokens_total counter
		core_llm_tokens_total{model="gpt-4",provider="openai",type="completion"} 80
		core_llm_tokens_total{model="gpt-4",provider="openai",type="prompt"} 200
	`
	if err := testutil.CollectAndCompare(m.LLMTokensUsed, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordLLMCost(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordLLMCost("anthropic", "claude-3-opus", 0.015)
	m.RecordLLMCost("anthropic", "claude-3-opus", 0.005)

	expected := `
		# HELP core_llm_cost_usd_total Estimated model call cost in USD
		# TYPE core_llm_cost_usd_total counter
		core_llm_cost_usd_total{model="claude-3-opus",provider="anthropic"} 0.02
	`
	if err := testutil.CollectAndCompare(m.LLMCostUSD, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordToolExecution(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordToolExecution("web_search", "ok", 0.2)
	m.RecordToolExecution("web_search", "ok", 0.3)
	m.RecordToolExecution("browser", "tool_timeout", 20.0)

	if count := testutil.CollectAndCount(m.ToolExecutionCounter); count != 2 {
		t.Fatalf("expected 2 label combinations, got %d", count)
	}
}

func TestRecordErrorAndRunAttempt(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordError("orchestrator", "plan_infeasible")
	m.RecordError("toolexec", "tool_timeout")
	m.RecordRunAttempt("completed")
	m.RecordRunAttempt("failed")

	if count := testutil.CollectAndCount(m.ErrorCounter); count != 2 {
		t.Fatalf("expected 2 error label combinations, got %d", count)
	}
	if count := testutil.CollectAndCount(m.RunAttempts); count != 2 {
		t.Fatalf("expected 2 run_attempts label combinations, got %d", count)
	}
}

func TestRecordContextWindow(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordContextWindow("anthropic", "claude-3-opus", 4500)

	if count := testutil.CollectAndCount(m.ContextWindowUsed); count != 1 {
		t.Fatalf("expected 1 observation, got %d", count)
	}
}
