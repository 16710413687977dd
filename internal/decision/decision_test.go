package decision

import (
	"errors"
	"testing"

	"github.com/convergio/core/internal/catalog"
	"github.com/convergio/core/internal/domain"
	"github.com/convergio/core/internal/safety"
)

func testAgents() catalog.AgentSnapshot {
	reg := catalog.NewAgentRegistry(
		domain.Agent{Name: "finance-specialist", Capabilities: []string{"financial"}, ToolPolicy: []string{"files.read"}, Tier: domain.TierSpecialist},
		domain.Agent{Name: "research-specialist", Capabilities: []string{"research", "technical"}, ToolPolicy: []string{"files.read"}, Tier: domain.TierSpecialist},
		domain.Agent{Name: "critic", Capabilities: []string{"ops"}, Tier: domain.TierCritic},
		domain.Agent{Name: "generalist", Capabilities: []string{"ops", "strategic"}, Tier: domain.TierGeneralist},
	)
	return reg.Current()
}

func testTools() catalog.ToolSnapshot {
	reg := catalog.NewToolRegistry(
		domain.Tool{Name: "files.read", SideEffects: domain.EffectRead, SafetyLevel: domain.SafetySafe},
		domain.Tool{Name: "shell.exec", SideEffects: domain.EffectExternal, SafetyLevel: domain.SafetyHITLRequired},
	)
	return reg.Current()
}

func TestPlanSimpleFactualRequest(t *testing.T) {
	e := New(DefaultConfig())
	req := domain.Request{
		RunID:      "r1",
		Message:    "What is our Q3 revenue?",
		BudgetHint: &domain.Budget{MaxUSD: 0.20, MaxTokens: 8000, PerTurnMaxTokens: 1000},
	}
	plan, err := e.Plan(req, PlanInput{Agents: testAgents(), Tools: testTools()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Participants) == 0 {
		t.Fatalf("expected non-empty participants")
	}
	found := false
	for _, p := range plan.Participants {
		if p == "finance-specialist" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected finance-specialist in participants, got %v", plan.Participants)
	}
	if plan.MaxTurns != 3 {
		t.Fatalf("expected max_turns=3 for a simple bucket, got %d", plan.MaxTurns)
	}
}

func TestPlanDeterministic(t *testing.T) {
	e := New(DefaultConfig())
	req := domain.Request{RunID: "r1", Message: "Investigate the outage runbook for ops."}
	agents, tools := testAgents(), testTools()

	p1, err := e.Plan(req, PlanInput{Agents: agents, Tools: tools})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, err := e.Plan(req, PlanInput{Agents: agents, Tools: tools})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p1.Participants) != len(p2.Participants) || p1.Sources[0] != p2.Sources[0] || p1.Model != p2.Model {
		t.Fatalf("plan is not deterministic: %+v vs %+v", p1, p2)
	}
}

func TestPlanInfeasibleBelowFloorCost(t *testing.T) {
	e := New(DefaultConfig())
	req := domain.Request{RunID: "r1", Message: "hi", BudgetHint: &domain.Budget{MaxUSD: 0.001}}
	_, err := e.Plan(req, PlanInput{Agents: testAgents(), Tools: testTools()})
	if !errors.Is(err, domain.ErrInvalidPlan) && domain.KindOf(err) != domain.ErrKindPlanInfeasible {
		t.Fatalf("expected PlanInfeasible, got %v", err)
	}
}

func TestPlanInfeasibleNoCoverage(t *testing.T) {
	e := New(DefaultConfig())
	reg := catalog.NewAgentRegistry(domain.Agent{Name: "irrelevant", Capabilities: []string{"nonexistent-tag"}})
	req := domain.Request{RunID: "r1", Message: "What is our Q3 revenue?", BudgetHint: &domain.Budget{MaxUSD: 1}}
	_, err := e.Plan(req, PlanInput{Agents: reg.Current(), Tools: testTools()})
	if domain.KindOf(err) != domain.ErrKindPlanInfeasible {
		t.Fatalf("expected PlanInfeasible, got %v", err)
	}
}

func TestAmbiguousRequestLowersConfidenceAndPromotesRisk(t *testing.T) {
	e := New(DefaultConfig())
	req := domain.Request{RunID: "r1", Message: "xyz qqq zzz", BudgetHint: &domain.Budget{MaxUSD: 1}}
	plan, err := e.Plan(req, PlanInput{Agents: testAgents(), Tools: testTools()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Rationale.Confidence >= 0.5 {
		t.Fatalf("expected low confidence for ambiguous request, got %f", plan.Rationale.Confidence)
	}
}

func TestHITLToolPromotesRiskToHigh(t *testing.T) {
	e := New(DefaultConfig())
	reg := catalog.NewAgentRegistry(domain.Agent{Name: "ops-agent", Capabilities: []string{"ops"}, ToolPolicy: []string{"shell.exec"}})
	req := domain.Request{RunID: "r1", Message: "Run the outage runbook please.", BudgetHint: &domain.Budget{MaxUSD: 1}}
	plan, err := e.Plan(req, PlanInput{Agents: reg.Current(), Tools: testTools()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.RiskTier < domain.RiskHigh {
		t.Fatalf("expected risk promoted to high when shell.exec is allowed, got %s", plan.RiskTier)
	}
}

func TestCriticalGuardianFindingForcesCriticalRisk(t *testing.T) {
	e := New(DefaultConfig())
	req := domain.Request{RunID: "r1", Message: "What is our Q3 revenue?", BudgetHint: &domain.Budget{MaxUSD: 1}}
	findings := []safety.Finding{{Kind: "prompt_injection.data_exfiltration", Severity: "critical"}}
	plan, err := e.Plan(req, PlanInput{Agents: testAgents(), Tools: testTools(), GuardianFindings: findings})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.RiskTier != domain.RiskCritical {
		t.Fatalf("expected critical risk tier, got %s", plan.RiskTier)
	}
}
