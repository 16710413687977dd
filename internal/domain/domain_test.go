package domain

import "testing"

func TestAgentRoleRoundTrip(t *testing.T) {
	r := AgentRole("finance-specialist")
	name, ok := r.IsAgent()
	if !ok || name != "finance-specialist" {
		t.Fatalf("IsAgent() = %q, %v, want finance-specialist, true", name, ok)
	}
	if _, ok := RoleUser.IsAgent(); ok {
		t.Fatalf("RoleUser.IsAgent() should not match")
	}
}

func TestRiskTierPromote(t *testing.T) {
	if got := RiskLow.Promote(); got != RiskMedium {
		t.Fatalf("Promote() = %v, want medium", got)
	}
	if got := RiskCritical.Promote(); got != RiskCritical {
		t.Fatalf("Promote() at ceiling = %v, want critical", got)
	}
}

func TestDecisionPlanValidate(t *testing.T) {
	agents := map[string]bool{"finance": true, "critic": true}
	tools := map[string]bool{"files.read": true}

	valid := DecisionPlan{
		MaxTurns:     3,
		Budget:       Budget{MaxUSD: 1, MaxTokens: 100, PerTurnMaxTokens: 10},
		Participants: []string{"finance"},
		ToolsAllowed: []string{"files.read"},
	}
	if err := valid.Validate(agents, tools); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}

	cases := []DecisionPlan{
		{MaxTurns: 0, Participants: []string{"finance"}},
		{MaxTurns: 1, Participants: nil},
		{MaxTurns: 1, Participants: []string{"ghost"}},
		{MaxTurns: 1, Participants: []string{"finance"}, ToolsAllowed: []string{"ghost.tool"}},
		{MaxTurns: 1, Participants: []string{"finance"}, Budget: Budget{MaxUSD: -1}},
	}
	for i, c := range cases {
		if err := c.Validate(agents, tools); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestApprovalTerminal(t *testing.T) {
	a := Approval{Status: ApprovalPending}
	if a.Terminal() {
		t.Fatalf("pending approval should not be terminal")
	}
	a.Status = ApprovalApproved
	if !a.Terminal() {
		t.Fatalf("approved approval should be terminal")
	}
}

func TestErrKindRetryable(t *testing.T) {
	if !ErrKindModelTransient.Retryable() {
		t.Fatalf("ModelError.transient should be retryable")
	}
	if ErrKindToolOutputRejected.Retryable() {
		t.Fatalf("ToolOutputRejected should not be retryable")
	}
	if !ErrKindCancelled.TerminatesRun() {
		t.Fatalf("Cancelled should terminate the run")
	}
}

func TestKindOf(t *testing.T) {
	err := NewError(ErrKindBudgetExceeded, nil)
	if KindOf(err) != ErrKindBudgetExceeded {
		t.Fatalf("KindOf() = %v, want BudgetExceeded", KindOf(err))
	}
	if KindOf(nil) != ErrKindInternal {
		t.Fatalf("KindOf(nil) should fall back to Internal")
	}
}
