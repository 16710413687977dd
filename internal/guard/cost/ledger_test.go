package cost

import (
	"testing"

	"github.com/convergio/core/internal/domain"
)

func TestLedger_ThresholdsFireOnce(t *testing.T) {
	l := New(domain.Budget{MaxUSD: 1.0}, nil)

	_, events := l.Add(domain.CostLedgerEntry{TokensIn: 100, USD: 0.75})
	if len(events) != 1 || events[0] != domain.BudgetWarn {
		t.Fatalf("expected single warn event, got %v", events)
	}

	// Cross soft/near and hard in one step without re-firing warn.
	_, events = l.Add(domain.CostLedgerEntry{TokensIn: 100, USD: 0.30})
	foundHard := false
	for _, e := range events {
		if e == domain.BudgetWarn {
			t.Fatal("warn fired twice")
		}
		if e == domain.BudgetHitHard {
			foundHard = true
		}
	}
	if !foundHard {
		t.Fatalf("expected hit_hard among %v", events)
	}

	if !l.HardHit() {
		t.Fatal("expected HardHit true after crossing 100%")
	}

	// Further additions never re-fire any threshold.
	_, events = l.Add(domain.CostLedgerEntry{USD: 0.01})
	if len(events) != 0 {
		t.Fatalf("expected no further events, got %v", events)
	}
}

func TestLedger_WouldExceed(t *testing.T) {
	l := New(domain.Budget{MaxUSD: 0.10}, nil)
	if l.WouldExceed(domain.CostEstimate{USD: 0.05}) {
		t.Fatal("0.05 against empty 0.10 budget should not exceed")
	}
	l.Add(domain.CostLedgerEntry{USD: 0.08})
	if !l.WouldExceed(domain.CostEstimate{USD: 0.05}) {
		t.Fatal("0.08+0.05 > 0.10 should exceed")
	}
}

func TestLedger_PerTurnWouldExceed(t *testing.T) {
	l := New(domain.Budget{PerTurnMaxTokens: 1000}, nil)
	if l.PerTurnWouldExceed(900, 50) {
		t.Fatal("950 <= 1000 should not exceed")
	}
	if !l.PerTurnWouldExceed(900, 200) {
		t.Fatal("1100 > 1000 should exceed")
	}
}

func TestLedger_ZeroBudgetFailsClosed(t *testing.T) {
	l := New(domain.Budget{}, nil)
	if !l.WouldExceed(domain.CostEstimate{USD: 0.0001}) {
		t.Fatal("zero budget should reject any positive cost")
	}
}

func TestDefaultEstimator(t *testing.T) {
	est := DefaultEstimator("claude-sonnet", 400)
	if est.Tokens <= 0 || est.USD <= 0 {
		t.Fatalf("expected positive estimate, got %+v", est)
	}
}
