package conflict

import "testing"

func TestExtractClaims_Numeric(t *testing.T) {
	claims := ExtractClaims(1, "agentA", "Revenue is 500000 this quarter.")
	found := false
	for _, c := range claims {
		if c.Subject == "revenue" && c.Number != nil && *c.Number == 500000 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a numeric claim for revenue, got %+v", claims)
	}
}

func TestDetector_NumericDisagreementBeyondTolerance(t *testing.T) {
	d := NewDetector(0.05)
	prior := ExtractClaims(1, "agentA", "Revenue is 500000 this quarter.")
	next := ExtractClaims(2, "agentB", "Revenue is 700000 this quarter.")

	findings := d.Check(next, prior)
	if len(findings) == 0 {
		t.Fatal("expected a numeric_disagreement finding")
	}
	if findings[0].Kind != "numeric_disagreement" {
		t.Fatalf("expected numeric_disagreement, got %s", findings[0].Kind)
	}
}

func TestDetector_NumericWithinTolerance(t *testing.T) {
	d := NewDetector(0.10)
	prior := ExtractClaims(1, "agentA", "Revenue is 500000 this quarter.")
	next := ExtractClaims(2, "agentB", "Revenue is 510000 this quarter.")

	findings := d.Check(next, prior)
	if len(findings) != 0 {
		t.Fatalf("expected no findings within tolerance, got %+v", findings)
	}
}

func TestDetector_SameAgentNeverConflicts(t *testing.T) {
	d := NewDetector(0.05)
	prior := ExtractClaims(1, "agentA", "Revenue is 500000 this quarter.")
	next := ExtractClaims(2, "agentA", "Revenue is 900000 this quarter.")

	findings := d.Check(next, prior)
	if len(findings) != 0 {
		t.Fatalf("expected same-agent claims to be ignored, got %+v", findings)
	}
}

func TestDetector_RecommendationConflict(t *testing.T) {
	d := NewDetector(0.05)
	prior := ExtractClaims(1, "agentA", "We should deploy to production today.")
	next := ExtractClaims(2, "agentB", "We should not deploy to production today.")

	findings := d.Check(next, prior)
	found := false
	for _, f := range findings {
		if f.Kind == "recommendation_conflict" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a recommendation_conflict finding, got %+v", findings)
	}
}
