package orchestrator

import (
	"testing"

	"github.com/convergio/core/internal/domain"
	"github.com/convergio/core/internal/llm"
	"github.com/convergio/core/internal/scratchpad"
)

func newTestPad() *scratchpad.Pad {
	return scratchpad.New(scratchpad.Config{TokenThreshold: 1_000_000}, nil)
}

func TestRagQueryTruncatesAndBiasesOnCapabilities(t *testing.T) {
	agent := domain.Agent{Name: "finance", Capabilities: []string{"ledger", "forecasting"}}
	messages := []domain.Message{
		domain.NewMessage(domain.RoleUser, "what is our Q3 runway"),
		domain.NewMessage(domain.AgentRole("finance"), "about 9 months at current burn"),
	}
	q := ragQuery(messages, agent)
	if q == "" {
		t.Fatal("expected non-empty query")
	}
	for _, want := range []string{"runway", "burn", "ledger", "forecasting"} {
		if !contains(q, want) {
			t.Errorf("query %q missing %q", q, want)
		}
	}
}

func TestRagQueryCapsLength(t *testing.T) {
	long := make([]byte, ragQueryCharCap*2)
	for i := range long {
		long[i] = 'a'
	}
	messages := []domain.Message{domain.NewMessage(domain.RoleUser, string(long))}
	q := ragQuery(messages, domain.Agent{})
	if len(q) > ragQueryCharCap {
		t.Fatalf("query length %d exceeds cap %d", len(q), ragQueryCharCap)
	}
}

func TestExtractScratchpadClassifiesByHeuristic(t *testing.T) {
	cases := []struct {
		text string
		want domain.ScratchpadKind
	}{
		{"is this the right approach?", domain.KindQuestion},
		{"TODO: follow up with legal", domain.KindTodo},
		{"I assume the contract renews automatically", domain.KindAssumption},
		{"we decided to proceed with vendor A", domain.KindDecision},
		{"the invoice total is $4,200", domain.KindFact},
	}
	for _, c := range cases {
		pad := newTestPad()
		extractScratchpad(pad, 0, "agent", c.text)
		entries := pad.View()
		if len(entries) != 1 {
			t.Fatalf("expected one entry for %q, got %d", c.text, len(entries))
		}
		if entries[0].Kind != c.want {
			t.Errorf("text %q: got kind %s, want %s", c.text, entries[0].Kind, c.want)
		}
	}
}

func TestContainsAnyCaseInsensitive(t *testing.T) {
	if !containsAny("We DECIDED to ship", "decided") {
		t.Fatal("expected case-insensitive match")
	}
	if containsAny("nothing relevant here", "decided", "todo:") {
		t.Fatal("unexpected match")
	}
}

func TestFlattenPromptForGuardianJoinsContent(t *testing.T) {
	parts := []llm.PromptPart{
		{Role: llm.RoleSystem, Content: "be helpful"},
		{Role: llm.RoleUser, Content: "hello"},
	}
	out := flattenPromptForGuardian(parts)
	if !contains(out, "be helpful") || !contains(out, "hello") {
		t.Fatalf("flattened prompt missing expected content: %q", out)
	}
}

func TestRunStateRagDedup(t *testing.T) {
	s := &runState{}
	if s.ragAlreadyInjected("h1") {
		t.Fatal("fresh state should report no prior injection")
	}
	s.markRAGInjected("h1", 0.8)
	if !s.ragAlreadyInjected("h1") {
		t.Fatal("expected h1 to be marked injected")
	}
	if s.ragScoreImproved("h1", 0.5) {
		t.Fatal("lower score should not count as improved")
	}
	if !s.ragScoreImproved("h1", 0.95) {
		t.Fatal("higher score should count as improved")
	}
}

func TestDetectFinalizeRequest(t *testing.T) {
	if !detectFinalizeRequest("All done here. [[finalize]]") {
		t.Fatal("expected marker to be detected")
	}
	if detectFinalizeRequest("still working on it") {
		t.Fatal("did not expect a match")
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (indexOfSubstr(s, sub) >= 0)
}

func indexOfSubstr(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
