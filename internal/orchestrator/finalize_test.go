package orchestrator

import (
	"testing"

	"github.com/convergio/core/internal/domain"
)

func TestInternalReducePicksLastAgentMessage(t *testing.T) {
	state := &runState{messages: []domain.Message{
		domain.NewMessage(domain.RoleUser, "what's the status?"),
		domain.NewMessage(domain.AgentRole("researcher"), "still gathering data"),
		domain.NewMessage(domain.AgentRole("writer"), "here is the final report"),
	}}
	got := internalReduce(state)
	if got != "here is the final report" {
		t.Fatalf("internalReduce() = %q, want last agent message", got)
	}
}

func TestInternalReduceSkipsBlankAgentMessages(t *testing.T) {
	state := &runState{messages: []domain.Message{
		domain.NewMessage(domain.AgentRole("writer"), "the real answer"),
		domain.NewMessage(domain.AgentRole("writer"), "   "),
	}}
	got := internalReduce(state)
	if got != "the real answer" {
		t.Fatalf("internalReduce() = %q, want the last non-blank agent message", got)
	}
}

func TestInternalReduceEmptyWhenNoAgentMessages(t *testing.T) {
	state := &runState{messages: []domain.Message{domain.NewMessage(domain.RoleUser, "hi")}}
	if got := internalReduce(state); got != "" {
		t.Fatalf("internalReduce() = %q, want empty", got)
	}
}

func TestRenderEntriesPlainIncludesEachEntry(t *testing.T) {
	entries := []domain.ScratchpadEntry{
		{Agent: "finance", Kind: domain.KindFact, Text: "runway is 9 months"},
		{Agent: "legal", Kind: domain.KindTodo, Text: "review the NDA"},
	}
	out := renderEntriesPlain(entries)
	if !contains(out, "runway is 9 months") || !contains(out, "review the NDA") {
		t.Fatalf("rendered entries missing content: %q", out)
	}
}
