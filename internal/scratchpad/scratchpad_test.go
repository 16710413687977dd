package scratchpad

import (
	"strings"
	"testing"

	"github.com/convergio/core/internal/domain"
)

func TestAppend_NoSummaryBelowThreshold(t *testing.T) {
	p := New(Config{TokenThreshold: 1000}, nil)
	if err := p.Append(domain.ScratchpadEntry{Turn: 1, Kind: domain.KindFact, Text: "short fact"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.View()) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(p.View()))
	}
	if len(p.Archived()) != 0 {
		t.Fatal("expected nothing archived yet")
	}
}

func TestAppend_SummarizesAboveThreshold(t *testing.T) {
	calls := 0
	summarizer := func(entries []domain.ScratchpadEntry) (string, error) {
		calls++
		return "compressed summary", nil
	}
	p := New(Config{TokenThreshold: 10}, summarizer)

	long := strings.Repeat("x", 200)
	if err := p.Append(domain.ScratchpadEntry{Turn: 1, Kind: domain.KindFact, Text: long, Refs: []string{"r1"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected exactly one summarization call, got %d", calls)
	}
	view := p.View()
	if len(view) != 1 || view[0].Text != "compressed summary" {
		t.Fatalf("expected compressed view, got %+v", view)
	}
	if view[0].Refs[0] != "r1" {
		t.Fatalf("expected ref carried forward, got %+v", view[0].Refs)
	}
	if len(p.Archived()) != 1 {
		t.Fatalf("expected original entry archived, got %d", len(p.Archived()))
	}
}

func TestRender_EmptyPad(t *testing.T) {
	p := New(DefaultConfig(), nil)
	if got := p.Render(); got != "" {
		t.Fatalf("expected empty render, got %q", got)
	}
}

func TestRender_FormatsEntries(t *testing.T) {
	p := New(DefaultConfig(), nil)
	_ = p.Append(domain.ScratchpadEntry{Turn: 1, Kind: domain.KindTodo, Text: "follow up"})
	got := p.Render()
	if !strings.Contains(got, "[todo] follow up") {
		t.Fatalf("expected rendered entry, got %q", got)
	}
}
