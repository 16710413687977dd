package retriever

import (
	"context"
	"testing"

	"github.com/convergio/core/internal/domain"
)

type fakeSource struct {
	calls   int
	results []Chunk
	err     error
}

func (f *fakeSource) TopK(ctx context.Context, query string, k int, filters Filters) ([]Chunk, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func TestTopK_FiltersBelowThreshold(t *testing.T) {
	src := &fakeSource{results: []Chunk{
		{Content: "a", Score: 0.9, Hash: "h1"},
		{Content: "b", Score: 0.3, Hash: "h2"},
	}}
	r := New(src, Config{Threshold: 0.7, CacheTTL: 0})
	chunks, _, err := r.TopK(context.Background(), "run1", "q", 5, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Content != "a" {
		t.Fatalf("expected only the high-score chunk, got %+v", chunks)
	}
}

func TestTopK_DedupesByHash(t *testing.T) {
	src := &fakeSource{results: []Chunk{
		{Content: "a", Score: 0.9, Hash: "dup"},
		{Content: "a-again", Score: 0.85, Hash: "dup"},
	}}
	r := New(src, Config{Threshold: 0.5, CacheTTL: 0})
	chunks, _, err := r.TopK(context.Background(), "run1", "q", 5, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected dedup to collapse to one chunk, got %d", len(chunks))
	}
}

func TestTopK_CachesWithinTTL(t *testing.T) {
	src := &fakeSource{results: []Chunk{{Content: "a", Score: 0.9, Hash: "h1"}}}
	r := New(src, Config{Threshold: 0.5, CacheTTL: 0})
	r.cfg.CacheTTL = 1 << 62 // effectively forever for this test
	r.cache.ttl = r.cfg.CacheTTL

	if _, _, err := r.TopK(context.Background(), "run1", "q", 5, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := r.TopK(context.Background(), "run1", "q", 5, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("expected source to be called once due to caching, got %d calls", src.calls)
	}
}

func TestTopK_WrapsSourceErrorAsRetrieverKind(t *testing.T) {
	src := &fakeSource{err: domain.NewError(domain.ErrKindInternal, nil)}
	r := New(src, DefaultConfig())
	_, _, err := r.TopK(context.Background(), "run1", "q", 5, nil)
	if domain.KindOf(err) != domain.ErrKindRetriever {
		t.Fatalf("expected ErrKindRetriever, got %v", domain.KindOf(err))
	}
}
