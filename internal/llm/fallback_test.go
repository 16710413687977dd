package llm

import (
	"context"
	"errors"
	"testing"
)

type fakeClient struct {
	name string
	err  error
	text string
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Generate(ctx context.Context, prompt []PromptPart, model string, knobs Knobs) (<-chan Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan Chunk, 2)
	out <- Chunk{Text: f.text}
	out <- Chunk{Done: true, Usage: &UsageReport{TokensIn: 1, TokensOut: 1}}
	close(out)
	return out, nil
}

func TestRouter_PrimarySucceeds(t *testing.T) {
	r := NewRouter(FallbackConfig{
		Primary: Candidate{Provider: "anthropic", Model: "claude"},
		Clients: map[string]Client{"anthropic": &fakeClient{name: "anthropic", text: "hi"}},
	})
	ch, cand, attempts, err := r.Generate(context.Background(), nil, Knobs{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cand.Provider != "anthropic" || len(attempts) != 0 {
		t.Fatalf("unexpected candidate/attempts: %+v %+v", cand, attempts)
	}
	text, _, _, _ := Drain(ch)
	if text != "hi" {
		t.Fatalf("expected hi, got %q", text)
	}
}

func TestRouter_FallsOverOnUnavailable(t *testing.T) {
	r := NewRouter(FallbackConfig{
		Primary:   Candidate{Provider: "anthropic", Model: "claude"},
		Fallbacks: []Candidate{{Provider: "openai", Model: "gpt"}},
		Clients: map[string]Client{
			"anthropic": &fakeClient{name: "anthropic", err: ErrUnavailable},
			"openai":    &fakeClient{name: "openai", text: "fallback"},
		},
	})
	ch, cand, attempts, err := r.Generate(context.Background(), nil, Knobs{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cand.Provider != "openai" || len(attempts) != 1 {
		t.Fatalf("expected one attempt before falling over to openai, got %+v %+v", cand, attempts)
	}
	text, _, _, _ := Drain(ch)
	if text != "fallback" {
		t.Fatalf("expected fallback text, got %q", text)
	}
}

func TestRouter_PolicyErrorDoesNotFailover(t *testing.T) {
	r := NewRouter(FallbackConfig{
		Primary:   Candidate{Provider: "anthropic", Model: "claude"},
		Fallbacks: []Candidate{{Provider: "openai", Model: "gpt"}},
		Clients: map[string]Client{
			"anthropic": &fakeClient{name: "anthropic", err: ErrPolicy},
			"openai":    &fakeClient{name: "openai", text: "should not run"},
		},
	})
	_, _, attempts, err := r.Generate(context.Background(), nil, Knobs{})
	if err == nil || !errors.Is(err, ErrPolicy) {
		t.Fatalf("expected ErrPolicy to surface immediately, got %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected exactly one attempt, got %+v", attempts)
	}
}

func TestRouter_NoCandidates(t *testing.T) {
	r := NewRouter(FallbackConfig{})
	_, _, _, err := r.Generate(context.Background(), nil, Knobs{})
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestRouter_AllCandidatesFail(t *testing.T) {
	r := NewRouter(FallbackConfig{
		Primary: Candidate{Provider: "anthropic", Model: "claude"},
		Clients: map[string]Client{"anthropic": &fakeClient{name: "anthropic", err: ErrTransient}},
	})
	_, _, attempts, err := r.Generate(context.Background(), nil, Knobs{})
	if !errors.Is(err, ErrAllCandidatesFailed) {
		t.Fatalf("expected ErrAllCandidatesFailed, got %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected one attempt, got %+v", attempts)
	}
}

func TestKindForModelError(t *testing.T) {
	cases := map[error]string{
		ErrAuth:        "ModelError.auth",
		ErrPolicy:      "ModelError.policy",
		ErrUnavailable: "ModelError.unavailable",
		ErrTransient:   "ModelError.transient",
	}
	for err, want := range cases {
		if got := string(KindForModelError(err)); got != want {
			t.Errorf("KindForModelError(%v) = %s, want %s", err, got, want)
		}
	}
}
