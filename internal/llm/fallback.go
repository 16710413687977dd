package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Candidate is a provider/model pair to try in order.
type Candidate struct {
	Provider string
	Model    string
}

func (c Candidate) String() string { return c.Provider + "/" + c.Model }

// Attempt records one failed candidate in a fallback run, surfaced on
// domain events so an operator can see why a run degraded to a cheaper
// or different model mid-flight.
type Attempt struct {
	Provider string
	Model    string
	Err      error
}

// FallbackConfig orders the candidates a Router tries for one generation
// (spec §9 open question: "model fallback order is operator-configured,
// not learned"). Clients maps provider name to the Client that serves it.
type FallbackConfig struct {
	Primary   Candidate
	Fallbacks []Candidate
	Clients   map[string]Client
}

// candidates returns Primary followed by Fallbacks, skipping any entry
// whose provider has no registered Client and deduplicating repeats of
// Primary — mirrors internal/models/fallback.go's BuildFallbackCandidates.
func (c FallbackConfig) candidates() []Candidate {
	out := make([]Candidate, 0, 1+len(c.Fallbacks))
	seen := map[Candidate]bool{}
	add := func(cand Candidate) {
		if cand.Provider == "" || cand.Model == "" || seen[cand] {
			return
		}
		if _, ok := c.Clients[cand.Provider]; !ok {
			return
		}
		seen[cand] = true
		out = append(out, cand)
	}
	add(c.Primary)
	for _, f := range c.Fallbacks {
		add(f)
	}
	return out
}

// Router tries a generation against an ordered candidate list, failing
// over to the next candidate on a retryable/unavailable classification
// and giving up immediately on a non-failover error (e.g. ErrPolicy,
// which no amount of retrying or swapping providers fixes). Grounded on
// internal/models/fallback.go's RunWithModelFallback loop, generalized
// from a single-shot RunFunc[T] to the streaming Client.Generate shape.
type Router struct {
	cfg FallbackConfig
}

func NewRouter(cfg FallbackConfig) *Router {
	return &Router{cfg: cfg}
}

// ErrNoCandidates is returned when no candidate in cfg has a registered
// client.
var ErrNoCandidates = errors.New("llm: no model candidates configured")

// ErrAllCandidatesFailed is returned when every candidate in the ordered
// list failed with a failover-eligible error.
var ErrAllCandidatesFailed = errors.New("llm: all model candidates failed")

// Generate tries each candidate in order, returning the first stream that
// starts successfully along with which candidate served it and the
// attempts that preceded it.
func (r *Router) Generate(ctx context.Context, prompt []PromptPart, knobs Knobs) (<-chan Chunk, Candidate, []Attempt, error) {
	candidates := r.cfg.candidates()
	if len(candidates) == 0 {
		return nil, Candidate{}, nil, ErrNoCandidates
	}

	var attempts []Attempt
	for i, cand := range candidates {
		if ctx.Err() != nil {
			return nil, Candidate{}, attempts, ctx.Err()
		}

		client := r.cfg.Clients[cand.Provider]
		ch, err := client.Generate(ctx, prompt, cand.Model, knobs)
		if err == nil {
			return ch, cand, attempts, nil
		}

		attempts = append(attempts, Attempt{Provider: cand.Provider, Model: cand.Model, Err: err})

		if i == len(candidates)-1 {
			break
		}
		if !shouldFailover(err) {
			return nil, Candidate{}, attempts, err
		}
	}

	return nil, Candidate{}, attempts, fmt.Errorf("%w: %s", ErrAllCandidatesFailed, summarize(attempts))
}

// GenerateModel behaves like Generate but overrides the primary
// candidate's model with model, keeping the same provider and fallback
// chain. The DecisionPlan chooses a model per run while a Router's
// provider wiring and fallback ordering are fixed at startup, so this is
// the seam between the two: same Clients/Fallbacks, one substituted
// Primary.Model.
func (r *Router) GenerateModel(ctx context.Context, prompt []PromptPart, model string, knobs Knobs) (<-chan Chunk, Candidate, []Attempt, error) {
	cfg := r.cfg
	cfg.Primary.Model = model
	return (&Router{cfg: cfg}).Generate(ctx, prompt, knobs)
}

// shouldFailover reports whether err warrants trying the next candidate
// rather than surfacing immediately. Auth and policy errors are
// provider/account problems a different model candidate can't fix on its
// own — auth will fail identically, and most providers share vendor-wide
// content policy — so neither failable triggers failover.
func shouldFailover(err error) bool {
	switch {
	case errors.Is(err, ErrUnavailable):
		return true
	case errors.Is(err, ErrTransient):
		return true
	default:
		return IsRetryable(err)
	}
}

func summarize(attempts []Attempt) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, fmt.Sprintf("%s/%s: %v", a.Provider, a.Model, a.Err))
	}
	return strings.Join(parts, "; ")
}
