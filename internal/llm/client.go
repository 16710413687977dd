// Package llm defines the LLMClient capability (spec §6) the core
// consumes from model providers, plus concrete adapters. The core never
// talks to a provider SDK directly outside this package — the Decision
// Engine and Orchestrator depend only on the Client interface, so a new
// provider is a new adapter, never a change to orchestration logic.
//
// Grounded on internal/agent/providers/base.go (shared retry shape) and
// internal/agent/providers/anthropic.go / openai.go / bedrock.go (the
// provider interface each concrete adapter implements), generalized from
// the teacher's channel-oriented agent loop into the spec's
// generate(prompt_parts, model, knobs, cancel) -> stream-of-chunks shape.
package llm

import (
	"context"
	"errors"

	"github.com/convergio/core/internal/domain"
)

// Role mirrors domain.Role for a prompt part's author, kept distinct so
// this package has no compile-time dependency on how the orchestrator
// assembles a prompt from RunState.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PromptPart is one piece of the assembled prompt (spec §4.9 step 4:
// system_prompt, pruned history, scratchpad summary, RAG note).
type PromptPart struct {
	Role    Role
	Content string
	// ToolName is set when Role == RoleTool, naming which tool produced
	// Content.
	ToolName string
}

// Knobs are the per-run generation parameters from DecisionPlan.Model.
type Knobs struct {
	Temperature      float64
	MaxTokens        int64
	ToolsAllowed     []string
	ToolSchemas      map[string]map[string]any
}

// ToolCallRequest is a tool invocation the model asked for mid-stream.
type ToolCallRequest struct {
	ID    string
	Name  string
	Input map[string]any
}

// Chunk is one piece of a streaming generation (spec: "stream of chunks
// with usage report"). Exactly one of Text/ToolCall is non-zero, except
// for the final chunk, which carries Usage and Done=true.
type Chunk struct {
	Text     string
	ToolCall *ToolCallRequest
	Done     bool
	Usage    *UsageReport
	Err      error
}

// UsageReport is the provider's reported token accounting for one call.
// When a provider does not report usage, callers fall back to
// internal/guard/cost's Estimator (spec §9 open question).
type UsageReport struct {
	TokensIn  int64
	TokensOut int64
}

// Client is the capability the core consumes from a model provider.
type Client interface {
	// Name identifies the provider for breaker/rate-limit keys and events.
	Name() string
	// Generate streams a completion for prompt under model/knobs. The
	// returned channel closes after a Done chunk or a terminal error; ctx
	// cancellation must promptly stop the stream (spec §5 cancellation).
	Generate(ctx context.Context, prompt []PromptPart, model string, knobs Knobs) (<-chan Chunk, error)
}

// Sentinel classification errors a Client's Generate should wrap with
// domain.NewError so the Orchestrator/breaker can branch without a
// provider-specific type switch (spec §7 ModelError kinds).
var (
	ErrTransient   = errors.New("llm: transient error")
	ErrAuth        = errors.New("llm: authentication error")
	ErrPolicy      = errors.New("llm: content policy rejection")
	ErrUnavailable = errors.New("llm: provider unavailable")
)

// KindForModelError maps a raw provider error to the spec §7 ModelError
// sub-kind, defaulting to transient (the safest choice for the retry
// policy: bounded, backed-off retries rather than an immediate give-up).
func KindForModelError(err error) domain.ErrKind {
	switch {
	case errors.Is(err, ErrAuth):
		return domain.ErrKindModelAuth
	case errors.Is(err, ErrPolicy):
		return domain.ErrKindModelPolicy
	case errors.Is(err, ErrUnavailable):
		return domain.ErrKindModelUnavailable
	default:
		return domain.ErrKindModelTransient
	}
}

// Drain reads every chunk off ch, concatenating text and collecting tool
// calls, useful for non-streaming callers (tests, the finalizer's
// internal-reducer policy).
func Drain(ch <-chan Chunk) (text string, calls []ToolCallRequest, usage UsageReport, err error) {
	for c := range ch {
		if c.Err != nil {
			err = c.Err
			continue
		}
		text += c.Text
		if c.ToolCall != nil {
			calls = append(calls, *c.ToolCall)
		}
		if c.Usage != nil {
			usage = *c.Usage
		}
	}
	return text, calls, usage, err
}
