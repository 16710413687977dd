// Package domain defines the core data model shared by every subsystem of
// the orchestration core: requests, messages, decision plans, agents,
// tools, run state, approvals, and the event taxonomy. Nothing in this
// package talks to a model provider, a store, or a network — it is the
// vocabulary the rest of the module is built from.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a Message. Agent roles are dynamic
// ("agent:<name>") so the set is not a closed enum.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// AgentRole builds the role string for a named agent's turn.
func AgentRole(agentName string) Role {
	return Role("agent:" + agentName)
}

// IsAgent reports whether the role names a specific agent.
func (r Role) IsAgent() (string, bool) {
	const prefix = "agent:"
	s := string(r)
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}

// Message is one entry in a conversation. Messages are immutable once
// appended to a RunState or Request.History.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ToolCalls []ToolCallRef  `json:"tool_calls,omitempty"`
}

// ToolCallRef records that an assistant/agent message invoked a tool.
type ToolCallRef struct {
	ID       string `json:"id"`
	ToolName string `json:"tool_name"`
	InputJSON string `json:"input_json,omitempty"`
}

// NewMessage stamps an ID and timestamp on a message.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// Request is the immutable input to a run.
type Request struct {
	RunID          string         `json:"run_id"`
	TenantID       string         `json:"tenant_id"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	Message        string         `json:"message"`
	History        []Message      `json:"history"`
	BudgetHint     *Budget        `json:"budget_hint,omitempty"`
	Flags          map[string]any `json:"flags,omitempty"`
}

// Source is a retrieval/answer channel the Decision Engine can prefer.
type Source string

const (
	SourceBackendDB Source = "backend_db"
	SourceVector    Source = "vector"
	SourceWeb       Source = "web"
	SourceLLMOnly   Source = "llm_only"
)

// RiskTier drives HITL gating and tool-policy strictness.
type RiskTier int

const (
	RiskLow RiskTier = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskTier) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Promote raises the tier by one step, saturating at critical.
func (r RiskTier) Promote() RiskTier {
	if r >= RiskCritical {
		return RiskCritical
	}
	return r + 1
}

// Budget bounds tokens and monetary cost for a run. Money is tracked as a
// fixed-precision (6-decimal) integer of micro-dollars to avoid float
// drift across thousands of ledger additions; MaxUSD is exposed as a
// float for configuration convenience and converted on plan construction.
type Budget struct {
	MaxUSD           float64 `json:"max_usd"`
	MaxTokens        int64   `json:"max_tokens"`
	PerTurnMaxTokens int64   `json:"per_turn_max_tokens"`
}

// MaxMicroUSD returns the budget ceiling in micro-dollars (1e-6 USD units).
func (b Budget) MaxMicroUSD() int64 {
	return int64(b.MaxUSD * 1_000_000)
}

// Rationale records why the Decision Engine produced a plan.
type Rationale struct {
	Reasons    []Reason `json:"reasons"`
	Confidence float64  `json:"confidence"`
}

// Reason is one scored contribution to a plan's rationale.
type Reason struct {
	Tag          string  `json:"tag"`
	Contribution float64 `json:"contribution"`
}

// ModelChoice names a model plus the generation knobs to use for a run.
type ModelChoice struct {
	Model              string  `json:"model"`
	Temperature        float64 `json:"temperature"`
	MaxTokensPerTurn   int64   `json:"max_tokens_per_turn"`
}

// DecisionPlan is the immutable execution plan produced by the Decision
// Engine for one run. Every field is fixed once the run starts; the
// Orchestrator never mutates it.
type DecisionPlan struct {
	Sources      []Source      `json:"sources"`
	ToolsAllowed []string      `json:"tools_allowed"`
	Model        ModelChoice   `json:"model"`
	MaxTurns     int           `json:"max_turns"`
	Budget       Budget        `json:"budget"`
	Participants []string      `json:"participants"`
	RiskTier     RiskTier      `json:"risk_tier"`
	Rationale    Rationale     `json:"rationale"`
	CatalogVersion int64       `json:"catalog_version"`
}

// Validate checks the plan's structural invariants (spec §3) against the
// catalogs it was built from.
func (p DecisionPlan) Validate(knownAgents, knownTools map[string]bool) error {
	if p.MaxTurns < 1 {
		return fmt.Errorf("%w: max_turns must be >= 1, got %d", ErrInvalidPlan, p.MaxTurns)
	}
	if p.Budget.MaxUSD < 0 || p.Budget.MaxTokens < 0 || p.Budget.PerTurnMaxTokens < 0 {
		return fmt.Errorf("%w: budget fields must be >= 0", ErrInvalidPlan)
	}
	if len(p.Participants) == 0 {
		return fmt.Errorf("%w: participants must be non-empty", ErrInvalidPlan)
	}
	for _, a := range p.Participants {
		if !knownAgents[a] {
			return fmt.Errorf("%w: participant %q not in agent registry", ErrInvalidPlan, a)
		}
	}
	for _, t := range p.ToolsAllowed {
		if !knownTools[t] {
			return fmt.Errorf("%w: tool %q not in tool registry", ErrInvalidPlan, t)
		}
	}
	return nil
}

// AgentTier classifies an agent's role in the conversation.
type AgentTier string

const (
	TierGeneralist AgentTier = "generalist"
	TierSpecialist AgentTier = "specialist"
	TierCritic     AgentTier = "critic"
)

// Agent is a loaded catalog entry: identity, capabilities, and policy.
// Agents are data, not behavior — the orchestrator drives a small,
// fixed set of behaviors (speak, optionally use a tool) over this data
// rather than dispatching to per-agent subclasses.
type Agent struct {
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities"`
	ToolPolicy   []string  `json:"tool_policy"`
	SystemPrompt string    `json:"system_prompt"`
	Tier         AgentTier `json:"tier"`
	Version      int64     `json:"version"`
	CostWeight   float64   `json:"cost_weight"` // relative expense, 0=cheap .. 1=expensive
}

// HasCapability reports whether the agent declares the given tag.
func (a Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// SideEffect classifies what invoking a tool can do to the world.
type SideEffect string

const (
	EffectPure     SideEffect = "pure"
	EffectRead     SideEffect = "read"
	EffectWrite    SideEffect = "write"
	EffectExternal SideEffect = "external"
)

// SafetyLevel gates how a tool invocation must be authorized.
type SafetyLevel string

const (
	SafetySafe         SafetyLevel = "safe"
	SafetyGated        SafetyLevel = "gated"
	SafetyHITLRequired SafetyLevel = "hitl_required"
)

// CostEstimate is the predicted resource consumption of a tool call,
// used for the Tool Executor's cost-preflight check (spec §4.5 step 6).
type CostEstimate struct {
	Tokens int64
	USD    float64
}

// CostEstimator predicts the maximum cost of invoking a tool with a given
// (already schema-validated) input.
type CostEstimator func(input map[string]any) CostEstimate

// Tool is a catalog entry describing one invocable capability.
type Tool struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	InputSchema   map[string]any `json:"input_schema"`
	OutputSchema  map[string]any `json:"output_schema"`
	SideEffects   SideEffect     `json:"side_effects"`
	SafetyLevel   SafetyLevel    `json:"safety_level"`
	CostEstimator CostEstimator  `json:"-"`
}

// EstimateCost applies the tool's estimator, or a conservative flat
// fallback when none was configured (spec §9 open question).
func (t Tool) EstimateCost(input map[string]any) CostEstimate {
	if t.CostEstimator != nil {
		return t.CostEstimator(input)
	}
	return CostEstimate{Tokens: 256, USD: 0.001}
}

// RunStatus is the lifecycle state of a run (spec §3, §4.9).
type RunStatus string

const (
	StatusRunning          RunStatus = "running"
	StatusPausedForApproval RunStatus = "paused_for_approval"
	StatusCompleted        RunStatus = "completed"
	StatusFailed           RunStatus = "failed"
	StatusCancelled        RunStatus = "cancelled"
)

// ScratchpadKind classifies one scratchpad entry.
type ScratchpadKind string

const (
	KindFact       ScratchpadKind = "fact"
	KindAssumption ScratchpadKind = "assumption"
	KindDecision   ScratchpadKind = "decision"
	KindQuestion   ScratchpadKind = "question"
	KindTodo       ScratchpadKind = "todo"
)

// ScratchpadEntry is one append-only shared note.
type ScratchpadEntry struct {
	Turn  int            `json:"turn"`
	Agent string         `json:"agent"`
	Kind  ScratchpadKind `json:"kind"`
	Text  string         `json:"text"`
	Refs  []string       `json:"refs,omitempty"`
}

// ToolInvocation records one completed or failed tool call within a run.
type ToolInvocation struct {
	Turn       int       `json:"turn"`
	ToolName   string    `json:"tool_name"`
	InputHash  string    `json:"input_hash"`
	OutputHash string    `json:"output_hash,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Status     string    `json:"status"` // ok | error kind
	CreatedAt  time.Time `json:"created_at"`
}

// CostLedgerEntry is one monotonically-accumulated usage record.
type CostLedgerEntry struct {
	Turn        int     `json:"turn"`
	Agent       string  `json:"agent"`
	Model       string  `json:"model"`
	TokensIn    int64   `json:"tokens_in"`
	TokensOut   int64   `json:"tokens_out"`
	USD         float64 `json:"usd"`
}

// ApprovalStatus is the lifecycle of an HITL approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpiredS ApprovalStatus = "expired"
)

// Approval is a persisted HITL gate on one tool/action invocation.
type Approval struct {
	ID              string         `json:"id"`
	RunID           string         `json:"run_id"`
	TurnIndex       int            `json:"turn_index"`
	RequesterAgent  string         `json:"requester_agent"`
	Action          string         `json:"action"`
	Payload         map[string]any `json:"payload"`
	RiskLevel       RiskTier       `json:"risk_level"`
	Status          ApprovalStatus `json:"status"`
	ExpiresAt       time.Time      `json:"expires_at"`
	DecisionReason  string         `json:"decision_reason,omitempty"`
	DeciderID       string         `json:"decider_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
}

// Terminal reports whether further decide() calls must be no-ops
// (spec §8 "Approval terminality").
func (a Approval) Terminal() bool {
	return a.Status != ApprovalPending
}
