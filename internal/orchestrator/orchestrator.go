// Package orchestrator implements the GroupChat Orchestrator (M4): the
// state machine and main turn loop that drives a run from a Request to
// a finished RunSummary, coordinating the Decision Engine, Speaker
// Selector, model calls, the Tool Executor, the scratchpad, and the
// conflict detector, emitting every step onto the run's event bus.
//
// Grounded on the teacher's internal/multiagent/orchestrator.go
// (Process/handleHandoff/buildAgentContext loop shape) and
// internal/agent/runtime.go's iterate-until-no-more-tool-calls loop for
// one agent's turn, capped by a configured max tool calls per turn.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/convergio/core/internal/catalog"
	"github.com/convergio/core/internal/conflict"
	"github.com/convergio/core/internal/decision"
	"github.com/convergio/core/internal/domain"
	"github.com/convergio/core/internal/eventbus"
	"github.com/convergio/core/internal/flags"
	"github.com/convergio/core/internal/guard/breaker"
	"github.com/convergio/core/internal/guard/cost"
	"github.com/convergio/core/internal/guard/ratelimit"
	"github.com/convergio/core/internal/llm"
	"github.com/convergio/core/internal/observability"
	"github.com/convergio/core/internal/retriever"
	"github.com/convergio/core/internal/safety"
	"github.com/convergio/core/internal/scratchpad"
	"github.com/convergio/core/internal/selector"
	"github.com/convergio/core/internal/toolexec"
)

// FinalizerPolicy selects how a run's closing RunSummary is produced
// (spec §9 open question: either is valid, the plan/config decides).
type FinalizerPolicy string

const (
	FinalizeDedicatedAgent FinalizerPolicy = "dedicated_agent"
	FinalizeInternalReduce FinalizerPolicy = "internal_reducer"
)

// Deps are the process-wide subsystems one Orchestrator coordinates.
// All are safe for concurrent use across many simultaneous runs.
type Deps struct {
	Agents    *catalog.AgentRegistry
	Tools     *catalog.ToolRegistry
	Decision  *decision.Engine
	Selector  *selector.Selector
	Models    *llm.Router
	Retriever *retriever.Retriever
	Guardian  *safety.Guardian
	ToolExec  *toolexec.Executor
	Breakers  *breaker.Registry
	RateLimit *ratelimit.Limiter
	Flags     *flags.Registry
	Logger    *observability.Logger
	// Tracer and Metrics are optional; a nil value disables the
	// corresponding instrumentation rather than panicking, so callers
	// that don't wire observability still get a working Orchestrator.
	Tracer  *observability.Tracer
	Metrics *observability.Metrics
}

// Config tunes orchestration policy not owned by a sibling package.
type Config struct {
	MaxToolCallsPerTurn int
	Scratchpad          scratchpad.Config
	FinalizerPolicy     FinalizerPolicy
	FinalizerAgent      string // required when FinalizerPolicy == FinalizeDedicatedAgent
	ModelRateCategory   ratelimit.Category
	// RAGTopK is k for the per-turn Retriever.TopK call (spec §4.3).
	RAGTopK int
	// RAGPerTurnMaxTokens caps how much retrieved context one turn's
	// prompt may carry, approximated at 4 chars/token like the rest of
	// the core's token estimators.
	RAGPerTurnMaxTokens int
}

func DefaultConfig() Config {
	return Config{
		MaxToolCallsPerTurn: 4,
		Scratchpad:          scratchpad.DefaultConfig(),
		FinalizerPolicy:     FinalizeInternalReduce,
		ModelRateCategory:   "model_call",
		RAGTopK:             5,
		RAGPerTurnMaxTokens: 1500,
	}
}

// Orchestrator is the GroupChat Orchestrator (M4).
type Orchestrator struct {
	deps Deps
	cfg  Config
}

func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.MaxToolCallsPerTurn <= 0 {
		cfg = DefaultConfig()
	}
	return &Orchestrator{deps: deps, cfg: cfg}
}

// Start plans and launches one run, returning immediately with a Handle
// the caller uses to observe progress, subscribe to events, or cancel.
// The run itself executes on its own goroutine (spec §3: INIT -> RUNNING
// <-> PAUSED -> FINALIZING -> DONE|FAILED|CANCELLED).
func (o *Orchestrator) Start(ctx context.Context, req domain.Request) (*Handle, *eventbus.Bus, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	agents := o.deps.Agents.Current()
	toolsSnap := o.deps.Tools.Current()

	promptCheck := o.deps.Guardian.CheckPrompt(req.Message)
	if promptCheck.Decision == safety.Reject {
		return nil, nil, domain.NewError(domain.ErrKindToolInputInvalid, fmt.Errorf("request rejected by safety guardian"))
	}

	plan, err := o.deps.Decision.Plan(req, decision.PlanInput{
		Agents:           agents,
		Tools:            toolsSnap,
		GuardianFindings: promptCheck.Findings,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := plan.Validate(agents.AsSet(), toolsSnap.AsSet()); err != nil {
		return nil, nil, domain.NewError(domain.ErrKindPlanInfeasible, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := newHandle(req.RunID, cancel)
	bus := eventbus.New(req.RunID)

	flagsSnap := o.deps.Flags.Current()

	bus.Publish(runCtx, domain.EventDecisionMade, 0, domain.DecisionMadePayload{Plan: plan})

	go o.run(runCtx, req, plan, agents, toolsSnap, handle, bus, flagsSnap)

	return handle, bus, nil
}

func (o *Orchestrator) run(ctx context.Context, req domain.Request, plan domain.DecisionPlan, agents catalog.AgentSnapshot, toolsSnap catalog.ToolSnapshot, handle *Handle, bus *eventbus.Bus, flagsSnap flags.Snapshot) {
	ledger := cost.New(plan.Budget, nil)
	pad := scratchpad.New(o.cfg.Scratchpad, o.summarizer(plan))
	conflicts := conflict.NewDetector(0.05)
	toolsAllowed := make(map[string]bool, len(plan.ToolsAllowed))
	for _, t := range plan.ToolsAllowed {
		toolsAllowed[t] = true
	}

	state := &runState{messages: append([]domain.Message{}, req.History...)}
	state.append(domain.NewMessage(domain.RoleUser, req.Message))

	var finalErr error
	var warnings []string

	for {
		if err := ctx.Err(); err != nil {
			finalErr = domain.NewError(domain.ErrKindCancelled, err)
			break
		}

		remainingFrac := remainingBudgetFraction(plan.Budget, ledger.Totals())
		view := state.view(remainingFrac, false)
		speaker, breakdown, err := o.deps.Selector.Select(view, plan, agents)
		if err != nil {
			finalErr = domain.NewError(domain.ErrKindInternal, err)
			break
		}
		bus.Publish(ctx, domain.EventSpeakerSelected, state.turnIndex, domain.SpeakerSelectedPayload{Agent: speaker, ScoreBreakdown: breakdown})

		agent, _ := agents.Get(speaker)
		newMessage, turnWarnings, turnErr := o.runTurn(ctx, req, agent, plan, toolsSnap, toolsAllowed, state, pad, ledger, bus, flagsSnap)
		warnings = append(warnings, turnWarnings...)
		handle.setCosts(ledger.Totals())
		handle.setLastSeq(bus.LastSeq())
		if turnErr != nil {
			finalErr = turnErr
			break
		}

		state.append(newMessage)
		state.lastSpeaker = speaker
		state.recentSpeakers = append(state.recentSpeakers, speaker)
		bus.Publish(ctx, domain.EventMessageAppended, state.turnIndex, domain.MessageAppendedPayload{Message: newMessage})

		newClaims := conflict.ExtractClaims(state.turnIndex, speaker, newMessage.Content)
		findings := conflicts.Check(newClaims, state.claims)
		state.claims = append(state.claims, newClaims...)
		conflictFired := len(findings) > 0
		for _, f := range findings {
			bus.Publish(ctx, domain.EventConflictDetected, state.turnIndex, domain.ConflictDetectedPayload{Agents: f.Agents, Kind: f.Kind, Excerpt: f.Excerpt})
		}

		overlap := selector.Overlap(newMessage.Content, state.lastContribution)
		if overlap >= o.deps.Selector.OverlapThreshold() {
			state.consecutiveNoInfo++
		} else {
			state.consecutiveNoInfo = 0
		}
		state.lastContribution = newMessage.Content

		if detectFinalizeRequest(newMessage.Content) {
			state.explicitFinalize = speaker
		}

		state.turnIndex++
		handle.setTurn(state.turnIndex)

		finalView := state.view(remainingBudgetFraction(plan.Budget, ledger.Totals()), conflictFired)
		if stop, reason := o.deps.Selector.ShouldTerminate(finalView, plan, state.consecutiveNoInfo, ledger.HardHit()); stop {
			if reason == selector.TerminateBudgetHardHit {
				warnings = append(warnings, "stopped: budget hard limit reached")
			}
			break
		}
	}

	summary := o.finalize(ctx, plan, agents, state, pad, ledger, warnings)

	if finalErr != nil {
		kind := domain.KindOf(finalErr)
		status := domain.StatusFailed
		if kind == domain.ErrKindCancelled {
			status = domain.StatusCancelled
		}
		bus.Publish(ctx, domain.EventRunFailed, state.turnIndex, domain.RunFailedPayload{
			ErrorKind:      kind,
			Detail:         finalErr.Error(),
			PartialSummary: &summary,
		})
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordError("orchestrator", string(kind))
			o.deps.Metrics.RecordRunAttempt(string(status))
		}
		handle.finish(status, summary, finalErr)
		return
	}

	bus.Publish(ctx, domain.EventRunCompleted, state.turnIndex, domain.RunCompletedPayload{Summary: summary})
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordRunAttempt(string(domain.StatusCompleted))
	}
	handle.finish(domain.StatusCompleted, summary, nil)
}

func remainingBudgetFraction(budget domain.Budget, totals cost.CostTotals) float64 {
	if budget.MaxUSD <= 0 {
		return 0
	}
	frac := 1 - totals.USD/budget.MaxUSD
	if frac < 0 {
		return 0
	}
	if frac > 1 {
		return 1
	}
	return frac
}

// detectFinalizeRequest looks for the explicit handoff marker an agent's
// system prompt instructs it to emit when it believes the run is done.
func detectFinalizeRequest(content string) bool {
	const marker = "[[finalize]]"
	return strings.Contains(strings.ToLower(content), marker)
}
