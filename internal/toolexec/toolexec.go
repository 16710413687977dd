// Package toolexec implements the Tool Executor (M2): the single choke
// point every tool call passes through between the model asking for a
// tool and the tool's Invoker actually running. Spec §4.5's pipeline is
// permission check -> schema validate -> safety gate -> HITL -> breaker/
// rate-limit admission -> cost preflight -> execute-with-deadline(+retry)
// -> cost record -> output post-check, with idempotency keyed on
// (run_id, turn_index, input_hash).
//
// Grounded on the teacher's internal/agent/tool_exec.go almost directly:
// the per-attempt timeout context, non-blocking result handling, and
// retry-with-backoff loop are the same shape, generalized with the extra
// pipeline steps the teacher's executor doesn't have — each delegated to
// the sibling package that owns that concern (catalog for schema,
// safety for the Guardian gate, guard/breaker + guard/ratelimit for
// admission, guard/cost for the preflight/record, approval for HITL).
// The idempotency cache is the teacher's internal/infra/singleflight.go
// shape repurposed: Group collapses concurrent identical calls in
// flight, and a permanent map in front of it serves the cached result
// to any later call with the same key for the rest of the run.
package toolexec

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/convergio/core/internal/approval"
	"github.com/convergio/core/internal/catalog"
	"github.com/convergio/core/internal/domain"
	"github.com/convergio/core/internal/eventbus"
	"github.com/convergio/core/internal/guard/breaker"
	"github.com/convergio/core/internal/guard/cost"
	"github.com/convergio/core/internal/guard/ratelimit"
	"github.com/convergio/core/internal/infra"
	"github.com/convergio/core/internal/observability"
	"github.com/convergio/core/internal/retry"
	"github.com/convergio/core/internal/safety"
	"github.com/convergio/core/internal/tools"
)

// Shared holds the process-wide dependencies the executor admits calls
// through; these outlive any one run.
type Shared struct {
	Guardian  *safety.Guardian
	Approvals *approval.Manager
	Breakers  *breaker.Registry
	RateLimit *ratelimit.Limiter
	Invokers  map[string]tools.Invoker
	// Tracer and Metrics are optional; nil disables the corresponding
	// instrumentation around step 7's invoker call.
	Tracer  *observability.Tracer
	Metrics *observability.Metrics
}

// Config tunes executor-wide behavior not owned by a sibling package.
type Config struct {
	ToolTimeout  time.Duration
	RetryBase    time.Duration
	RetryMax     time.Duration
	RateCategory ratelimit.Category
}

func DefaultConfig() Config {
	return Config{
		ToolTimeout:  20 * time.Second,
		RetryBase:    200 * time.Millisecond,
		RetryMax:     2 * time.Second,
		RateCategory: "tool_call",
	}
}

// Invocation is everything one call needs beyond the executor's shared
// and process-wide config: the run/turn identity and the plan-scoped
// catalog snapshot and ledger/bus a run carries.
type Invocation struct {
	RunID        string
	TenantID     string
	TurnIndex    int
	Agent        string
	ToolName     string
	Input        map[string]any
	ToolsAllowed map[string]bool
	Catalog      catalog.ToolSnapshot
	RiskTier     domain.RiskTier
	Ledger       *cost.Ledger
	Bus          *eventbus.Bus
}

// Result is the outcome of one successful or rejected tool call.
type Result struct {
	Output     map[string]any
	InputHash  string
	DurationMS int64
	Status     string // "ok" or a domain.ErrKind string
}

// Executor is the Tool Executor (M2): stateless across runs except for
// the idempotency cache, which is scoped to the executor instance — the
// Orchestrator should build one Executor per run.
type Executor struct {
	shared Shared
	cfg    Config

	mu         sync.Mutex
	idempotent map[string]Result
	inflight   infra.Group[string, Result]

	schemas   map[string]*jsonschema.Schema
	schemasMu sync.Mutex
}

// New builds an Executor over shared, process-wide dependencies.
func New(shared Shared, cfg Config) *Executor {
	if cfg.ToolTimeout <= 0 {
		cfg = DefaultConfig()
	}
	return &Executor{
		shared:     shared,
		cfg:        cfg,
		idempotent: make(map[string]Result),
		schemas:    make(map[string]*jsonschema.Schema),
	}
}

// Invoke runs the full Tool Executor pipeline for one tool call,
// caching the result against (run_id, turn_index, tool_name, input).
func (e *Executor) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	hash := inputHash(inv.Input)
	key := fmt.Sprintf("%s|%d|%s|%s", inv.RunID, inv.TurnIndex, inv.ToolName, hash)

	e.mu.Lock()
	if cached, ok := e.idempotent[key]; ok {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	val, err, _ := e.inflight.Do(key, func() (Result, error) {
		return e.execute(ctx, inv, hash)
	})
	if err == nil {
		e.mu.Lock()
		e.idempotent[key] = val
		e.mu.Unlock()
	}
	return val, err
}

func (e *Executor) execute(ctx context.Context, inv Invocation, hash string) (Result, error) {
	start := time.Now()

	// 1. permission check
	tool, ok := inv.Catalog.Get(inv.ToolName)
	if !ok || !inv.ToolsAllowed[inv.ToolName] {
		return Result{}, domain.NewError(domain.ErrKindToolNotPermitted, fmt.Errorf("tool %q not permitted for this run", inv.ToolName))
	}
	invoker, ok := e.shared.Invokers[inv.ToolName]
	if !ok {
		return Result{}, domain.NewError(domain.ErrKindToolUnavailable, fmt.Errorf("no invoker registered for %q", inv.ToolName))
	}

	// 2. schema validate
	if err := e.validateInput(tool, inv.Input); err != nil {
		return Result{}, domain.NewError(domain.ErrKindToolInputInvalid, err)
	}

	// 3. safety gate
	inputText, _ := json.Marshal(inv.Input)
	gateResult := e.shared.Guardian.CheckToolInput(string(inputText), tool.SafetyLevel)
	switch gateResult.Decision {
	case safety.Reject:
		return Result{}, domain.NewError(domain.ErrKindToolInputInvalid, fmt.Errorf("rejected by safety guardian: %d findings", len(gateResult.Findings)))
	case safety.AllowWithRedaction:
		var redacted map[string]any
		if err := json.Unmarshal([]byte(gateResult.Text), &redacted); err == nil {
			inv.Input = redacted
		}
	}

	// 4. HITL gate: hitl_required tools, guardian escalation, or critical
	// risk always require an approval, regardless of auto-approval rules
	// (critical risk is never auto-decided).
	needsApproval := tool.SafetyLevel == domain.SafetyHITLRequired ||
		gateResult.Decision == safety.EscalateToHITL ||
		inv.RiskTier == domain.RiskCritical
	if needsApproval {
		if err := e.awaitApproval(ctx, inv, tool); err != nil {
			return Result{}, err
		}
	}

	// 5. breaker + rate-limit admission
	if err := ratelimit.AcquireWithRetry(ctx, e.shared.RateLimit, ratelimit.Key{TenantID: inv.TenantID, Category: e.cfg.RateCategory}); err != nil {
		return Result{}, err
	}
	b := e.shared.Breakers.Get(breaker.Key{Kind: breaker.KindTool, Name: inv.ToolName})

	// 6. cost preflight
	estimate := tool.EstimateCost(inv.Input)
	if inv.Ledger != nil && inv.Ledger.WouldExceed(estimate) {
		return Result{}, domain.NewError(domain.ErrKindBudgetExceeded, fmt.Errorf("tool %q estimated at $%.4f would exceed budget", inv.ToolName, estimate.USD))
	}

	// 7. execute with deadline, one retry for pure/read side effects
	var span trace.Span
	if e.shared.Tracer != nil {
		ctx, span = e.shared.Tracer.TraceToolExecution(ctx, inv.ToolName)
	}
	toolStart := time.Now()
	output, execErr := e.executeWithRetry(ctx, b, tool, invoker, inv.Input)
	toolDuration := time.Since(toolStart).Seconds()

	status := "ok"
	if execErr != nil {
		status = string(domain.KindOf(execErr))
	}
	if span != nil {
		if execErr != nil {
			e.shared.Tracer.RecordError(span, execErr)
		}
		span.End()
	}
	if e.shared.Metrics != nil {
		e.shared.Metrics.RecordToolExecution(inv.ToolName, status, toolDuration)
		if execErr != nil {
			e.shared.Metrics.RecordError("toolexec", status)
		}
	}

	// 8. cost record + emit tool_invoked
	if inv.Ledger != nil {
		totals, events := inv.Ledger.Add(domain.CostLedgerEntry{
			Turn:      inv.TurnIndex,
			Agent:     inv.Agent,
			Model:     inv.ToolName,
			TokensOut: estimate.Tokens,
			USD:       estimate.USD,
		})
		_ = totals
		if inv.Bus != nil {
			for _, kind := range events {
				inv.Bus.Publish(ctx, domain.EventBudget, inv.TurnIndex, domain.BudgetEventPayload{Kind: kind})
			}
		}
	}
	if inv.Bus != nil {
		inv.Bus.Publish(ctx, domain.EventToolInvoked, inv.TurnIndex, domain.ToolInvokedPayload{
			Name:       inv.ToolName,
			InputHash:  hash,
			DurationMS: time.Since(start).Milliseconds(),
			Status:     status,
		})
	}

	if execErr != nil {
		return Result{}, execErr
	}

	// 9. output post-check
	outputText, _ := json.Marshal(output)
	outResult := e.shared.Guardian.CheckOutput(string(outputText))
	switch outResult.Decision {
	case safety.Reject:
		return Result{}, domain.NewError(domain.ErrKindToolOutputRejected, fmt.Errorf("tool output rejected by safety guardian"))
	case safety.AllowWithRedaction:
		output = map[string]any{"redacted": outResult.Text}
	}

	return Result{
		Output:     output,
		InputHash:  hash,
		DurationMS: time.Since(start).Milliseconds(),
		Status:     status,
	}, nil
}

func (e *Executor) awaitApproval(ctx context.Context, inv Invocation, tool domain.Tool) error {
	req := approval.Request{
		RunID:          inv.RunID,
		TurnIndex:      inv.TurnIndex,
		RequesterAgent: inv.Agent,
		Action:         inv.ToolName,
		Payload:        inv.Input,
		RiskLevel:      inv.RiskTier,
	}
	a, err := e.shared.Approvals.Request(ctx, req)
	if err != nil {
		return domain.NewError(domain.ErrKindInternal, err)
	}
	if inv.Bus != nil {
		inv.Bus.Publish(ctx, domain.EventApprovalRequested, inv.TurnIndex, domain.ApprovalRequestedPayload{ApprovalID: a.ID})
	}
	decided, err := e.shared.Approvals.Await(ctx, a.ID)
	if err != nil {
		return domain.NewError(domain.ErrKindInternal, err)
	}
	if inv.Bus != nil {
		inv.Bus.Publish(ctx, domain.EventApprovalResolved, inv.TurnIndex, domain.ApprovalResolvedPayload{ApprovalID: a.ID, Outcome: decided.Status})
	}
	switch decided.Status {
	case domain.ApprovalApproved:
		return nil
	case domain.ApprovalExpiredS:
		return domain.NewError(domain.ErrKindApprovalExpired, fmt.Errorf("approval %s expired", a.ID))
	default:
		return domain.NewError(domain.ErrKindApprovalRejected, fmt.Errorf("approval %s rejected: %s", a.ID, decided.DecisionReason))
	}
}

func (e *Executor) executeWithRetry(ctx context.Context, b *breaker.Breaker, tool domain.Tool, invoker tools.Invoker, input map[string]any) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
	defer cancel()

	call := func() (map[string]any, error) {
		return breaker.ExecuteWithResult(b, callCtx, func(c context.Context) (map[string]any, error) {
			return invoker(c, input)
		})
	}

	retryable := tool.SideEffects == domain.EffectPure || tool.SideEffects == domain.EffectRead
	if !retryable {
		out, err := call()
		return out, wrapExecErr(callCtx, err)
	}

	cfg := retry.Config{
		MaxAttempts:  2,
		InitialDelay: e.cfg.RetryBase,
		MaxDelay:     e.cfg.RetryMax,
		Factor:       2.0,
		Jitter:       true,
	}
	out, res := retry.DoWithValue(callCtx, cfg, call)
	return out, wrapExecErr(callCtx, res.Err)
}

func wrapExecErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return domain.NewError(domain.ErrKindToolTimeout, err)
	}
	if domain.KindOf(err) != domain.ErrKindInternal {
		return err // already kinded (e.g. breaker's ErrOpen -> ToolUnavailable)
	}
	return domain.NewError(domain.ErrKindToolUnavailable, err)
}

func (e *Executor) validateInput(tool domain.Tool, input map[string]any) error {
	if tool.InputSchema == nil {
		return nil
	}
	schema, err := e.compiledSchema(tool.Name, tool.InputSchema)
	if err != nil {
		return err
	}
	return schema.Validate(toJSONValue(input))
}

func (e *Executor) compiledSchema(name string, raw map[string]any) (*jsonschema.Schema, error) {
	e.schemasMu.Lock()
	defer e.schemasMu.Unlock()
	if s, ok := e.schemas[name]; ok {
		return s, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader(b)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(name + ".json")
	if err != nil {
		return nil, err
	}
	e.schemas[name] = schema
	return schema, nil
}

// toJSONValue round-trips a map[string]any through JSON so values such
// as ints come back as float64, matching what jsonschema.Validate expects
// from a decoded JSON document.
func toJSONValue(v map[string]any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func inputHash(input map[string]any) string {
	b, _ := json.Marshal(input)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}
