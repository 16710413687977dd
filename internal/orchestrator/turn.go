package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/convergio/core/internal/catalog"
	"github.com/convergio/core/internal/domain"
	"github.com/convergio/core/internal/eventbus"
	"github.com/convergio/core/internal/flags"
	"github.com/convergio/core/internal/guard/breaker"
	"github.com/convergio/core/internal/guard/cost"
	"github.com/convergio/core/internal/guard/ratelimit"
	"github.com/convergio/core/internal/llm"
	"github.com/convergio/core/internal/retriever"
	"github.com/convergio/core/internal/safety"
	"github.com/convergio/core/internal/scratchpad"
	"github.com/convergio/core/internal/toolexec"
)

// ragQueryTokenCap truncates the RAG query built from the last user/
// assistant turn so a very long conversation doesn't blow the
// retriever's query size (spec §4.3: "truncated to Q tokens" — Q is
// approximated in characters, matching the 4-chars/token rule of thumb
// the cost estimator uses elsewhere).
const ragQueryCharCap = 2000

// injectRAG runs the per-turn RAG injector (L6 + M4 hook, spec §4.3)
// ahead of a speaker's turn, emitting rag_injected regardless of outcome
// — a retrieval error never fails the turn.
func (o *Orchestrator) injectRAG(ctx context.Context, req domain.Request, agent domain.Agent, state *runState, bus *eventbus.Bus) []retriever.Chunk {
	start := time.Now()
	query := ragQuery(state.messages, agent)

	chunks, cacheHit, err := o.deps.Retriever.TopK(ctx, req.RunID, query, o.cfg.RAGTopK, nil)
	payload := domain.RAGInjectedPayload{CacheHit: cacheHit, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		payload.Error = err.Error()
		bus.Publish(ctx, domain.EventRAGInjected, state.turnIndex, payload)
		return nil
	}

	budget := o.cfg.RAGPerTurnMaxTokens
	var selected []retriever.Chunk
	var usedChars int
	for _, c := range chunks {
		if state.ragAlreadyInjected(c.Hash) && !state.ragScoreImproved(c.Hash, c.Score) {
			continue
		}
		tokens := len(c.Content) / 4
		if budget > 0 && usedChars/4+tokens > budget {
			break
		}
		selected = append(selected, c)
		usedChars += len(c.Content)
		state.markRAGInjected(c.Hash, c.Score)
		payload.Chunks = append(payload.Chunks, domain.RAGChunkRef{Source: c.Source, Score: c.Score, Hash: c.Hash})
	}

	bus.Publish(ctx, domain.EventRAGInjected, state.turnIndex, payload)
	return selected
}

// ragQuery concatenates the last user message with the last assistant
// message and the speaker's capability tags as a role bias (spec §4.3
// query construction), truncated to ragQueryCharCap.
func ragQuery(messages []domain.Message, agent domain.Agent) string {
	var lastUser, lastAssistant string
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if lastUser == "" && m.Role == domain.RoleUser {
			lastUser = m.Content
		}
		if lastAssistant == "" {
			if _, ok := m.Role.IsAgent(); ok {
				lastAssistant = m.Content
			}
		}
		if lastUser != "" && lastAssistant != "" {
			break
		}
	}
	q := lastUser + " " + lastAssistant
	for _, c := range agent.Capabilities {
		q += " " + c
	}
	if len(q) > ragQueryCharCap {
		q = q[:ragQueryCharCap]
	}
	return q
}

// runTurn drives one speaker's turn (spec §4.9 steps 3-6): optional RAG
// injection, a model call that may request tools (looped, capped by
// max_tool_calls_per_turn), cost/budget accounting, and the scratchpad
// extraction + output safety check that close out the turn.
//
// A run-terminating error (Cancelled, an unrecoverable model/breaker
// failure) is returned as err. Turn-local failures (rate limiting,
// a rejected/failed tool call, budget exhaustion mid-turn) are folded
// into warnings and a best-effort message instead, per spec §7's
// propagation policy: "BudgetExceeded and ApprovalRejected are local to
// the turn."
func (o *Orchestrator) runTurn(
	ctx context.Context,
	req domain.Request,
	agent domain.Agent,
	plan domain.DecisionPlan,
	toolsSnap catalog.ToolSnapshot,
	toolsAllowed map[string]bool,
	state *runState,
	pad *scratchpad.Pad,
	ledger *cost.Ledger,
	bus *eventbus.Bus,
	flagsSnap flags.Snapshot,
) (domain.Message, []string, error) {
	var warnings []string

	if ledger.HardHit() {
		return domain.NewMessage(domain.AgentRole(agent.Name), "(turn skipped: run-wide budget hard limit already reached)"), warnings, nil
	}

	var chunks []retriever.Chunk
	if flagsSnap.PerTurnRAGEnabled && o.deps.Retriever != nil {
		chunks = o.injectRAG(ctx, req, agent, state, bus)
	}

	conversation := append([]domain.Message{}, state.messages...)
	toolCalls := 0
	var finalText string

	for {
		prompt := buildPrompt(agent, pad.Render(), chunks, conversation)

		promptCheck := o.deps.Guardian.CheckPrompt(flattenPromptForGuardian(prompt))
		if promptCheck.Decision == safety.Reject {
			warnings = append(warnings, fmt.Sprintf("%s's turn refused by safety guardian", agent.Name))
			return domain.NewMessage(domain.AgentRole(agent.Name), "I can't help with that request."), warnings, nil
		}

		if err := ratelimit.AcquireWithRetry(ctx, o.deps.RateLimit, ratelimit.Key{TenantID: req.TenantID, Category: o.cfg.ModelRateCategory}); err != nil {
			warnings = append(warnings, fmt.Sprintf("rate limited: %s's turn ended early", agent.Name))
			break
		}

		knobs := llm.Knobs{
			Temperature:  plan.Model.Temperature,
			MaxTokens:    plan.Model.MaxTokensPerTurn,
			ToolsAllowed: plan.ToolsAllowed,
			ToolSchemas:  toolSchemas(plan.ToolsAllowed, toolsSnap.Get),
		}

		text, calls, usage, genErr := o.generate(ctx, bus, state.turnIndex, agent.Name, plan, prompt, knobs)
		if genErr != nil {
			kind := domain.KindOf(genErr)
			if kind.TerminatesRun() {
				return domain.Message{}, warnings, genErr
			}
			warnings = append(warnings, fmt.Sprintf("%s's model call failed (%s): %v", agent.Name, kind, genErr))
			break
		}
		finalText += text

		reportedTokens := usage.TokensIn + usage.TokensOut
		entryUSD := cost.UsageCostUSD(usage.TokensIn, usage.TokensOut)
		if reportedTokens == 0 {
			est := ledger.Estimate(plan.Model.Model, len(flattenPromptForGuardian(prompt)))
			entryUSD = est.USD
		}
		_, events := ledger.Add(domain.CostLedgerEntry{
			Turn: state.turnIndex, Agent: agent.Name, Model: plan.Model.Model,
			TokensIn: usage.TokensIn, TokensOut: usage.TokensOut, USD: entryUSD,
		})
		for _, kind := range events {
			bus.Publish(ctx, domain.EventBudget, state.turnIndex, domain.BudgetEventPayload{Kind: kind})
		}

		if len(calls) == 0 {
			break
		}

		conversation = append(conversation, domain.NewMessage(domain.AgentRole(agent.Name), text))

		hitCap := false
		for _, call := range calls {
			if toolCalls >= o.cfg.MaxToolCallsPerTurn {
				warnings = append(warnings, fmt.Sprintf("%s hit max_tool_calls_per_turn", agent.Name))
				hitCap = true
				break
			}
			toolCalls++

			res, invErr := o.deps.ToolExec.Invoke(ctx, toolexec.Invocation{
				RunID: req.RunID, TenantID: req.TenantID, TurnIndex: state.turnIndex, Agent: agent.Name,
				ToolName: call.Name, Input: call.Input, ToolsAllowed: toolsAllowed, Catalog: toolsSnap,
				RiskTier: plan.RiskTier, Ledger: ledger, Bus: bus,
			})
			if invErr != nil {
				kind := domain.KindOf(invErr)
				if kind.TerminatesRun() {
					return domain.Message{}, warnings, invErr
				}
				warnings = append(warnings, fmt.Sprintf("tool %s failed: %v", call.Name, invErr))
				pad.Append(domain.ScratchpadEntry{
					Turn: state.turnIndex, Agent: agent.Name, Kind: domain.KindTodo,
					Text: fmt.Sprintf("tool %s failed (%s); continue without its result", call.Name, kind),
				})
				errJSON, _ := json.Marshal(map[string]any{"error": invErr.Error()})
				conversation = append(conversation, domain.Message{ID: uuid.NewString(), Role: domain.RoleTool, Content: string(errJSON), CreatedAt: time.Now()})
				continue
			}
			outJSON, _ := json.Marshal(res.Output)
			conversation = append(conversation, domain.Message{ID: uuid.NewString(), Role: domain.RoleTool, Content: string(outJSON), CreatedAt: time.Now()})
		}

		if ledger.HardHit() {
			warnings = append(warnings, "budget hard limit reached mid-turn")
			break
		}
		if hitCap {
			break
		}
	}

	outCheck := o.deps.Guardian.CheckOutput(finalText)
	content := finalText
	switch outCheck.Decision {
	case safety.Reject:
		content = "(response withheld: safety policy violation)"
	case safety.AllowWithRedaction:
		content = outCheck.Text
	}

	msg := domain.NewMessage(domain.AgentRole(agent.Name), content)
	extractScratchpad(pad, state.turnIndex, agent.Name, content)

	return msg, warnings, nil
}

// genResult is the breaker-protected outcome of one Router.GenerateModel
// call, bundled so breaker.ExecuteWithResult has a single return value.
type genResult struct {
	text  string
	calls []llm.ToolCallRequest
	usage llm.UsageReport
}

// generate runs one model call under breaker protection, streaming
// token_delta batches to the bus as chunks arrive (spec §4.9 step 5).
func (o *Orchestrator) generate(ctx context.Context, bus *eventbus.Bus, turnIndex int, agentName string, plan domain.DecisionPlan, prompt []llm.PromptPart, knobs llm.Knobs) (string, []llm.ToolCallRequest, llm.UsageReport, error) {
	b := o.deps.Breakers.Get(breaker.Key{Kind: breaker.KindModel, Name: plan.Model.Model})

	start := time.Now()
	var provider string
	var span trace.Span
	if o.deps.Tracer != nil {
		ctx, span = o.deps.Tracer.TraceLLMRequest(ctx, "pending", plan.Model.Model)
		defer span.End()
	}

	result, err := breaker.ExecuteWithResult(b, ctx, func(ctx context.Context) (genResult, error) {
		ch, cand, _, genErr := o.deps.Models.GenerateModel(ctx, prompt, plan.Model.Model, knobs)
		provider = cand.Provider
		if o.deps.Tracer != nil && span != nil && provider != "" {
			o.deps.Tracer.SetAttributes(span, "llm.provider", provider)
		}
		if genErr != nil {
			return genResult{}, genErr
		}

		var text string
		var calls []llm.ToolCallRequest
		var usage llm.UsageReport
		var streamErr error
		var batch string
		const batchFlush = 40 // characters per token_delta batch

		for chunk := range ch {
			if chunk.Err != nil {
				streamErr = chunk.Err
				continue
			}
			if chunk.Text != "" {
				text += chunk.Text
				batch += chunk.Text
				if len(batch) >= batchFlush {
					bus.Publish(ctx, domain.EventTokenDelta, turnIndex, domain.TokenDeltaPayload{Agent: agentName})
					batch = ""
				}
			}
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
		}
		if batch != "" {
			bus.Publish(ctx, domain.EventTokenDelta, turnIndex, domain.TokenDeltaPayload{Agent: agentName, TokensIn: usage.TokensIn, TokensOut: usage.TokensOut})
		}
		if streamErr != nil {
			return genResult{text: text, calls: calls, usage: usage}, streamErr
		}
		return genResult{text: text, calls: calls, usage: usage}, nil
	})

	if provider == "" {
		provider = "unknown"
	}
	duration := time.Since(start).Seconds()

	if err != nil {
		if o.deps.Tracer != nil && span != nil {
			o.deps.Tracer.RecordError(span, err)
		}
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordLLMRequest(provider, plan.Model.Model, "error", duration, result.usage.TokensIn, result.usage.TokensOut)
		}
		var ke *domain.KindedError
		if errors.As(err, &ke) {
			return result.text, result.calls, result.usage, ke
		}
		return result.text, result.calls, result.usage, domain.NewError(llm.KindForModelError(err), err)
	}

	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordLLMRequest(provider, plan.Model.Model, "success", duration, result.usage.TokensIn, result.usage.TokensOut)
		o.deps.Metrics.RecordContextWindow(provider, plan.Model.Model, result.usage.TokensIn)
		if costUSD := cost.UsageCostUSD(result.usage.TokensIn, result.usage.TokensOut); costUSD > 0 {
			o.deps.Metrics.RecordLLMCost(provider, plan.Model.Model, costUSD)
		}
	}
	return result.text, result.calls, result.usage, nil
}

// flattenPromptForGuardian renders assembled prompt parts down to plain
// text for the Guardian's input-sanitization/injection scan, which works
// over text rather than structured parts.
func flattenPromptForGuardian(parts []llm.PromptPart) string {
	var out string
	for _, p := range parts {
		out += p.Content + "\n"
	}
	return out
}

// extractScratchpad applies the spec §4.9 step 6 extraction rules: a
// cheap heuristic classification of an agent's contribution into
// scratchpad kinds, rather than a second model call dedicated to
// structured extraction.
func extractScratchpad(pad *scratchpad.Pad, turn int, agent, text string) {
	kind := domain.KindFact
	switch {
	case containsAny(text, "?"):
		kind = domain.KindQuestion
	case containsAny(text, "todo:", "next step", "follow up", "follow-up"):
		kind = domain.KindTodo
	case containsAny(text, "assume", "assuming", "likely", "probably"):
		kind = domain.KindAssumption
	case containsAny(text, "decided", "we will", "recommend", "conclusion"):
		kind = domain.KindDecision
	}
	excerpt := text
	if len(excerpt) > 400 {
		excerpt = excerpt[:400]
	}
	_ = pad.Append(domain.ScratchpadEntry{Turn: turn, Agent: agent, Kind: kind, Text: excerpt})
}

func containsAny(text string, needles ...string) bool {
	lower := strings.ToLower(text)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
