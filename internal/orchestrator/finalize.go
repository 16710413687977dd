package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/convergio/core/internal/catalog"
	"github.com/convergio/core/internal/domain"
	"github.com/convergio/core/internal/guard/cost"
	"github.com/convergio/core/internal/llm"
	"github.com/convergio/core/internal/scratchpad"
)

// summarizer builds the scratchpad.Summarizer the Pad invokes once its
// accumulated notes cross the configured token threshold (spec §4.7). It
// asks the plan's chosen model for a compressed synthesis rather than
// truncating, so the archived detail stays reconstructable from the
// event history while the live pad stays small.
func (o *Orchestrator) summarizer(plan domain.DecisionPlan) scratchpad.Summarizer {
	return func(entries []domain.ScratchpadEntry) (string, error) {
		if o.deps.Models == nil {
			return renderEntriesPlain(entries), nil
		}
		prompt := []llm.PromptPart{
			{Role: llm.RoleSystem, Content: "Compress the following run notes into a short paragraph preserving every fact, decision, and open question. Do not invent anything not present below."},
			{Role: llm.RoleUser, Content: renderEntriesPlain(entries)},
		}
		ch, _, _, err := o.deps.Models.GenerateModel(context.Background(), prompt, plan.Model.Model, llm.Knobs{Temperature: 0, MaxTokens: 512})
		if err != nil {
			return renderEntriesPlain(entries), nil
		}
		text, _, _, drainErr := llm.Drain(ch)
		if drainErr != nil || strings.TrimSpace(text) == "" {
			return renderEntriesPlain(entries), nil
		}
		return text, nil
	}
}

func renderEntriesPlain(entries []domain.ScratchpadEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s/%s] %s\n", e.Agent, e.Kind, e.Text)
	}
	return b.String()
}

// finalize produces the run's closing RunSummary (spec §4.9 step 7),
// either by asking a dedicated finalizer agent to synthesize one last
// message or by reducing the scratchpad/messages internally, per the
// configured FinalizerPolicy (spec §9 open question).
func (o *Orchestrator) finalize(
	ctx context.Context,
	plan domain.DecisionPlan,
	agents catalog.AgentSnapshot,
	state *runState,
	pad *scratchpad.Pad,
	ledger *cost.Ledger,
	warnings []string,
) domain.RunSummary {
	totals := ledger.Totals()
	summary := domain.RunSummary{
		Warnings:     warnings,
		MessageCount: len(state.messages),
		CostTotals:   domain.CostTotals{TokensIn: totals.TokensIn, TokensOut: totals.TokensOut, USD: totals.USD},
	}

	text := o.finalizeText(ctx, plan, agents, state, pad)
	summary.Text = text
	return summary
}

func (o *Orchestrator) finalizeText(ctx context.Context, plan domain.DecisionPlan, agents catalog.AgentSnapshot, state *runState, pad *scratchpad.Pad) string {
	if o.cfg.FinalizerPolicy == FinalizeDedicatedAgent && o.cfg.FinalizerAgent != "" && o.deps.Models != nil {
		if agent, ok := agents.Get(o.cfg.FinalizerAgent); ok {
			prompt := buildPrompt(agent, pad.Render(), nil, state.messages)
			prompt = append(prompt, llm.PromptPart{Role: llm.RoleUser, Content: "The conversation is ending. Write a short final summary for the requester."})
			ch, _, _, err := o.deps.Models.GenerateModel(ctx, prompt, plan.Model.Model, llm.Knobs{Temperature: 0.2, MaxTokens: plan.Model.MaxTokensPerTurn})
			if err == nil {
				if text, _, _, drainErr := llm.Drain(ch); drainErr == nil && strings.TrimSpace(text) != "" {
					return text
				}
			}
		}
	}
	return internalReduce(state)
}

// internalReduce is the FinalizeInternalReduce fallback: the last
// substantive agent contribution, used when no dedicated finalizer agent
// is configured or the dedicated-agent call fails.
func internalReduce(state *runState) string {
	for i := len(state.messages) - 1; i >= 0; i-- {
		m := state.messages[i]
		if _, ok := m.Role.IsAgent(); ok && strings.TrimSpace(m.Content) != "" {
			return m.Content
		}
	}
	return ""
}
