// Package cost implements the Cost Tracker (L2): per-call token/usd
// accounting, a monotonically-accumulated run ledger, and the
// soft/near/hard budget threshold events of spec §4.6. Grounded on
// internal/usage/usage.go's Usage.Add/Cost.Estimate/Tracker totals-by-key
// map, adapted from a process-wide provider:model tracker into a
// single-run, single-writer ledger that also knows the run's budget
// ceiling and fires each threshold exactly once.
package cost

import (
	"sync"

	"github.com/convergio/core/internal/domain"
)

// Thresholds are the fractions of budget.max_usd/max_tokens spec §4.6
// names: soft (70%), near (90%), hard (100%).
const (
	ThresholdSoft = 0.70
	ThresholdNear = 0.90
	ThresholdHard = 1.00
)

// Estimator predicts (tokens, usd) for a model call when the provider
// does not report usage (spec §9 open question: "the estimator's formula
// is provider-specific and left to configuration"). The zero value
// estimator is a conservative flat rate.
type Estimator func(model string, promptChars int) domain.CostEstimate

// BlendedRatePerToken is the conservative flat per-token rate DefaultEstimator
// and UsageCostUSD both use: a blended $3/$15 per-million input/output rate
// split evenly across input and output tokens (spec §9 open question: "the
// estimator's formula is provider-specific and left to configuration" — this
// is the documented fallback, not a hardcoded per-model price list).
const BlendedRatePerToken = 0.000009

// DefaultEstimator is the conservative flat-rate fallback spec §9 allows
// when no provider-specific estimator is injected: roughly 4 chars/token
// at BlendedRatePerToken.
func DefaultEstimator(model string, promptChars int) domain.CostEstimate {
	tokens := int64(promptChars/4) + 256
	return domain.CostEstimate{Tokens: tokens, USD: float64(tokens) * BlendedRatePerToken}
}

// UsageCostUSD converts a provider's reported token usage into a dollar
// figure at BlendedRatePerToken, used when the provider reports usage but
// the deployment has not configured a per-model price list (spec §4.6:
// "computes per-call (tokens_in, tokens_out, usd) from the model's
// reported usage").
func UsageCostUSD(tokensIn, tokensOut int64) float64 {
	return float64(tokensIn+tokensOut) * BlendedRatePerToken
}

// Ledger accumulates cost for one run. It is single-writer (the
// Orchestrator) per spec §5's shared-resource policy; reads are safe from
// any goroutine.
type Ledger struct {
	mu        sync.Mutex
	budget    domain.Budget
	entries   []domain.CostLedgerEntry
	totalsUSD float64
	totalIn   int64
	totalOut  int64
	fired     map[float64]bool
	estimator Estimator
}

// New creates a Ledger bounded by budget. estimator may be nil, in which
// case DefaultEstimator is used.
func New(budget domain.Budget, estimator Estimator) *Ledger {
	if estimator == nil {
		estimator = DefaultEstimator
	}
	return &Ledger{
		budget:    budget,
		fired:     make(map[float64]bool),
		estimator: estimator,
	}
}

// Estimate predicts the cost of a prompt for model without recording it,
// used by preflight checks (tool cost preflight, per-turn budget checks).
func (l *Ledger) Estimate(model string, promptChars int) domain.CostEstimate {
	return l.estimator(model, promptChars)
}

// Add atomically records one cost delta and returns the running totals
// plus any budget threshold events newly crossed by this addition.
func (l *Ledger) Add(entry domain.CostLedgerEntry) (CostTotals, []domain.BudgetEventKind) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	l.totalIn += entry.TokensIn
	l.totalOut += entry.TokensOut
	l.totalsUSD += entry.USD

	return l.totals(), l.crossedLocked()
}

// CostTotals is a point-in-time snapshot of the ledger.
type CostTotals struct {
	TokensIn  int64
	TokensOut int64
	USD       float64
}

func (l *Ledger) totals() CostTotals {
	return CostTotals{TokensIn: l.totalIn, TokensOut: l.totalOut, USD: l.totalsUSD}
}

// Totals returns the current running totals.
func (l *Ledger) Totals() CostTotals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals()
}

// Entries returns a defensive copy of every recorded delta.
func (l *Ledger) Entries() []domain.CostLedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.CostLedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// fraction of budget.max_usd consumed so far. A zero budget is treated as
// already exhausted (hard) so a misconfigured run fails closed.
func (l *Ledger) fractionLocked() float64 {
	if l.budget.MaxUSD <= 0 {
		if l.totalsUSD > 0 {
			return 1
		}
		return 0
	}
	return l.totalsUSD / l.budget.MaxUSD
}

// crossedLocked returns, in ascending order, the thresholds newly crossed
// by the latest Add, firing each at most once per run (spec §4.6: "Events
// ... are emitted exactly once per threshold").
func (l *Ledger) crossedLocked() []domain.BudgetEventKind {
	frac := l.fractionLocked()
	var out []domain.BudgetEventKind
	check := func(threshold float64, kind domain.BudgetEventKind) {
		if frac >= threshold && !l.fired[threshold] {
			l.fired[threshold] = true
			out = append(out, kind)
		}
	}
	check(ThresholdSoft, domain.BudgetWarn)
	check(ThresholdNear, domain.BudgetHitSoft)
	check(ThresholdHard, domain.BudgetHitHard)
	return out
}

// HardHit reports whether the hard threshold has fired; once true, spec
// §4.6 forbids further model or non-free tool calls for this run.
func (l *Ledger) HardHit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fired[ThresholdHard]
}

// WouldExceed reports whether adding estimate.USD to the current total
// would breach budget.max_usd, used by the Tool Executor's cost-preflight
// step (spec §4.5 step 6).
func (l *Ledger) WouldExceed(estimate domain.CostEstimate) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.budget.MaxUSD <= 0 {
		return true
	}
	return l.totalsUSD+estimate.USD > l.budget.MaxUSD
}

// PerTurnWouldExceed reports whether tokens would breach
// budget.per_turn_max_tokens for a single turn's accumulated usage.
func (l *Ledger) PerTurnWouldExceed(turnTokensSoFar, adding int64) bool {
	if l.budget.PerTurnMaxTokens <= 0 {
		return false
	}
	return turnTokensSoFar+adding > l.budget.PerTurnMaxTokens
}
