// Package selector implements the Speaker Selector (M3): a pure,
// weighted multi-factor scoring function over a run's current state and
// its plan, plus the turn-termination criteria for ending a run.
//
// Grounded on internal/multiagent/capability_router.go's weighted
// factor-sum + health/load scoring idiom (generalized from
// capability-coverage + liveness to phase/topic/diversity/budget
// factors) and internal/multiagent/router.go's stable-sort-then-pick
// tie-breaking discipline.
package selector

import (
	"sort"
	"strings"

	"github.com/convergio/core/internal/catalog"
	"github.com/convergio/core/internal/domain"
)

// Phase is the inferred discussion phase used by phase_match.
type Phase string

const (
	PhaseIntro     Phase = "intro"
	PhaseAnalysis  Phase = "analysis"
	PhaseSynthesis Phase = "synthesis"
	PhaseCritique  Phase = "critique"
	PhaseClosing   Phase = "closing"
)

// Weights tunes the relative importance of each [0,1] factor; exact
// weights are left to configuration rather than fixed.
type Weights struct {
	PhaseMatch   float64
	TopicalFit   float64
	Diversity    float64
	CriticDemand float64
	BudgetFit    float64
}

func DefaultWeights() Weights {
	return Weights{PhaseMatch: 0.25, TopicalFit: 0.25, Diversity: 0.2, CriticDemand: 0.2, BudgetFit: 0.1}
}

// Config tunes selector behavior beyond the factor weights.
type Config struct {
	Weights Weights
	// Window (W) bounds how far back diversity/frequency looks.
	Window int
	// OverlapThreshold is the no_new_information text-overlap cutoff.
	OverlapThreshold float64
}

func DefaultConfig() Config {
	return Config{Weights: DefaultWeights(), Window: 3, OverlapThreshold: 0.95}
}

// StateView is the read-only projection of run state the selector needs;
// the Orchestrator builds it from its RunState each turn rather than
// handing the selector its own internal type, avoiding an import cycle.
type StateView struct {
	TurnIndex          int
	LastSpeaker        string
	LastTwoRoles       []domain.Role // most recent last, for phase inference
	RecentSpeakers     []string      // agent names over the last Window turns, most recent last
	RecentKeywords     []string      // keywords from recent messages, for topical_fit
	ConflictJustFired  bool
	RemainingBudgetFrac float64 // 1.0 = full budget remaining, 0 = exhausted
	ExplicitFinalize   string // agent name the model asked to hand off to for finalization, if any
}

// Selector is the Speaker Selector (M3): pure w.r.t. the StateView
// snapshot it is given.
type Selector struct {
	cfg Config
}

func New(cfg Config) *Selector {
	if cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	return &Selector{cfg: cfg}
}

// ErrNoCandidates is returned when plan.Participants yields no agent
// present in the catalog snapshot.
var ErrNoCandidates = domain.NewError(domain.ErrKindInternal, nil)

// Select implements select(run_state, plan) -> (agent_name,
// score_breakdown).
func (s *Selector) Select(state StateView, plan domain.DecisionPlan, agents catalog.AgentSnapshot) (string, domain.ScoreBreakdown, error) {
	phase := inferPhase(state, plan)
	freq := recentFrequency(state.RecentSpeakers, s.cfg.Window)

	type candidate struct {
		name      string
		breakdown domain.ScoreBreakdown
		frequency float64
	}
	var candidates []candidate

	names := make([]string, len(plan.Participants))
	copy(names, plan.Participants)
	sort.Strings(names) // stable agent-name order for tie-breaking

	for _, name := range names {
		agent, ok := agents.Get(name)
		if !ok {
			continue
		}
		factors := map[string]float64{
			"phase_match":   phaseMatch(agent, phase),
			"topical_fit":   topicalFit(agent, state.RecentKeywords),
			"diversity":     1 - freq[name],
			"critic_demand": criticDemand(agent, state.ConflictJustFired),
			"budget_fit":    budgetFit(agent, state.RemainingBudgetFrac),
		}
		total := factors["phase_match"]*s.cfg.Weights.PhaseMatch +
			factors["topical_fit"]*s.cfg.Weights.TopicalFit +
			factors["diversity"]*s.cfg.Weights.Diversity +
			factors["critic_demand"]*s.cfg.Weights.CriticDemand +
			factors["budget_fit"]*s.cfg.Weights.BudgetFit

		candidates = append(candidates, candidate{
			name:      name,
			breakdown: domain.ScoreBreakdown{Agent: name, Total: total, Factors: factors},
			frequency: freq[name],
		})
	}

	if len(candidates) == 0 {
		return "", domain.ScoreBreakdown{}, ErrNoCandidates
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].breakdown.Total != candidates[j].breakdown.Total {
			return candidates[i].breakdown.Total > candidates[j].breakdown.Total
		}
		if candidates[i].frequency != candidates[j].frequency {
			return candidates[i].frequency < candidates[j].frequency // lower recent frequency wins ties
		}
		return candidates[i].name < candidates[j].name // stable agent-name order
	})

	winner := candidates[0]
	return winner.name, winner.breakdown, nil
}

func inferPhase(state StateView, plan domain.DecisionPlan) Phase {
	if state.ConflictJustFired {
		return PhaseCritique
	}
	if plan.MaxTurns <= 1 || state.TurnIndex >= plan.MaxTurns-1 {
		return PhaseClosing
	}
	switch {
	case state.TurnIndex == 0:
		return PhaseIntro
	case state.TurnIndex < plan.MaxTurns/2:
		return PhaseAnalysis
	default:
		return PhaseSynthesis
	}
}

func phaseMatch(agent domain.Agent, phase Phase) float64 {
	switch phase {
	case PhaseCritique:
		if agent.Tier == domain.TierCritic {
			return 1.0
		}
		return 0.2
	case PhaseIntro, PhaseClosing:
		if agent.Tier == domain.TierGeneralist {
			return 1.0
		}
		return 0.5
	case PhaseAnalysis, PhaseSynthesis:
		if agent.Tier == domain.TierSpecialist {
			return 1.0
		}
		return 0.5
	default:
		return 0.5
	}
}

func topicalFit(agent domain.Agent, keywords []string) float64 {
	if len(keywords) == 0 || len(agent.Capabilities) == 0 {
		return 0.3
	}
	capSet := make(map[string]bool, len(agent.Capabilities))
	for _, c := range agent.Capabilities {
		capSet[strings.ToLower(c)] = true
	}
	var hit int
	for _, kw := range keywords {
		if capSet[strings.ToLower(kw)] {
			hit++
		}
	}
	union := len(capSet) + len(keywords) - hit
	if union == 0 {
		return 0.3
	}
	return float64(hit) / float64(union)
}

func criticDemand(agent domain.Agent, conflictJustFired bool) float64 {
	if agent.Tier != domain.TierCritic {
		return 0.1
	}
	if conflictJustFired {
		return 1.0
	}
	return 0.3
}

func budgetFit(agent domain.Agent, remainingFrac float64) float64 {
	fit := 1 - agent.CostWeight*(1-remainingFrac)
	if fit < 0 {
		return 0
	}
	if fit > 1 {
		return 1
	}
	return fit
}

// recentFrequency returns, per agent name, the normalized frequency of
// appearance in the last window entries of recent.
func recentFrequency(recent []string, window int) map[string]float64 {
	out := map[string]float64{}
	if window <= 0 || len(recent) == 0 {
		return out
	}
	start := len(recent) - window
	if start < 0 {
		start = 0
	}
	slice := recent[start:]
	counts := map[string]int{}
	for _, name := range slice {
		counts[name]++
	}
	for name, c := range counts {
		out[name] = float64(c) / float64(len(slice))
	}
	return out
}

// Overlap computes a word-level Jaccard similarity between two texts
// after lowercasing and whitespace normalization, used to detect
// no_new_information turns.
func Overlap(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	var intersect int
	for w := range wa {
		if wb[w] {
			intersect++
		}
	}
	union := len(wa) + len(wb) - intersect
	if union == 0 {
		return 0
	}
	return float64(intersect) / float64(union)
}

func wordSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = true
	}
	return out
}

// TerminationReason names why a run's turn loop should stop.
type TerminationReason string

const (
	TerminateMaxTurns         TerminationReason = "max_turns_reached"
	TerminateNoNewInformation TerminationReason = "no_new_information"
	TerminateExplicitFinalize TerminationReason = "explicit_finalize"
	TerminateBudgetHardHit    TerminationReason = "budget_hard_hit"
)

// ShouldTerminate evaluates the four termination criteria for ending a
// run. consecutiveNoNewInfo is the count of consecutive turns whose overlap
// with the previous turn's contribution met OverlapThreshold, tracked by
// the caller across turns.
func (s *Selector) ShouldTerminate(state StateView, plan domain.DecisionPlan, consecutiveNoNewInfo int, budgetHardHit bool) (bool, TerminationReason) {
	if budgetHardHit {
		return true, TerminateBudgetHardHit
	}
	if state.TurnIndex >= plan.MaxTurns {
		return true, TerminateMaxTurns
	}
	if state.ExplicitFinalize != "" {
		return true, TerminateExplicitFinalize
	}
	if consecutiveNoNewInfo >= 2 {
		return true, TerminateNoNewInformation
	}
	return false, ""
}
