// Package decision implements the Decision Engine (M1): a pure,
// deterministic function from a request plus the catalogs in effect to an
// immutable DecisionPlan. Nothing in this package calls a model provider,
// blocks on I/O, or mutates anything outside its own return value.
//
// Grounded on internal/multiagent/router.go's weighted-rule-match-then-sort
// idiom (generalized from matching routing rules to scoring intents and
// sources) and internal/multiagent/capability_router.go's capability-index
// + health/load scoring shape (generalized from picking one live agent to
// picking a coverage-maximizing participant set); the risk-tier promotion
// rule is grounded on internal/policy/activation.go's small, explicit
// string-keyed classification style.
package decision

import (
	"fmt"
	"sort"
	"strings"

	"github.com/convergio/core/internal/catalog"
	"github.com/convergio/core/internal/domain"
	"github.com/convergio/core/internal/safety"
)

// IntentTag is one member of the fixed intent classification set.
type IntentTag string

const (
	IntentStrategic  IntentTag = "strategic"
	IntentFinancial  IntentTag = "financial"
	IntentTechnical  IntentTag = "technical"
	IntentCreative   IntentTag = "creative"
	IntentResearch   IntentTag = "research"
	IntentOps        IntentTag = "ops"
	IntentCompliance IntentTag = "compliance"
)

// AllIntents is the fixed, ordered intent set; ordering matters for
// deterministic tie-breaking during classification.
var AllIntents = []IntentTag{
	IntentStrategic, IntentFinancial, IntentTechnical, IntentCreative,
	IntentResearch, IntentOps, IntentCompliance,
}

// intentLexicon is the lexical half of a lexical+semantic scoring mix; the
// semantic half is left to an optional Classifier (see
// Config.SemanticClassifier) since no embedding model is injected by
// default.
var intentLexicon = map[IntentTag][]string{
	IntentStrategic:  {"strategy", "strategic", "roadmap", "vision", "market position", "competitive"},
	IntentFinancial:  {"revenue", "cost", "budget", "profit", "margin", "forecast", "q1", "q2", "q3", "q4", "financial"},
	IntentTechnical:  {"bug", "error", "deploy", "api", "latency", "architecture", "code", "database", "system"},
	IntentCreative:   {"draft", "write", "brainstorm", "design", "creative", "tagline", "story"},
	IntentResearch:   {"research", "compare", "survey", "analyze", "investigate", "study", "benchmark"},
	IntentOps:        {"incident", "outage", "runbook", "on-call", "deployment", "rollback", "ops"},
	IntentCompliance: {"compliance", "regulation", "audit", "gdpr", "hipaa", "policy violation", "legal"},
}

// Semantic classifies message intent via a model-backed scorer. Supplying
// one sharpens classification beyond the lexical catalog; nil disables it.
type Classifier interface {
	Classify(message string) (map[IntentTag]float64, error)
}

// ComplexityBucket drives the max_turns computation.
type ComplexityBucket string

const (
	BucketSimple   ComplexityBucket = "simple"
	BucketStandard ComplexityBucket = "standard"
	BucketComplex  ComplexityBucket = "complex"
)

var bucketMaxTurns = map[ComplexityBucket]int{
	BucketSimple:   3,
	BucketStandard: 6,
	BucketComplex:  10,
}

var bucketExpectedTokens = map[ComplexityBucket]int64{
	BucketSimple:   2_000,
	BucketStandard: 6_000,
	BucketComplex:  12_000,
}

// Config carries the numeric weights and thresholds left as tunable
// defaults rather than fixed constants: the factors and their ordering
// are fixed, but their relative weight is a deployment decision.
type Config struct {
	MaxParticipants int // K

	RecencyWeight     float64
	SpecificityWeight float64
	IntentMatchWeight float64
	CostWeight        float64

	ModelCheap     string
	ModelStandard  string
	ModelExpensive string
	CheapTemp      float64
	StandardTemp   float64
	CreativeTemp   float64

	// FloorCostUSD is the minimum viable run cost; a budget below this
	// fails with PlanInfeasible.
	FloorCostUSD float64

	SemanticClassifier Classifier
}

func DefaultConfig() Config {
	return Config{
		MaxParticipants:   4,
		RecencyWeight:     0.4,
		SpecificityWeight: 0.4,
		IntentMatchWeight: 0.5,
		CostWeight:        1.0,
		ModelCheap:        "claude-haiku",
		ModelStandard:     "claude-sonnet",
		ModelExpensive:    "claude-opus",
		CheapTemp:         0.2,
		StandardTemp:      0.4,
		CreativeTemp:      0.8,
		FloorCostUSD:      0.01,
	}
}

// Engine is the Decision Engine (M1). It holds only configuration; Plan
// is a pure function of its arguments plus that configuration.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	if cfg.MaxParticipants <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{cfg: cfg}
}

// sourceProfile captures one source's fixed utility characteristics; cost
// and recency/specificity are engine-level judgments about the channel
// itself, not about any one request.
type sourceProfile struct {
	recency      float64
	specificity  float64
	cost         float64
	intentWeight map[IntentTag]float64
}

var sourceOrder = []domain.Source{domain.SourceBackendDB, domain.SourceVector, domain.SourceWeb, domain.SourceLLMOnly}

var sourceProfiles = map[domain.Source]sourceProfile{
	domain.SourceBackendDB: {
		recency: 0.4, specificity: 0.9, cost: 0.05,
		intentWeight: map[IntentTag]float64{IntentFinancial: 1, IntentOps: 0.8, IntentCompliance: 0.9},
	},
	domain.SourceVector: {
		recency: 0.3, specificity: 0.7, cost: 0.08,
		intentWeight: map[IntentTag]float64{IntentResearch: 1, IntentTechnical: 0.8, IntentStrategic: 0.5},
	},
	domain.SourceWeb: {
		recency: 0.9, specificity: 0.5, cost: 0.15,
		intentWeight: map[IntentTag]float64{IntentResearch: 1, IntentStrategic: 0.6, IntentCompliance: 0.4},
	},
	domain.SourceLLMOnly: {
		recency: 0.1, specificity: 0.3, cost: 0.01,
		intentWeight: map[IntentTag]float64{IntentCreative: 1, IntentStrategic: 0.5, IntentTechnical: 0.4},
	},
}

// PlanInput bundles the catalog snapshots and prompt-safety findings a
// Plan call needs beyond the request itself.
type PlanInput struct {
	Agents          catalog.AgentSnapshot
	Tools           catalog.ToolSnapshot
	GuardianFindings []safety.Finding
}

// Plan implements the M1 contract: plan(request, history, catalogs) ->
// DecisionPlan. request.History carries the conversation history; in is
// the catalog/safety context. Returns a *domain.KindedError with
// ErrKindPlanInfeasible when no viable plan exists.
func (e *Engine) Plan(req domain.Request, in PlanInput) (domain.DecisionPlan, error) {
	budget := domain.Budget{MaxUSD: 1.0, MaxTokens: 100_000, PerTurnMaxTokens: 4_000}
	if req.BudgetHint != nil {
		budget = *req.BudgetHint
	}
	if budget.MaxUSD < e.cfg.FloorCostUSD {
		return domain.DecisionPlan{}, domain.NewError(domain.ErrKindPlanInfeasible,
			fmt.Errorf("budget.max_usd %.4f below floor_cost %.4f", budget.MaxUSD, e.cfg.FloorCostUSD))
	}

	intentScores, ambiguous := e.classifyIntents(req)
	intents := rankedIntents(intentScores)

	sources, sourceReasons := e.scoreSources(intents)
	bucket := complexityBucket(intents, req.Message)

	participants, coverageReasons, err := e.selectParticipants(intents, in.Agents)
	if err != nil {
		return domain.DecisionPlan{}, err
	}

	riskTier, riskReasons := e.assessRisk(intents, in.Tools, in.GuardianFindings)

	if ambiguous {
		riskTier = riskTier.Promote()
	}

	toolsAllowed := allowedTools(participants, in.Agents, in.Tools)
	// Any allowed tool that requires HITL raises risk to at least high.
	for _, name := range toolsAllowed {
		if t, ok := in.Tools.Get(name); ok && t.SafetyLevel == domain.SafetyHITLRequired {
			if riskTier < domain.RiskHigh {
				riskTier = domain.RiskHigh
			}
			break
		}
	}

	if needsCritic(riskTier) && !hasCritic(participants, in.Agents) {
		if critic, ok := firstCritic(in.Agents); ok {
			participants = append(participants, critic)
		}
	}

	model := e.chooseModel(riskTier, intents, bucket, budget)

	maxTurns := bucketMaxTurns[bucket]
	if budget.PerTurnMaxTokens > 0 {
		if cap := int(budget.MaxTokens / budget.PerTurnMaxTokens); cap > 0 && cap < maxTurns {
			maxTurns = cap
		}
	}
	if maxTurns < 1 {
		maxTurns = 1
	}

	confidence := 0.9
	if ambiguous {
		confidence = 0.35
	}
	reasons := topReasons(confidence, sourceReasons, coverageReasons, riskReasons)

	plan := domain.DecisionPlan{
		Sources:        sources,
		ToolsAllowed:   toolsAllowed,
		Model:          model,
		MaxTurns:       maxTurns,
		Budget:         budget,
		Participants:   participants,
		RiskTier:       riskTier,
		Rationale:      domain.Rationale{Reasons: reasons, Confidence: confidence},
		CatalogVersion: in.Agents.Version,
	}

	if err := plan.Validate(in.Agents.AsSet(), in.Tools.AsSet()); err != nil {
		return domain.DecisionPlan{}, domain.NewError(domain.ErrKindPlanInfeasible, err)
	}
	return plan, nil
}

func (e *Engine) classifyIntents(req domain.Request) (map[IntentTag]float64, bool) {
	text := strings.ToLower(req.Message)
	for _, m := range req.History {
		text += " " + strings.ToLower(m.Content)
	}

	scores := make(map[IntentTag]float64, len(AllIntents))
	for _, tag := range AllIntents {
		var s float64
		for _, kw := range intentLexicon[tag] {
			s += float64(strings.Count(text, kw))
		}
		scores[tag] = s
	}

	if e.cfg.SemanticClassifier != nil {
		if semantic, err := e.cfg.SemanticClassifier.Classify(req.Message); err == nil {
			for tag, v := range semantic {
				scores[tag] += v
			}
		}
	}

	var total float64
	for _, v := range scores {
		total += v
	}
	ambiguous := total == 0
	if ambiguous {
		scores[IntentOps] = 1 // fixed, stable fallback when no intent scores
	}
	return scores, ambiguous
}

func rankedIntents(scores map[IntentTag]float64) []IntentTag {
	type pair struct {
		tag   IntentTag
		score float64
	}
	pairs := make([]pair, 0, len(scores))
	for _, tag := range AllIntents {
		if scores[tag] > 0 {
			pairs = append(pairs, pair{tag, scores[tag]})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].score > pairs[j].score })
	out := make([]IntentTag, len(pairs))
	for i, p := range pairs {
		out[i] = p.tag
	}
	return out
}

func (e *Engine) scoreSources(intents []IntentTag) ([]domain.Source, []domain.Reason) {
	type scored struct {
		source domain.Source
		score  float64
		order  int
	}
	rows := make([]scored, 0, len(sourceOrder))
	for i, src := range sourceOrder {
		prof := sourceProfiles[src]
		var intentMatch float64
		for _, tag := range intents {
			intentMatch += prof.intentWeight[tag]
		}
		utility := prof.recency*e.cfg.RecencyWeight + prof.specificity*e.cfg.SpecificityWeight + intentMatch*e.cfg.IntentMatchWeight
		score := utility - prof.cost*e.cfg.CostWeight
		rows = append(rows, scored{src, score, i})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].score != rows[j].score {
			return rows[i].score > rows[j].score
		}
		ci, cj := sourceProfiles[rows[i].source].cost, sourceProfiles[rows[j].source].cost
		if ci != cj {
			return ci < cj
		}
		return rows[i].order < rows[j].order
	})

	out := make([]domain.Source, len(rows))
	for i, r := range rows {
		out[i] = r.source
	}
	var reasons []domain.Reason
	if len(rows) > 0 {
		reasons = append(reasons, domain.Reason{Tag: "source:" + string(rows[0].source), Contribution: 0.3})
	}
	return out, reasons
}

func complexityBucket(intents []IntentTag, message string) ComplexityBucket {
	switch {
	case len(intents) >= 3 || len(message) > 400:
		return BucketComplex
	case len(intents) <= 1 && len(message) < 120:
		return BucketSimple
	default:
		return BucketStandard
	}
}

// selectParticipants greedily covers the intent set with the fewest,
// least-overlapping agents, capped at MaxParticipants.
func (e *Engine) selectParticipants(intents []IntentTag, agents catalog.AgentSnapshot) ([]string, []domain.Reason, error) {
	required := make(map[IntentTag]bool, len(intents))
	for _, tag := range intents {
		required[tag] = true
	}

	var participants []string
	covered := map[IntentTag]bool{}
	candidates := agents.All()

	for len(participants) < e.cfg.MaxParticipants {
		bestIdx := -1
		bestGain := 0
		for i, a := range candidates {
			if contains(participants, a.Name) {
				continue
			}
			gain := 0
			for tag := range required {
				if !covered[tag] && a.HasCapability(string(tag)) {
					gain++
				}
			}
			if gain > bestGain || (gain == bestGain && gain > 0 && bestIdx >= 0 && len(a.Capabilities) < len(candidates[bestIdx].Capabilities)) {
				bestGain = gain
				bestIdx = i
			}
		}
		if bestIdx < 0 || bestGain == 0 {
			break
		}
		chosen := candidates[bestIdx]
		participants = append(participants, chosen.Name)
		for tag := range required {
			if chosen.HasCapability(string(tag)) {
				covered[tag] = true
			}
		}
		if allCovered(required, covered) {
			break
		}
	}

	if len(participants) == 0 {
		return nil, nil, domain.NewError(domain.ErrKindPlanInfeasible,
			fmt.Errorf("no agent in catalog covers any of %v", intents))
	}

	reasons := []domain.Reason{{Tag: "participants:coverage", Contribution: 0.3}}
	return participants, reasons, nil
}

func allCovered(required, covered map[IntentTag]bool) bool {
	for tag := range required {
		if !covered[tag] {
			return false
		}
	}
	return true
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func needsCritic(tier domain.RiskTier) bool { return tier >= domain.RiskMedium }

func hasCritic(participants []string, agents catalog.AgentSnapshot) bool {
	for _, p := range participants {
		if a, ok := agents.Get(p); ok && a.Tier == domain.TierCritic {
			return true
		}
	}
	return false
}

func firstCritic(agents catalog.AgentSnapshot) (string, bool) {
	for _, a := range agents.All() {
		if a.Tier == domain.TierCritic {
			return a.Name, true
		}
	}
	return "", false
}

func allowedTools(participants []string, agents catalog.AgentSnapshot, tools catalog.ToolSnapshot) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range participants {
		a, ok := agents.Get(p)
		if !ok {
			continue
		}
		for _, t := range a.ToolPolicy {
			if seen[t] || !tools.Contains(t) {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// assessRisk derives risk_tier from intent tags and Guardian pre-scan
// findings; tool-policy promotion is applied by the caller once
// tools_allowed is known.
func (e *Engine) assessRisk(intents []IntentTag, tools catalog.ToolSnapshot, findings []safety.Finding) (domain.RiskTier, []domain.Reason) {
	tier := domain.RiskLow
	var reasons []domain.Reason

	for _, tag := range intents {
		if tag == IntentCompliance || tag == IntentFinancial {
			if tier < domain.RiskMedium {
				tier = domain.RiskMedium
				reasons = append(reasons, domain.Reason{Tag: "risk:intent:" + string(tag), Contribution: 0.2})
			}
		}
	}

	for _, f := range findings {
		switch f.Severity {
		case "critical":
			tier = domain.RiskCritical
			reasons = append(reasons, domain.Reason{Tag: "risk:guardian:" + f.Kind, Contribution: 0.3})
		case "high":
			if tier < domain.RiskHigh {
				tier = domain.RiskHigh
				reasons = append(reasons, domain.Reason{Tag: "risk:guardian:" + f.Kind, Contribution: 0.2})
			}
		}
	}

	return tier, reasons
}

func (e *Engine) chooseModel(risk domain.RiskTier, intents []IntentTag, bucket ComplexityBucket, budget domain.Budget) domain.ModelChoice {
	model := e.cfg.ModelStandard
	temp := e.cfg.StandardTemp
	if risk >= domain.RiskHigh {
		model = e.cfg.ModelExpensive
	}
	for _, tag := range intents {
		if tag == IntentCreative {
			temp = e.cfg.CreativeTemp
			break
		}
	}

	expectedTokens := bucketExpectedTokens[bucket]
	predictedCost := float64(expectedTokens) * 0.000009 // matches guard/cost.DefaultEstimator's blended rate
	if budget.MaxUSD > 0 && predictedCost > 0.5*budget.MaxUSD {
		model = e.cfg.ModelCheap
		temp = e.cfg.CheapTemp
	}

	perTurn := budget.PerTurnMaxTokens
	if perTurn <= 0 {
		perTurn = 1024
	}
	return domain.ModelChoice{Model: model, Temperature: temp, MaxTokensPerTurn: perTurn}
}

// topReasons collects every contributed reason, sorts by contribution
// descending, keeps the top three, and rescales them to sum to exactly
// confidence.
func topReasons(confidence float64, groups ...[]domain.Reason) []domain.Reason {
	var all []domain.Reason
	for _, g := range groups {
		all = append(all, g...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Contribution > all[j].Contribution })
	if len(all) > 3 {
		all = all[:3]
	}
	if len(all) == 0 {
		return []domain.Reason{{Tag: "default", Contribution: confidence}}
	}
	var sum float64
	for _, r := range all {
		sum += r.Contribution
	}
	if sum <= 0 {
		sum = 1
	}
	out := make([]domain.Reason, len(all))
	for i, r := range all {
		out[i] = domain.Reason{Tag: r.Tag, Contribution: r.Contribution / sum * confidence}
	}
	return out
}
