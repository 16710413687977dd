// Package conflict implements the Conflict Detector (L8): on each new
// agent message, compare its factual claims against the scratchpad and
// recent messages for opposing polarity on the same noun phrase, numeric
// disagreement beyond a tolerance ε, and contradictory recommendations
// (spec §4.4).
//
// Grounded on internal/security/audit.go's Finding vocabulary (a
// CheckID/Severity/Title/Detail record produced by a scan), retargeted
// from filesystem-permission checks to claim-contradiction checks: a
// Detector runs a fixed list of heuristic "checks" over a claim pair and
// returns Finding values carrying the same kind+excerpt shape spec §3's
// ConflictDetectedPayload expects on the event bus.
package conflict

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Finding is one detected contradiction between two claims.
type Finding struct {
	Kind      string // numeric_disagreement | polarity_opposition | recommendation_conflict
	Subject   string
	Excerpt   string
	PriorTurn int
	PriorText string
}

// Claim is one factual statement extracted from a message or scratchpad
// entry, attributed to the turn/agent that produced it.
type Claim struct {
	Turn    int
	Agent   string
	Subject string // the noun phrase the claim is about
	Negated bool
	Number  *float64
	IsRec   bool // true if this is a recommendation ("should X")
	Text    string
}

var (
	numericClaimRe = regexp.MustCompile(`(?i)\b([a-z][a-z0-9 _-]{1,40}?)\s+(?:is|are|was|were|equals?|=)\s+(-?\d+(?:\.\d+)?)\b`)
	negationRe     = regexp.MustCompile(`(?i)\b(not|no|never|isn't|aren't|doesn't|won't|cannot|can't)\b`)
	polarityRe     = regexp.MustCompile(`(?i)\b([a-z][a-z0-9 _-]{1,40}?)\s+(?:is|are|was|were)\s+(not\s+)?([a-z]+)\b`)
	recommendRe    = regexp.MustCompile(`(?i)\b(?:should|recommend(?:s|ed)?|must)\s+(not\s+)?([a-z][a-z0-9 _-]{1,60})`)
)

// ExtractClaims parses a rough set of claims out of free text using the
// same "cheap regex scan, not a full parser" approach spec §9 accepts as
// sufficient for this heuristic layer.
func ExtractClaims(turn int, agent, text string) []Claim {
	var claims []Claim

	for _, m := range numericClaimRe.FindAllStringSubmatch(text, -1) {
		subject := normalizeSubject(m[1])
		if n, err := strconv.ParseFloat(m[2], 64); err == nil {
			claims = append(claims, Claim{Turn: turn, Agent: agent, Subject: subject, Number: &n, Text: m[0]})
		}
	}

	for _, m := range polarityRe.FindAllStringSubmatch(text, -1) {
		subject := normalizeSubject(m[1])
		negated := m[2] != "" || negationRe.MatchString(m[0])
		claims = append(claims, Claim{Turn: turn, Agent: agent, Subject: subject, Negated: negated, Text: m[0]})
	}

	for _, m := range recommendRe.FindAllStringSubmatch(text, -1) {
		subject := normalizeSubject(m[2])
		negated := m[1] != ""
		claims = append(claims, Claim{Turn: turn, Agent: agent, Subject: subject, Negated: negated, IsRec: true, Text: m[0]})
	}

	return claims
}

func normalizeSubject(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Detector compares a new message's claims against prior claims from the
// scratchpad/recent history.
type Detector struct {
	// NumericTolerance (ε) — two numeric claims about the same subject
	// disagree only if they differ by more than this fraction of the
	// larger magnitude (spec §4.4: "numeric disagreement beyond tolerance
	// ε").
	NumericTolerance float64
}

func NewDetector(tolerance float64) *Detector {
	if tolerance <= 0 {
		tolerance = 0.05
	}
	return &Detector{NumericTolerance: tolerance}
}

// Check compares newClaims against prior, returning one Finding per
// contradiction detected. prior should include both scratchpad-derived
// claims and claims from recent messages (spec §4.4: "scratchpad and
// recent messages").
func (d *Detector) Check(newClaims, prior []Claim) []Finding {
	var findings []Finding
	for _, nc := range newClaims {
		for _, pc := range prior {
			if pc.Subject != nc.Subject || pc.Agent == nc.Agent {
				continue
			}
			if f, ok := d.compare(nc, pc); ok {
				findings = append(findings, f)
			}
		}
	}
	return findings
}

func (d *Detector) compare(a, b Claim) (Finding, bool) {
	switch {
	case a.Number != nil && b.Number != nil:
		if numericDisagree(*a.Number, *b.Number, d.NumericTolerance) {
			return Finding{
				Kind:      "numeric_disagreement",
				Subject:   a.Subject,
				Excerpt:   fmt.Sprintf("%q vs earlier %q (turn %d)", a.Text, b.Text, b.Turn),
				PriorTurn: b.Turn,
				PriorText: b.Text,
			}, true
		}
	case a.IsRec && b.IsRec:
		if a.Negated != b.Negated {
			return Finding{
				Kind:      "recommendation_conflict",
				Subject:   a.Subject,
				Excerpt:   fmt.Sprintf("%q contradicts earlier recommendation %q (turn %d)", a.Text, b.Text, b.Turn),
				PriorTurn: b.Turn,
				PriorText: b.Text,
			}, true
		}
	case !a.IsRec && !b.IsRec && a.Number == nil && b.Number == nil:
		if a.Negated != b.Negated {
			return Finding{
				Kind:      "polarity_opposition",
				Subject:   a.Subject,
				Excerpt:   fmt.Sprintf("%q opposes earlier %q (turn %d)", a.Text, b.Text, b.Turn),
				PriorTurn: b.Turn,
				PriorText: b.Text,
			}, true
		}
	}
	return Finding{}, false
}

func numericDisagree(a, b, tolerance float64) bool {
	denom := a
	if abs(b) > abs(a) {
		denom = b
	}
	if denom == 0 {
		return a != b
	}
	return abs(a-b)/abs(denom) > tolerance
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
