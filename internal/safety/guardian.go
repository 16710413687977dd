// Package safety implements the Safety Guardian (L5): input sanitization,
// prompt-injection pattern scanning, PII/PHI detection with redaction, and
// policy rules, producing one of allow / allow_with_redaction /
// escalate_to_hitl / reject for a prompt or tool payload (spec §4.6).
//
// Grounded on internal/artifacts/redaction.go's pattern-match-then-apply
// shape (generalized from artifact metadata matching to text scanning)
// and internal/observability/logging.go's DefaultRedactPatterns (reused
// directly as the PII pattern catalog), plus internal/security/audit.go's
// finding-catalog style for the prompt-injection scan.
package safety

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/convergio/core/internal/domain"
)

// Decision is the Guardian's verdict on one check.
type Decision string

const (
	Allow               Decision = "allow"
	AllowWithRedaction  Decision = "allow_with_redaction"
	EscalateToHITL      Decision = "escalate_to_hitl"
	Reject              Decision = "reject"
)

// Finding is one match surfaced by a scan, used both for the verdict and
// for the risk-tier promotion rules in the Decision Engine.
type Finding struct {
	Kind    string `json:"kind"`    // e.g. "prompt_injection.instruction_override", "pii.email"
	Excerpt string `json:"excerpt"` // redacted/truncated context for audit
	Severity string `json:"severity"` // low | medium | high | critical
}

// Result is the outcome of one Guardian check.
type Result struct {
	Decision Decision
	Text     string // sanitized/redacted text when Decision != Reject
	Findings []Finding
}

// injectionPattern is one entry in the prompt-injection catalog (spec:
// "at minimum: instruction-override, data-exfiltration, role-switch").
type injectionPattern struct {
	kind     string
	re       *regexp.Regexp
	severity string
}

var injectionCatalog = []injectionPattern{
	{
		kind:     "prompt_injection.instruction_override",
		re:       regexp.MustCompile(`(?i)ignore (all |the )?(previous|above|prior) instructions`),
		severity: "high",
	},
	{
		kind:     "prompt_injection.instruction_override",
		re:       regexp.MustCompile(`(?i)disregard (your|the) (system prompt|instructions|rules)`),
		severity: "high",
	},
	{
		kind:     "prompt_injection.role_switch",
		re:       regexp.MustCompile(`(?i)you are now (a|an|the)\b`),
		severity: "medium",
	},
	{
		kind:     "prompt_injection.role_switch",
		re:       regexp.MustCompile(`(?i)\bDAN mode\b|\bdeveloper mode\b|\bjailbreak\b`),
		severity: "high",
	},
	{
		kind:     "prompt_injection.data_exfiltration",
		re:       regexp.MustCompile(`(?i)(send|post|exfiltrate|leak) (this|the|your) (data|secrets?|api key|system prompt) to\b`),
		severity: "critical",
	},
	{
		kind:     "prompt_injection.data_exfiltration",
		re:       regexp.MustCompile(`(?i)reveal (your|the) (system prompt|hidden instructions)`),
		severity: "high",
	},
}

// piiPattern reuses the teacher's DefaultRedactPatterns catalog (secrets
// and tokens), supplemented with common PII shapes the spec calls out
// (emails, phone numbers, SSN-shaped digit runs).
var piiPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"pii.email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"pii.phone", regexp.MustCompile(`\b(\+?1[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)},
	{"pii.ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"secret.api_key", regexp.MustCompile(`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`)},
	{"secret.bearer_token", regexp.MustCompile(`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-.]{16,})`)},
	{"secret.anthropic_key", regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`)},
	{"secret.openai_key", regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`)},
	{"secret.jwt", regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`)},
}

// PolicyRule is a named predicate over text that rejects outright (e.g.
// disallowed content categories) rather than redacting.
type PolicyRule struct {
	Name string
	re   *regexp.Regexp
}

// Config tunes Guardian strictness.
type Config struct {
	// RejectOnCriticalInjection fails the check outright instead of
	// escalating when a critical-severity injection pattern matches.
	RejectOnCriticalInjection bool
	// PolicyRules are additional reject-on-match rules (disallowed
	// categories); empty by default, configured per deployment.
	PolicyRules []PolicyRule
}

func DefaultConfig() Config {
	return Config{RejectOnCriticalInjection: true}
}

// Guardian is the Safety Guardian (L5), stateless and safe for concurrent
// use — every check is a pure function of its input plus Config.
type Guardian struct {
	cfg Config
}

func New(cfg Config) *Guardian {
	return &Guardian{cfg: cfg}
}

// CheckPrompt validates text bound for a model call (spec §4.9 step 4:
// "Guardian validates pre-call").
func (g *Guardian) CheckPrompt(text string) Result {
	sanitized := sanitizeControlChars(text)
	var findings []Finding

	for _, p := range injectionCatalog {
		if p.re.MatchString(sanitized) {
			findings = append(findings, Finding{Kind: p.kind, Excerpt: excerpt(sanitized, p.re), Severity: p.severity})
		}
	}
	for _, rule := range g.cfg.PolicyRules {
		if rule.re.MatchString(sanitized) {
			findings = append(findings, Finding{Kind: "policy." + rule.Name, Excerpt: excerpt(sanitized, rule.re), Severity: "critical"})
		}
	}
	if hasCritical(findings) {
		if g.cfg.RejectOnCriticalInjection {
			return Result{Decision: Reject, Findings: findings}
		}
		return Result{Decision: EscalateToHITL, Text: sanitized, Findings: findings}
	}
	if len(findings) > 0 {
		return Result{Decision: EscalateToHITL, Text: sanitized, Findings: findings}
	}

	redacted, piiFindings := redactPII(sanitized)
	if len(piiFindings) > 0 {
		return Result{Decision: AllowWithRedaction, Text: redacted, Findings: piiFindings}
	}
	return Result{Decision: Allow, Text: sanitized}
}

// CheckToolInput validates a tool-call input prior to execution (spec
// §4.5 step 3). safetyLevel drives whether any finding at all forces
// escalation, irrespective of severity.
func (g *Guardian) CheckToolInput(text string, safetyLevel domain.SafetyLevel) Result {
	res := g.CheckPrompt(text)
	if safetyLevel == domain.SafetyHITLRequired && res.Decision == Allow {
		return Result{Decision: EscalateToHITL, Text: res.Text}
	}
	if safetyLevel == domain.SafetyGated && res.Decision == AllowWithRedaction {
		return Result{Decision: EscalateToHITL, Text: res.Text, Findings: res.Findings}
	}
	return res
}

// CheckOutput validates a tool result or model response for PII/policy
// violations before it is appended to the conversation (spec §4.5 step 9).
// A violation that cannot be redacted to an allow/redact decision
// surfaces as Reject, which the Tool Executor turns into ToolOutputRejected.
func (g *Guardian) CheckOutput(text string) Result {
	sanitized := sanitizeControlChars(text)
	for _, rule := range g.cfg.PolicyRules {
		if rule.re.MatchString(sanitized) {
			return Result{Decision: Reject, Findings: []Finding{{Kind: "policy." + rule.Name, Severity: "critical", Excerpt: excerpt(sanitized, rule.re)}}}
		}
	}
	redacted, findings := redactPII(sanitized)
	if len(findings) > 0 {
		return Result{Decision: AllowWithRedaction, Text: redacted, Findings: findings}
	}
	return Result{Decision: Allow, Text: sanitized}
}

func hasCritical(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == "critical" {
			return true
		}
	}
	return false
}

// sanitizeControlChars strips non-printable control characters (other
// than newline/tab) that are a common prompt-injection smuggling vector.
func sanitizeControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || r == '\r' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// redactPII replaces every PII/secret pattern match with a typed
// placeholder and returns the findings surfaced for audit.
func redactPII(s string) (string, []Finding) {
	var findings []Finding
	out := s
	for _, p := range piiPatterns {
		if p.re.MatchString(out) {
			findings = append(findings, Finding{Kind: p.kind, Excerpt: "[redacted]"})
			out = p.re.ReplaceAllString(out, "["+p.kind+"-redacted]")
		}
	}
	return out, findings
}

func excerpt(s string, re *regexp.Regexp) string {
	loc := re.FindStringIndex(s)
	if loc == nil {
		return ""
	}
	start, end := loc[0], loc[1]
	const pad = 12
	if start-pad > 0 {
		start -= pad
	} else {
		start = 0
	}
	if end+pad < len(s) {
		end += pad
	} else {
		end = len(s)
	}
	return s[start:end]
}
