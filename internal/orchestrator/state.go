package orchestrator

import (
	"github.com/convergio/core/internal/conflict"
	"github.com/convergio/core/internal/domain"
	"github.com/convergio/core/internal/selector"
)

// runState is the Orchestrator's mutable per-run state. It is owned and
// mutated only by the run's own goroutine; Handle exposes a read-only,
// lock-protected projection for external callers.
type runState struct {
	turnIndex         int
	messages          []domain.Message
	lastSpeaker       string
	recentSpeakers    []string
	claims            []conflict.Claim
	lastContribution  string
	consecutiveNoInfo int
	explicitFinalize  string

	// ragScores tracks the best score at which each retrieved chunk
	// (by content hash) has already been injected into the prompt, so a
	// later turn only re-injects it if a fresh retrieval scores higher
	// (spec §4.3: avoid repeating the same context turn after turn).
	ragScores map[string]float64
}

func (s *runState) append(msg domain.Message) {
	s.messages = append(s.messages, msg)
}

// ragInjected reports whether a chunk hash has already been placed into
// a prior turn's prompt.
func (s *runState) ragAlreadyInjected(hash string) bool {
	_, ok := s.ragScores[hash]
	return ok
}

// ragScoreImproved reports whether score beats the best score a chunk
// was previously injected at.
func (s *runState) ragScoreImproved(hash string, score float64) bool {
	best, ok := s.ragScores[hash]
	return !ok || score > best
}

func (s *runState) markRAGInjected(hash string, score float64) {
	if s.ragScores == nil {
		s.ragScores = make(map[string]float64)
	}
	if best, ok := s.ragScores[hash]; !ok || score > best {
		s.ragScores[hash] = score
	}
}

// view projects the run state into the read-only snapshot the Speaker
// Selector scores against.
func (s *runState) view(remainingBudgetFrac float64, conflictJustFired bool) selector.StateView {
	return selector.StateView{
		TurnIndex:           s.turnIndex,
		LastSpeaker:         s.lastSpeaker,
		LastTwoRoles:        s.lastTwoRoles(),
		RecentSpeakers:      s.recentSpeakers,
		RecentKeywords:      extractKeywords(s.messages),
		ConflictJustFired:   conflictJustFired,
		RemainingBudgetFrac: remainingBudgetFrac,
		ExplicitFinalize:    s.explicitFinalize,
	}
}

func (s *runState) lastTwoRoles() []domain.Role {
	n := len(s.messages)
	if n == 0 {
		return nil
	}
	if n == 1 {
		return []domain.Role{s.messages[0].Role}
	}
	return []domain.Role{s.messages[n-2].Role, s.messages[n-1].Role}
}

// extractKeywords pulls a small bag of topical words from the most
// recent few messages for the selector's topical_fit factor; a coarse
// heuristic rather than real keyword extraction is sufficient here since
// Agent.Capabilities is itself a coarse tag list.
func extractKeywords(messages []domain.Message) []string {
	const window = 3
	start := len(messages) - window
	if start < 0 {
		start = 0
	}
	seen := map[string]bool{}
	var out []string
	for _, m := range messages[start:] {
		for _, w := range splitWords(m.Content) {
			if len(w) < 4 || seen[w] {
				continue
			}
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

func splitWords(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = nil
		}
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			cur = append(cur, toLower(r))
		default:
			flush()
		}
	}
	flush()
	return words
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}
