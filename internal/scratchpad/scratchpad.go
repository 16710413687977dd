// Package scratchpad implements the Scratchpad (L7): an append-only,
// size-bounded sequence of shared run notes, writable only by the
// orchestrator and readable by every agent, with a summarization pass
// that fires once the accumulated text crosses a token threshold (spec
// §4.7).
//
// Grounded on internal/agent/compaction.go's CompactionManager: the same
// "usage percent crosses a threshold -> summarize" state machine,
// retargeted from context-window compaction (which drops messages) to
// scratchpad summarization (which compresses entries into one and
// archives the originals, since spec §4.7 requires archived content to
// remain available via the event history rather than be dropped).
package scratchpad

import (
	"strings"
	"sync"

	"github.com/convergio/core/internal/domain"
)

// Summarizer compresses a set of entries into replacement text. The
// Orchestrator supplies one backed by an llm.Client; tests use a stub.
type Summarizer func(entries []domain.ScratchpadEntry) (string, error)

// Config tunes when a summarization pass runs.
type Config struct {
	// TokenThreshold (S) is the approximate token size at which a
	// summarization pass is triggered (spec §4.7: "when size > S tokens").
	TokenThreshold int
}

func DefaultConfig() Config {
	return Config{TokenThreshold: 4000}
}

// Pad is one run's scratchpad: append-only, single-writer (the
// orchestrator), safe to read concurrently from any agent goroutine.
type Pad struct {
	mu        sync.RWMutex
	cfg       Config
	entries   []domain.ScratchpadEntry
	archived  []domain.ScratchpadEntry
	summarize Summarizer
}

func New(cfg Config, summarize Summarizer) *Pad {
	if cfg.TokenThreshold <= 0 {
		cfg.TokenThreshold = DefaultConfig().TokenThreshold
	}
	return &Pad{cfg: cfg, summarize: summarize}
}

// Append adds one entry and, if the pad has grown past TokenThreshold,
// runs a summarization pass that replaces the current entries with one
// compressed KindDecision entry, archiving the originals.
func (p *Pad) Append(entry domain.ScratchpadEntry) error {
	p.mu.Lock()
	p.entries = append(p.entries, entry)
	needsSummary := p.estimateTokensLocked() > p.cfg.TokenThreshold
	var toSummarize []domain.ScratchpadEntry
	if needsSummary {
		toSummarize = append(toSummarize, p.entries...)
	}
	p.mu.Unlock()

	if !needsSummary || p.summarize == nil {
		return nil
	}
	return p.compress(toSummarize)
}

func (p *Pad) compress(entries []domain.ScratchpadEntry) error {
	text, err := p.summarize(entries)
	if err != nil {
		return domain.NewError(domain.ErrKindInternal, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.archived = append(p.archived, entries...)
	p.entries = []domain.ScratchpadEntry{{
		Turn: entries[len(entries)-1].Turn,
		Kind: domain.KindDecision,
		Text: text,
		Refs: flattenRefs(entries),
	}}
	return nil
}

// flattenRefs carries forward every ref cited by the entries being
// compressed, so the summary remains traceable to its sources.
func flattenRefs(entries []domain.ScratchpadEntry) []string {
	var refs []string
	for _, e := range entries {
		refs = append(refs, e.Refs...)
	}
	return refs
}

// estimateTokensLocked approximates token count at ~4 chars/token,
// matching the rest of the core's cost/usage estimators.
func (p *Pad) estimateTokensLocked() int {
	chars := 0
	for _, e := range p.entries {
		chars += len(e.Text)
	}
	return chars / 4
}

// View returns a read-only snapshot of the current (post-summarization)
// entries, safe for any agent to read.
func (p *Pad) View() []domain.ScratchpadEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.ScratchpadEntry, len(p.entries))
	copy(out, p.entries)
	return out
}

// Archived returns every entry that has been summarized away, still
// available for audit via the run's event history.
func (p *Pad) Archived() []domain.ScratchpadEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.ScratchpadEntry, len(p.archived))
	copy(out, p.archived)
	return out
}

// Render formats the current view as plain text for injection into a
// model prompt (spec §4.9 step 4: "scratchpad summary").
func (p *Pad) Render() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.entries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range p.entries {
		b.WriteString("[" + string(e.Kind) + "] " + e.Text + "\n")
	}
	return b.String()
}
