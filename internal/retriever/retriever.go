// Package retriever implements the Retriever capability (L6): a
// per-turn top-K context lookup wrapping an underlying Source, with
// score-threshold filtering, dedup-by-content-hash, and a short-TTL
// result cache keyed on (run_id, query_hash) (spec §4.3/§6).
//
// Grounded on internal/rag/context/injector.go's Searcher-interface +
// score/token-budget selection loop, generalized from a single
// "inject formatted context for a message" operation into the spec's
// Retriever.topK(query, k, filters, cancel) capability; the TTL cache
// reuses internal/cache/dedupe.go's mutex+map+prune shape, extended to
// store values rather than only a seen/not-seen boolean.
package retriever

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/convergio/core/internal/domain"
)

// Chunk is one retrieved piece of context (spec §6: "{content, source,
// score, hash}").
type Chunk struct {
	Content string
	Source  string
	Score   float64
	Hash    string
}

// Filters narrows a query to a subset of the underlying index (scope,
// tags, document IDs) — passed through to Source untouched.
type Filters map[string]string

// Source is the underlying index/vector-store capability this package
// wraps. Grounded on internal/rag/context/injector.go's Searcher
// interface, renamed and simplified to the spec's topK contract.
type Source interface {
	TopK(ctx context.Context, query string, k int, filters Filters) ([]Chunk, error)
}

// Config tunes Retriever behavior.
type Config struct {
	// Threshold (τ) — chunks scoring below this are dropped (spec §4.3:
	// "Scores below a threshold τ are dropped").
	Threshold float64
	// CacheTTL bounds how long a (run_id, query_hash) result set is
	// reused before a fresh Source.TopK call is made.
	CacheTTL time.Duration
	// CacheMaxSize bounds the number of distinct cache entries retained.
	CacheMaxSize int
}

func DefaultConfig() Config {
	return Config{Threshold: 0.7, CacheTTL: 2 * time.Minute, CacheMaxSize: 512}
}

// Retriever is the Retriever (L6) capability: cached, deduped,
// threshold-filtered top-K lookups over a Source.
type Retriever struct {
	source Source
	cfg    Config
	cache  *resultCache
}

func New(source Source, cfg Config) *Retriever {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	return &Retriever{
		source: source,
		cfg:    cfg,
		cache:  newResultCache(cfg.CacheTTL, cfg.CacheMaxSize),
	}
}

// TopK returns up to k chunks for query, scoped by filters and cached
// per (runID, query) for CacheTTL. Results are deduped by Hash (the same
// source passage surfacing under two near-identical queries collapses
// to one entry) and filtered to Score >= Threshold. The returned bool
// reports whether the result came from the TTL cache rather than a fresh
// Source.TopK call, for the rag_injected event's cache_hit field.
func (r *Retriever) TopK(ctx context.Context, runID, query string, k int, filters Filters) ([]Chunk, bool, error) {
	key := cacheKey(runID, query, filters)
	if cached, ok := r.cache.get(key); ok {
		return cached, true, nil
	}

	raw, err := r.source.TopK(ctx, query, k*2, filters)
	if err != nil {
		return nil, false, domain.NewError(domain.ErrKindRetriever, err)
	}

	seen := make(map[string]bool, len(raw))
	out := make([]Chunk, 0, k)
	for _, c := range raw {
		if c.Score < r.cfg.Threshold {
			continue
		}
		if c.Hash != "" {
			if seen[c.Hash] {
				continue
			}
			seen[c.Hash] = true
		}
		out = append(out, c)
		if len(out) >= k {
			break
		}
	}

	r.cache.put(key, out)
	return out, false, nil
}

func cacheKey(runID, query string, filters Filters) string {
	h := sha256.New()
	h.Write([]byte(runID))
	h.Write([]byte{0})
	h.Write([]byte(query))
	for k, v := range filters {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte("="))
		h.Write([]byte(v))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash derives the dedup hash for a chunk's content, for Sources
// that don't compute one themselves.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// resultCache is a TTL+max-size cache of cacheKey -> []Chunk, structured
// like internal/cache.DedupeCache but storing values instead of a
// seen/not-seen boolean.
type resultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]cacheEntry
}

type cacheEntry struct {
	chunks []Chunk
	at     time.Time
}

func newResultCache(ttl time.Duration, maxSize int) *resultCache {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &resultCache{ttl: ttl, maxSize: maxSize, entries: make(map[string]cacheEntry)}
}

func (c *resultCache) get(key string) ([]Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(e.at) >= c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.chunks, true
}

func (c *resultCache) put(key string, chunks []Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{chunks: chunks, at: time.Now()}
	c.prune()
}

func (c *resultCache) prune() {
	now := time.Now()
	if c.ttl > 0 {
		for k, e := range c.entries {
			if now.Sub(e.at) >= c.ttl {
				delete(c.entries, k)
			}
		}
	}
	for len(c.entries) > c.maxSize {
		var oldestKey string
		var oldestAt time.Time
		first := true
		for k, e := range c.entries {
			if first || e.at.Before(oldestAt) {
				oldestKey, oldestAt, first = k, e.at, false
			}
		}
		if oldestKey == "" {
			break
		}
		delete(c.entries, oldestKey)
	}
}
