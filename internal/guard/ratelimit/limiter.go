// Package ratelimit implements the per-(tenant, category) token bucket
// (L4) of spec §4.6. Adapted from the teacher's internal/ratelimit.Bucket
// refill math, generalized to a composite key and a non-blocking Allow
// whose callers retry with jitter (internal/retry) rather than block.
package ratelimit

import (
	"sync"
	"time"
)

// Category is the route/operation class a bucket is scoped to, e.g.
// "model_call", "tool_call", "retriever_call".
type Category string

// Key composes tenant and category into one bucket identity.
type Key struct {
	TenantID string
	Category Category
}

// Config configures one bucket's capacity and refill rate.
type Config struct {
	Capacity   float64
	RefillRate float64 // tokens per second
}

// DefaultConfig matches spec §6's rate_limit_capacity/rate_limit_refill.
func DefaultConfig() Config {
	return Config{Capacity: 20, RefillRate: 10}
}

// Bucket implements token-bucket rate limiting for one key.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func newBucket(cfg Config) *Bucket {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 20
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = 10
	}
	return &Bucket{tokens: cfg.Capacity, maxTokens: cfg.Capacity, refillRate: cfg.RefillRate, lastRefill: time.Now()}
}

// Allow consumes one token if available, non-blocking.
func (b *Bucket) Allow() bool { return b.AllowN(1) }

// AllowN consumes n tokens if available.
func (b *Bucket) AllowN(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Limiter is a registry of Buckets keyed by (tenant, category).
type Limiter struct {
	mu       sync.Mutex
	buckets  map[Key]*Bucket
	perCategory map[Category]Config
	fallback Config
}

// NewLimiter builds a limiter. perCategory overrides DefaultConfig() for
// specific categories (e.g. tool calls may get a tighter bucket than
// model calls); fallback applies to anything else.
func NewLimiter(fallback Config, perCategory map[Category]Config) *Limiter {
	if perCategory == nil {
		perCategory = map[Category]Config{}
	}
	return &Limiter{buckets: make(map[Key]*Bucket), perCategory: perCategory, fallback: fallback}
}

func (l *Limiter) bucket(key Key) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	cfg, ok := l.perCategory[key.Category]
	if !ok {
		cfg = l.fallback
	}
	b := newBucket(cfg)
	l.buckets[key] = b
	return b
}

// Allow is the non-blocking admission check the Tool/Model call path
// consults before issuing a call (spec §5 "acquire before issuing").
func (l *Limiter) Allow(key Key) bool {
	return l.bucket(key).Allow()
}
