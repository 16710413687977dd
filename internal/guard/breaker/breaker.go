// Package breaker implements the Circuit Breaker (L3): one breaker per
// dependency (a model, the retriever, or a named tool), CLOSED → OPEN →
// HALF_OPEN → CLOSED, with an exponentially growing cooldown on repeated
// re-opens (spec §4.6). Adapted from the teacher's internal/infra circuit
// breaker, generalized from a single flat name to a (kind, name) key and
// from a fixed Timeout to exponential backoff.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/convergio/core/internal/domain"
)

// State names, kept identical to the teacher's flat-string convention.
const (
	Closed   = "closed"
	Open     = "open"
	HalfOpen = "half-open"
)

// ErrOpen is returned by Execute when the breaker fails fast.
var ErrOpen = errors.New("circuit breaker is open")

// DependencyKind distinguishes the three kinds of dependency spec §4.6
// names breakers over.
type DependencyKind string

const (
	KindModel     DependencyKind = "model"
	KindRetriever DependencyKind = "retriever"
	KindTool      DependencyKind = "tool"
)

// Key identifies one breaker instance.
type Key struct {
	Kind DependencyKind
	Name string
}

// Config tunes one breaker's trip/recovery behavior.
type Config struct {
	FailureThreshold int           // consecutive failures (or ratio, see Window) before OPEN
	Window           time.Duration // rolling window for the error-ratio trip condition
	ErrorRatio       float64       // trips when ratio over Window exceeds this, 0 disables
	SuccessThreshold int           // successes in HALF_OPEN to close
	BaseCooldown     time.Duration // initial T_open
	MaxCooldown      time.Duration // ceiling for exponential backoff
	OnStateChange    func(key Key, from, to string)
}

// DefaultConfig matches spec §6's recognized breaker options.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           time.Minute,
		ErrorRatio:       0,
		SuccessThreshold: 2,
		BaseCooldown:     5 * time.Second,
		MaxCooldown:      2 * time.Minute,
	}
}

type outcome struct {
	at  time.Time
	err bool
}

// Breaker is a single dependency's circuit breaker.
type Breaker struct {
	key    Key
	config Config

	mu              sync.Mutex
	state           string
	consecutiveFail int
	successes       int
	recent          []outcome
	reopenCount     int // how many times OPEN has been re-entered in a row; drives exponential cooldown
	lastStateChange time.Time
	probeTaken      bool // true once the single HALF_OPEN probe has been dispatched
}

func newBreaker(key Key, cfg Config) *Breaker {
	return &Breaker{key: key, config: cfg, state: Closed, lastStateChange: time.Now()}
}

// Execute runs fn under breaker protection. HALF_OPEN admits exactly one
// probe; a concurrent second caller during HALF_OPEN fails fast.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// ExecuteWithResult mirrors Execute for functions that return a value,
// kept as a generic per the teacher's ExecuteWithResult[T].
func ExecuteWithResult[T any](b *Breaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.record(err)
	return v, err
}

func (b *Breaker) cooldown() time.Duration {
	d := b.config.BaseCooldown
	for i := 0; i < b.reopenCount; i++ {
		d *= 2
		if d > b.config.MaxCooldown {
			return b.config.MaxCooldown
		}
	}
	return d
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if time.Since(b.lastStateChange) >= b.cooldown() {
			b.transition(HalfOpen)
			b.probeTaken = true
			return nil
		}
		return domain.NewError(domain.ErrKindToolUnavailable, ErrOpen)
	case HalfOpen:
		if b.probeTaken {
			return domain.NewError(domain.ErrKindToolUnavailable, ErrOpen)
		}
		b.probeTaken = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent = append(b.recent, outcome{at: time.Now(), err: err != nil})
	b.prune()

	if err != nil {
		b.consecutiveFail++
		b.successes = 0
		switch b.state {
		case Closed:
			if b.tripCondition() {
				b.transition(Open)
			}
		case HalfOpen:
			b.transition(Open)
		}
		return
	}

	b.consecutiveFail = 0
	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= max1(b.config.SuccessThreshold) {
			b.transition(Closed)
		}
	}
}

func (b *Breaker) tripCondition() bool {
	if b.config.ErrorRatio > 0 && len(b.recent) > 0 {
		var failed int
		for _, o := range b.recent {
			if o.err {
				failed++
			}
		}
		if float64(failed)/float64(len(b.recent)) >= b.config.ErrorRatio {
			return true
		}
	}
	return b.consecutiveFail >= max1(b.config.FailureThreshold)
}

func (b *Breaker) prune() {
	if b.config.Window <= 0 {
		return
	}
	cutoff := time.Now().Add(-b.config.Window)
	i := 0
	for ; i < len(b.recent); i++ {
		if b.recent[i].at.After(cutoff) {
			break
		}
	}
	b.recent = b.recent[i:]
}

func (b *Breaker) transition(to string) {
	from := b.state
	b.state = to
	b.lastStateChange = time.Now()
	b.consecutiveFail = 0
	b.successes = 0
	b.probeTaken = false
	if to == Open {
		if from == HalfOpen {
			b.reopenCount++
		}
	} else if to == Closed {
		b.reopenCount = 0
	}
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.key, from, to)
	}
}

// State returns the breaker's current state string.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// Registry holds one Breaker per (kind, name), created lazily.
type Registry struct {
	mu       sync.RWMutex
	breakers map[Key]*Breaker
	defaults Config
}

// NewRegistry creates a registry that lazily builds breakers with cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{breakers: make(map[Key]*Breaker), defaults: cfg}
}

// Get returns (creating if needed) the breaker for key.
func (r *Registry) Get(key Key) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = newBreaker(key, r.defaults)
	r.breakers[key] = b
	return b
}

// OpenKeys returns every dependency currently tripped OPEN.
func (r *Registry) OpenKeys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var open []Key
	for k, b := range r.breakers {
		if b.State() == Open {
			open = append(open, k)
		}
	}
	return open
}
