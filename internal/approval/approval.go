// Package approval implements the HITL Approval Store (L9): durable
// approval records, pause/resume tokens, and a scheduled expiry sweep.
//
// Grounded on internal/tools/policy/approval.go's ApprovalManager
// (request/decide/await/list/cleanup shape and its session-rate-limit
// style), generalized from an in-memory-only map to a pluggable Store so
// a restarted process can resume pending approvals, and from a
// hand-rolled ticker to github.com/robfig/cron/v3 for expire_sweep,
// matching internal/cron/schedule.go's use of the same library.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/robfig/cron/v3"

	"github.com/convergio/core/internal/domain"
)

// Store persists Approval records with a primary key on ID and secondary
// indexing by run_id and status. Writes for a given ID are linearizable;
// implementations serialize at the record level.
type Store interface {
	Put(ctx context.Context, a domain.Approval) error
	Get(ctx context.Context, id string) (domain.Approval, bool, error)
	Update(ctx context.Context, a domain.Approval) error
	List(ctx context.Context, f Filter) ([]domain.Approval, error)
}

// Filter narrows List to a run and/or status; zero values mean
// unfiltered on that dimension.
type Filter struct {
	RunID  string
	Status domain.ApprovalStatus
}

// ErrNotFound mirrors domain.ErrNotFound for approval lookups.
var ErrNotFound = domain.ErrNotFound

// Request is the input to Manager.Request.
type Request struct {
	RunID          string
	TurnIndex      int
	RequesterAgent string
	Action         string
	Payload        map[string]any
	RiskLevel      domain.RiskTier
	TTL            time.Duration
}

// PauseClaims is the minimal state needed to re-enter the Tool Executor
// pipeline after a decision. It is carried as JWT custom claims so a
// token surviving a process restart can be verified before resuming.
type PauseClaims struct {
	RunID        string  `json:"run_id"`
	TurnIndex    int     `json:"turn_index"`
	ToolName     string  `json:"tool_name"`
	InputHash    string  `json:"input_hash"`
	BudgetUSD    float64 `json:"budget_usd_snapshot"`
	ApprovalID   string  `json:"approval_id"`
	jwt.RegisteredClaims
}

// SignPauseToken signs a PauseClaims with secret, returning the compact
// JWT a resumed process can present to VerifyPauseToken.
func SignPauseToken(secret []byte, claims PauseClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyPauseToken validates a signed token and returns its claims.
func VerifyPauseToken(secret []byte, tokenStr string) (PauseClaims, error) {
	var claims PauseClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return PauseClaims{}, err
	}
	if !token.Valid {
		return PauseClaims{}, errors.New("approval: pause token invalid")
	}
	return claims, nil
}

// Config tunes Manager defaults.
type Config struct {
	DefaultTTL time.Duration
	// TokenSecret signs pause/resume tokens; required for
	// Request/ResumeToken to function.
	TokenSecret []byte
	// SweepSchedule is a robfig/cron expression for the expiry sweep.
	SweepSchedule string
}

func DefaultConfig() Config {
	return Config{DefaultTTL: 15 * time.Minute, SweepSchedule: "@every 30s"}
}

// waiter is signaled once when an approval identified by ID is decided.
type waiter struct {
	ch chan domain.ApprovalStatus
}

// Manager is the HITL Approval Store (L9): request/await/decide/list/get
// plus a scheduled expire_sweep, backed by a pluggable Store.
type Manager struct {
	store Store
	cfg   Config

	mu      sync.Mutex
	waiters map[string][]waiter

	cronSched *cron.Cron
	entryID   cron.EntryID
}

// New builds a Manager over store. Call Start to begin the expiry sweep.
func New(store Store, cfg Config) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{store: store, cfg: cfg, waiters: make(map[string][]waiter)}
}

// Start schedules the background expiry sweep via robfig/cron. Stop must
// be called to release the scheduler's goroutine.
func (m *Manager) Start() error {
	sched := m.cfg.SweepSchedule
	if sched == "" {
		sched = DefaultConfig().SweepSchedule
	}
	m.cronSched = cron.New()
	id, err := m.cronSched.AddFunc(sched, func() {
		_, _ = m.ExpireSweep(context.Background())
	})
	if err != nil {
		return err
	}
	m.entryID = id
	m.cronSched.Start()
	return nil
}

// Stop halts the background sweep, waiting for any in-flight run to
// finish.
func (m *Manager) Stop() {
	if m.cronSched != nil {
		ctx := m.cronSched.Stop()
		<-ctx.Done()
	}
}

// Request implements request(approval_details, ttl) -> approval_id.
// critical risk_level is recorded but never auto-decided regardless of
// caller-side auto-approval rules — enforcement of that rule lives in
// the Tool Executor, which must call Request rather than bypassing it
// for critical risk.
func (m *Manager) Request(ctx context.Context, req Request) (domain.Approval, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	now := time.Now()
	a := domain.Approval{
		ID:             newApprovalID(),
		RunID:          req.RunID,
		TurnIndex:      req.TurnIndex,
		RequesterAgent: req.RequesterAgent,
		Action:         req.Action,
		Payload:        req.Payload,
		RiskLevel:      req.RiskLevel,
		Status:         domain.ApprovalPending,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
	}
	if err := m.store.Put(ctx, a); err != nil {
		return domain.Approval{}, err
	}
	return a, nil
}

// Get implements get(approval_id).
func (m *Manager) Get(ctx context.Context, id string) (domain.Approval, bool, error) {
	return m.store.Get(ctx, id)
}

// List implements list(filter).
func (m *Manager) List(ctx context.Context, f Filter) ([]domain.Approval, error) {
	return m.store.List(ctx, f)
}

// Decide implements decide(approval_id, outcome, reason, decider_id).
// Once resolved, further Decide calls are no-ops returning the stable
// state.
func (m *Manager) Decide(ctx context.Context, id string, outcome domain.ApprovalStatus, reason, deciderID string) (domain.Approval, error) {
	a, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return domain.Approval{}, err
	}
	if !ok {
		return domain.Approval{}, fmt.Errorf("%w: approval %s", ErrNotFound, id)
	}
	if a.Terminal() {
		return a, nil // already decided; idempotent no-op
	}
	if time.Now().After(a.ExpiresAt) {
		a.Status = domain.ApprovalExpiredS
		a.DecisionReason = "expired"
		_ = m.store.Update(ctx, a)
		m.notify(id, a.Status)
		return a, nil
	}

	now := time.Now()
	a.Status = outcome
	a.DecisionReason = reason
	a.DeciderID = deciderID
	a.DecidedAt = &now
	if err := m.store.Update(ctx, a); err != nil {
		return domain.Approval{}, err
	}
	m.notify(id, a.Status)
	return a, nil
}

// Await implements await(approval_id, cancel_token) -> decision,
// blocking until the approval is decided, expires, or ctx is cancelled.
func (m *Manager) Await(ctx context.Context, id string) (domain.Approval, error) {
	a, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return domain.Approval{}, err
	}
	if !ok {
		return domain.Approval{}, fmt.Errorf("%w: approval %s", ErrNotFound, id)
	}
	if a.Terminal() {
		return a, nil
	}

	ch := make(chan domain.ApprovalStatus, 1)
	m.mu.Lock()
	m.waiters[id] = append(m.waiters[id], waiter{ch: ch})
	m.mu.Unlock()

	timer := time.NewTimer(time.Until(a.ExpiresAt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return domain.Approval{}, ctx.Err()
	case <-timer.C:
		return m.Decide(ctx, id, domain.ApprovalExpiredS, "expired", "")
	case <-ch:
		final, ok, err := m.store.Get(ctx, id)
		if err != nil {
			return domain.Approval{}, err
		}
		if !ok {
			return domain.Approval{}, fmt.Errorf("%w: approval %s", ErrNotFound, id)
		}
		return final, nil
	}
}

func (m *Manager) notify(id string, status domain.ApprovalStatus) {
	m.mu.Lock()
	waiters := m.waiters[id]
	delete(m.waiters, id)
	m.mu.Unlock()
	for _, w := range waiters {
		select {
		case w.ch <- status:
		default:
		}
	}
}

// ExpireSweep implements expire_sweep(): scans pending approvals and
// marks any past ExpiresAt as expired, treated as rejected with reason
// "expired".
func (m *Manager) ExpireSweep(ctx context.Context) (int, error) {
	pending, err := m.store.List(ctx, Filter{Status: domain.ApprovalPending})
	if err != nil {
		return 0, err
	}
	now := time.Now()
	var expired int
	for _, a := range pending {
		if now.After(a.ExpiresAt) {
			a.Status = domain.ApprovalExpiredS
			a.DecisionReason = "expired"
			a.DecidedAt = &now
			if err := m.store.Update(ctx, a); err != nil {
				continue
			}
			m.notify(a.ID, a.Status)
			expired++
		}
	}
	return expired, nil
}

var (
	approvalIDMu  sync.Mutex
	approvalIDSeq int64
)

// newApprovalID mirrors internal/tools/policy/approval.go's
// generateApprovalID, keeping the counter+timestamp shape but prefixing
// for this package's ID namespace.
func newApprovalID() string {
	approvalIDMu.Lock()
	defer approvalIDMu.Unlock()
	approvalIDSeq++
	return fmt.Sprintf("apr_%d_%d", time.Now().UnixNano(), approvalIDSeq)
}
