// Package runner implements the RunnerService facade (spec §6, T1
// streaming runner): the single entry point external callers use to
// start, watch, and cancel a run without reaching into the
// orchestrator directly.
//
// Grounded on the teacher's internal/queue admission-control pattern
// (a bounded semaphore gating work before it is handed to a worker)
// combined with internal/multiagent/orchestrator.go's run-handle
// bookkeeping, adapted here to gate concurrent orchestrator runs
// instead of queued messages.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/convergio/core/internal/audit"
	"github.com/convergio/core/internal/domain"
	"github.com/convergio/core/internal/eventbus"
	"github.com/convergio/core/internal/guard/cost"
	"github.com/convergio/core/internal/infra"
	"github.com/convergio/core/internal/observability"
	"github.com/convergio/core/internal/orchestrator"
)

// Config tunes admission control and persistence for the service.
type Config struct {
	// MaxConcurrentRuns caps how many runs may be RUNNING at once
	// (spec §6 configuration option max_concurrent_runs). A Start
	// call beyond this either waits up to QueueWait or fails with
	// domain.ErrKindQueueFull.
	MaxConcurrentRuns int64
	// QueueWait is how long Start blocks for a free admission slot
	// before giving up with QueueFull. Zero means fail immediately
	// when saturated.
	QueueWait time.Duration
}

func DefaultConfig() Config {
	return Config{MaxConcurrentRuns: 16, QueueWait: 2 * time.Second}
}

// Service is the RunnerService: the facade composing the Orchestrator,
// an admission-control semaphore, an audit sink per run, and a Store of
// completed run summaries.
type Service struct {
	orc   *orchestrator.Orchestrator
	cfg   Config
	sem   *infra.Semaphore
	store Store
	audit audit.Sink
	log   *observability.Logger

	active *registry
}

// New builds a Service around an already-configured Orchestrator. store
// and auditSink may be nil, in which case run summaries are not
// persisted beyond the in-memory Handle and events are not audited.
func New(orc *orchestrator.Orchestrator, cfg Config, store Store, auditSink audit.Sink, log *observability.Logger) *Service {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg = DefaultConfig()
	}
	return &Service{
		orc:    orc,
		cfg:    cfg,
		sem:    infra.NewSemaphore(cfg.MaxConcurrentRuns),
		store:  store,
		audit:  auditSink,
		log:    log,
		active: newRegistry(),
	}
}

// StartResult is what Start hands back to the caller: the run ID and a
// live subscription to that run's events. Subscribe again later with
// Subscribe if the caller needs a second listener (e.g. a websocket
// reconnect).
type StartResult struct {
	RunID string
	Sub   *eventbus.Subscription
}

// Start admits and launches one run (spec §6 RunnerService.start). If
// MaxConcurrentRuns runs are already active, it waits up to
// cfg.QueueWait for a free slot before returning ErrKindQueueFull.
func (s *Service) Start(ctx context.Context, req domain.Request) (StartResult, error) {
	if !s.admit(ctx) {
		return StartResult{}, domain.NewError(domain.ErrKindQueueFull, fmt.Errorf("max_concurrent_runs=%d reached, retry later", s.cfg.MaxConcurrentRuns))
	}

	handle, bus, err := s.orc.Start(ctx, req)
	if err != nil {
		s.sem.Release(1)
		return StartResult{}, err
	}

	s.active.put(handle.RunID, record{handle: handle, bus: bus, tenantID: req.TenantID})
	sub := bus.Subscribe(256)

	if s.audit != nil {
		auditSub := bus.Subscribe(256)
		go audit.Run(ctx, auditSub.Events(), s.audit)
	}

	go s.awaitCompletion(handle, req)

	return StartResult{RunID: handle.RunID, Sub: sub}, nil
}

// admit blocks for a free admission slot up to cfg.QueueWait, returning
// false if none became available (or ctx was cancelled first).
func (s *Service) admit(ctx context.Context) bool {
	if s.sem.TryAcquire(1) {
		return true
	}
	if s.cfg.QueueWait <= 0 {
		return false
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.QueueWait)
	defer cancel()
	return s.sem.Acquire(waitCtx, 1) == nil
}

// awaitCompletion releases the admission slot and persists the run
// summary once the run reaches a terminal state.
func (s *Service) awaitCompletion(handle *orchestrator.Handle, req domain.Request) {
	summary, err := handle.Wait()
	s.sem.Release(1)
	s.active.finish(handle.RunID)

	if s.store == nil {
		return
	}
	rec := RunRecord{
		RunID:        handle.RunID,
		TenantID:     req.TenantID,
		Status:       handle.Status().State,
		CostTotals:   summary.CostTotals,
		MessageCount: summary.MessageCount,
		Summary:      summary.Text,
		Warnings:     summary.Warnings,
		CompletedAt:  time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if putErr := s.store.Put(context.Background(), rec); putErr != nil && s.log != nil {
		s.log.Error(context.Background(), "persist run summary failed", "run_id", handle.RunID, "error", putErr)
	}
}

// Cancel requests the named run stop at its next suspension point
// (spec §6 RunnerService.cancel). Returns a domain.ErrNotFound-wrapping
// error if the run is unknown or already finished.
func (s *Service) Cancel(runID string) error {
	rec, ok := s.active.get(runID)
	if !ok {
		return fmt.Errorf("run %s not found or already finished: %w", runID, domain.ErrNotFound)
	}
	rec.handle.Cancel()
	return nil
}

// Status reports a point-in-time projection of a run (spec §6
// RunnerService.status). Falls back to the persisted Store for runs
// that already finished and were evicted from the active registry.
func (s *Service) Status(ctx context.Context, runID string) (orchestrator.Status, error) {
	if rec, ok := s.active.get(runID); ok {
		st := rec.handle.Status()
		st.LastSeq = rec.bus.LastSeq()
		return st, nil
	}
	if s.store != nil {
		if rr, ok, err := s.store.Get(ctx, runID); err == nil && ok {
			return orchestrator.Status{
				RunID: rr.RunID,
				State: rr.Status,
				CostTotals: cost.CostTotals{
					TokensIn:  rr.CostTotals.TokensIn,
					TokensOut: rr.CostTotals.TokensOut,
					USD:       rr.CostTotals.USD,
				},
				Error: rr.Error,
			}, nil
		}
	}
	return orchestrator.Status{}, fmt.Errorf("run %s not found: %w", runID, domain.ErrNotFound)
}

// Subscribe attaches an additional listener to an active run's event
// bus. Returns false if the run is no longer active.
func (s *Service) Subscribe(runID string, bufferSize int) (*eventbus.Subscription, bool) {
	rec, ok := s.active.get(runID)
	if !ok {
		return nil, false
	}
	return rec.bus.Subscribe(bufferSize), true
}
