package orchestrator

import (
	"context"
	"sync"

	"github.com/convergio/core/internal/domain"
	"github.com/convergio/core/internal/guard/cost"
)

// Status is a point-in-time, externally-observable projection of a
// run's progress (spec §6 RunnerService.status).
type Status struct {
	RunID      string
	State      domain.RunStatus
	TurnIndex  int
	CostTotals cost.CostTotals
	LastSeq    int64
	Error      string
}

// Handle is the caller-facing reference to one in-flight or finished
// run: spec §3's INIT -> RUNNING <-> PAUSED -> FINALIZING ->
// DONE|FAILED|CANCELLED state machine, observed from outside the run's
// own goroutine.
type Handle struct {
	RunID  string
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   domain.RunStatus
	turn    int
	costs   cost.CostTotals
	lastErr error
	summary domain.RunSummary

	// lastSeq is read from the run's eventbus.Bus by the caller
	// (RunnerService composes Status with Bus.LastSeq); kept here only
	// as a default for callers that hold just the Handle.
	lastSeq int64
}

func newHandle(runID string, cancel context.CancelFunc) *Handle {
	return &Handle{
		RunID:  runID,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  domain.StatusRunning,
	}
}

// Status returns the current externally-visible state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Status{RunID: h.RunID, State: h.state, TurnIndex: h.turn, CostTotals: h.costs, LastSeq: h.lastSeq}
	if h.lastErr != nil {
		s.Error = h.lastErr.Error()
	}
	return s
}

// Cancel requests the run stop at its next suspension point (spec §5:
// "cooperative cancellation" — logically single-threaded per run, the
// loop checks ctx between turns and mid-turn at model/tool call
// boundaries).
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed once the run reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run terminates, returning its final summary and
// any terminating error.
func (h *Handle) Wait() (domain.RunSummary, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.summary, h.lastErr
}

func (h *Handle) setState(s domain.RunStatus) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Handle) setTurn(n int) {
	h.mu.Lock()
	h.turn = n
	h.mu.Unlock()
}

func (h *Handle) setCosts(c cost.CostTotals) {
	h.mu.Lock()
	h.costs = c
	h.mu.Unlock()
}

func (h *Handle) setLastSeq(seq int64) {
	h.mu.Lock()
	h.lastSeq = seq
	h.mu.Unlock()
}

func (h *Handle) finish(state domain.RunStatus, summary domain.RunSummary, err error) {
	h.mu.Lock()
	h.state = state
	h.summary = summary
	h.lastErr = err
	h.mu.Unlock()
	close(h.done)
}
