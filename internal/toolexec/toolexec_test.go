package toolexec

import (
	"context"
	"testing"
	"time"

	"github.com/convergio/core/internal/approval"
	"github.com/convergio/core/internal/catalog"
	"github.com/convergio/core/internal/domain"
	"github.com/convergio/core/internal/eventbus"
	"github.com/convergio/core/internal/guard/breaker"
	"github.com/convergio/core/internal/guard/cost"
	"github.com/convergio/core/internal/guard/ratelimit"
	"github.com/convergio/core/internal/safety"
	"github.com/convergio/core/internal/tools"
)

func newTestExecutor(t *testing.T) (*Executor, catalog.ToolSnapshot, *approval.Manager, *eventbus.Bus) {
	t.Helper()
	toolList, invokers := tools.Catalog(tools.Config{Workspace: t.TempDir()})
	toolSnap := catalog.NewToolRegistry(toolList...).Current()

	approvals := approval.New(approval.NewMemoryStore(), approval.Config{
		DefaultTTL:  time.Minute,
		TokenSecret: []byte("test-secret"),
	})

	shared := Shared{
		Guardian:  safety.New(safety.DefaultConfig()),
		Approvals: approvals,
		Breakers:  breaker.NewRegistry(breaker.DefaultConfig()),
		RateLimit: ratelimit.NewLimiter(ratelimit.Config{Capacity: 100, RefillRate: 100}, nil),
		Invokers:  invokers,
	}
	exec := New(shared, DefaultConfig())
	bus := eventbus.New("run-1")
	return exec, toolSnap, approvals, bus
}

func TestExecutorRunsSafeReadTool(t *testing.T) {
	exec, toolSnap, _, bus := newTestExecutor(t)
	defer bus.Close()

	ledger := cost.New(domain.Budget{MaxUSD: 10, MaxTokens: 100000, PerTurnMaxTokens: 10000}, nil)

	inv := Invocation{
		RunID:        "run-1",
		TenantID:     "tenant-1",
		TurnIndex:    0,
		Agent:        "agent:researcher",
		ToolName:     "files.read",
		Input:        map[string]any{"path": "missing.txt"},
		ToolsAllowed: map[string]bool{"files.read": true},
		Catalog:      toolSnap,
		RiskTier:     domain.RiskLow,
		Ledger:       ledger,
		Bus:          bus,
	}

	_, err := exec.Invoke(context.Background(), inv)
	if err == nil {
		t.Fatal("expected error reading a missing file")
	}
	if domain.KindOf(err) != domain.ErrKindToolUnavailable {
		t.Fatalf("expected ToolUnavailable for a failed read, got %v", domain.KindOf(err))
	}
}

func TestExecutorRejectsUnpermittedTool(t *testing.T) {
	exec, toolSnap, _, bus := newTestExecutor(t)
	defer bus.Close()

	inv := Invocation{
		RunID:        "run-1",
		ToolName:     "shell.exec",
		Input:        map[string]any{"executable": "echo", "args": []any{"hi"}},
		ToolsAllowed: map[string]bool{"files.read": true}, // shell.exec not allowed
		Catalog:      toolSnap,
		Bus:          bus,
	}

	_, err := exec.Invoke(context.Background(), inv)
	if domain.KindOf(err) != domain.ErrKindToolNotPermitted {
		t.Fatalf("expected ToolNotPermitted, got %v", err)
	}
}

func TestExecutorRejectsInvalidInput(t *testing.T) {
	exec, toolSnap, _, bus := newTestExecutor(t)
	defer bus.Close()

	inv := Invocation{
		RunID:        "run-1",
		ToolName:     "files.write",
		Input:        map[string]any{"path": "out.txt"}, // missing required "content"
		ToolsAllowed: map[string]bool{"files.write": true},
		Catalog:      toolSnap,
		Bus:          bus,
	}

	_, err := exec.Invoke(context.Background(), inv)
	if domain.KindOf(err) != domain.ErrKindToolInputInvalid {
		t.Fatalf("expected ToolInputInvalid, got %v", err)
	}
}

func TestExecutorIdempotencyCachesResult(t *testing.T) {
	exec, toolSnap, _, bus := newTestExecutor(t)
	defer bus.Close()

	inv := Invocation{
		RunID:        "run-1",
		TurnIndex:    2,
		ToolName:     "files.write",
		Input:        map[string]any{"path": "a.txt", "content": "hi"},
		ToolsAllowed: map[string]bool{"files.write": true},
		Catalog:      toolSnap,
		Bus:          bus,
	}

	first, err := exec.Invoke(context.Background(), inv)
	if err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	second, err := exec.Invoke(context.Background(), inv)
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if first.InputHash != second.InputHash {
		t.Fatal("expected identical input hash across repeated calls")
	}
}

func TestExecutorRequiresApprovalForHITLTool(t *testing.T) {
	exec, toolSnap, approvals, bus := newTestExecutor(t)
	defer bus.Close()

	inv := Invocation{
		RunID:        "run-1",
		ToolName:     "shell.exec",
		Input:        map[string]any{"executable": "echo", "args": []any{"hi"}},
		ToolsAllowed: map[string]bool{"shell.exec": true},
		Catalog:      toolSnap,
		Bus:          bus,
	}

	done := make(chan struct{})
	var invokeErr error
	go func() {
		_, invokeErr = exec.Invoke(context.Background(), inv)
		close(done)
	}()

	var pending []domain.Approval
	deadline := time.After(time.Second)
	for {
		var err error
		pending, err = approvals.List(context.Background(), approval.Filter{Status: domain.ApprovalPending})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(pending) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a pending approval")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := approvals.Decide(context.Background(), pending[0].ID, domain.ApprovalApproved, "looks fine", "reviewer-1"); err != nil {
		t.Fatalf("decide: %v", err)
	}

	<-done
	if invokeErr != nil {
		t.Fatalf("expected approved shell.exec to succeed, got %v", invokeErr)
	}
}
