package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/convergio/core/internal/domain"
)

type memStore struct {
	mu   sync.Mutex
	recs map[string]domain.Approval
}

func newMemStore() *memStore { return &memStore{recs: make(map[string]domain.Approval)} }

func (s *memStore) Put(ctx context.Context, a domain.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[a.ID] = a
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (domain.Approval, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.recs[id]
	return a, ok, nil
}

func (s *memStore) Update(ctx context.Context, a domain.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[a.ID] = a
	return nil
}

func (s *memStore) List(ctx context.Context, f Filter) ([]domain.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Approval
	for _, a := range s.recs {
		if f.RunID != "" && a.RunID != f.RunID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func TestRequestDecideApprove(t *testing.T) {
	m := New(newMemStore(), Config{DefaultTTL: time.Minute})
	a, err := m.Request(context.Background(), Request{RunID: "r1", Action: "shell.exec", RiskLevel: domain.RiskHigh})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Status != domain.ApprovalPending {
		t.Fatalf("expected pending, got %s", a.Status)
	}

	decided, err := m.Decide(context.Background(), a.ID, domain.ApprovalApproved, "looks fine", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decided.Status != domain.ApprovalApproved {
		t.Fatalf("expected approved, got %s", decided.Status)
	}
}

func TestDecideIsTerminalOnceDecided(t *testing.T) {
	m := New(newMemStore(), Config{DefaultTTL: time.Minute})
	a, _ := m.Request(context.Background(), Request{RunID: "r1", Action: "shell.exec"})
	first, _ := m.Decide(context.Background(), a.ID, domain.ApprovalRejected, "no", "bob")
	second, err := m.Decide(context.Background(), a.ID, domain.ApprovalApproved, "changed my mind", "carol")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Status != first.Status || second.DeciderID != first.DeciderID {
		t.Fatalf("expected decide on a terminal approval to be a no-op, got %+v after %+v", second, first)
	}
}

func TestAwaitUnblocksOnDecide(t *testing.T) {
	m := New(newMemStore(), Config{DefaultTTL: time.Minute})
	a, _ := m.Request(context.Background(), Request{RunID: "r1", Action: "shell.exec"})

	done := make(chan domain.Approval, 1)
	go func() {
		result, err := m.Await(context.Background(), a.ID)
		if err != nil {
			t.Errorf("unexpected error from Await: %v", err)
			return
		}
		done <- result
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := m.Decide(context.Background(), a.ID, domain.ApprovalApproved, "ok", "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case result := <-done:
		if result.Status != domain.ApprovalApproved {
			t.Fatalf("expected approved, got %s", result.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("Await did not unblock after Decide")
	}
}

func TestExpireSweepMarksExpired(t *testing.T) {
	m := New(newMemStore(), Config{DefaultTTL: time.Millisecond})
	a, _ := m.Request(context.Background(), Request{RunID: "r1", Action: "shell.exec"})
	time.Sleep(5 * time.Millisecond)

	n, err := m.ExpireSweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired approval, got %d", n)
	}

	got, ok, err := m.Get(context.Background(), a.ID)
	if err != nil || !ok {
		t.Fatalf("expected to find approval: ok=%v err=%v", ok, err)
	}
	if got.Status != domain.ApprovalExpiredS {
		t.Fatalf("expected expired status, got %s", got.Status)
	}
}

func TestPauseTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	claims := PauseClaims{RunID: "r1", TurnIndex: 2, ToolName: "shell.exec", InputHash: "abc123", ApprovalID: "apr_1"}
	token, err := SignPauseToken(secret, claims)
	if err != nil {
		t.Fatalf("unexpected error signing: %v", err)
	}
	got, err := VerifyPauseToken(secret, token)
	if err != nil {
		t.Fatalf("unexpected error verifying: %v", err)
	}
	if got.RunID != claims.RunID || got.ToolName != claims.ToolName || got.ApprovalID != claims.ApprovalID {
		t.Fatalf("round-tripped claims mismatch: got %+v want %+v", got, claims)
	}

	if _, err := VerifyPauseToken([]byte("wrong-secret"), token); err == nil {
		t.Fatal("expected verification to fail with the wrong secret")
	}
}
