package approval

import (
	"context"
	"testing"
	"time"

	"github.com/convergio/core/internal/domain"
)

func TestMemoryStorePutGetUpdate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := domain.Approval{ID: "apr_1", RunID: "run_1", Status: domain.ApprovalPending, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.Put(ctx, a); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, a); err == nil {
		t.Fatalf("expected duplicate Put to fail")
	}

	got, ok, err := s.Get(ctx, "apr_1")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, %v", got, ok, err)
	}
	if got.Status != domain.ApprovalPending {
		t.Fatalf("expected pending, got %v", got.Status)
	}

	got.Status = domain.ApprovalApproved
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, _, err := s.Get(ctx, "missing"); err != nil {
		t.Fatalf("Get(missing) error = %v", err)
	}

	missing := domain.Approval{ID: "does-not-exist"}
	if err := s.Update(ctx, missing); err == nil {
		t.Fatalf("expected Update on missing id to fail")
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Put(ctx, domain.Approval{ID: "a1", RunID: "r1", Status: domain.ApprovalPending})
	_ = s.Put(ctx, domain.Approval{ID: "a2", RunID: "r1", Status: domain.ApprovalApproved})
	_ = s.Put(ctx, domain.Approval{ID: "a3", RunID: "r2", Status: domain.ApprovalPending})

	pending, err := s.List(ctx, Filter{Status: domain.ApprovalPending})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}

	r1, err := s.List(ctx, Filter{RunID: "r1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(r1) != 2 {
		t.Fatalf("expected 2 for run r1, got %d", len(r1))
	}
}
