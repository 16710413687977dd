package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/convergio/core/internal/domain"
)

func TestRegistryPutGetFinish(t *testing.T) {
	r := newRegistry()
	if _, ok := r.get("run-1"); ok {
		t.Fatal("expected no record before put")
	}
	r.put("run-1", record{tenantID: "acme"})
	rec, ok := r.get("run-1")
	if !ok || rec.tenantID != "acme" {
		t.Fatalf("got %+v, %v", rec, ok)
	}
	r.finish("run-1")
	if _, ok := r.get("run-1"); ok {
		t.Fatal("expected record removed after finish")
	}
}

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := RunRecord{RunID: "r1", TenantID: "acme", Status: domain.StatusCompleted, MessageCount: 3}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := s.Get(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("Get: %v, %v", ok, err)
	}
	if got.MessageCount != 3 || got.Status != domain.StatusCompleted {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, ok, _ := s.Get(ctx, "missing"); ok {
		t.Fatal("expected no record for missing id")
	}
}

func TestMemoryStoreListByTenant(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Put(ctx, RunRecord{RunID: "r1", TenantID: "acme"})
	_ = s.Put(ctx, RunRecord{RunID: "r2", TenantID: "acme"})
	_ = s.Put(ctx, RunRecord{RunID: "r3", TenantID: "globex"})

	acme, err := s.ListByTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("ListByTenant: %v", err)
	}
	if len(acme) != 2 {
		t.Fatalf("expected 2 acme records, got %d", len(acme))
	}

	all, err := s.ListByTenant(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 records with empty filter, got %d, err=%v", len(all), err)
	}
}

func TestServiceCancelUnknownRunReturnsNotFound(t *testing.T) {
	svc := &Service{active: newRegistry()}
	err := svc.Cancel("ghost")
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestServiceSubscribeUnknownRun(t *testing.T) {
	svc := &Service{active: newRegistry()}
	if _, ok := svc.Subscribe("ghost", 16); ok {
		t.Fatal("expected Subscribe to report false for an unknown run")
	}
}

func TestServiceStatusFallsBackToStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Put(ctx, RunRecord{
		RunID:      "r1",
		Status:     domain.StatusCompleted,
		CostTotals: domain.CostTotals{TokensIn: 100, TokensOut: 50, USD: 0.01},
	})
	svc := &Service{active: newRegistry(), store: store}

	st, err := svc.Status(ctx, "r1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != domain.StatusCompleted || st.CostTotals.TokensIn != 100 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestServiceStatusUnknownRunReturnsNotFound(t *testing.T) {
	svc := &Service{active: newRegistry(), store: NewMemoryStore()}
	_, err := svc.Status(context.Background(), "ghost")
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
