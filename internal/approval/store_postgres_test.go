package approval

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/convergio/core/internal/domain"
)

// TestPostgresStoreCRUD requires a live database; set
// APPROVAL_TEST_POSTGRES_DSN to run it, matching the teacher's
// convention of skipping DB-backed tests without a configured DSN.
func TestPostgresStoreCRUD(t *testing.T) {
	dsn := os.Getenv("APPROVAL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("APPROVAL_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	defer store.Close()

	a := domain.Approval{
		ID: "apr_test_1", RunID: "run_test_1", Action: "shell_exec",
		Payload: map[string]any{"cmd": "ls"}, Status: domain.ApprovalPending,
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.Put(ctx, a); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok, err := store.Get(ctx, a.ID)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, %v", got, ok, err)
	}
	if got.Action != "shell_exec" {
		t.Fatalf("expected action to round-trip, got %q", got.Action)
	}

	got.Status = domain.ApprovalApproved
	got.DeciderID = "operator_1"
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	list, err := store.List(ctx, Filter{RunID: a.RunID})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 approval for run, got %d", len(list))
	}
}
