package flags

import "testing"

func TestRegistryCapturesSnapshotAtStart(t *testing.T) {
	r := NewRegistry()
	runSnap := r.Current()
	if runSnap.Version != 1 {
		t.Fatalf("expected version 1, got %d", runSnap.Version)
	}

	r.Update(func(s Snapshot) Snapshot {
		s.HITLEnabled = false
		return s
	})

	// The run's captured snapshot must be unaffected by the later update.
	if !runSnap.HITLEnabled {
		t.Fatalf("captured snapshot was mutated by later Update")
	}

	fresh := r.Current()
	if fresh.HITLEnabled {
		t.Fatalf("new runs should observe the updated flag")
	}
	if fresh.Version != 2 {
		t.Fatalf("expected version bump to 2, got %d", fresh.Version)
	}
}
