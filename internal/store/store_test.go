package store

import (
	"context"
	"testing"

	"github.com/runflow/controlplane/internal/types"
)

func TestRunCASRejectsStatusMismatch(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	run := &types.Run{ID: "run-1", UserID: "user-1", Status: types.RunQueued}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := s.RunCAS(ctx, "run-1", types.RunRunning, func(r *types.Run) {
		r.Status = types.RunSucceeded
	})
	if err == nil {
		t.Fatal("expected CAS to fail when current status doesn't match expect")
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.RunQueued {
		t.Fatalf("expected status to remain queued after failed CAS, got %s", got.Status)
	}
}

func TestRunCASAppliesOnMatch(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	run := &types.Run{ID: "run-1", UserID: "user-1", Status: types.RunQueued}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := s.RunCAS(ctx, "run-1", types.RunQueued, func(r *types.Run) {
		r.Status = types.RunRunning
	})
	if err != nil {
		t.Fatalf("CAS: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.RunRunning {
		t.Fatalf("expected status running, got %s", got.Status)
	}
}

func TestCreateRunRejectsDuplicateID(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	run := &types.Run{ID: "run-1", UserID: "user-1", Status: types.RunQueued}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateRun(ctx, run); err == nil {
		t.Fatal("expected duplicate create to fail")
	}
}

func TestListRunsByUserFiltersAndLimits(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	for i, user := range []string{"user-1", "user-1", "user-2"} {
		_ = s.CreateRun(ctx, &types.Run{ID: idFor(i), UserID: user, Status: types.RunQueued})
	}

	runs, err := s.ListRunsByUser(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs for user-1, got %d", len(runs))
	}
}

func idFor(i int) string {
	return []string{"run-a", "run-b", "run-c"}[i]
}
