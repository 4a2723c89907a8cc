package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/runflow/controlplane/internal/browserdriver"
	"github.com/runflow/controlplane/internal/pool"
	"github.com/runflow/controlplane/internal/store"
	"github.com/runflow/controlplane/internal/types"
)

type fakeNotifier struct {
	events []string
	data   []any
}

func (f *fakeNotifier) Notify(userID, event string, data any) {
	f.events = append(f.events, event)
	f.data = append(f.data, data)
}

func newTestRig(t *testing.T) (store.Store, *pool.Pool) {
	t.Helper()

	slots := pool.New(browserdriver.New(browserdriver.Config{}), 2, time.Minute)
	t.Cleanup(func() { _ = slots.Close(context.Background()) })

	return store.NewInMemory(), slots
}

func TestRecoverRequeuesOrphanedRunWithinRetryBudget(t *testing.T) {
	st, slots := newTestRig(t)

	run := &types.Run{ID: "run-1", RobotID: "robot-1", UserID: "user-1", Status: types.RunRunning, BrowserSlotID: "missing-slot"}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	notifier := &fakeNotifier{}
	if err := Recover(context.Background(), st, slots, notifier); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, err := st.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != types.RunQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}

	if len(notifier.events) != 1 || notifier.events[0] != "run-recovered" {
		t.Errorf("notifier events = %v, want [run-recovered]", notifier.events)
	}
}

func TestRecoverFailsRunAfterRetryBudgetExhausted(t *testing.T) {
	st, slots := newTestRig(t)

	run := &types.Run{ID: "run-1", RobotID: "robot-1", UserID: "user-1", Status: types.RunRunning, BrowserSlotID: "missing-slot", RetryCount: MaxRetries}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := Recover(context.Background(), st, slots, nil); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, err := st.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != types.RunFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.Error != "Max retries exceeded" {
		t.Errorf("error = %q, want %q", got.Error, "Max retries exceeded")
	}
}

func TestRecoverLeavesRunningRunWithLiveSlotAlone(t *testing.T) {
	st, slots := newTestRig(t)

	slot, err := slots.ReserveSlot(context.Background(), "user-1", pool.PurposeRun)
	if err != nil {
		t.Fatalf("reserve slot: %v", err)
	}

	run := &types.Run{ID: "run-1", RobotID: "robot-1", UserID: "user-1", Status: types.RunRunning, BrowserSlotID: slot.ID}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := Recover(context.Background(), st, slots, nil); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, err := st.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != types.RunRunning {
		t.Errorf("status = %q, want running (slot is live, should not be touched)", got.Status)
	}
}
