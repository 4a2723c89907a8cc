package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/runflow/controlplane/internal/browserdriver"
	"github.com/runflow/controlplane/internal/pool"
	"github.com/runflow/controlplane/internal/queue"
	"github.com/runflow/controlplane/internal/runs"
	"github.com/runflow/controlplane/internal/store"
	"github.com/runflow/controlplane/internal/types"
)

type fakeInterpreter struct{}

func (fakeInterpreter) Run(ctx context.Context, session *browserdriver.Session, robot *types.Robot, inputs map[string]string) (*runs.Result, error) {
	return &runs.Result{ScrapeSchema: map[string]any{"title": "ok"}}, nil
}

func newTestRig(t *testing.T) (*queue.Queue, store.Store, *runs.Manager) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.New(rdb, time.Minute, time.Hour)
	st := store.NewInMemory()
	slots := pool.New(browserdriver.New(browserdriver.Config{}), 1, time.Minute)
	t.Cleanup(func() { _ = slots.Close(context.Background()) })

	mgr := runs.New(st, slots, q, fakeInterpreter{}, 1)
	return q, st, mgr
}

func TestWorkerDiscoversAndDrainsRunQueue(t *testing.T) {
	q, st, mgr := newTestRig(t)
	ctx := context.Background()

	// By the time a job reaches the worker, admission has already moved the
	// run to Running and reserved its slot; here the slot id simply doesn't
	// exist, so ExecuteRun fails fast without ever needing a real browser.
	run := &types.Run{ID: "run-1", RobotID: "robot-1", UserID: "user-1", Status: types.RunRunning, StartedAt: time.Now()}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.UserQueueName("user-1", "run"), runs.RunJob{RunID: "run-1", SlotID: "missing-slot"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := New(q, mgr, 200*time.Millisecond, 3)
	runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx, 100*time.Millisecond) }()

	deadline := time.After(1500 * time.Millisecond)
	for {
		got, err := st.GetRun(ctx, "run-1")
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if got.Status == types.RunFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("run never reached a terminal status, last seen %s", got.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestIsRunQueueMatchesUserQueuesAndLegacyName(t *testing.T) {
	cases := map[string]bool{
		"user:abc:run":              true,
		"user:abc:recording":        false,
		queue.LegacyExecuteRunQueue: true,
		"destroy-browser":           false,
	}
	for name, want := range cases {
		if got := isRunQueue(name); got != want {
			t.Errorf("isRunQueue(%q) = %v, want %v", name, got, want)
		}
	}
}
