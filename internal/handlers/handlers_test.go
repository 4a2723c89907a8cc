package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/runflow/controlplane/internal/auth"
	"github.com/runflow/controlplane/internal/browserdriver"
	"github.com/runflow/controlplane/internal/middleware"
	"github.com/runflow/controlplane/internal/pool"
	"github.com/runflow/controlplane/internal/queue"
	"github.com/runflow/controlplane/internal/recorder"
	"github.com/runflow/controlplane/internal/runs"
	"github.com/runflow/controlplane/internal/scheduler"
	"github.com/runflow/controlplane/internal/store"
	"github.com/runflow/controlplane/internal/types"
	"github.com/runflow/controlplane/internal/wsrouter"
)

type fakeInterpreter struct{}

func (fakeInterpreter) Run(ctx context.Context, session *browserdriver.Session, robot *types.Robot, inputs map[string]string) (*runs.Result, error) {
	return &runs.Result{}, nil
}

func newTestHandler(t *testing.T) (*Handler, store.Store) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.NewInMemory()
	jobs := queue.New(rdb, time.Minute, time.Hour)
	slots := pool.New(browserdriver.New(browserdriver.Config{}), 2, time.Minute)
	t.Cleanup(func() { _ = slots.Close(context.Background()) })

	runsMgr := runs.New(st, slots, jobs, fakeInterpreter{}, 3)
	sched := scheduler.New(func(ctx context.Context, userID, robotID string) error {
		_, err := runsMgr.StartRun(ctx, userID, robotID, nil, nil)
		return err
	})
	rec := recorder.New(slots)
	ws := wsrouter.New(auth.Config{Secret: []byte("test-secret-test-secret")})

	return New(st, runsMgr, slots, jobs, sched, rec, ws), st
}

func withUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.WithUserID(r.Context(), userID))
}

func TestHandleStartRunAdmitsRun(t *testing.T) {
	h, st := newTestHandler(t)

	robot := &types.Robot{ID: "robot-1", UserID: "user-1", Name: "test"}
	if err := st.CreateRobot(context.Background(), robot); err != nil {
		t.Fatalf("create robot: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/storage/runs/robot-1", nil)
	req.SetPathValue("robotId", "robot-1")
	req = withUser(req, "user-1")

	rec := httptest.NewRecorder()
	h.handleStartRun(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp types.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != types.StatusOK {
		t.Errorf("status = %q, want ok", resp.Status)
	}
}

func TestHandleStartRunRejectsForeignRobot(t *testing.T) {
	h, st := newTestHandler(t)

	robot := &types.Robot{ID: "robot-1", UserID: "owner", Name: "test"}
	if err := st.CreateRobot(context.Background(), robot); err != nil {
		t.Fatalf("create robot: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/storage/runs/robot-1", nil)
	req.SetPathValue("robotId", "robot-1")
	req = withUser(req, "someone-else")

	rec := httptest.NewRecorder()
	h.handleStartRun(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestHandleAbortRunReportsWasQueued(t *testing.T) {
	h, st := newTestHandler(t)

	run := &types.Run{ID: "run-1", RobotID: "robot-1", UserID: "user-1", Status: types.RunQueued}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/storage/runs/abort/run-1", nil)
	req.SetPathValue("runId", "run-1")

	rec := httptest.NewRecorder()
	h.handleAbortRun(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp types.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want map", resp.Data)
	}
	if data["isQueued"] != true {
		t.Errorf("isQueued = %v, want true", data["isQueued"])
	}
}

func TestHandleAbortRunOnTerminalRunReturnsBadRequest(t *testing.T) {
	h, st := newTestHandler(t)

	run := &types.Run{ID: "run-1", RobotID: "robot-1", UserID: "user-1", Status: types.RunSucceeded}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/storage/runs/abort/run-1", nil)
	req.SetPathValue("runId", "run-1")

	rec := httptest.NewRecorder()
	h.handleAbortRun(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleUpsertScheduleBuildsCronFromStructuredForm(t *testing.T) {
	h, st := newTestHandler(t)

	robot := &types.Robot{ID: "robot-1", UserID: "user-1", Name: "test"}
	if err := st.CreateRobot(context.Background(), robot); err != nil {
		t.Fatalf("create robot: %v", err)
	}

	body := `{"structured":{"RunEvery":15,"RunEveryUnit":"MINUTES"},"timezone":"UTC"}`
	req := httptest.NewRequest(http.MethodPut, "/storage/schedule/robot-1", strings.NewReader(body))
	req.SetPathValue("robotId", "robot-1")
	req = withUser(req, "user-1")

	rec := httptest.NewRecorder()
	h.handleUpsertSchedule(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	info, ok := h.Scheduler.Get("robot-1")
	if !ok {
		t.Fatal("expected schedule to be registered")
	}
	if info.CronExpr != "*/15 * * * *" {
		t.Errorf("cron expr = %q, want */15 * * * *", info.CronExpr)
	}
}

func TestHandleGetScheduleNotFound(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/storage/schedule/nope", nil)
	req.SetPathValue("robotId", "nope")

	rec := httptest.NewRecorder()
	h.handleGetSchedule(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleListRecordingsScopesToUser(t *testing.T) {
	h, st := newTestHandler(t)
	if err := st.CreateRobot(context.Background(), &types.Robot{ID: "r1", UserID: "user-1"}); err != nil {
		t.Fatalf("create robot: %v", err)
	}
	if err := st.CreateRobot(context.Background(), &types.Robot{ID: "r2", UserID: "user-2"}); err != nil {
		t.Fatalf("create robot: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/storage/recordings", nil)
	req = withUser(req, "user-1")

	rec := httptest.NewRecorder()
	h.handleListRecordings(rec, req)

	var resp types.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	robots, ok := resp.Data.([]any)
	if !ok || len(robots) != 1 {
		t.Errorf("expected exactly 1 robot for user-1, got %v", resp.Data)
	}
}

func TestHandleHealthReturnsOK(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
