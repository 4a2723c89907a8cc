package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

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
	"github.com/runflow/controlplane/pkg/version"
)

// Handler wires the REST surface to the components that actually do the
// work: run admission, the browser pool, the cron scheduler, the record
// store, and the WebSocket multiplexer.
type Handler struct {
	Store     store.Store
	Runs      *runs.Manager
	Slots     *pool.Pool
	Jobs      *queue.Queue
	Scheduler *scheduler.Scheduler
	Recorder  *recorder.Manager
	WS        *wsrouter.Router
}

// New creates a Handler bound to the process's live components.
func New(st store.Store, runsMgr *runs.Manager, slots *pool.Pool, jobs *queue.Queue, sched *scheduler.Scheduler, rec *recorder.Manager, ws *wsrouter.Router) *Handler {
	return &Handler{Store: st, Runs: runsMgr, Slots: slots, Jobs: jobs, Scheduler: sched, Recorder: rec, WS: ws}
}

// --- recording session ---

func (h *Handler) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), recorder.WaitBudget)
	defer cancel()

	browserID, err := h.Recorder.Start(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("failed to start recording session")
		writeErrorFor(w, err)
		return
	}
	writeOK(w, map[string]string{"browserId": browserID})
}

func (h *Handler) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	browserID := r.PathValue("browserId")
	ctx, cancel := context.WithTimeout(r.Context(), recorder.WaitBudget)
	defer cancel()

	if err := h.Recorder.Stop(ctx, browserID); err != nil {
		log.Warn().Err(err).Str("browser_id", browserID).Msg("failed to stop recording session")
		writeErrorFor(w, err)
		return
	}
	writeOK(w, true)
}

func (h *Handler) handleRecordActive(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	browserID := h.Recorder.Active(userID)
	if browserID == "" {
		writeOK(w, nil)
		return
	}
	writeOK(w, browserID)
}

func (h *Handler) handleRecordActiveURL(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	browserID := h.Recorder.Active(userID)
	if browserID == "" {
		writeErrorWithStatus(w, http.StatusNotFound, "no active recording session")
		return
	}
	current, err := h.Recorder.CurrentURL(r.Context(), browserID)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeOK(w, current)
}

func (h *Handler) handleRecordActiveTabs(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	browserID := h.Recorder.Active(userID)
	if browserID == "" {
		writeErrorWithStatus(w, http.StatusNotFound, "no active recording session")
		return
	}
	hosts, err := h.Recorder.Tabs(r.Context(), browserID)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeOK(w, hosts)
}

func (h *Handler) handleRecordInterpretStart(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	browserID := h.Recorder.Active(userID)
	if browserID == "" {
		writeErrorWithStatus(w, http.StatusNotFound, "no active recording session")
		return
	}
	if !h.Recorder.StartInterpret(browserID) {
		writeOK(w, "already interpreting")
		return
	}
	writeOK(w, "interpretation started")
}

func (h *Handler) handleRecordInterpretStop(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	browserID := h.Recorder.Active(userID)
	if browserID == "" {
		writeErrorWithStatus(w, http.StatusNotFound, "no active recording session")
		return
	}
	if !h.Recorder.StopInterpret(browserID) {
		writeOK(w, "was not interpreting")
		return
	}
	writeOK(w, "interpretation stopped")
}

// --- run admission ---

func (h *Handler) handleStartRun(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robotId")
	userID := middleware.UserID(r.Context())

	var req types.StartRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorWithStatus(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	run, err := h.Runs.StartRun(r.Context(), userID, robotID, proxyFromRequest(req.Proxy), req.Inputs)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	writeOK(w, map[string]any{
		"runId":       run.ID,
		"robotMetaId": run.RobotID,
		"browserId":   run.BrowserSlotID,
		"queued":      run.Status == types.RunQueued,
	})
}

func (h *Handler) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")

	run, err := h.Store.GetRun(r.Context(), runID)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	wasQueued := run.Status == types.RunQueued

	if err := h.Runs.AbortRun(r.Context(), runID); err != nil {
		writeErrorFor(w, err)
		return
	}

	writeOK(w, map[string]any{"success": true, "isQueued": wasQueued})
}

// --- schedules ---

func (h *Handler) handleUpsertSchedule(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robotId")
	userID := middleware.UserID(r.Context())

	robot, err := h.Store.GetRobot(r.Context(), robotID)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	if robot.UserID != userID {
		writeErrorWithStatus(w, http.StatusForbidden, "robot does not belong to this user")
		return
	}

	var req scheduleRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorWithStatus(w, http.StatusBadRequest, "malformed request body")
		return
	}

	cronExpr := req.CronExpr
	if cronExpr == "" && req.Structured != nil {
		built, err := scheduler.BuildCronExpr(*req.Structured)
		if err != nil {
			writeErrorFor(w, err)
			return
		}
		cronExpr = built
	}
	if cronExpr == "" {
		writeErrorWithStatus(w, http.StatusBadRequest, "cronExpression or a structured schedule is required")
		return
	}

	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	if err := h.Scheduler.ScheduleWorkflow(robotID, userID, robotID, cronExpr, timezone); err != nil {
		writeErrorFor(w, err)
		return
	}
	writeOK(w, robot)
}

// scheduleRequestBody accepts either a raw 5-field cron expression or the
// structured recurrence form the UI builds it from.
type scheduleRequestBody struct {
	CronExpr   string                        `json:"cronExpression,omitempty"`
	Timezone   string                        `json:"timezone,omitempty"`
	Structured *scheduler.StructuredSchedule `json:"structured,omitempty"`
}

func (h *Handler) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robotId")
	info, ok := h.Scheduler.Get(robotID)
	if !ok {
		writeErrorWithStatus(w, http.StatusNotFound, "no schedule registered for this robot")
		return
	}
	writeOK(w, info)
}

func (h *Handler) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robotId")
	h.Scheduler.CancelScheduledWorkflow(robotID)
	writeOK(w, true)
}

// --- recordings (saved robots) ---

func (h *Handler) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	robots, err := h.Store.ListRobotsByUser(r.Context(), userID)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeOK(w, robots)
}

func (h *Handler) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	robot, err := h.Store.GetRobot(r.Context(), id)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeOK(w, robot)
}

func (h *Handler) handleListRecordingRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	userID := middleware.UserID(r.Context())

	robot, err := h.Store.GetRobot(r.Context(), id)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	if robot.UserID != userID {
		writeErrorWithStatus(w, http.StatusForbidden, "robot does not belong to this user")
		return
	}

	all, err := h.Store.ListRunsByUser(r.Context(), userID, 0)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	var forRobot []*types.Run
	for _, run := range all {
		if run.RobotID == id {
			forRobot = append(forRobot, run)
		}
	}
	writeOK(w, forRobot)
}

// --- websocket ---

func (h *Handler) handleWSSession(w http.ResponseWriter, r *http.Request) {
	browserID := r.PathValue("browserId")
	h.WS.ServeSession(w, r, browserID, recordingInputHandler{slots: h.Slots})
}

func (h *Handler) handleWSNotifications(w http.ResponseWriter, r *http.Request) {
	h.WS.ServeUserNotifications(w, r)
}

// recordingInputHandler receives a live recording session's click/type
// events. It checks that the session's browser slot still exists and logs
// each event; it does not forward events to the browser driver and does
// not translate them into Steps.
type recordingInputHandler struct {
	slots *pool.Pool
}

func (h recordingInputHandler) HandleInputEvent(ctx context.Context, browserID string, evt wsrouter.InboundEvent) error {
	if _, ok := h.slots.GetSlot(browserID); !ok {
		return types.ErrSlotNotFound
	}
	log.Debug().Str("browser_id", browserID).Str("event_type", evt.Type).Msg("recording input event received")
	return nil
}

// --- health ---

type healthResponse struct {
	Status    string         `json:"status"`
	UptimeSec float64        `json:"uptimeSeconds"`
	Version   string         `json:"version"`
	Pool      map[string]any `json:"pool"`
	Queues    map[string]any `json:"queues"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	queueInfo := map[string]any{}
	if h.Jobs != nil {
		names, err := h.Jobs.ListQueues(r.Context())
		if err == nil {
			depths := make(map[string]int64, len(names))
			for _, name := range names {
				depth, derr := h.Jobs.Depth(r.Context(), name)
				if derr == nil {
					depths[name] = depth
				}
			}
			queueInfo["depths"] = depths
		}
	}

	resp := healthResponse{
		Status:    "ok",
		UptimeSec: time.Since(healthStartTime).Seconds(),
		Version:   version.Full(),
		Pool:      map[string]any{"namespaces": h.WS.NamespaceCount()},
		Queues:    queueInfo,
	}
	writeJSON(w, http.StatusOK, resp)
}

func proxyFromRequest(p *types.Proxy) *browserdriver.ProxyConfig {
	if p == nil {
		return nil
	}
	return &browserdriver.ProxyConfig{URL: p.URL, Username: p.Username, Password: p.Password}
}
