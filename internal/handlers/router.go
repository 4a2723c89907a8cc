// Package handlers implements the control plane's REST surface: the
// interactive recording-session endpoints, run admission/abort, schedule
// management, recording enumeration, health, and metrics. Routing uses
// Go 1.22+'s stdlib http.ServeMux method+wildcard patterns — no
// third-party router appears anywhere in the example pack's actual
// handler code, only incidentally in a go.mod, so there is no ecosystem
// convention to follow here; the standard library's own routing already
// covers everything this surface needs.
package handlers

import (
	"net/http"

	"github.com/runflow/controlplane/internal/metrics"
)

// NewRouter builds the REST surface's http.Handler. Callers wrap it with
// the shared middleware chain (CORS, security headers, bearer auth, rate
// limiting, logging, recovery) the same way the teacher's main.go wires
// FlareSolverr's handler.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /record/start", h.handleRecordStart)
	mux.HandleFunc("GET /record/stop/{browserId}", h.handleRecordStop)
	mux.HandleFunc("GET /record/active", h.handleRecordActive)
	mux.HandleFunc("GET /record/active/url", h.handleRecordActiveURL)
	mux.HandleFunc("GET /record/active/tabs", h.handleRecordActiveTabs)
	mux.HandleFunc("GET /record/interpret", h.handleRecordInterpretStart)
	mux.HandleFunc("GET /record/interpret/stop", h.handleRecordInterpretStop)

	mux.HandleFunc("PUT /storage/runs/{robotId}", h.handleStartRun)
	mux.HandleFunc("POST /storage/runs/abort/{runId}", h.handleAbortRun)

	mux.HandleFunc("PUT /storage/schedule/{robotId}", h.handleUpsertSchedule)
	mux.HandleFunc("GET /storage/schedule/{robotId}", h.handleGetSchedule)
	mux.HandleFunc("DELETE /storage/schedule/{robotId}", h.handleDeleteSchedule)

	mux.HandleFunc("GET /storage/recordings", h.handleListRecordings)
	mux.HandleFunc("GET /storage/recordings/{id}", h.handleGetRecording)
	mux.HandleFunc("GET /storage/recordings/{id}/runs", h.handleListRecordingRuns)

	mux.HandleFunc("GET /ws/session/{browserId}", h.handleWSSession)
	mux.HandleFunc("GET /ws/notifications", h.handleWSNotifications)

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}
