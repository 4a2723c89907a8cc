// Package runs implements the run state machine and admission: moving a
// Run through Queued -> Running -> {Succeeded, Failed} or Running ->
// Aborting -> Aborted, reserving and releasing a browser slot for its
// lifetime, and driving its robot's recording through the interpreter.
//
// Admission is synchronous whenever the user is under their per-user
// browser-slot cap: StartRun reserves the slot and creates the Run already
// Running before it ever returns to the caller. Only once the user is at
// cap does a Run sit Queued, carrying its proxy/inputs on the record
// itself until ProcessQueuedRuns promotes it as slots free up.
//
// Queued    -> Running   (StartRun admits synchronously, or ProcessQueuedRuns promotes)
// Running   -> Succeeded (interpreter completes every step)
// Running   -> Failed    (interpreter or driver error)
// Queued    -> Aborted   (AbortRun, no slot was ever held)
// Running   -> Aborting  (AbortRun signals a cooperative cancel)
// Aborting  -> Aborted   (FinishAbort, after the interpreter unwinds)
//
// Every transition goes through Store.RunCAS so a concurrent abort and a
// worker's own completion write can never both apply: the stale side's
// compare fails.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/runflow/controlplane/internal/browserdriver"
	"github.com/runflow/controlplane/internal/integrations"
	"github.com/runflow/controlplane/internal/metrics"
	"github.com/runflow/controlplane/internal/objectstore"
	"github.com/runflow/controlplane/internal/pool"
	"github.com/runflow/controlplane/internal/queue"
	"github.com/runflow/controlplane/internal/stats"
	"github.com/runflow/controlplane/internal/store"
	"github.com/runflow/controlplane/internal/types"
	"github.com/runflow/controlplane/internal/validate"
)

// abortUnwindGrace is how long FinishAbort waits after signaling the
// interpreter to stop before committing the Aborting -> Aborted
// transition, giving the in-flight step time to observe ctx.Err() and
// return whatever partial result it already extracted.
const abortUnwindGrace = 500 * time.Millisecond

// Notifier delivers a run lifecycle event to a user's notification room.
// internal/wsrouter.Router satisfies this; kept as a local interface
// (rather than importing wsrouter) since wsrouter never needs to know
// about runs.
type Notifier interface {
	Notify(userID, event string, data any)
}

// Interpreter plays a Robot's recording against a live browser session.
// The default implementation lives in interpreter.go; tests substitute a
// fake to exercise the state machine without a real browser.
type Interpreter interface {
	Run(ctx context.Context, session *browserdriver.Session, robot *types.Robot, inputs map[string]string) (*Result, error)
}

// Result carries what a completed interpreter run extracted.
type Result struct {
	ScrapeSchema map[string]any
	ScrapeList   []map[string]any
}

// Manager owns the run state machine.
type Manager struct {
	store       store.Store
	slots       *pool.Pool
	jobs        *queue.Queue
	interpreter Interpreter
	maxRetries  int

	// active tracks the cancel func for every run currently executing its
	// interpreter, so an asynchronous abort can cooperatively interrupt it
	// without the execute-side and abort-side racing on the store.
	activeMu sync.Mutex
	active   map[string]context.CancelFunc

	// Optional collaborators, wired by the process bootstrap via the
	// With* setters below. Every call site nil-checks before use so
	// tests can construct a bare Manager with New alone.
	stats        *stats.Manager
	notifier     Notifier
	objects      objectstore.Store
	integrations []*integrations.Pipeline
}

// New creates a run Manager.
func New(st store.Store, slots *pool.Pool, jobs *queue.Queue, interpreter Interpreter, maxRetries int) *Manager {
	return &Manager{
		store:       st,
		slots:       slots,
		jobs:        jobs,
		interpreter: interpreter,
		maxRetries:  maxRetries,
		active:      make(map[string]context.CancelFunc),
	}
}

// WithStats attaches a stats.Manager so every terminal run outcome is
// recorded against its robot's counters.
func (m *Manager) WithStats(s *stats.Manager) *Manager {
	m.stats = s
	return m
}

// WithNotifier attaches a Notifier so run lifecycle transitions are
// pushed to the owning user's WebSocket notification room.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifier = n
	return m
}

// WithObjectStore attaches an object store so a succeeded run's scrape
// output is also persisted as a content-addressed artifact, independent
// of whatever the record store keeps inline.
func (m *Manager) WithObjectStore(objects objectstore.Store) *Manager {
	m.objects = objects
	return m
}

// WithIntegrations attaches the delivery pipelines a terminal run
// outcome is dispatched to (record-store, spreadsheet, ...).
func (m *Manager) WithIntegrations(pipelines ...*integrations.Pipeline) *Manager {
	m.integrations = pipelines
	return m
}

func (m *Manager) notify(userID, event string, data any) {
	if m.notifier != nil {
		m.notifier.Notify(userID, event, data)
	}
}

func (m *Manager) recordOutcome(robotID string, outcome stats.RunOutcome, durationMs int64) {
	if m.stats != nil {
		m.stats.RecordOutcome(robotID, outcome, durationMs)
	}
}

func (m *Manager) dispatch(payload integrations.Payload) {
	for _, p := range m.integrations {
		p.Schedule(payload, 0)
	}
}

func (m *Manager) registerActive(runID string, cancel context.CancelFunc) {
	m.activeMu.Lock()
	m.active[runID] = cancel
	m.activeMu.Unlock()
}

func (m *Manager) unregisterActive(runID string) {
	m.activeMu.Lock()
	delete(m.active, runID)
	m.activeMu.Unlock()
}

// cancelActive signals runID's in-flight interpreter to stop, if it is
// currently executing. A no-op if the run isn't active (e.g. it was
// queued, or has already finished).
func (m *Manager) cancelActive(runID string) {
	m.activeMu.Lock()
	cancel, ok := m.active[runID]
	m.activeMu.Unlock()
	if ok {
		cancel()
	}
}

// toStoredProxy converts a driver-facing proxy config to the wire/storage
// shape stashed on a queued Run, so a queued run's proxy survives until
// ProcessQueuedRuns promotes it.
func toStoredProxy(p *browserdriver.ProxyConfig) *types.Proxy {
	if p == nil {
		return nil
	}
	return &types.Proxy{URL: p.URL, Username: p.Username, Password: p.Password}
}

func fromStoredProxy(p *types.Proxy) *browserdriver.ProxyConfig {
	if p == nil {
		return nil
	}
	return &browserdriver.ProxyConfig{URL: p.URL, Username: p.Username, Password: p.Password}
}

// RunJob is the payload enqueued for a worker to pick up and pass to
// ExecuteRun; exported so internal/worker can unmarshal it without
// depending on an unexported type. SlotID is always set by the time a job
// reaches the queue: both the synchronous-admit path in StartRun and the
// promotion path in ProcessQueuedRuns reserve the slot before enqueuing.
type RunJob struct {
	RunID  string                     `json:"run_id"`
	SlotID string                     `json:"slot_id"`
	Proxy  *browserdriver.ProxyConfig `json:"proxy,omitempty"`
	Inputs map[string]string          `json:"inputs,omitempty"`
}

// AbortJob is the payload enqueued by AbortRun for the abort worker to
// pick up and pass to FinishAbort.
type AbortJob struct {
	RunID string `json:"run_id"`
}

// StartRun admits a new Run for robotID. If the owning user has a free
// browser slot, the slot is reserved synchronously and the Run is created
// already Running with that slot's id attached; otherwise the Run is
// created Queued, stashing proxy/inputs for ProcessQueuedRuns to pick up
// once a slot frees.
func (m *Manager) StartRun(ctx context.Context, userID, robotID string, proxy *browserdriver.ProxyConfig, inputs map[string]string) (*types.Run, error) {
	robot, err := m.store.GetRobot(ctx, robotID)
	if err != nil {
		return nil, err
	}
	if robot.UserID != userID {
		return nil, types.Classify(types.KindForbidden, "robot does not belong to this user", types.ErrForbidden)
	}
	if robot.TargetURL != "" {
		if err := validate.URL(robot.TargetURL); err != nil {
			return nil, types.Classify(types.KindValidation, "robot target url is not navigable: "+err.Error(), err)
		}
	}
	if proxy != nil && proxy.URL != "" {
		if err := validate.ProxyURL(proxy.URL, false); err != nil {
			return nil, types.Classify(types.KindValidation, "proxy url rejected: "+err.Error(), err)
		}
	}

	run := &types.Run{
		ID:        uuid.NewString(),
		RobotID:   robotID,
		UserID:    userID,
		CreatedAt: time.Now(),
	}

	slot, err := m.slots.ReserveSlot(ctx, userID, pool.PurposeRun)
	switch {
	case err == nil:
		run.Status = types.RunRunning
		run.BrowserSlotID = slot.ID
		run.StartedAt = time.Now()
		if cerr := m.store.CreateRun(ctx, run); cerr != nil {
			_ = m.slots.DeleteSlot(context.Background(), slot.ID)
			return nil, cerr
		}

		jobPayload := RunJob{RunID: run.ID, SlotID: slot.ID, Proxy: proxy, Inputs: inputs}
		if _, jerr := m.jobs.Enqueue(ctx, queue.UserQueueName(userID, "run"), jobPayload); jerr != nil {
			m.fail(ctx, run, fmt.Errorf("failed to enqueue: %w", jerr), nil)
			_ = m.slots.DeleteSlot(context.Background(), slot.ID)
			return nil, jerr
		}
		return run, nil

	case errors.Is(err, types.ErrSlotCapacityExhausted):
		run.Status = types.RunQueued
		run.Proxy = toStoredProxy(proxy)
		run.Inputs = inputs
		if cerr := m.store.CreateRun(ctx, run); cerr != nil {
			return nil, cerr
		}
		return run, nil

	default:
		return nil, err
	}
}

// ProcessQueuedRuns periodically promotes the oldest queued runs into
// Running as browser slots free up, so a run admitted at the per-user cap
// (StartRun's Queued branch) doesn't sit forever once room opens up.
func (m *Manager) ProcessQueuedRuns(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.promoteQueuedRuns(ctx)
		}
	}
}

// promoteQueuedRuns runs one admission pass: every currently queued run,
// oldest first, is promoted if its owner has a free slot. Processing the
// whole backlog per tick (rather than one run) still honors oldest-first
// ordering while converging faster when several users are queued.
func (m *Manager) promoteQueuedRuns(ctx context.Context) {
	queued, err := m.store.ListRunsByStatus(ctx, types.RunQueued)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list queued runs for promotion")
		return
	}
	sortRunsByCreatedAtAsc(queued)

	for _, run := range queued {
		if !m.slots.HasAvailableSlots(run.UserID) {
			continue
		}
		if err := m.promoteQueuedRun(ctx, run); err != nil {
			log.Warn().Err(err).Str("run_id", run.ID).Msg("failed to promote queued run")
		}
	}
}

func (m *Manager) promoteQueuedRun(ctx context.Context, run *types.Run) error {
	slot, err := m.slots.ReserveSlot(ctx, run.UserID, pool.PurposeRun)
	if err != nil {
		if errors.Is(err, types.ErrSlotCapacityExhausted) {
			// Lost the race to another promotion or a new synchronous admit
			// for the same user; try again next tick.
			return nil
		}
		return err
	}

	startedAt := time.Now()
	if err := m.store.RunCAS(ctx, run.ID, types.RunQueued, func(r *types.Run) {
		r.Status = types.RunRunning
		r.BrowserSlotID = slot.ID
		r.StartedAt = startedAt
	}); err != nil {
		// Lost the CAS race (e.g. concurrently aborted out of Queued).
		_ = m.slots.DeleteSlot(ctx, slot.ID)
		return err
	}
	run.Status = types.RunRunning
	run.BrowserSlotID = slot.ID
	run.StartedAt = startedAt

	jobPayload := RunJob{RunID: run.ID, SlotID: slot.ID, Proxy: fromStoredProxy(run.Proxy), Inputs: run.Inputs}
	if _, err := m.jobs.Enqueue(ctx, queue.UserQueueName(run.UserID, "run"), jobPayload); err != nil {
		m.fail(ctx, run, fmt.Errorf("failed to enqueue: %w", err), nil)
		_ = m.slots.DeleteSlot(ctx, slot.ID)
		return err
	}
	return nil
}

func sortRunsByCreatedAtAsc(runs []*types.Run) {
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j-1].CreatedAt.After(runs[j].CreatedAt); j-- {
			runs[j-1], runs[j] = runs[j], runs[j-1]
		}
	}
}

// ExecuteRun is called by a worker after it claims a run-execution job. By
// the time a job reaches here, the run's browser slot was already
// reserved at admission time (StartRun or promoteQueuedRun); ExecuteRun
// launches the browser, drives the interpreter, and records the outcome.
func (m *Manager) ExecuteRun(ctx context.Context, runID, slotID string, proxy *browserdriver.ProxyConfig, inputs map[string]string) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != types.RunRunning {
		// Admission already moved this run past Queued before the job
		// reached a worker; a different status here means a stale/duplicate
		// job delivery for a run that has since moved on (aborted, or
		// already executed). Nothing left to do.
		return nil
	}

	slot, ok := m.slots.GetSlot(slotID)
	if !ok {
		m.fail(ctx, run, fmt.Errorf("browser slot %s not found for run %s", slotID, runID), nil)
		return types.ErrSlotNotFound
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.registerActive(runID, cancel)
	defer m.unregisterActive(runID)
	defer func() {
		if derr := m.slots.DeleteSlot(context.Background(), slot.ID); derr != nil {
			log.Warn().Err(derr).Str("slot_id", slot.ID).Msg("failed to release browser slot after run")
		}
	}()

	if err := m.slots.Launch(runCtx, slot, proxy); err != nil {
		m.failOrAbort(ctx, runCtx, run, err, nil)
		return err
	}

	robot, err := m.store.GetRobot(ctx, run.RobotID)
	if err != nil {
		m.failOrAbort(ctx, runCtx, run, err, nil)
		return err
	}

	session, release, err := slot.AcquireSession()
	if err != nil {
		m.failOrAbort(ctx, runCtx, run, err, nil)
		return err
	}
	defer release()

	result, err := m.interpreter.Run(runCtx, session, robot, inputs)
	if err != nil {
		m.failOrAbort(ctx, runCtx, run, err, result)
		return err
	}

	finishedAt := time.Now()
	var artifactKey string
	if m.objects != nil {
		if blob, merr := json.Marshal(result); merr == nil {
			if key, perr := m.objects.Put(ctx, "application/json", blob); perr == nil {
				artifactKey = key
			} else {
				log.Warn().Err(perr).Str("run_id", runID).Msg("failed to persist run artifact")
			}
		}
	}

	if err := m.store.RunCAS(ctx, runID, types.RunRunning, func(r *types.Run) {
		r.Status = types.RunSucceeded
		r.FinishedAt = finishedAt
		r.ScrapeSchema = result.ScrapeSchema
		r.ScrapeList = result.ScrapeList
		r.ExtractedItemsCount = extractedItemsCount(result)
		if artifactKey != "" {
			if r.Metadata == nil {
				r.Metadata = make(map[string]string)
			}
			r.Metadata["resultArtifactKey"] = artifactKey
		}
	}); err != nil {
		return err
	}

	metrics.RecordRun("succeeded", finishedAt.Sub(run.StartedAt))
	m.recordOutcome(run.RobotID, stats.OutcomeSucceeded, finishedAt.Sub(run.StartedAt).Milliseconds())
	m.notify(run.UserID, "run.succeeded", map[string]any{"runId": runID, "robotId": run.RobotID})
	m.dispatch(integrations.Payload{
		RunID:   runID,
		RobotID: run.RobotID,
		Status:  string(types.RunSucceeded),
		Data:    map[string]any{"scrapeSchema": result.ScrapeSchema, "scrapeList": result.ScrapeList},
	})
	return nil
}

// extractedItemsCount counts distinct keys across the union of
// scrapeSchema and scrapeList entries, computed once at finalize time.
func extractedItemsCount(result *Result) int {
	keys := make(map[string]struct{})
	for k := range result.ScrapeSchema {
		keys[k] = struct{}{}
	}
	for _, item := range result.ScrapeList {
		for k := range item {
			keys[k] = struct{}{}
		}
	}
	return len(keys)
}

// hasPartialData reports whether a non-terminal-success result still
// carries scrape output worth delivering to integrations.
func hasPartialData(result *Result) bool {
	if result == nil {
		return false
	}
	return len(result.ScrapeSchema) > 0 || len(result.ScrapeList) > 0
}

// failOrAbort routes an execution error either to fail (a genuine
// failure) or, if runCtx was cancelled, leaves the Aborting -> Aborted
// transition to FinishAbort and just persists whatever partial scrape
// output the interpreter managed to collect before it was interrupted.
func (m *Manager) failOrAbort(ctx context.Context, runCtx context.Context, run *types.Run, cause error, result *Result) {
	if runCtx.Err() != nil {
		if result != nil {
			_ = m.store.RunCAS(ctx, run.ID, types.RunAborting, func(r *types.Run) {
				r.ScrapeSchema = result.ScrapeSchema
				r.ScrapeList = result.ScrapeList
				r.ExtractedItemsCount = extractedItemsCount(result)
			})
		}
		return
	}
	m.fail(ctx, run, cause, result)
}

// fail transitions run from Running to Failed. partial carries whatever
// scrape output was collected before the failure, if any; integrations
// are only dispatched when partial data actually exists (a pre-execution
// admission failure has nothing worth delivering).
func (m *Manager) fail(ctx context.Context, run *types.Run, cause error, partial *Result) {
	finishedAt := time.Now()
	err := m.store.RunCAS(ctx, run.ID, types.RunRunning, func(r *types.Run) {
		r.Status = types.RunFailed
		r.FinishedAt = finishedAt
		r.Error = cause.Error()
		if partial != nil {
			r.ScrapeSchema = partial.ScrapeSchema
			r.ScrapeList = partial.ScrapeList
			r.ExtractedItemsCount = extractedItemsCount(partial)
		}
	})
	if err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("failed to transition run to failed")
		return
	}

	metrics.RecordRun("failed", finishedAt.Sub(run.StartedAt))
	m.recordOutcome(run.RobotID, stats.OutcomeFailed, finishedAt.Sub(run.StartedAt).Milliseconds())
	m.notify(run.UserID, "run.failed", map[string]any{"runId": run.ID, "robotId": run.RobotID, "error": cause.Error()})

	if hasPartialData(partial) {
		m.dispatch(integrations.Payload{
			RunID:                run.ID,
			RobotID:              run.RobotID,
			Status:               string(types.RunFailed),
			PartialDataExtracted: true,
			Data:                 map[string]any{"scrapeSchema": partial.ScrapeSchema, "scrapeList": partial.ScrapeList, "error": cause.Error()},
		})
	}
}

// AbortRun cancels a run that has not yet reached a terminal state.
// retryCount is intentionally NOT incremented here; only orphan recovery
// (internal/recovery) increments it, since a manual abort is not a crash.
//
// A Queued run never held a browser slot, so it's aborted immediately. A
// Running run only moves to Aborting here; FinishAbort (driven by the
// abort queue/worker) performs the actual cooperative cancellation and
// commits Aborted once the interpreter unwinds.
func (m *Manager) AbortRun(ctx context.Context, runID string) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	switch run.Status {
	case types.RunQueued:
		finishedAt := time.Now()
		if err := m.store.RunCAS(ctx, runID, types.RunQueued, func(r *types.Run) {
			r.Status = types.RunAborted
			r.FinishedAt = finishedAt
		}); err != nil {
			return fmt.Errorf("abort run %s: %w", runID, err)
		}
		m.recordOutcome(run.RobotID, stats.OutcomeAborted, 0)
		m.notify(run.UserID, "run.aborted", map[string]any{"runId": runID, "robotId": run.RobotID})
		return nil

	case types.RunRunning:
		if err := m.store.RunCAS(ctx, runID, types.RunRunning, func(r *types.Run) {
			r.Status = types.RunAborting
		}); err != nil {
			return fmt.Errorf("abort run %s: %w", runID, err)
		}
		m.notify(run.UserID, "run.aborting", map[string]any{"runId": runID, "robotId": run.RobotID})

		if _, err := m.jobs.Enqueue(ctx, queue.UserQueueName(run.UserID, "abort"), AbortJob{RunID: runID}); err != nil {
			log.Warn().Err(err).Str("run_id", runID).Msg("failed to enqueue abort job")
			return err
		}
		return nil

	default:
		return types.Classify(types.KindConflict, "run is not in a cancellable state", types.ErrRunNotCancellable)
	}
}

// FinishAbort performs the cooperative cancel for a run already moved to
// Aborting by AbortRun: it signals the run's interpreter to stop, waits
// abortUnwindGrace for it to unwind and persist any partial result, then
// commits the Aborting -> Aborted transition and dispatches partial data
// to integrations if any was collected. The browser slot itself is torn
// down by ExecuteRun's own cleanup once its interpreter call returns, not
// here, so there's a single owner for slot lifetime.
func (m *Manager) FinishAbort(ctx context.Context, runID string) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != types.RunAborting {
		// Already finished by a concurrent path (e.g. a duplicate abort job).
		return nil
	}

	m.cancelActive(runID)
	time.Sleep(abortUnwindGrace)

	run, err = m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	finishedAt := time.Now()
	if err := m.store.RunCAS(ctx, runID, types.RunAborting, func(r *types.Run) {
		r.Status = types.RunAborted
		r.FinishedAt = finishedAt
	}); err != nil {
		return fmt.Errorf("finish abort %s: %w", runID, err)
	}

	m.recordOutcome(run.RobotID, stats.OutcomeAborted, finishedAt.Sub(run.StartedAt).Milliseconds())
	m.notify(run.UserID, "run.aborted", map[string]any{"runId": runID, "robotId": run.RobotID})

	if run.ScrapeSchema != nil || run.ScrapeList != nil {
		partial := &Result{ScrapeSchema: run.ScrapeSchema, ScrapeList: run.ScrapeList}
		if hasPartialData(partial) {
			m.dispatch(integrations.Payload{
				RunID:                runID,
				RobotID:              run.RobotID,
				Status:               string(types.RunAborted),
				PartialDataExtracted: true,
				Data:                 map[string]any{"scrapeSchema": run.ScrapeSchema, "scrapeList": run.ScrapeList},
			})
		}
	}
	return nil
}
