// Package recovery reconciles the record store with the browser pool at
// process startup: a Run left in status Running by a crash has an
// orphaned browser slot reference that no longer exists, so it must be
// requeued (within retry budget) or failed outright.
package recovery

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/runflow/controlplane/internal/metrics"
	"github.com/runflow/controlplane/internal/pool"
	"github.com/runflow/controlplane/internal/store"
	"github.com/runflow/controlplane/internal/types"
)

// MaxRetries is the orphan-recovery retry budget: a run may be recovered
// up to this many times before it's given up on as failed.
const MaxRetries = 3

// Notifier delivers a run lifecycle event to a user's notification room,
// buffering it if the user has no live connection. internal/wsrouter.Router
// satisfies this.
type Notifier interface {
	Notify(userID, event string, data any)
}

// Recover reconciles every Run the store has in status Running against
// live browser slots, and requeues or fails each orphan. A requeued run is
// left Queued for runs.Manager.ProcessQueuedRuns to re-admit once a slot
// frees, same as any other queued run. It should run once at process
// startup, after the pool's own stale-slot cleanup.
func Recover(ctx context.Context, st store.Store, slots *pool.Pool, notifier Notifier) error {
	running, err := st.ListRunsByStatus(ctx, types.RunRunning)
	if err != nil {
		return err
	}

	for _, run := range running {
		recoverOne(ctx, st, slots, notifier, run)
	}
	return nil
}

func recoverOne(ctx context.Context, st store.Store, slots *pool.Pool, notifier Notifier, run *types.Run) {
	if run.BrowserSlotID != "" {
		if _, live := slots.GetSlot(run.BrowserSlotID); live {
			return
		}
	}

	err := st.RunCAS(ctx, run.ID, types.RunRunning, func(r *types.Run) {
		r.RetryCount++
		if r.RetryCount <= MaxRetries {
			r.Status = types.RunQueued
			r.BrowserSlotID = ""
			r.Error = ""
		} else {
			r.Status = types.RunFailed
			r.Error = "Max retries exceeded"
		}
	})
	if err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("failed to reconcile orphaned run")
		return
	}

	recovered, err := st.GetRun(ctx, run.ID)
	if err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("failed to reload recovered run")
		return
	}

	if recovered.Status == types.RunQueued {
		// Left Queued with no browser slot; runs.Manager.ProcessQueuedRuns
		// picks it back up and enqueues its execute-run job once it
		// reserves a slot, same as any other queued admission.
		log.Info().Str("run_id", run.ID).Int("retry_count", recovered.RetryCount).Msg("Recovered after restart")
		metrics.RecordRecovery("requeued")
	} else {
		log.Warn().Str("run_id", run.ID).Msg("Max retries exceeded")
		metrics.RecordRecovery("exhausted")
	}

	if notifier != nil {
		notifier.Notify(run.UserID, "run-recovered", map[string]any{
			"runId":      run.ID,
			"status":     recovered.Status,
			"retryCount": recovered.RetryCount,
		})
	}
}
