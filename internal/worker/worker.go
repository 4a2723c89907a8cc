// Package worker claims jobs off the durable queue and drives them through
// the run state machine. Per-user run and abort queues are created on
// demand by runs.Manager.StartRun/AbortRun, so the worker periodically
// re-discovers which queues exist (via Queue.ListQueues) rather than
// polling a fixed list, and starts exactly one consumer goroutine per
// discovered queue.
package worker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/runflow/controlplane/internal/queue"
	"github.com/runflow/controlplane/internal/runs"
)

// Worker polls the durable job queue for run-execution jobs and drives
// them through runs.Manager.ExecuteRun.
type Worker struct {
	jobs         *queue.Queue
	runs         *runs.Manager
	claimTimeout time.Duration
	maxAttempts  int

	mu     sync.Mutex
	active map[string]context.CancelFunc
	sf     singleflight.Group
	wg     sync.WaitGroup
}

// New creates a Worker. claimTimeout bounds how long each consumer blocks
// on BRPOPLPUSH before re-checking for newly discovered queues; maxAttempts
// is how many times a job is Nacked for retry before it's dropped (the run
// itself is already recorded Failed by ExecuteRun's own failure path by then).
func New(jobs *queue.Queue, mgr *runs.Manager, claimTimeout time.Duration, maxAttempts int) *Worker {
	return &Worker{
		jobs:         jobs,
		runs:         mgr,
		claimTimeout: claimTimeout,
		maxAttempts:  maxAttempts,
		active:       make(map[string]context.CancelFunc),
	}
}

// Run discovers and consumes run queues until ctx is canceled, re-running
// discovery every tick. It blocks until every consumer goroutine has
// drained its current claim and exited.
func (w *Worker) Run(ctx context.Context, tick time.Duration) error {
	w.discover(ctx)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			w.discover(ctx)
		}
	}
}

// discover lists registered queues and starts a consumer for each one that
// looks like a run or abort queue. The legacy execute-run queue is always
// included even if nothing has been registered to it yet.
func (w *Worker) discover(ctx context.Context) {
	names, err := w.jobs.ListQueues(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list registered queues")
		names = nil
	}
	names = append(names, queue.LegacyExecuteRunQueue)

	for _, name := range names {
		switch {
		case isRunQueue(name):
			w.ensureConsumer(ctx, name, w.handleRun)
		case isAbortQueue(name):
			w.ensureConsumer(ctx, name, w.handleAbort)
		}
	}
}

func isRunQueue(name string) bool {
	return name == queue.LegacyExecuteRunQueue || strings.HasSuffix(name, ":run")
}

func isAbortQueue(name string) bool {
	return strings.HasSuffix(name, ":abort")
}

// ensureConsumer starts exactly one consumer goroutine for queueName,
// collapsing concurrent discovery ticks that race on the same new name.
func (w *Worker) ensureConsumer(parentCtx context.Context, queueName string, handle func(context.Context, *queue.Job)) {
	w.mu.Lock()
	_, running := w.active[queueName]
	w.mu.Unlock()
	if running {
		return
	}

	w.sf.Do(queueName, func() (interface{}, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		if _, running := w.active[queueName]; running {
			return nil, nil
		}

		cctx, cancel := context.WithCancel(parentCtx)
		w.active[queueName] = cancel
		w.wg.Add(1)
		go w.consume(cctx, queueName, handle)
		return nil, nil
	})
}

func (w *Worker) consume(ctx context.Context, queueName string, handle func(context.Context, *queue.Job)) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.active, queueName)
		w.mu.Unlock()
	}()

	log.Info().Str("queue", queueName).Msg("worker consumer started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.jobs.Claim(ctx, queueName, w.claimTimeout)
		if err != nil {
			log.Warn().Err(err).Str("queue", queueName).Msg("claim failed")
			continue
		}
		if job == nil {
			continue // claim timed out with nothing pending
		}

		handle(ctx, job)
	}
}

func (w *Worker) handleRun(ctx context.Context, job *queue.Job) {
	var payload runs.RunJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("malformed run job payload, dropping")
		_ = w.jobs.Ack(ctx, job)
		return
	}

	if err := w.runs.ExecuteRun(ctx, payload.RunID, payload.SlotID, payload.Proxy, payload.Inputs); err != nil {
		log.Warn().Err(err).Str("run_id", payload.RunID).Int("attempts", job.Attempts).Msg("run execution failed")
		if job.Attempts >= w.maxAttempts {
			_ = w.jobs.Ack(ctx, job)
			return
		}
		_ = w.jobs.Nack(ctx, job)
		return
	}

	_ = w.jobs.Ack(ctx, job)
}

func (w *Worker) handleAbort(ctx context.Context, job *queue.Job) {
	var payload runs.AbortJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("malformed abort job payload, dropping")
		_ = w.jobs.Ack(ctx, job)
		return
	}

	if err := w.runs.FinishAbort(ctx, payload.RunID); err != nil {
		log.Warn().Err(err).Str("run_id", payload.RunID).Int("attempts", job.Attempts).Msg("abort finish failed")
		if job.Attempts >= w.maxAttempts {
			_ = w.jobs.Ack(ctx, job)
			return
		}
		_ = w.jobs.Nack(ctx, job)
		return
	}

	_ = w.jobs.Ack(ctx, job)
}
