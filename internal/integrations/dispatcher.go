// Package integrations fans out terminal run outcomes to external
// collaborators (a record store and a spreadsheet service) via two
// independent, retrying delivery pipelines.
package integrations

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/runflow/controlplane/internal/metrics"
)

// defaultPollInterval and defaultMaxRuntime implement the "poll every 5s
// for up to 60s total" delivery window: 12 attempts per task before it's
// dropped.
const (
	defaultPollInterval = 5 * time.Second
	defaultMaxRuntime   = 60 * time.Second
	defaultMaxRetries   = int(defaultMaxRuntime / defaultPollInterval)
)

// Payload is what a terminal run hands to an integration pipeline.
type Payload struct {
	RunID   string
	RobotID string
	Status  string // "success", "failed", "aborted"
	// PartialDataExtracted flags a failed or aborted run that still has
	// scrapeSchema/scrapeList output worth delivering.
	PartialDataExtracted bool
	Data                 map[string]any
}

// Adapter pushes a run payload to one external collaborator. Record-store
// and spreadsheet adapters implement this; tests substitute a fake.
type Adapter interface {
	Push(ctx context.Context, payload Payload) error
}

type dispatchTask struct {
	payload Payload
	retries int
}

// Pipeline retries delivery of scheduled payloads to a single Adapter on
// a fixed interval until it succeeds, its retry budget is exhausted, or
// the pipeline is stopped.
type Pipeline struct {
	name    string
	adapter Adapter
	interval time.Duration

	mu    sync.Mutex
	tasks map[string]*dispatchTask
}

// NewPipeline creates a delivery pipeline. interval is how often pending
// tasks are retried; a zero interval defaults to 5s.
func NewPipeline(name string, adapter Adapter, interval time.Duration) *Pipeline {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Pipeline{name: name, adapter: adapter, interval: interval, tasks: make(map[string]*dispatchTask)}
}

// Schedule queues a payload for delivery, keyed by run ID. maxRetries is
// how many attempts to make before dropping the task; 0 uses the
// 60s-total default.
func (p *Pipeline) Schedule(payload Payload, maxRetries int) {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks[payload.RunID] = &dispatchTask{payload: payload, retries: maxRetries}
}

// Pending reports how many tasks are still awaiting delivery.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Run drives the pipeline's ticker loop until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.attemptAll(ctx)
		}
	}
}

func (p *Pipeline) attemptAll(ctx context.Context) {
	p.mu.Lock()
	runIDs := make([]string, 0, len(p.tasks))
	for runID := range p.tasks {
		runIDs = append(runIDs, runID)
	}
	p.mu.Unlock()

	for _, runID := range runIDs {
		p.attempt(ctx, runID)
	}
}

func (p *Pipeline) attempt(ctx context.Context, runID string) {
	p.mu.Lock()
	task, ok := p.tasks[runID]
	p.mu.Unlock()
	if !ok {
		return
	}

	err := p.adapter.Push(ctx, task.payload)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		delete(p.tasks, runID)
		metrics.RecordIntegrationDelivery(p.name, "delivered")
		return
	}

	task.retries--
	log.Warn().Err(err).Str("pipeline", p.name).Str("run_id", runID).Int("retries_left", task.retries).Msg("integration delivery attempt failed")
	if task.retries <= 0 {
		delete(p.tasks, runID)
		metrics.RecordIntegrationDelivery(p.name, "dropped")
		log.Error().Str("pipeline", p.name).Str("run_id", runID).Msg("integration delivery retries exhausted, dropping task")
		return
	}
	metrics.RecordIntegrationDelivery(p.name, "retrying")
}

// Dispatcher owns the record-store and spreadsheet pipelines and is the
// entry point a run's terminal transition schedules deliveries through.
type Dispatcher struct {
	RecordStore *Pipeline
	Spreadsheet *Pipeline
}

// NewDispatcher wires both pipelines against their adapters.
func NewDispatcher(recordStore, spreadsheet Adapter) *Dispatcher {
	return &Dispatcher{
		RecordStore: NewPipeline("record-store", recordStore, defaultPollInterval),
		Spreadsheet: NewPipeline("spreadsheet", spreadsheet, defaultPollInterval),
	}
}

// Dispatch schedules payload on both pipelines independently; a failure
// on one does not affect the other.
func (d *Dispatcher) Dispatch(payload Payload) {
	d.RecordStore.Schedule(payload, defaultMaxRetries)
	d.Spreadsheet.Schedule(payload, defaultMaxRetries)
}

// Run starts both pipelines' ticker loops and blocks until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); d.RecordStore.Run(ctx) }()
	go func() { defer wg.Done(); d.Spreadsheet.Run(ctx) }()
	wg.Wait()
}
