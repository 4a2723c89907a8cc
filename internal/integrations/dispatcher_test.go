package integrations

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeAdapter struct {
	mu        sync.Mutex
	attempts  map[string]int
	failUntil int // fail this many times per run before succeeding
}

func newFakeAdapter(failUntil int) *fakeAdapter {
	return &fakeAdapter{attempts: make(map[string]int), failUntil: failUntil}
}

func (f *fakeAdapter) Push(ctx context.Context, payload Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[payload.RunID]++
	if f.attempts[payload.RunID] <= f.failUntil {
		return errors.New("transient failure")
	}
	return nil
}

func (f *fakeAdapter) attemptsFor(runID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[runID]
}

type alwaysFailAdapter struct {
	calls atomic.Int32
}

func (a *alwaysFailAdapter) Push(ctx context.Context, payload Payload) error {
	a.calls.Add(1)
	return errors.New("permanent failure")
}

func TestPipelineRetriesThenSucceeds(t *testing.T) {
	adapter := newFakeAdapter(2)
	p := NewPipeline("test", adapter, 10*time.Millisecond)

	p.Schedule(Payload{RunID: "run-1"}, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go p.Run(ctx)

	deadline := time.Now().Add(400 * time.Millisecond)
	for p.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if p.Pending() != 0 {
		t.Fatal("expected task to be delivered and removed from the pipeline")
	}
	if attempts := adapter.attemptsFor("run-1"); attempts != 3 {
		t.Errorf("attempts = %d, want 3 (2 failures + 1 success)", attempts)
	}
}

func TestPipelineDropsTaskAfterRetriesExhausted(t *testing.T) {
	adapter := &alwaysFailAdapter{}
	p := NewPipeline("test", adapter, 10*time.Millisecond)

	p.Schedule(Payload{RunID: "run-1"}, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go p.Run(ctx)

	deadline := time.Now().Add(400 * time.Millisecond)
	for p.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if p.Pending() != 0 {
		t.Fatal("expected task to be dropped after exhausting retries")
	}
	if calls := adapter.calls.Load(); calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDispatcherSchedulesBothPipelinesIndependently(t *testing.T) {
	recordStore := newFakeAdapter(0)
	spreadsheet := &alwaysFailAdapter{}

	d := NewDispatcher(recordStore, spreadsheet)
	d.RecordStore.interval = 10 * time.Millisecond
	d.Spreadsheet.interval = 10 * time.Millisecond

	d.Dispatch(Payload{RunID: "run-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go d.Run(ctx)

	time.Sleep(150 * time.Millisecond)

	if d.RecordStore.Pending() != 0 {
		t.Error("expected record-store delivery to succeed and clear")
	}
	if d.Spreadsheet.Pending() != 1 {
		t.Error("expected spreadsheet delivery to still be pending/retrying independently")
	}
}
