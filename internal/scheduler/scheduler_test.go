package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestScheduleWorkflowFiresDueSchedule(t *testing.T) {
	var mu sync.Mutex
	var fired []string

	s := New(func(ctx context.Context, userID, robotID string) error {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, robotID)
		return nil
	})

	if err := s.ScheduleWorkflow("sched-1", "user-1", "robot-1", "* * * * *", "UTC"); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Force the schedule due immediately rather than waiting for the next minute boundary.
	s.mu.Lock()
	s.schedules["sched-1"].next = time.Now().Add(-time.Second)
	s.mu.Unlock()

	s.fireDue(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "robot-1" {
		t.Fatalf("expected robot-1 to fire once, got %v", fired)
	}
}

func TestCancelScheduledWorkflowStopsFiring(t *testing.T) {
	var count int
	var mu sync.Mutex

	s := New(func(ctx context.Context, userID, robotID string) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	if err := s.ScheduleWorkflow("sched-1", "user-1", "robot-1", "* * * * *", "UTC"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.CancelScheduledWorkflow("sched-1")

	s.mu.Lock()
	_, ok := s.schedules["sched-1"]
	s.mu.Unlock()
	if ok {
		t.Fatal("expected schedule to be removed")
	}

	s.fireDue(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no fires after cancel, got %d", count)
	}
}

func TestInvalidCronExpressionRejected(t *testing.T) {
	s := New(func(ctx context.Context, userID, robotID string) error { return nil })
	if err := s.ScheduleWorkflow("sched-1", "user-1", "robot-1", "not a cron expr", "UTC"); err == nil {
		t.Fatal("expected invalid cron expression to be rejected")
	}
}

func TestUnknownTimezoneRejected(t *testing.T) {
	s := New(func(ctx context.Context, userID, robotID string) error { return nil })
	if err := s.ScheduleWorkflow("sched-1", "user-1", "robot-1", "* * * * *", "Not/ARealZone"); err == nil {
		t.Fatal("expected unknown timezone to be rejected")
	}
}
