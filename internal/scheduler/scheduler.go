// Package scheduler turns cron-scheduled robots into queued runs. It owns
// no run state itself; on each tick it finds due schedules and calls the
// injected Enqueue callback, leaving admission and execution to
// internal/runs and internal/worker.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/runflow/controlplane/internal/types"
)

// EnqueueFunc enqueues a scheduled run for robotID, owned by userID.
type EnqueueFunc func(ctx context.Context, userID, robotID string) error

// schedule is one registered cron entry.
type schedule struct {
	id       string
	userID   string
	robotID  string
	expr     cron.Schedule
	rawExpr  string
	location *time.Location
	next     time.Time
}

// Scheduler polls its registered schedules and enqueues due runs.
type Scheduler struct {
	enqueue EnqueueFunc
	parser  cron.Parser

	mu        sync.Mutex
	schedules map[string]*schedule

	stopCh  chan struct{}
	stopped sync.WaitGroup
}

// New creates a Scheduler. enqueue is called (outside any internal lock)
// whenever a schedule comes due.
func New(enqueue EnqueueFunc) *Scheduler {
	return &Scheduler{
		enqueue:   enqueue,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		schedules: make(map[string]*schedule),
		stopCh:    make(chan struct{}),
	}
}

// ScheduleWorkflow registers a standard 5-field cron expression,
// interpreted in the given IANA timezone, to enqueue robotID's runs.
// The schedule is stored under scheduleID, the key used to cancel it later.
func (s *Scheduler) ScheduleWorkflow(scheduleID, userID, robotID, cronExpr, timezone string) error {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return types.Classify(types.KindValidation, "unknown timezone: "+timezone, err)
	}

	parsed, err := s.parser.Parse(cronExpr)
	if err != nil {
		return types.Classify(types.KindValidation, "invalid cron expression: "+cronExpr, err)
	}

	now := time.Now().In(loc)
	sch := &schedule{
		id:       scheduleID,
		userID:   userID,
		robotID:  robotID,
		expr:     parsed,
		rawExpr:  cronExpr,
		location: loc,
		next:     parsed.Next(now),
	}

	s.mu.Lock()
	s.schedules[scheduleID] = sch
	s.mu.Unlock()

	log.Info().Str("schedule_id", scheduleID).Str("robot_id", robotID).
		Time("next_run", sch.next).Msg("workflow scheduled")
	return nil
}

// CancelScheduledWorkflow removes a registered schedule. A no-op if unknown.
func (s *Scheduler) CancelScheduledWorkflow(scheduleID string) {
	s.mu.Lock()
	delete(s.schedules, scheduleID)
	s.mu.Unlock()
}

// NextRun reports the next scheduled fire time for scheduleID.
func (s *Scheduler) NextRun(scheduleID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[scheduleID]
	if !ok {
		return time.Time{}, false
	}
	return sch.next, true
}

// ScheduleInfo is the caller-facing view of a registered schedule,
// returned by Get for the REST schedule-read endpoints.
type ScheduleInfo struct {
	RobotID  string
	CronExpr string
	Timezone string
	NextRun  time.Time
}

// Get returns the registered schedule for scheduleID, if any.
func (s *Scheduler) Get(scheduleID string) (ScheduleInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[scheduleID]
	if !ok {
		return ScheduleInfo{}, false
	}
	return ScheduleInfo{
		RobotID:  sch.robotID,
		CronExpr: sch.rawExpr,
		Timezone: sch.location.String(),
		NextRun:  sch.next,
	}, true
}

// Run polls for due schedules every tick interval until ctx is canceled.
// Intended to be run in its own goroutine from main.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) {
	s.stopped.Add(1)
	defer s.stopped.Done()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.stopped.Wait()
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*schedule
	for _, sch := range s.schedules {
		if !sch.next.After(now.In(sch.location)) {
			due = append(due, sch)
		}
	}
	s.mu.Unlock()

	for _, sch := range due {
		if err := s.enqueue(ctx, sch.userID, sch.robotID); err != nil {
			log.Error().Err(err).Str("schedule_id", sch.id).Str("robot_id", sch.robotID).
				Msg("failed to enqueue scheduled run")
		}

		s.mu.Lock()
		if current, ok := s.schedules[sch.id]; ok && current == sch {
			current.next = current.expr.Next(time.Now().In(current.location))
		}
		s.mu.Unlock()
	}
}
