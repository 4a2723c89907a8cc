// Package stats tracks per-robot run outcome counters: how many times a
// robot's runs have succeeded, failed, or been aborted, and when it last
// ran, so admin/status endpoints can report robot health without querying
// the full run history out of the record store.
package stats

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// maxRobots is the maximum number of robots to track before LRU eviction.
const maxRobots = 10000

// evictionBatchSize is the number of robots to evict at once to reduce eviction overhead.
const evictionBatchSize = 100

// maxCounterValue bounds counters well under int64 overflow.
const maxCounterValue int64 = 1 << 62

// RunStats tracks run outcomes for a single robot.
type RunStats struct {
	mu sync.RWMutex

	TotalCount    int64 `json:"totalCount"`
	SucceedCount  int64 `json:"succeedCount"`
	FailCount     int64 `json:"failCount"`
	AbortCount    int64 `json:"abortCount"`

	LastRunAt     time.Time `json:"lastRunAt,omitempty"`
	LastSuccessAt time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt time.Time `json:"lastFailureAt,omitempty"`

	totalDurationMs int64

	lastAccess time.Time // for LRU eviction, not serialized
}

// RunStatsJSON is the JSON-serializable view of RunStats.
type RunStatsJSON struct {
	TotalCount       int64     `json:"totalCount"`
	SucceedCount     int64     `json:"succeedCount"`
	FailCount        int64     `json:"failCount"`
	AbortCount       int64     `json:"abortCount"`
	AvgDurationMs    int64     `json:"avgDurationMs"`
	LastRunAt        time.Time `json:"lastRunAt,omitempty"`
	LastSuccessAt    time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt    time.Time `json:"lastFailureAt,omitempty"`
}

// ToJSON converts RunStats to its serializable form.
func (s *RunStats) ToJSON() RunStatsJSON {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avg int64
	if s.TotalCount > 0 {
		avg = s.totalDurationMs / s.TotalCount
	}

	return RunStatsJSON{
		TotalCount:    s.TotalCount,
		SucceedCount:  s.SucceedCount,
		FailCount:     s.FailCount,
		AbortCount:    s.AbortCount,
		AvgDurationMs: avg,
		LastRunAt:     s.LastRunAt,
		LastSuccessAt: s.LastSuccessAt,
		LastFailureAt: s.LastFailureAt,
	}
}

// FailureRate returns the fraction of completed runs (success+fail, not
// counting aborts) that failed.
func (s *RunStats) FailureRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	completed := s.SucceedCount + s.FailCount
	if completed == 0 {
		return 0
	}
	return float64(s.FailCount) / float64(completed)
}

// Manager owns run statistics for all robots, with LRU eviction bounding
// memory for installations with a very large robot catalog.
type Manager struct {
	mu     sync.RWMutex
	robots map[string]*RunStats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a run stats manager and starts its background
// cleanup routine for robots with no recent activity.
func NewManager() *Manager {
	m := &Manager{
		robots: make(map[string]*RunStats),
		stopCh: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.cleanupRoutine()
	return m
}

func (m *Manager) cleanupRoutine() {
	defer m.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupStale(30 * time.Minute)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) cleanupStale(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var removed int
	for robotID, stats := range m.robots {
		stats.mu.RLock()
		lastAccess := stats.lastAccess
		stats.mu.RUnlock()

		if now.Sub(lastAccess) > maxAge {
			delete(m.robots, robotID)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", len(m.robots)).Msg("cleaned up stale run stats")
	}
}

// Close stops the background cleanup routine.
func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) getOrCreate(robotID string) *RunStats {
	m.mu.Lock()

	stats, exists := m.robots[robotID]
	if !exists {
		if len(m.robots) >= maxRobots {
			m.evictOldestBatchLocked(evictionBatchSize)
		}
		stats = &RunStats{lastAccess: time.Now()}
		m.robots[robotID] = stats
		m.mu.Unlock()
		return stats
	}
	m.mu.Unlock()

	stats.mu.Lock()
	stats.lastAccess = time.Now()
	stats.mu.Unlock()
	return stats
}

// evictOldestBatchLocked removes the count least-recently-active robots.
// Caller must hold m.mu.
func (m *Manager) evictOldestBatchLocked(count int) {
	if count <= 0 || len(m.robots) == 0 {
		return
	}
	if len(m.robots) <= count {
		for robotID := range m.robots {
			delete(m.robots, robotID)
		}
		return
	}

	type robotTime struct {
		robotID    string
		lastAccess time.Time
	}
	candidates := make([]robotTime, 0, len(m.robots))
	for robotID, stats := range m.robots {
		stats.mu.RLock()
		lastAccess := stats.lastAccess
		stats.mu.RUnlock()
		candidates = append(candidates, robotTime{robotID, lastAccess})
	}

	for i := 0; i < count && i < len(candidates); i++ {
		minIdx := i
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].lastAccess.Before(candidates[minIdx].lastAccess) {
				minIdx = j
			}
		}
		if minIdx != i {
			candidates[i], candidates[minIdx] = candidates[minIdx], candidates[i]
		}
		delete(m.robots, candidates[i].robotID)
	}
}

// Get returns the stats for a robot, or nil if it has never run.
func (m *Manager) Get(robotID string) *RunStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.robots[robotID]
}

// RecordOutcome updates a robot's run stats after a run reaches a terminal
// status. durationMs is the run's wall-clock execution time.
func (m *Manager) RecordOutcome(robotID string, status RunOutcome, durationMs int64) {
	if robotID == "" {
		return
	}

	stats := m.getOrCreate(robotID)

	stats.mu.Lock()
	defer stats.mu.Unlock()

	if stats.TotalCount >= maxCounterValue {
		log.Warn().Str("robot_id", robotID).Msg("run stats counter overflow protection triggered, resetting")
		stats.TotalCount = 0
		stats.SucceedCount = 0
		stats.FailCount = 0
		stats.AbortCount = 0
		stats.totalDurationMs = 0
	}

	stats.TotalCount++
	if stats.totalDurationMs < maxCounterValue-durationMs {
		stats.totalDurationMs += durationMs
	}
	stats.LastRunAt = time.Now()

	switch status {
	case OutcomeSucceeded:
		stats.SucceedCount++
		stats.LastSuccessAt = time.Now()
	case OutcomeFailed:
		stats.FailCount++
		stats.LastFailureAt = time.Now()
	case OutcomeAborted:
		stats.AbortCount++
	}
}

// RunOutcome is the terminal status a completed run reached, for RecordOutcome.
type RunOutcome string

const (
	OutcomeSucceeded RunOutcome = "succeeded"
	OutcomeFailed    RunOutcome = "failed"
	OutcomeAborted   RunOutcome = "aborted"
)

// FailureRate returns the failure rate for a robot (0 if it has never run).
func (m *Manager) FailureRate(robotID string) float64 {
	stats := m.Get(robotID)
	if stats == nil {
		return 0
	}
	return stats.FailureRate()
}

// AllStats returns a copy of every tracked robot's stats.
func (m *Manager) AllStats() map[string]RunStatsJSON {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]RunStatsJSON, len(m.robots))
	for robotID, stats := range m.robots {
		result[robotID] = stats.ToJSON()
	}
	return result
}

// Reset clears statistics for a single robot.
func (m *Manager) Reset(robotID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.robots, robotID)
}

// RobotCount returns the number of robots currently tracked.
func (m *Manager) RobotCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.robots)
}
