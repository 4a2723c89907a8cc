package stats

import (
	"testing"
	"time"
)

func TestRecordOutcomeAccumulates(t *testing.T) {
	m := NewManager()
	defer m.Close()

	m.RecordOutcome("robot-1", OutcomeSucceeded, 100)
	m.RecordOutcome("robot-1", OutcomeSucceeded, 200)
	m.RecordOutcome("robot-1", OutcomeFailed, 300)

	stats := m.Get("robot-1")
	if stats == nil {
		t.Fatal("expected stats for robot-1")
	}

	json := stats.ToJSON()
	if json.TotalCount != 3 {
		t.Errorf("TotalCount = %d, want 3", json.TotalCount)
	}
	if json.SucceedCount != 2 {
		t.Errorf("SucceedCount = %d, want 2", json.SucceedCount)
	}
	if json.FailCount != 1 {
		t.Errorf("FailCount = %d, want 1", json.FailCount)
	}
	if json.AvgDurationMs != 200 {
		t.Errorf("AvgDurationMs = %d, want 200", json.AvgDurationMs)
	}
	if json.LastRunAt.IsZero() {
		t.Error("LastRunAt should be set")
	}
	if json.LastFailureAt.IsZero() {
		t.Error("LastFailureAt should be set")
	}
}

func TestRecordOutcomeIgnoresEmptyRobotID(t *testing.T) {
	m := NewManager()
	defer m.Close()

	m.RecordOutcome("", OutcomeSucceeded, 100)

	if m.RobotCount() != 0 {
		t.Errorf("RobotCount = %d, want 0", m.RobotCount())
	}
}

func TestFailureRate(t *testing.T) {
	m := NewManager()
	defer m.Close()

	if rate := m.FailureRate("unknown"); rate != 0 {
		t.Errorf("FailureRate for unknown robot = %v, want 0", rate)
	}

	m.RecordOutcome("robot-1", OutcomeSucceeded, 10)
	m.RecordOutcome("robot-1", OutcomeFailed, 10)
	m.RecordOutcome("robot-1", OutcomeFailed, 10)
	m.RecordOutcome("robot-1", OutcomeAborted, 10) // aborts don't count toward the denominator

	if rate := m.FailureRate("robot-1"); rate != 2.0/3.0 {
		t.Errorf("FailureRate = %v, want %v", rate, 2.0/3.0)
	}
}

func TestGetReturnsNilForUnknownRobot(t *testing.T) {
	m := NewManager()
	defer m.Close()

	if stats := m.Get("nope"); stats != nil {
		t.Error("expected nil stats for unknown robot")
	}
}

func TestResetClearsRobot(t *testing.T) {
	m := NewManager()
	defer m.Close()

	m.RecordOutcome("robot-1", OutcomeSucceeded, 10)
	m.Reset("robot-1")

	if stats := m.Get("robot-1"); stats != nil {
		t.Error("expected stats to be cleared after Reset")
	}
}

func TestAllStatsReturnsEveryRobot(t *testing.T) {
	m := NewManager()
	defer m.Close()

	m.RecordOutcome("robot-1", OutcomeSucceeded, 10)
	m.RecordOutcome("robot-2", OutcomeFailed, 20)

	all := m.AllStats()
	if len(all) != 2 {
		t.Fatalf("AllStats returned %d entries, want 2", len(all))
	}
	if all["robot-1"].SucceedCount != 1 {
		t.Errorf("robot-1 SucceedCount = %d, want 1", all["robot-1"].SucceedCount)
	}
	if all["robot-2"].FailCount != 1 {
		t.Errorf("robot-2 FailCount = %d, want 1", all["robot-2"].FailCount)
	}
}

func TestEvictOldestBatchLockedBoundsMemory(t *testing.T) {
	m := &Manager{robots: make(map[string]*RunStats), stopCh: make(chan struct{})}
	defer close(m.stopCh)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		m.robots[string(rune('a'+i))] = &RunStats{lastAccess: base.Add(time.Duration(i) * time.Minute)}
	}

	m.mu.Lock()
	m.evictOldestBatchLocked(4)
	m.mu.Unlock()

	if len(m.robots) != 6 {
		t.Fatalf("len(robots) = %d, want 6", len(m.robots))
	}
	// the 4 oldest (a, b, c, d) should be gone
	for _, id := range []string{"a", "b", "c", "d"} {
		if _, ok := m.robots[id]; ok {
			t.Errorf("expected %q to be evicted", id)
		}
	}
}

func TestCleanupStaleRemovesOldEntries(t *testing.T) {
	m := &Manager{robots: make(map[string]*RunStats), stopCh: make(chan struct{})}
	defer close(m.stopCh)

	m.robots["stale"] = &RunStats{lastAccess: time.Now().Add(-time.Hour)}
	m.robots["fresh"] = &RunStats{lastAccess: time.Now()}

	m.cleanupStale(30 * time.Minute)

	if _, ok := m.robots["stale"]; ok {
		t.Error("expected stale entry to be removed")
	}
	if _, ok := m.robots["fresh"]; !ok {
		t.Error("expected fresh entry to survive")
	}
}
