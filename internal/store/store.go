// Package store defines the record-store gateway the rest of the control
// plane uses to persist Runs and Robots, plus an in-memory reference
// implementation for tests and the default binary. Relational persistence
// itself is an external collaborator out of this spec's core (see
// SPEC_FULL §1); this package documents the seam a production
// implementation would fill with a pgx-backed store (constructor taking a
// *pgxpool.Pool-shaped interface) without hard-depending on a SQL driver
// here, since nothing in the core components owns SQL execution.
package store

import (
	"context"
	"sync"

	"github.com/runflow/controlplane/internal/types"
)

// Store is the persistence seam for Runs and Robots. Implementations must
// make RunCAS atomic: a failed compare must not apply the update.
type Store interface {
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	// RunCAS updates a run only if its current status equals expect,
	// applying mutate to the in-store copy under that same check. Returns
	// types.ErrInvalidTransition if the current status doesn't match.
	RunCAS(ctx context.Context, runID string, expect types.RunStatus, mutate func(*types.Run)) error
	ListRunsByUser(ctx context.Context, userID string, limit int) ([]*types.Run, error)
	ListRunsByStatus(ctx context.Context, status types.RunStatus) ([]*types.Run, error)

	CreateRobot(ctx context.Context, robot *types.Robot) error
	GetRobot(ctx context.Context, robotID string) (*types.Robot, error)
	ListRobotsByUser(ctx context.Context, userID string) ([]*types.Robot, error)
}

// memStore is an in-memory Store, safe for concurrent use. It exists so
// the control plane runs and tests without a live database; a production
// deployment wires a pgx-backed Store satisfying the same interface.
type memStore struct {
	mu     sync.RWMutex
	runs   map[string]*types.Run
	robots map[string]*types.Robot
}

// NewInMemory creates a Store backed by process memory.
func NewInMemory() Store {
	return &memStore{
		runs:   make(map[string]*types.Run),
		robots: make(map[string]*types.Robot),
	}
}

func (s *memStore) CreateRun(ctx context.Context, run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return types.ErrRunAlreadyExists
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *memStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, types.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *memStore) RunCAS(ctx context.Context, runID string, expect types.RunStatus, mutate func(*types.Run)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return types.ErrRunNotFound
	}
	if run.Status != expect {
		return types.Classify(types.KindConflict, "run is not in expected status "+string(expect), types.ErrInvalidTransition)
	}
	mutate(run)
	return nil
}

func (s *memStore) ListRunsByUser(ctx context.Context, userID string, limit int) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Run
	for _, run := range s.runs {
		if run.UserID == userID {
			cp := *run
			out = append(out, &cp)
		}
	}
	sortRunsByStartedAtDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListRunsByStatus(ctx context.Context, status types.RunStatus) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Run
	for _, run := range s.runs {
		if run.Status == status {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) CreateRobot(ctx context.Context, robot *types.Robot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *robot
	s.robots[robot.ID] = &cp
	return nil
}

func (s *memStore) GetRobot(ctx context.Context, robotID string) (*types.Robot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	robot, ok := s.robots[robotID]
	if !ok {
		return nil, types.ErrRobotNotFound
	}
	cp := *robot
	return &cp, nil
}

func (s *memStore) ListRobotsByUser(ctx context.Context, userID string) ([]*types.Robot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Robot
	for _, robot := range s.robots {
		if robot.UserID == userID {
			cp := *robot
			out = append(out, &cp)
		}
	}
	return out, nil
}

func sortRunsByStartedAtDesc(runs []*types.Run) {
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j-1].StartedAt.Before(runs[j].StartedAt); j-- {
			runs[j-1], runs[j] = runs[j], runs[j-1]
		}
	}
}
