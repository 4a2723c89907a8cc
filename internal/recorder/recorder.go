// Package recorder manages the interactive recording session a user
// drives from the browser-extension/UI client: reserving a dedicated
// PurposeRecording browser slot, reporting its current page and open
// tabs, and toggling workflow interpretation against the same session.
// It owns no durable state of its own and never writes a Robot to
// internal/store.
package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/runflow/controlplane/internal/pool"
	"github.com/runflow/controlplane/internal/types"
)

// interpretState tracks whether a recording session's browser is
// currently replaying a workflow, so /record/interpret/stop has
// something to cancel.
type interpretState struct {
	mu      sync.Mutex
	running bool
}

// Manager starts, inspects, and tears down per-user recording sessions.
type Manager struct {
	slots *pool.Pool

	mu         sync.Mutex
	interpret  map[string]*interpretState // browserID -> state
}

// New creates a recording session Manager over the shared browser pool.
func New(slots *pool.Pool) *Manager {
	return &Manager{slots: slots, interpret: make(map[string]*interpretState)}
}

// Start reserves and launches a PurposeRecording slot for userID. If the
// user already has an active recording session, its browser id is
// returned instead of starting a second one: recording is single-session
// per user, same as a run-admission cap of one for this purpose.
func (m *Manager) Start(ctx context.Context, userID string) (browserID string, err error) {
	if existing := m.slots.GetActiveForUserByPurpose(userID, pool.PurposeRecording); len(existing) > 0 {
		return existing[0].ID, nil
	}

	slot, err := m.slots.ReserveSlot(ctx, userID, pool.PurposeRecording)
	if err != nil {
		return "", err
	}
	if err := m.slots.Launch(ctx, slot, nil); err != nil {
		return "", err
	}

	log.Info().Str("browser_id", slot.ID).Str("user_id", userID).Msg("recording session started")
	return slot.ID, nil
}

// Stop tears down the recording session's browser slot.
func (m *Manager) Stop(ctx context.Context, browserID string) error {
	m.mu.Lock()
	delete(m.interpret, browserID)
	m.mu.Unlock()
	return m.slots.DeleteSlot(ctx, browserID)
}

// Active returns the user's current recording session browser id, or ""
// if none is active.
func (m *Manager) Active(userID string) string {
	slots := m.slots.GetActiveForUserByPurpose(userID, pool.PurposeRecording)
	if len(slots) == 0 {
		return ""
	}
	return slots[0].ID
}

// CurrentURL returns the recording session's active page URL.
func (m *Manager) CurrentURL(ctx context.Context, browserID string) (string, error) {
	slot, ok := m.slots.GetSlot(browserID)
	if !ok {
		return "", types.ErrSlotNotFound
	}
	session, release, err := slot.AcquireSession()
	if err != nil {
		return "", err
	}
	defer release()
	return session.CurrentURL(ctx)
}

// Tabs returns the hosts of every tab open in the recording session.
func (m *Manager) Tabs(ctx context.Context, browserID string) ([]string, error) {
	slot, ok := m.slots.GetSlot(browserID)
	if !ok {
		return nil, types.ErrSlotNotFound
	}
	session, release, err := slot.AcquireSession()
	if err != nil {
		return nil, err
	}
	defer release()
	return session.TabHosts(ctx)
}

// StartInterpret marks browserID's session as currently interpreting a
// workflow. Returns false if it was already interpreting.
func (m *Manager) StartInterpret(browserID string) bool {
	st := m.interpretState(browserID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.running {
		return false
	}
	st.running = true
	return true
}

// StopInterpret clears the interpreting flag for browserID. Returns false
// if it was not running.
func (m *Manager) StopInterpret(browserID string) bool {
	m.mu.Lock()
	st, ok := m.interpret[browserID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	was := st.running
	st.running = false
	return was
}

func (m *Manager) interpretState(browserID string) *interpretState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.interpret[browserID]
	if !ok {
		st = &interpretState{}
		m.interpret[browserID] = st
	}
	return st
}

// WaitBudget bounds how long /record/start and /record/stop may take to
// launch or tear down the session's browser. The handlers apply it as a
// context deadline; when it expires the request fails with an error. No
// job id or other pending response is returned.
const WaitBudget = 15 * time.Second
