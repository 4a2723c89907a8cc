// Package pool implements per-user browser-slot admission: each user may
// hold at most N concurrently live browser sessions (BrowserPoolMaxPerUser),
// tracked as BrowserSlot records that move Reserved -> Initializing ->
// Ready -> Closing, or to Failed on error.
//
// Lock ordering mirrors the teacher's session package: a slot's own opMu
// guards its session handle during long-running driver calls; Pool.mu
// guards the slot index and must never be held while Launch/Close runs.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/runflow/controlplane/internal/browserdriver"
	"github.com/runflow/controlplane/internal/metrics"
	"github.com/runflow/controlplane/internal/types"
)

// SlotState is the lifecycle state of a BrowserSlot.
type SlotState string

const (
	SlotReserved     SlotState = "reserved"
	SlotInitializing SlotState = "initializing"
	SlotReady        SlotState = "ready"
	SlotFailed       SlotState = "failed"
	SlotClosing      SlotState = "closing"
)

// Purpose distinguishes the run type a slot was reserved for, since the
// per-user cap is shared across purposes but orphan recovery and stats
// break down by purpose.
type Purpose string

const (
	PurposeRun       Purpose = "run"
	PurposeRecording Purpose = "recording"
)

// BrowserSlot is one admitted browser session for one user.
type BrowserSlot struct {
	ID      string
	UserID  string
	Purpose Purpose

	createdAt time.Time
	lastUsed  atomic.Int64 // unix nanos

	opMu    sync.Mutex // guards session during driver calls; acquire before mu
	session *browserdriver.Session

	mu    sync.Mutex // guards state/closing/refCount bookkeeping
	state SlotState
	err   error

	closing  atomic.Bool
	refCount atomic.Int32
}

// State returns the slot's current lifecycle state.
func (s *BrowserSlot) State() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastUsed returns the last time the slot's session was acquired.
func (s *BrowserSlot) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// AcquireSession returns the slot's driver session for the duration of an
// operation; the caller must call the returned release func exactly once.
// Returns ErrSlotInUse-classed error if the slot is closing.
func (s *BrowserSlot) AcquireSession() (*browserdriver.Session, func(), error) {
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		return nil, nil, types.ErrSlotInUse
	}
	s.refCount.Add(1)
	s.mu.Unlock()

	s.lastUsed.Store(time.Now().UnixNano())

	var once sync.Once
	release := func() {
		once.Do(func() { s.refCount.Add(-1) })
	}
	return s.session, release, nil
}

// Pool tracks BrowserSlots per user and enforces the per-user admission cap.
type Pool struct {
	driver     *browserdriver.Driver
	maxPerUser int
	staleAfter time.Duration

	mu      sync.RWMutex
	byUser  map[string]map[string]*BrowserSlot // userID -> slotID -> slot
	closed  atomic.Bool
	stopCh  chan struct{}
	closeWg sync.WaitGroup
}

// New creates a slot pool backed by the given driver.
func New(driver *browserdriver.Driver, maxPerUser int, staleAfter time.Duration) *Pool {
	p := &Pool{
		driver:     driver,
		maxPerUser: maxPerUser,
		staleAfter: staleAfter,
		byUser:     make(map[string]map[string]*BrowserSlot),
		stopCh:     make(chan struct{}),
	}
	p.closeWg.Add(1)
	go p.gcLoop()
	return p
}

// HasAvailableSlots reports whether userID is under its concurrent-slot cap.
func (p *Pool) HasAvailableSlots(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.activeSlotsLocked(userID)) < p.maxPerUser
}

// activeSlotsLocked returns slots that count against the admission cap:
// everything except Failed/Closing. Caller must hold p.mu for reading.
func (p *Pool) activeSlotsLocked(userID string) []*BrowserSlot {
	var active []*BrowserSlot
	for _, slot := range p.byUser[userID] {
		switch slot.State() {
		case SlotFailed, SlotClosing:
		default:
			active = append(active, slot)
		}
	}
	return active
}

// ReserveSlot admits a new slot for userID if under cap, in state
// Reserved. Returns types.ErrSlotCapacityExhausted if the user is at cap.
// The caller must follow up with Launch to actually start the browser.
func (p *Pool) ReserveSlot(ctx context.Context, userID string, purpose Purpose) (*BrowserSlot, error) {
	if p.closed.Load() {
		return nil, types.ErrPoolClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.activeSlotsLocked(userID)) >= p.maxPerUser {
		return nil, types.NewSlotAcquireError(userID, "per-user slot cap reached", types.ErrSlotCapacityExhausted)
	}

	slot := &BrowserSlot{
		ID:        uuid.NewString(),
		UserID:    userID,
		Purpose:   purpose,
		createdAt: time.Now(),
		state:     SlotReserved,
	}
	slot.lastUsed.Store(time.Now().UnixNano())

	if p.byUser[userID] == nil {
		p.byUser[userID] = make(map[string]*BrowserSlot)
	}
	p.byUser[userID][slot.ID] = slot
	metrics.UpdatePoolMetrics(p.maxPerUser, p.readyCountLocked())
	return slot, nil
}

// readyCountLocked counts slots in state Ready across all users. Caller
// must hold p.mu.
func (p *Pool) readyCountLocked() int {
	ready := 0
	for _, slots := range p.byUser {
		for _, slot := range slots {
			if slot.State() == SlotReady {
				ready++
			}
		}
	}
	return ready
}

// Launch starts the browser process for a reserved slot and transitions it
// Reserved -> Initializing -> Ready (or -> Failed on error). Must be called
// outside any lock the caller holds; it performs the slow launch I/O.
func (p *Pool) Launch(ctx context.Context, slot *BrowserSlot, proxy *browserdriver.ProxyConfig) error {
	slot.mu.Lock()
	if slot.state != SlotReserved {
		state := slot.state
		slot.mu.Unlock()
		return types.NewSlotAcquireError(slot.UserID, "slot not in reserved state: "+string(state), types.ErrInvalidTransition)
	}
	slot.state = SlotInitializing
	slot.mu.Unlock()

	session, err := p.driver.Launch(ctx, proxy)
	if err != nil {
		p.FailSlot(slot, err)
		return err
	}

	slot.opMu.Lock()
	slot.session = session
	slot.opMu.Unlock()

	slot.mu.Lock()
	slot.state = SlotReady
	slot.mu.Unlock()

	p.mu.RLock()
	metrics.UpdatePoolMetrics(p.maxPerUser, p.readyCountLocked())
	p.mu.RUnlock()

	log.Info().Str("slot_id", slot.ID).Str("user_id", slot.UserID).Msg("browser slot ready")
	return nil
}

// FailSlot marks a slot Failed and records the error on it; it does not
// delete the slot, which stays indexed until DeleteSlot or stale-slot
// cleanup removes it.
func (p *Pool) FailSlot(slot *BrowserSlot, err error) {
	slot.mu.Lock()
	slot.state = SlotFailed
	slot.err = err
	slot.mu.Unlock()
	log.Warn().Err(err).Str("slot_id", slot.ID).Msg("browser slot failed")
}

// GetSlot looks up a slot by id across all users.
func (p *Pool) GetSlot(slotID string) (*BrowserSlot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, slots := range p.byUser {
		if slot, ok := slots[slotID]; ok {
			return slot, true
		}
	}
	return nil, false
}

// GetActiveForUserByPurpose returns the user's non-terminal slots of purpose.
func (p *Pool) GetActiveForUserByPurpose(userID string, purpose Purpose) []*BrowserSlot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*BrowserSlot
	for _, slot := range p.activeSlotsLocked(userID) {
		if slot.Purpose == purpose {
			out = append(out, slot)
		}
	}
	return out
}

// DeleteSlot marks a slot closing and tears down its session. Mirrors the
// teacher's two-phase cleanup: mark-closing happens under the slot's own
// lock so concurrent AcquireSession calls see it immediately, and the slow
// Close() runs outside any lock.
func (p *Pool) DeleteSlot(ctx context.Context, slotID string) error {
	slot, ok := p.GetSlot(slotID)
	if !ok {
		return types.ErrSlotNotFound
	}
	return p.closeSlot(ctx, slot)
}

func (p *Pool) closeSlot(ctx context.Context, slot *BrowserSlot) error {
	slot.mu.Lock()
	if slot.closing.Load() {
		slot.mu.Unlock()
		return nil
	}
	slot.closing.Store(true)
	slot.state = SlotClosing
	slot.mu.Unlock()

	// Wait briefly for in-flight operations to release their refs before
	// closing the underlying browser process out from under them.
	deadline := time.Now().Add(5 * time.Second)
	for slot.refCount.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break
		case <-time.After(50 * time.Millisecond):
		}
	}

	slot.opMu.Lock()
	session := slot.session
	slot.session = nil
	slot.opMu.Unlock()

	var err error
	if session != nil {
		err = session.Close()
	}

	p.mu.Lock()
	if users, ok := p.byUser[slot.UserID]; ok {
		delete(users, slot.ID)
		if len(users) == 0 {
			delete(p.byUser, slot.UserID)
		}
	}
	metrics.UpdatePoolMetrics(p.maxPerUser, p.readyCountLocked())
	p.mu.Unlock()

	return err
}

// CleanupStale closes slots that have sat in Reserved/Initializing/Failed
// longer than staleAfter, or Ready slots idle longer than 4x staleAfter. Runs teardown for
// each stale slot concurrently, bounded to avoid a thundering herd of
// browser-process kills.
func (p *Pool) CleanupStale(ctx context.Context) error {
	now := time.Now()

	p.mu.RLock()
	var stale []*BrowserSlot
	for _, slots := range p.byUser {
		for _, slot := range slots {
			state := slot.State()
			age := now.Sub(slot.LastUsed())
			switch state {
			case SlotClosing:
				continue
			case SlotReserved, SlotInitializing, SlotFailed:
				if age > p.staleAfter {
					stale = append(stale, slot)
				}
			case SlotReady:
				if age > p.staleAfter*4 {
					stale = append(stale, slot)
				}
			}
		}
	}
	p.mu.RUnlock()

	if len(stale) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, slot := range stale {
		slot := slot
		g.Go(func() error {
			if err := p.closeSlot(gctx, slot); err != nil {
				log.Warn().Err(err).Str("slot_id", slot.ID).Msg("error cleaning up stale browser slot")
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) gcLoop() {
	defer p.closeWg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.closed.Load() {
				return
			}
			if err := p.CleanupStale(context.Background()); err != nil {
				log.Warn().Err(err).Msg("stale slot cleanup failed")
			}
		}
	}
}

// Close stops the GC loop and tears down every slot in the pool.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stopCh)
	p.closeWg.Wait()

	p.mu.RLock()
	var all []*BrowserSlot
	for _, slots := range p.byUser {
		for _, slot := range slots {
			all = append(all, slot)
		}
	}
	p.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, slot := range all {
		slot := slot
		g.Go(func() error {
			return p.closeSlot(gctx, slot)
		})
	}
	return g.Wait()
}
