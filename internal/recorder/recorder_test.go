package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/runflow/controlplane/internal/browserdriver"
	"github.com/runflow/controlplane/internal/pool"
)

func newTestManager() *Manager {
	slots := pool.New(browserdriver.New(browserdriver.Config{}), 2, time.Minute)
	return New(slots)
}

func TestStartReturnsSameSessionOnSecondCall(t *testing.T) {
	m := newTestManager()

	id1, err := m.Start(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	id2, err := m.Start(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Start (again): %v", err)
	}
	if id1 != id2 {
		t.Errorf("second Start returned a new browser id %q, want reuse of %q", id2, id1)
	}
}

func TestActiveReturnsEmptyWhenNoneStarted(t *testing.T) {
	m := newTestManager()
	if got := m.Active("user-1"); got != "" {
		t.Errorf("Active = %q, want empty", got)
	}
}

func TestStopClearsActiveSession(t *testing.T) {
	m := newTestManager()
	id, err := m.Start(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := m.Active("user-1"); got != "" {
		t.Errorf("Active after Stop = %q, want empty", got)
	}
}

func TestStartInterpretIsExclusive(t *testing.T) {
	m := newTestManager()
	if !m.StartInterpret("browser-1") {
		t.Fatal("first StartInterpret should succeed")
	}
	if m.StartInterpret("browser-1") {
		t.Fatal("second StartInterpret should report already running")
	}
	if !m.StopInterpret("browser-1") {
		t.Fatal("StopInterpret should report it was running")
	}
	if m.StopInterpret("browser-1") {
		t.Fatal("second StopInterpret should report it was not running")
	}
}
