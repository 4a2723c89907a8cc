package wsrouter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/runflow/controlplane/internal/auth"
)

func testAuthConfig() auth.Config {
	return auth.Config{Secret: []byte("a-test-secret-at-least-16-bytes")}
}

func issueToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.Issue(auth.Claims{UserID: userID}, testAuthConfig())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func dialWithCookie(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Cookie", AccessTokenCookie+"="+token)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return conn
}

type recordingHandler struct {
	events chan InboundEvent
}

func (h *recordingHandler) HandleInputEvent(ctx context.Context, browserID string, evt InboundEvent) error {
	h.events <- evt
	return nil
}

func TestServeSessionRejectsMissingCookie(t *testing.T) {
	r := New(testAuthConfig())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.ServeSession(w, req, "browser-1", nil)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial without auth cookie to fail")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServeSessionForwardsInputEventsAndPushesFrames(t *testing.T) {
	r := New(testAuthConfig())
	handler := &recordingHandler{events: make(chan InboundEvent, 1)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.ServeSession(w, req, "browser-1", handler)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn := dialWithCookie(t, wsURL, issueToken(t, "user-1"))
	defer conn.Close()

	if err := conn.WriteJSON(InboundEvent{Type: "mousedown"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case evt := <-handler.events:
		if evt.Type != "mousedown" {
			t.Errorf("event type = %q, want mousedown", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to receive event")
	}

	// give the namespace a moment to register the connection before pushing
	deadline := time.Now().Add(time.Second)
	for r.NamespaceCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	r.PushSession("browser-1", Frame{Event: "urlChanged", Data: "https://example.com"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read pushed frame: %v", err)
	}
	if f.Event != "urlChanged" {
		t.Errorf("frame event = %q, want urlChanged", f.Event)
	}
}

func TestNotifyBuffersWhenUserOffline(t *testing.T) {
	r := New(testAuthConfig())

	r.Notify("user-1", "run-completed", map[string]string{"runId": "run-1"})

	r.pendingMu.Lock()
	buffered := len(r.pending["user-1"])
	r.pendingMu.Unlock()
	if buffered != 1 {
		t.Fatalf("buffered events = %d, want 1", buffered)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.ServeUserNotifications(w, req)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?userId=user-1"
	conn := dialWithCookie(t, wsURL, issueToken(t, "user-1"))
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read replayed frame: %v", err)
	}
	if f.Event != "run-completed" {
		t.Errorf("frame event = %q, want run-completed", f.Event)
	}

	r.pendingMu.Lock()
	remaining := len(r.pending["user-1"])
	r.pendingMu.Unlock()
	if remaining != 0 {
		t.Errorf("pending events after replay = %d, want 0", remaining)
	}
}

func TestNotifyDeliversLiveToRoom(t *testing.T) {
	r := New(testAuthConfig())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.ServeUserNotifications(w, req)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?userId=user-2"
	conn := dialWithCookie(t, wsURL, issueToken(t, "user-2"))
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for r.NamespaceCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	r.Notify("user-2", "run-started", nil)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Event != "run-started" {
		t.Errorf("frame event = %q, want run-started", f.Event)
	}

	r.pendingMu.Lock()
	buffered := len(r.pending["user-2"])
	r.pendingMu.Unlock()
	if buffered != 0 {
		t.Errorf("expected no buffering when a live room member received the event, got %d", buffered)
	}
}

func TestMissingNotificationsCookieRejected(t *testing.T) {
	r := New(testAuthConfig())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.ServeUserNotifications(w, req)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestNotificationsRejectsMismatchedUserID(t *testing.T) {
	r := New(testAuthConfig())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.ServeUserNotifications(w, req)
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Cookie", AccessTokenCookie+"="+issueToken(t, "user-1"))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?userId=someone-else"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Errorf("status = %d, want 403", status)
	}
}
