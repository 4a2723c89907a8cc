// Package wsrouter multiplexes WebSocket connections into two namespace
// families: per-browser-session namespaces (`/<browserId>`) that pass
// input events to a SessionHandler and carry pushed frames back, and a single
// user-notification namespace (`/queued-run`) with rooms keyed
// `user-<userId>` for run lifecycle events.
//
// Connection lifecycle mirrors the slot lifecycle in internal/pool: a
// mutex guards the namespace/room index, while each connection owns a
// single writer goroutine fed by a depth-1 channel, since gorilla's
// websocket.Conn forbids concurrent writes from more than one goroutine.
package wsrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/runflow/controlplane/internal/auth"
	"github.com/runflow/controlplane/internal/metrics"
)

// AccessTokenCookie is the cookie name the session namespace reads its
// bearer token from, since a raw WebSocket upgrade request can't carry an
// Authorization header from a browser client.
const AccessTokenCookie = "access_token"

// settleDelay is how long a namespace lingers empty before it's removed,
// giving a reconnecting client a grace window to land in the same
// namespace rather than recreating it.
const settleDelay = 100 * time.Millisecond

// Frame is one outbound message: {"event": ..., "data": ...} over the wire.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// InboundEvent is one message received from a client connection.
type InboundEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SessionHandler receives the input events that arrive on a session
// namespace. The implementation wired in by internal/handlers validates
// the slot and logs the event; wsrouter only depends on the interface so
// it can be tested in isolation.
type SessionHandler interface {
	HandleInputEvent(ctx context.Context, browserID string, evt InboundEvent) error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS is enforced by the REST middleware chain; auth is enforced below
}

// Conn wraps one client connection with its own send queue and writer
// goroutine.
type Conn struct {
	ws     *websocket.Conn
	userID string

	send chan Frame
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn, userID string) *Conn {
	return &Conn{ws: ws, userID: userID, send: make(chan Frame, 1), done: make(chan struct{})}
}

// Push enqueues a frame for delivery, dropping the oldest pending frame
// if the connection's writer hasn't caught up yet (bounded depth 1, per
// the screencast backpressure requirement).
func (c *Conn) Push(f Frame) {
	select {
	case c.send <- f:
	default:
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- f:
		default:
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.ws.Close()
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}

// namespace is a registry entry for one path: the set of connections it
// holds, plus a room sub-index for the user-notification namespace.
type namespace struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
	rooms map[string]map[*Conn]struct{}
}

func newNamespace() *namespace {
	return &namespace{conns: make(map[*Conn]struct{}), rooms: make(map[string]map[*Conn]struct{})}
}

func (n *namespace) add(c *Conn, room string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conns[c] = struct{}{}
	if room != "" {
		if n.rooms[room] == nil {
			n.rooms[room] = make(map[*Conn]struct{})
		}
		n.rooms[room][c] = struct{}{}
	}
}

func (n *namespace) remove(c *Conn, room string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, c)
	if room != "" && n.rooms[room] != nil {
		delete(n.rooms[room], c)
		if len(n.rooms[room]) == 0 {
			delete(n.rooms, room)
		}
	}
	return len(n.conns)
}

func (n *namespace) broadcast(f Frame) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for c := range n.conns {
		c.Push(f)
	}
}

func (n *namespace) broadcastRoom(room string, f Frame) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	members := n.rooms[room]
	if len(members) == 0 {
		return false
	}
	for c := range members {
		c.Push(f)
	}
	return true
}

func (n *namespace) size() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// Router owns every live namespace and the buffered notification events
// for users who are currently offline from /queued-run.
type Router struct {
	authCfg auth.Config

	mu         sync.Mutex
	namespaces map[string]*namespace

	pendingMu sync.Mutex
	pending   map[string][]Frame // userID -> buffered run-recovered etc. events
}

// New creates a Router that authenticates session-namespace connections
// against authCfg (the same JWT config the REST bearer middleware uses).
func New(authCfg auth.Config) *Router {
	return &Router{authCfg: authCfg, namespaces: make(map[string]*namespace), pending: make(map[string][]Frame)}
}

func (r *Router) namespaceFor(path string) *namespace {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, ok := r.namespaces[path]
	if !ok {
		ns = newNamespace()
		r.namespaces[path] = ns
	}
	return ns
}

// scheduleTeardown removes an empty namespace after settleDelay, unless a
// new client has attached to it in the meantime.
func (r *Router) scheduleTeardown(path string) {
	time.AfterFunc(settleDelay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		ns, ok := r.namespaces[path]
		if !ok {
			return
		}
		if ns.size() == 0 {
			delete(r.namespaces, path)
		}
	})
}

func authenticate(r *http.Request, cfg auth.Config) (string, error) {
	cookie, err := r.Cookie(AccessTokenCookie)
	if err != nil {
		return "", err
	}
	claims, err := auth.Validate(cookie.Value, cfg)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// ServeSession upgrades a request into the `/<browserId>` namespace, reads
// input events off the connection for the lifetime of the session, and
// forwards them to handler. It blocks until the connection closes.
func (r *Router) ServeSession(w http.ResponseWriter, req *http.Request, browserID string, handler SessionHandler) {
	userID, err := authenticate(req, r.authCfg)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Str("browser_id", browserID).Msg("websocket upgrade failed")
		return
	}

	path := "/" + browserID
	ns := r.namespaceFor(path)
	conn := newConn(ws, userID)
	ns.add(conn, "")
	metrics.UpdateWSConnections(path, ns.size())

	go conn.writeLoop()
	defer func() {
		conn.close()
		remaining := ns.remove(conn, "")
		metrics.UpdateWSConnections(path, remaining)
		if remaining == 0 {
			r.scheduleTeardown(path)
		}
	}()

	r.readSessionLoop(req.Context(), conn, browserID, handler)
}

func (r *Router) readSessionLoop(ctx context.Context, conn *Conn, browserID string, handler SessionHandler) {
	for {
		var evt InboundEvent
		if err := conn.ws.ReadJSON(&evt); err != nil {
			return
		}
		if handler == nil {
			continue
		}
		if err := handler.HandleInputEvent(ctx, browserID, evt); err != nil {
			log.Warn().Err(err).Str("browser_id", browserID).Str("event_type", evt.Type).Msg("session input event handler failed")
			conn.Push(Frame{Event: "error", Data: err.Error()})
		}
	}
}

// PushSession sends a frame (e.g. a screencast frame, urlChanged,
// listDataExtracted) to every connection in a browser session's namespace.
func (r *Router) PushSession(browserID string, f Frame) {
	r.mu.Lock()
	ns, ok := r.namespaces["/"+browserID]
	r.mu.Unlock()
	if !ok {
		return
	}
	ns.broadcast(f)
}

// ServeUserNotifications upgrades a request into the shared /queued-run
// namespace and joins the room of the user authenticated by the request's
// cookie, replaying any events buffered while the user was offline. A
// userId query parameter that names a different user is rejected with 403.
func (r *Router) ServeUserNotifications(w http.ResponseWriter, req *http.Request) {
	userID, err := authenticate(req, r.authCfg)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if want := req.URL.Query().Get("userId"); want != "" && want != userID {
		http.Error(w, "userId does not match authenticated session", http.StatusForbidden)
		return
	}

	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	const path = "/queued-run"
	room := "user-" + userID
	ns := r.namespaceFor(path)
	conn := newConn(ws, userID)
	ns.add(conn, room)
	metrics.UpdateWSConnections(path, ns.size())

	go conn.writeLoop()
	r.replayPending(userID, conn)

	defer func() {
		conn.close()
		remaining := ns.remove(conn, room)
		metrics.UpdateWSConnections(path, remaining)
		if remaining == 0 {
			r.scheduleTeardown(path)
		}
	}()

	// The notification namespace is receive-only from the client's
	// perspective; drain and discard anything it sends so pings/pongs and
	// accidental client writes don't block the connection.
	for {
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Router) replayPending(userID string, conn *Conn) {
	r.pendingMu.Lock()
	frames := r.pending[userID]
	delete(r.pending, userID)
	r.pendingMu.Unlock()

	for _, f := range frames {
		conn.Push(f)
	}
}

// Notify delivers event/data to every connection in a user's
// /queued-run room. If the user has no live connection the event is
// buffered and replayed on their next connect.
func (r *Router) Notify(userID, event string, data any) {
	f := Frame{Event: event, Data: data}

	r.mu.Lock()
	ns, ok := r.namespaces["/queued-run"]
	r.mu.Unlock()

	if ok && ns.broadcastRoom("user-"+userID, f) {
		return
	}

	r.pendingMu.Lock()
	r.pending[userID] = append(r.pending[userID], f)
	r.pendingMu.Unlock()
}

// NamespaceCount reports how many namespaces are currently registered,
// for tests and diagnostics.
func (r *Router) NamespaceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.namespaces)
}
