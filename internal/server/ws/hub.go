// Package ws hosts the websocket session hub: the local delivery transport
// for directly connected client sessions.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voltaic-io/telemux/internal/subscription"
	"github.com/voltaic-io/telemux/internal/telemetry"
	"github.com/voltaic-io/telemux/pkg/id"
	logpkg "github.com/voltaic-io/telemux/pkg/log"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second
	// pongWait bounds the gap between pongs before the peer is considered gone.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// sendBuf is the per-session outbound buffer. Updates beyond it are
	// dropped: delivery is fire-and-forget, the session catches up via
	// cursors on its next subscribe.
	sendBuf = 256
)

// Registrar is the slice of the subscription manager the hub drives.
type Registrar interface {
	RegisterLocal(ctx context.Context, session subscription.SessionID, device telemetry.DeviceID, req subscription.Request) error
	Unregister(ctx context.Context, session subscription.SessionID, subID int) error
	CloseSession(ctx context.Context, session subscription.SessionID, localSession bool) error
}

// command is one client frame.
type command struct {
	Cmd            string             `json:"cmd"` // "subscribe" | "unsubscribe"
	SubscriptionID int                `json:"subscriptionId"`
	Device         telemetry.DeviceID `json:"device"`
	Type           subscription.Type  `json:"type"`
	KeyCursors     map[string]int64   `json:"keyCursors"`
	Filter         string             `json:"filter,omitempty"`
}

// serverFrame is one server frame: either an update or a command error.
type serverFrame struct {
	Session        string                `json:"session,omitempty"`
	SubscriptionID int                   `json:"subscriptionId,omitempty"`
	Points         []telemetry.DataPoint `json:"points,omitempty"`
	Error          string                `json:"error,omitempty"`
}

type session struct {
	id   subscription.SessionID
	conn *websocket.Conn
	send chan serverFrame
	once sync.Once
	done chan struct{}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Hub accepts websocket sessions, feeds their subscribe/unsubscribe commands
// to the registrar, and implements subscription.LocalDelivery for pushes.
type Hub struct {
	upgrader  websocket.Upgrader
	gen       *id.Generator
	logger    logpkg.Logger
	registrar Registrar

	mu       sync.RWMutex
	sessions map[subscription.SessionID]*session
}

// NewHub builds a hub. Bind must be called before serving.
func NewHub(logger logpkg.Logger) *Hub {
	if logger == nil {
		logger = logpkg.NewLogger().With(logpkg.Component("ws"))
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		gen:      id.NewGenerator(),
		logger:   logger,
		sessions: make(map[subscription.SessionID]*session),
	}
}

// Bind attaches the registrar. The hub and the manager reference each other;
// the hub is built first, the manager gets it as LocalDelivery, then Bind
// closes the loop.
func (h *Hub) Bind(r Registrar) { h.registrar = r }

// Deliver implements subscription.LocalDelivery. Unknown sessions and full
// buffers drop the update; no acknowledgement surfaces.
func (h *Hub) Deliver(sid subscription.SessionID, u subscription.Update) {
	h.mu.RLock()
	s, ok := h.sessions[sid]
	h.mu.RUnlock()
	if !ok {
		h.logger.Debug("delivery for unknown session", logpkg.Str("session", string(sid)))
		return
	}
	frame := serverFrame{SubscriptionID: u.SubscriptionID, Points: u.Points}
	select {
	case s.send <- frame:
	default:
		h.logger.Warn("session send buffer full, dropping update",
			logpkg.Str("session", string(sid)), logpkg.Int("sub", u.SubscriptionID))
	}
}

// SessionCount returns the number of attached sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServeHTTP upgrades the request and runs the session until the socket closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logpkg.Err(err))
		return
	}
	sid := subscription.SessionID(h.gen.Next().String())
	s := &session{id: sid, conn: conn, send: make(chan serverFrame, sendBuf), done: make(chan struct{})}

	h.mu.Lock()
	h.sessions[sid] = s
	h.mu.Unlock()
	h.logger.Info("session attached", logpkg.Str("session", string(sid)))

	// Tell the client its session id first so cluster traffic is traceable.
	select {
	case s.send <- serverFrame{Session: string(sid)}:
	default:
	}

	go h.writeLoop(s)
	h.readLoop(r.Context(), s)

	h.mu.Lock()
	delete(h.sessions, sid)
	h.mu.Unlock()
	s.close()
	if err := h.registrar.CloseSession(context.Background(), sid, true); err != nil {
		h.logger.Warn("session cleanup failed", logpkg.Str("session", string(sid)), logpkg.Err(err))
	}
	h.logger.Info("session detached", logpkg.Str("session", string(sid)))
}

func (h *Hub) readLoop(ctx context.Context, s *session) {
	s.conn.SetReadLimit(64 << 10)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var cmd command
		if err := s.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("session read error", logpkg.Str("session", string(s.id)), logpkg.Err(err))
			}
			return
		}
		if err := h.handleCommand(ctx, s, cmd); err != nil {
			select {
			case s.send <- serverFrame{SubscriptionID: cmd.SubscriptionID, Error: err.Error()}:
			default:
			}
		}
	}
}

func (h *Hub) handleCommand(ctx context.Context, s *session, cmd command) error {
	switch cmd.Cmd {
	case "subscribe":
		req := subscription.Request{
			SubscriptionID: cmd.SubscriptionID,
			Type:           cmd.Type,
			KeyCursors:     cmd.KeyCursors,
			Filter:         cmd.Filter,
		}
		return h.registrar.RegisterLocal(ctx, s.id, cmd.Device, req)
	case "unsubscribe":
		return h.registrar.Unregister(ctx, s.id, cmd.SubscriptionID)
	default:
		return &unknownCommandError{cmd: cmd.Cmd}
	}
}

type unknownCommandError struct{ cmd string }

func (e *unknownCommandError) Error() string { return "unknown command " + e.cmd }

func (h *Hub) writeLoop(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Shutdown closes every attached session.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[subscription.SessionID]*session)
	h.mu.Unlock()
	for _, s := range sessions {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(writeWait))
		s.close()
	}
}

var _ subscription.LocalDelivery = (*Hub)(nil)
