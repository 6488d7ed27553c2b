// Package surface renders the session state for the user.
//
// [Hub] streams snapshots to browser UIs over a WebSocket and accepts the
// same controls the terminal offers. [Terminal] prints a styled status line.
// Both implement [voice.Observer].
package surface

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/livesight/internal/voice"
)

var _ voice.Observer = (*Hub)(nil)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	clientQueue    = 8
	commandTimeout = 30 * time.Second
)

// Commander is the subset of [voice.Controller] a browser may drive.
type Commander interface {
	SetMuted(muted bool)
	StartScreenShare(ctx context.Context) error
	StopScreenShare()
}

// Command is a control message sent by a browser.
type Command struct {
	// Type is "mute", "share" or "stop_share".
	Type string `json:"type"`

	// Muted is the requested mute state for "mute".
	Muted bool `json:"muted,omitempty"`
}

// envelope is the frame pushed to browsers.
type envelope struct {
	Type  string          `json:"type"`
	State *voice.Snapshot `json:"state,omitempty"`
	Error string          `json:"error,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithCheckOrigin overrides the upgrader's origin check. By default only
// same-origin requests are accepted.
func WithCheckOrigin(fn func(*http.Request) bool) HubOption {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// Hub is an [http.Handler] that upgrades requests to WebSockets and
// broadcasts every session snapshot to all connected clients. New clients
// receive the latest snapshot immediately.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	last    []byte
	cmd     Commander
	closed  bool
}

// NewHub returns an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetCommander routes browser commands to c. A nil c disables commands.
func (h *Hub) SetCommander(c Commander) {
	h.mu.Lock()
	h.cmd = c
	h.mu.Unlock()
}

// OnState implements [voice.Observer]. Slow clients miss intermediate
// snapshots rather than blocking the session.
func (h *Hub) OnState(s voice.Snapshot) {
	data, err := json.Marshal(envelope{Type: "state", State: &s})
	if err != nil {
		slog.Warn("surface: marshal snapshot", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = data
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP implements [http.Handler].
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		slog.Debug("surface: upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientQueue)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- h.last
	}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// readPump handles commands until the client goes away.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("surface: client read", "err", err)
			}
			return
		}
		h.handle(c, cmd)
	}
}

func (h *Hub) handle(c *client, cmd Command) {
	h.mu.Lock()
	ctrl := h.cmd
	h.mu.Unlock()

	reply := func(msg string) {
		data, _ := json.Marshal(envelope{Type: "error", Error: msg})
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.clients[c]; !ok {
			return
		}
		select {
		case c.send <- data:
		default:
		}
	}

	if ctrl == nil {
		reply("no active session")
		return
	}

	switch cmd.Type {
	case "mute":
		ctrl.SetMuted(cmd.Muted)
	case "share":
		// The picker may take a while; keep reading commands meanwhile.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			if err := ctrl.StartScreenShare(ctx); err != nil {
				reply(err.Error())
			}
		}()
	case "stop_share":
		ctrl.StopScreenShare()
	default:
		reply("unknown command " + cmd.Type)
	}
}

// writePump forwards queued frames and keeps the connection alive.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
