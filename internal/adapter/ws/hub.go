// Package ws pushes task events to connected clients over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/omnitask/internal/middleware"
)

const writeTimeout = 5 * time.Second

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Options tunes the hub. Zero values take defaults.
type Options struct {
	// AllowedOrigins are browser origins allowed to connect, e.g.
	// "https://app.example". Empty or "*" accepts any origin.
	AllowedOrigins  []string
	MaxConnsPerUser int           // default 8
	SendBuffer      int           // queued events per connection, default 32
	PingInterval    time.Duration // default 30s
}

func (o Options) withDefaults() Options {
	if o.MaxConnsPerUser <= 0 {
		o.MaxConnsPerUser = 8
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	return o
}

// conn is one client connection. Events are queued on send and written by
// the connection's own goroutine, so a slow client never blocks the
// broadcaster.
type conn struct {
	ws     *websocket.Conn
	userID string
	send   chan []byte
	done   chan struct{}

	once   sync.Once
	code   websocket.StatusCode
	reason string
}

// stop ends the connection's writer. The first caller picks the close code.
func (c *conn) stop(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.code, c.reason = code, reason
		close(c.done)
	})
}

// Hub tracks connections per user and delivers each user only their own
// task events.
type Hub struct {
	opts   Options
	accept *websocket.AcceptOptions

	mu    sync.RWMutex
	conns map[string]map[*conn]struct{}
}

// NewHub creates an empty hub.
func NewHub(opts Options) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		opts:   opts,
		accept: acceptOptions(opts.AllowedOrigins),
		conns:  make(map[string]map[*conn]struct{}),
	}
}

func acceptOptions(origins []string) *websocket.AcceptOptions {
	var hosts []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
		case o == "*":
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		default:
			if u, err := url.Parse(o); err == nil && u.Host != "" {
				o = u.Host
			}
			hosts = append(hosts, o)
		}
	}
	if len(hosts) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: hosts}
}

// HandleWS upgrades the request to a WebSocket for the calling user. It
// must run behind middleware.UserID.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}
	if h.userConnCount(userID) >= h.opts.MaxConnsPerUser {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		slog.WarnContext(r.Context(), "websocket accept failed", "user_id", userID, "error", err)
		return
	}

	c := &conn{
		ws:     ws,
		userID: userID,
		send:   make(chan []byte, h.opts.SendBuffer),
		done:   make(chan struct{}),
	}
	h.add(c)
	slog.Info("websocket connected", "user_id", userID, "remote", r.RemoteAddr)

	// The request context ends with the HTTP handler; the connection outlives it.
	ctx := ws.CloseRead(context.WithoutCancel(r.Context()))
	go h.serve(ctx, c)
}

// serve writes queued events and keeps the connection alive with pings
// until the client goes away or the hub drops it.
func (h *Hub) serve(ctx context.Context, c *conn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		h.remove(c, websocket.StatusNormalClosure, "")
		_ = c.ws.Close(c.code, c.reason)
		slog.Info("websocket disconnected", "user_id", c.userID)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed", "user_id", c.userID, "error", err)
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// SendToUser queues msg on every connection of userID. A connection whose
// queue is full is dropped; the client reconnects and reloads task state.
func (h *Hub) SendToUser(ctx context.Context, userID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.ErrorContext(ctx, "websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			slog.WarnContext(ctx, "websocket client too slow, dropping", "user_id", userID)
			h.remove(c, websocket.StatusPolicyViolation, "slow consumer")
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

func (h *Hub) userConnCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.userID]
	if !ok {
		set = make(map[*conn]struct{})
		h.conns[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(c *conn, code websocket.StatusCode, reason string) {
	h.mu.Lock()
	if set := h.conns[c.userID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.userID)
		}
	}
	h.mu.Unlock()
	c.stop(code, reason)
}
