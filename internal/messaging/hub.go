// Package messaging is the channel between the agent and connected page
// clients. Pages connect over a websocket; the agent broadcasts state and
// lifecycle messages, and pages send control messages back.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Message types exchanged with page clients.
const (
	TypeSkipWaiting      = "SKIP_WAITING"
	TypeClearCache       = "CLEAR_CACHE"
	TypeOnline           = "ONLINE"
	TypeOffline          = "OFFLINE"
	TypeState            = "STATE"
	TypeControllerChange = "CONTROLLER_CHANGE"
	TypeCacheCleared     = "CACHE_CLEARED"
)

const (
	sendBuffer   = 16
	writeTimeout = 5 * time.Second
)

// Message is a single frame on the channel.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a Message, encoding payload when non-nil.
func NewMessage(msgType string, payload any) Message {
	msg := Message{Type: msgType}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			msg.Payload = raw
		}
	}
	return msg
}

// Handler processes a message received from a page.
type Handler func(ctx context.Context, msg Message)

// Hub tracks connected page clients.
type Hub struct {
	originPatterns []string

	mu      sync.RWMutex
	clients map[*client]struct{}
	handler Handler
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub accepting connections from the given origin
// patterns in addition to same-host requests.
func NewHub(originPatterns ...string) *Hub {
	return &Hub{
		originPatterns: originPatterns,
		clients:        make(map[*client]struct{}),
	}
}

// SetHandler installs the inbound message handler.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// ClientCount returns the number of connected pages.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for every connected page. Clients whose buffer is
// full miss the message rather than stall the sender.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slog.Warn("dropping message for slow client",
				"component", "messaging",
				"type", msg.Type,
			)
		}
	}
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Warn("websocket accept failed",
			"component", "messaging",
			"error", err,
		)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	defer h.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writeLoop(ctx, c)

	h.readLoop(ctx, c)
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	slog.Debug("page client connected", "component", "messaging", "clients", n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	slog.Debug("page client disconnected", "component", "messaging", "clients", n)
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure &&
				status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				slog.Debug("websocket read ended", "component", "messaging", "error", err)
			}
			return
		}

		var msg Message
		if json.Unmarshal(data, &msg) != nil || msg.Type == "" {
			continue
		}

		h.mu.RLock()
		handler := h.handler
		h.mu.RUnlock()
		if handler != nil {
			h.dispatch(ctx, handler, msg)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, handler Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("message handler panicked",
				"component", "messaging",
				"type", msg.Type,
				"panic", r,
			)
		}
	}()
	handler(ctx, msg)
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.conn.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}
