package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/orient-bot/policy-sidecar/internal/approval"
	"github.com/orient-bot/policy-sidecar/internal/auth"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	refreshPeriod  = 2 * time.Second
)

// WebSocket message types.
const (
	MessagePending   = "pending_snapshot"
	MessageRequest   = "approval_request"
	MessageCancelled = "approval_cancelled"
	MessageDecision  = "approval_decision"
)

type WSMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Text      string `json:"text,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// PendingSource is what the hub needs from the approval coordinator.
type PendingSource interface {
	Pending(ctx context.Context) []approval.Request
	NotifyChannel() <-chan struct{}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan WSMessage
	hub  *Hub
	once sync.Once
}

// Hub fans dashboard messages out to every connected WebSocket client. The
// run goroutine owns the client set.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]struct{}
	broadcast  chan WSMessage
	register   chan *client
	unregister chan *client
	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
}

func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan WSMessage, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		ctx:        ctx,
		cancel:     cancel,
	}
	go h.run()
	return h
}

func (h *Hub) Shutdown() {
	h.once.Do(func() {
		log.Info().Msg("shutting down websocket hub")
		h.cancel()
	})
}

// Publish queues msg for every client. It never blocks past hub shutdown.
func (h *Hub) Publish(msg WSMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().Str("client_id", c.id).Int("total", total).Msg("client connected")

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var slow []*client
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				log.Warn().Str("client_id", c.id).Msg("client send buffer full, disconnecting")
				h.drop(c)
			}

		case <-h.ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				c.close()
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		log.Info().Str("client_id", c.id).Int("total", total).Msg("client disconnected")
	}
}

// WatchPending pushes a pending snapshot whenever src changes, plus a
// periodic refresh to catch coalesced notifications.
func (h *Hub) WatchPending(src PendingSource) {
	go func() {
		ticker := time.NewTicker(refreshPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-src.NotifyChannel():
				h.Publish(pendingSnapshot(src))
			case <-ticker.C:
				if h.ClientCount() > 0 {
					h.Publish(pendingSnapshot(src))
				}
			case <-h.ctx.Done():
				return
			}
		}
	}()
}

func pendingSnapshot(src PendingSource) WSMessage {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pending := src.Pending(ctx)
	return WSMessage{
		Type: MessagePending,
		Data: map[string]any{
			"total":   len(pending),
			"pending": pending,
		},
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client_id", c.id).Msg("websocket read error")
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
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

type WSHandler struct {
	hub      *Hub
	pending  PendingSource
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *Hub, pending PendingSource) *WSHandler {
	return &WSHandler{
		hub:     hub,
		pending: pending,
		upgrader: websocket.Upgrader{
			// Callers are authenticated by the auth middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return err
	}

	cl := &client{
		id:   auth.Identity(c) + "-" + uuid.NewString()[:8],
		conn: conn,
		send: make(chan WSMessage, 256),
		hub:  h.hub,
	}
	cl.send <- pendingSnapshot(h.pending)

	select {
	case h.hub.register <- cl:
	case <-h.hub.ctx.Done():
		conn.Close()
		return nil
	}

	go cl.writePump()
	go cl.readPump()
	return nil
}
