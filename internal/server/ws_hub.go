// Package server — WebSocket hub for real-time round lifecycle broadcasts.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playloop/game-engine/internal/metrics"
	"github.com/playloop/game-engine/internal/model"
)

// Timing knobs are vars so tests can shrink them.
var (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSMessage is a JSON message sent to WebSocket clients on round events.
// The seed never appears here pre-reveal: round JSON marshalling hides it.
type WSMessage struct {
	Type        string         `json:"type"` // round_opened, round_locked, round_revealed, round_settled
	GameID      string         `json:"game_id"`
	BucketStart int64          `json:"bucket_start"`
	Status      string         `json:"status"`
	SeedHash    string         `json:"seed_hash"`
	Outcome     *model.Outcome `json:"outcome,omitempty"`
}

// wsClient is one connection. All writes to the underlying conn — broadcasts
// and pings alike — go through send and are performed by the single
// writePump goroutine, per gorilla/websocket's one-writer contract.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub manages WebSocket connections and broadcasts round lifecycle events
// to all connected clients — every player in a bucket shares the round, so
// every client gets the same push. The clients map is owned exclusively by
// the Run loop; the mutex only guards the snapshot taken by ClientCount.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", total)

		case c := <-h.unregister:
			h.removeClient(c)

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*wsClient, 0, len(h.clients))
			for c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.RUnlock()
			for _, c := range targets {
				select {
				case c.send <- msg:
				default:
					// Client not draining; drop it rather than block the hub.
					h.removeClient(c)
				}
			}
		}
	}
}

// removeClient drops a client from the map and closes its send channel,
// which terminates its writePump. Idempotent.
func (h *WSHub) removeClient(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		close(c.send)
		c.conn.Close()
		metrics.WebSocketClients.Dec()
	}
}

// BroadcastRound sends a round lifecycle event to all connected clients.
// Satisfies round.Broadcaster.
func (h *WSHub) BroadcastRound(event string, r *model.Round) {
	msg := WSMessage{
		Type:        event,
		GameID:      r.GameID,
		BucketStart: r.BucketStart,
		Status:      string(r.Status),
		SeedHash:    r.SeedHash,
		Outcome:     r.Outcome,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking round transitions.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, 64)}
	h.register <- c
	go c.writePump()
	go c.readPump(h)
}

// writePump is the connection's only writer: it drains the send channel and
// emits keepalive pings from the same goroutine. It exits when the hub
// closes the send channel or a write fails.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump keeps the connection alive and detects disconnects. On exit the
// client is unregistered, which also tears down its writePump.
func (c *wsClient) readPump(h *WSHub) {
	defer func() { h.unregister <- c }()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
