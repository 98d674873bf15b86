// Package ws pushes reconciled view state to connected dashboard
// clients over websockets, so the rendering layer does not have to poll.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetview/fleetview/internal/feed"
)

// Hub fans the latest view out to every connected websocket client.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	last    []byte
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			// The dashboard is served from a different origin in dev.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and registers the client. The most
// recent view is sent immediately so the map can center without waiting
// for the next change.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	// The initial frame is sent under the lock: Broadcast writes to every
	// registered conn while holding it, and gorilla conns forbid
	// concurrent writers.
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	if h.last != nil {
		if err := conn.WriteMessage(websocket.TextMessage, h.last); err != nil {
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
			return
		}
	}
	h.mu.Unlock()

	go h.readPump(conn)
}

// Broadcast sends the view to every client, dropping clients whose
// writes fail.
func (h *Hub) Broadcast(v feed.View) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("encoding view for broadcast")
		return
	}

	h.mu.Lock()
	h.last = data
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
	h.mu.Unlock()
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// readPump drains client messages until the connection drops. Inbound
// traffic is ignored; the channel is push-only.
func (h *Hub) readPump(conn *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
