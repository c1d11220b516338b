package models

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

// Hub fans work item updates out to connected WebSocket clients
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.Mutex
	log        zerolog.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "ws_hub").Logger(),
	}
}

// Run serves register, unregister and broadcast requests until ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("clients", count).Msg("websocket client connected")
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("clients", count).Msg("websocket client disconnected")
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					h.log.Warn().Err(err).Msg("dropping websocket client")
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastItemUpdate sends a work item transition to all connected clients.
// Updates are dropped when the hub is backed up.
func (h *Hub) BroadcastItemUpdate(item WorkItem) {
	update := map[string]interface{}{
		"type":      "item_update",
		"item_id":   item.ID,
		"name":      item.Name,
		"status":    item.Status,
		"timestamp": item.UpdatedAt,
	}

	if item.Status.IsFailure() && item.ErrorMessage != "" {
		update["error"] = item.ErrorMessage
	}

	jsonData, err := json.Marshal(update)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal item update")
		return
	}

	select {
	case h.broadcast <- jsonData:
	default:
		h.log.Warn().Str("item", item.ID).Msg("websocket hub busy, update dropped")
	}
}

// RegisterClient registers a new WebSocket client. It returns false once
// the hub has stopped; the caller owns conn in that case.
func (h *Hub) RegisterClient(conn *websocket.Conn) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.done:
		return false
	}
}

// UnregisterClient unregisters a WebSocket client. After the hub stops it
// only closes conn.
func (h *Hub) UnregisterClient(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
		if conn != nil {
			conn.Close()
		}
	}
}
