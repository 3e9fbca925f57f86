package events

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketClient is a connected live subscriber.
type WebSocketClient struct {
	ID            string
	Conn          *websocket.Conn
	Send          chan Event
	Topics        map[string]bool
	mu            sync.RWMutex
}

// WebSocketHub fans orchestration events out to live admin/UI
// subscribers, the second leg of EventBus transport (spec.md §1 keeps
// this outside core scope, but the hub still ships it as a concrete
// component), adapted from the teacher's pkg/api WebSocketHub.
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan Event
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	logger     *slog.Logger
	mu         sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func NewWebSocketHub(logger *slog.Logger) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHub{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		logger:     logger,
	}
}

// Run drives the hub's register/unregister/broadcast loop until done is
// closed, then disconnects every client.
func (h *WebSocketHub) Run(done <-chan struct{}) {
	h.logger.Info("event websocket hub started")
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				client.mu.RLock()
				subscribed := client.Topics[ev.Topic]
				client.mu.RUnlock()
				if !subscribed {
					continue
				}
				select {
				case client.Send <- ev:
				default:
					h.logger.Warn("event client send buffer full, dropping", "client_id", client.ID)
				}
			}
			h.mu.RUnlock()

		case <-done:
			h.Stop()
			return
		}
	}
}

// Stop disconnects every client.
func (h *WebSocketHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Conn.Close()
		close(client.Send)
		delete(h.clients, client)
	}
}

// Publish implements Bus by fanning the event out over the broadcast
// channel; never blocks the caller.
func (h *WebSocketHub) Publish(_ context.Context, topic string, payload interface{}) {
	select {
	case h.broadcast <- Event{Topic: topic, Timestamp: time.Now(), Data: payload}:
	default:
		h.logger.Warn("event broadcast channel full, dropping", "topic", topic)
	}
}

// Register adds client to the hub's fan-out set.
func (h *WebSocketHub) Register(client *WebSocketClient) {
	h.register <- client
}

// Unregister removes client from the hub's fan-out set.
func (h *WebSocketHub) Unregister(client *WebSocketClient) {
	h.unregister <- client
}

// Upgrade upgrades an HTTP connection to a WebSocket for event streaming.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}
