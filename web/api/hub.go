package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// Event is one frame pushed to connected websocket clients
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans events out to connected websocket clients. The client table
// is owned by the Run loop; registration, removal and delivery all pass
// through its channels.
type Hub struct {
	clients    map[chan Event]bool
	broadcast  chan Event
	register   chan chan Event
	unregister chan chan Event
}

// NewHub creates a new websocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[chan Event]bool),
		broadcast:  make(chan Event, 64),
		register:   make(chan chan Event),
		unregister: make(chan chan Event),
	}
}

// Run starts the hub loop. Clients that cannot keep up are dropped.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}

		case event := <-h.broadcast:
			for client := range h.clients {
				select {
				case client <- event:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Broadcast queues an event for delivery. Events are dropped rather than
// blocking the caller when the hub is saturated or not yet running.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		client := make(chan Event, 16)
		s.hub.register <- client

		// Inbound frames are discarded; reads only detect disconnects.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					s.hub.unregister <- client
					return
				}
			}
		}()

		for event := range client {
			if err := conn.WriteJSON(event); err != nil {
				break
			}
		}
		s.hub.unregister <- client
	}
}
