package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hivegrid/hivegrid/internal/natsbus"
	"github.com/nats-io/nats.go"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is the shape pushed to websocket clients.
type Event struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// hub fans monitoring traffic out to every connected websocket client.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	events  chan Event
}

func newHub() *hub {
	return &hub{
		clients: make(map[*websocket.Conn]bool),
		events:  make(chan Event, 256),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.events:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *hub) broadcast(event Event) {
	select {
	case h.events <- event:
	default:
		slog.Warn("event stream full, dropping event", "channel", event.Channel)
	}
}

func (h *hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

// subscribeEvents forwards monitoring and consensus channel traffic into
// the hub.
func (s *Server) subscribeEvents() {
	if s.nats == nil {
		return
	}
	for _, channel := range []string{"monitoring", "consensus"} {
		_, err := s.nats.Subscribe(natsbus.TopicChannel(channel), func(msg *nats.Msg) {
			s.hub.broadcast(Event{Channel: channel, Payload: msg.Data})
		})
		if err != nil {
			slog.Warn("event subscription failed", "channel", channel, "error", err)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	s.hub.add(conn)
	defer func() {
		s.hub.remove(conn)
		conn.Close()
	}()

	// Hold the connection open; clients only receive.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
