package api

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/trustplane/trustplane/internal/events"
)

// EventStreamer pushes framework events from the bus to websocket clients.
// A client may narrow the feed with ?kinds=a,b; without it the client
// receives every event.
type EventStreamer struct {
	bus      *events.Bus
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan *events.Envelope
}

// NewEventStreamer creates the streamer over a bus.
func NewEventStreamer(bus *events.Bus) *EventStreamer {
	return &EventStreamer{
		bus:     bus,
		clients: make(map[*websocket.Conn]chan *events.Envelope),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades the connection and forwards bus events until the
// client disconnects.
func (s *EventStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	var kinds []string
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		kinds = strings.Split(raw, ",")
	}

	sub := s.bus.Subscribe(kinds...)
	s.mu.Lock()
	s.clients[conn] = sub
	total := len(s.clients)
	s.mu.Unlock()
	slog.Info("event stream client connected", "kinds", kinds, "total", total)

	// Reader: detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer s.drop(conn)
		for {
			select {
			case env, ok := <-sub:
				if !ok {
					return
				}
				if err := conn.WriteJSON(env); err != nil {
					slog.Warn("event stream write failed", "error", err)
					return
				}
			case <-done:
				return
			}
		}
	}()
}

func (s *EventStreamer) drop(conn *websocket.Conn) {
	s.mu.Lock()
	sub, ok := s.clients[conn]
	delete(s.clients, conn)
	total := len(s.clients)
	s.mu.Unlock()

	if ok {
		s.bus.Unsubscribe(sub)
		conn.Close()
		slog.Info("event stream client disconnected", "total", total)
	}
}

// ClientCount returns the number of connected stream clients.
func (s *EventStreamer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
