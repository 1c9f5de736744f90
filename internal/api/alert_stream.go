package api

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// AlertStreamer pushes security alerts to websocket clients as they are
// raised. A client that cannot keep up is disconnected.
type AlertStreamer struct {
	source   AlertSource
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]func()
}

// NewAlertStreamer creates the streamer.
func NewAlertStreamer(source AlertSource) *AlertStreamer {
	return &AlertStreamer{
		source:  source,
		clients: make(map[*websocket.Conn]func()),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades the connection and forwards alerts until the
// client disconnects.
func (s *AlertStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	alerts, cancel := s.source.Subscribe()
	s.mu.Lock()
	s.clients[conn] = cancel
	total := len(s.clients)
	s.mu.Unlock()
	slog.Info("alert stream client connected", "total", total)

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
			case alert, ok := <-alerts:
				if !ok {
					return
				}
				if err := conn.WriteJSON(alert); err != nil {
					slog.Warn("alert stream write failed", "error", err)
					return
				}
			case <-done:
				return
			}
		}
	}()
}

func (s *AlertStreamer) drop(conn *websocket.Conn) {
	s.mu.Lock()
	cancel, ok := s.clients[conn]
	delete(s.clients, conn)
	total := len(s.clients)
	s.mu.Unlock()

	if ok {
		cancel()
		conn.Close()
		slog.Info("alert stream client disconnected", "total", total)
	}
}

// ClientCount returns the number of connected stream clients.
func (s *AlertStreamer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
