// Package api exposes the decision core over REST/JSON plus websocket
// alert and event streams.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trustplane/trustplane/internal/audit"
	"github.com/trustplane/trustplane/internal/engine"
)

// AlertSource is the subscription side of the alert sink, consumed by the
// websocket stream.
type AlertSource interface {
	Subscribe() (<-chan audit.SecurityAlert, func())
}

// Server wires the engine's operations onto HTTP routes.
type Server struct {
	engine *engine.Engine
	alerts AlertSource
	stream *AlertStreamer
	events *EventStreamer
}

// NewServer creates the HTTP surface for an engine.
func NewServer(e *engine.Engine, alerts AlertSource) *Server {
	s := &Server{engine: e, alerts: alerts}
	if alerts != nil {
		s.stream = NewAlertStreamer(alerts)
	}
	if bus := e.Bus(); bus != nil {
		s.events = NewEventStreamer(bus)
	}
	return s
}

// Router builds the mux router. The gatherer serves /metrics; pass the
// registry the engine's metrics were registered against.
func (s *Server) Router(gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/trust/evaluate", s.handleEvaluate).Methods("POST")
	api.HandleFunc("/access/check", s.handleCheckAccess).Methods("POST")
	api.HandleFunc("/authenticate", s.handleAuthenticate).Methods("POST")

	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleTerminateSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/reauth", s.handleReauth).Methods("POST")

	api.HandleFunc("/events", s.handleIngestEvent).Methods("POST")
	api.HandleFunc("/scan", s.handleScan).Methods("POST")
	api.HandleFunc("/threats", s.handleListThreats).Methods("GET")
	api.HandleFunc("/threats/{id}/respond", s.handleRespond).Methods("POST")
	api.HandleFunc("/threats/{id}/status", s.handleThreatStatus).Methods("PUT")

	api.HandleFunc("/policies", s.handleListPolicies).Methods("GET")
	api.HandleFunc("/policies", s.handleAddPolicy).Methods("POST")
	api.HandleFunc("/policies/{id}", s.handleUpdatePolicy).Methods("PUT")

	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	if s.stream != nil {
		r.HandleFunc("/ws/alerts", s.stream.HandleWebSocket)
	}
	if s.events != nil {
		r.HandleFunc("/ws/events", s.events.HandleWebSocket)
	}
	return r
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
