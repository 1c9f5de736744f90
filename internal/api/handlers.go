package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trustplane/trustplane/internal/engine"
	"github.com/trustplane/trustplane/internal/incident"
	"github.com/trustplane/trustplane/internal/policy"
	"github.com/trustplane/trustplane/internal/session"
	"github.com/trustplane/trustplane/internal/threat"
	"github.com/trustplane/trustplane/internal/trust"
)

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrFrameworkNotActive):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrAccessDenied), errors.Is(err, engine.ErrAuthenticationFailed):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrPolicyNotFound),
		errors.Is(err, threat.ErrThreatNotFound),
		errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, threat.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, incident.ErrUnknownAction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if !s.engine.Active() {
		status = "inactive"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status, "service": "trustplane"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

// ============================================================================
// TRUST + ACCESS
// ============================================================================

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req trust.AccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	eval, err := s.engine.EvaluateTrust(r.Context(), &req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

func (s *Server) handleCheckAccess(w http.ResponseWriter, r *http.Request) {
	var req trust.AccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	decision, eval, err := s.engine.CheckAccess(r.Context(), &req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decision":   decision,
		"evaluation": eval,
	})
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req trust.AccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, decision, err := s.engine.Authenticate(r.Context(), &req)
	if err != nil {
		if errors.Is(err, engine.ErrAuthenticationFailed) {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"error":    err.Error(),
				"decision": decision,
			})
			return
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session":  sess,
		"decision": decision,
	})
}

// ============================================================================
// SESSIONS
// ============================================================================

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions, err := s.engine.Sessions()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.GetSession(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "terminated via api"
	}
	if err := s.engine.TerminateSession(r.Context(), mux.Vars(r)["id"], reason); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReauth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	state, err := s.engine.ResolveReauth(r.Context(), mux.Vars(r)["id"], body.Success)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}

// ============================================================================
// THREATS
// ============================================================================

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev threat.SecurityEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.IngestEvent(ev); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type      threat.ScanType       `json:"type"`
		Detectors []threat.DetectorKind `json:"detectors,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Type == "" {
		body.Type = threat.ScanIncremental
	}
	result, err := s.engine.PerformThreatScan(r.Context(), body.Type, body.Detectors)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListThreats(w http.ResponseWriter, _ *http.Request) {
	threats, err := s.engine.ActiveThreats()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	level, _ := s.engine.ThreatLevel()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"threat_level": level,
		"threats":      threats,
	})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	// The body is optional; an absent or empty action falls back to
	// severity routing.
	var body struct {
		Action incident.Action `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.engine.RespondToThreat(r.Context(), mux.Vars(r)["id"], body.Action)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleThreatStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status threat.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.UpdateThreatStatus(mux.Vars(r)["id"], body.Status); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// POLICIES
// ============================================================================

func (s *Server) handleListPolicies(w http.ResponseWriter, _ *http.Request) {
	policies, err := s.engine.SecurityPolicies()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

func (s *Server) handleAddPolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.SecurityPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	added, err := s.engine.AddSecurityPolicy(r.Context(), p)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.SecurityPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := s.engine.UpdateSecurityPolicy(r.Context(), mux.Vars(r)["id"], p)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
