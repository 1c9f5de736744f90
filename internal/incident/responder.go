package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trustplane/trustplane/internal/audit"
	"github.com/trustplane/trustplane/internal/threat"
)

// ============================================================================
// TYPES
// ============================================================================

// Action is a response taken against a detected threat.
type Action string

const (
	ActionMonitor       Action = "monitor"
	ActionBlock         Action = "block"
	ActionQuarantine    Action = "quarantine"
	ActionInvestigate   Action = "investigate"
	ActionEscalate      Action = "escalate"
	ActionAutoRemediate Action = "auto_remediate"
)

// ErrUnknownAction is returned when a requested response action is not one
// of the Action constants.
var ErrUnknownAction = errors.New("unknown response action")

// ResponseResult records what the responder did for one threat.
type ResponseResult struct {
	ThreatID  string    `json:"threat_id"`
	Action    Action    `json:"action"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionController is the slice of the session layer the responder drives.
type SessionController interface {
	Restrict(ctx context.Context, id, reason string) error
	TerminateAll(ctx context.Context, reason string) int
	TerminateForPrincipal(ctx context.Context, principalID, reason string) int
}

// MonitorBooster raises the continuous monitor's sweep frequency.
type MonitorBooster interface {
	BoostFrequency(interval, duration time.Duration)
}

// ResponderConfig configures the incident responder.
type ResponderConfig struct {
	BoostInterval time.Duration // sweep cadence while boosted
	BoostDuration time.Duration // how long the boost holds
}

// Responder routes detected threats to containment actions by severity.
type Responder struct {
	sessions SessionController
	monitor  MonitorBooster
	alerts   audit.AlertSink
	auditLog audit.Sink
	cfg      ResponderConfig

	mu       sync.Mutex
	lockdown bool
	history  []ResponseResult

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewResponder creates an incident responder.
func NewResponder(sessions SessionController, monitor MonitorBooster, alerts audit.AlertSink, auditLog audit.Sink, cfg ResponderConfig) *Responder {
	if cfg.BoostInterval == 0 {
		cfg.BoostInterval = 10 * time.Second
	}
	if cfg.BoostDuration == 0 {
		cfg.BoostDuration = 10 * time.Minute
	}
	return &Responder{
		sessions: sessions,
		monitor:  monitor,
		alerts:   alerts,
		auditLog: auditLog,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// ============================================================================
// ROUTING
// ============================================================================

// Respond takes the containment action for one threat: Critical locks the
// framework down, High quarantines the implicated session, Medium raises the
// monitoring frequency for the source, Low is logged only.
func (r *Responder) Respond(ctx context.Context, t *threat.DetectedThreat) ResponseResult {
	return r.finalize(t, r.route(ctx, t))
}

// RespondWith runs a requested action instead of the severity routing. An
// empty action or ActionAutoRemediate falls back to the automatic route;
// anything outside the Action constants is rejected.
func (r *Responder) RespondWith(ctx context.Context, t *threat.DetectedThreat, action Action) (ResponseResult, error) {
	var result ResponseResult
	switch action {
	case "", ActionAutoRemediate:
		result = r.route(ctx, t)
	case ActionMonitor:
		result = ResponseResult{ThreatID: t.ID, Action: ActionMonitor, Success: true, Detail: "logged"}
	case ActionBlock:
		result = r.block(ctx, t)
	case ActionQuarantine:
		result = r.quarantine(ctx, t)
	case ActionInvestigate:
		result = r.boostMonitoring(t)
	case ActionEscalate:
		result = r.lockdownResponse(ctx, t)
	default:
		return ResponseResult{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return r.finalize(t, result), nil
}

func (r *Responder) route(ctx context.Context, t *threat.DetectedThreat) ResponseResult {
	switch t.Severity {
	case threat.SeverityCritical:
		return r.lockdownResponse(ctx, t)
	case threat.SeverityHigh:
		return r.quarantine(ctx, t)
	case threat.SeverityMedium:
		return r.boostMonitoring(t)
	default:
		return ResponseResult{ThreatID: t.ID, Action: ActionMonitor, Success: true, Detail: "logged"}
	}
}

func (r *Responder) finalize(t *threat.DetectedThreat, result ResponseResult) ResponseResult {
	result.Timestamp = time.Now()

	r.mu.Lock()
	r.history = append(r.history, result)
	r.mu.Unlock()

	r.record(t, result)
	return result
}

func (r *Responder) lockdownResponse(ctx context.Context, t *threat.DetectedThreat) ResponseResult {
	r.mu.Lock()
	already := r.lockdown
	r.lockdown = true
	r.mu.Unlock()

	if already {
		// Lockdown is idempotent: a second critical threat during an active
		// lockdown changes nothing.
		return ResponseResult{ThreatID: t.ID, Action: ActionEscalate, Success: true, Detail: "lockdown already active"}
	}

	terminated := r.sessions.TerminateAll(ctx, "emergency lockdown: "+t.ID)
	slog.Error("emergency lockdown engaged", "threat_id", t.ID, "type", t.Type, "sessions_terminated", terminated)

	alert := audit.NewAlert("critical", "emergency lockdown engaged")
	alert.ThreatID = t.ID
	alert.Detail = fmt.Sprintf("%d sessions terminated", terminated)
	r.alerts.Raise(alert)

	return ResponseResult{
		ThreatID: t.ID,
		Action:   ActionEscalate,
		Success:  true,
		Detail:   fmt.Sprintf("lockdown engaged, %d sessions terminated", terminated),
	}
}

// block cuts off the implicated principal entirely: every session it owns
// ends. With only a session implicated the session is restricted instead.
func (r *Responder) block(ctx context.Context, t *threat.DetectedThreat) ResponseResult {
	detail := "nothing implicated, no sessions affected"
	success := true

	switch {
	case t.PrincipalID != "":
		n := r.sessions.TerminateForPrincipal(ctx, t.PrincipalID, "blocked: "+t.ID)
		detail = fmt.Sprintf("principal %s blocked, %d sessions terminated", t.PrincipalID, n)
		slog.Warn("principal blocked", "threat_id", t.ID, "principal_id", t.PrincipalID, "sessions_terminated", n)
	case t.SessionID != "":
		if err := r.sessions.Restrict(ctx, t.SessionID, "blocked: "+t.ID); err != nil {
			success = false
			detail = fmt.Sprintf("block failed: %v", err)
			slog.Warn("session block failed", "threat_id", t.ID, "session_id", t.SessionID, "error", err)
		} else {
			detail = "session " + t.SessionID + " blocked"
		}
	}

	return ResponseResult{ThreatID: t.ID, Action: ActionBlock, Success: success, Detail: detail}
}

func (r *Responder) quarantine(ctx context.Context, t *threat.DetectedThreat) ResponseResult {
	detail := "no session implicated"
	success := true

	switch {
	case t.SessionID != "":
		if err := r.sessions.Restrict(ctx, t.SessionID, "quarantined: "+t.ID); err != nil {
			success = false
			detail = fmt.Sprintf("quarantine failed: %v", err)
			slog.Warn("session quarantine failed", "threat_id", t.ID, "session_id", t.SessionID, "error", err)
		} else {
			detail = "session " + t.SessionID + " quarantined"
		}
	case t.PrincipalID != "":
		n := r.sessions.TerminateForPrincipal(ctx, t.PrincipalID, "quarantined: "+t.ID)
		detail = fmt.Sprintf("%d sessions for principal terminated", n)
	}

	alert := audit.NewAlert("high", "threat quarantine")
	alert.ThreatID = t.ID
	alert.SessionID = t.SessionID
	alert.PrincipalID = t.PrincipalID
	alert.Detail = detail
	r.alerts.Raise(alert)

	return ResponseResult{ThreatID: t.ID, Action: ActionQuarantine, Success: success, Detail: detail}
}

func (r *Responder) boostMonitoring(t *threat.DetectedThreat) ResponseResult {
	r.monitor.BoostFrequency(r.cfg.BoostInterval, r.cfg.BoostDuration)
	slog.Info("monitoring frequency raised", "threat_id", t.ID, "interval", r.cfg.BoostInterval, "duration", r.cfg.BoostDuration)
	return ResponseResult{
		ThreatID: t.ID,
		Action:   ActionInvestigate,
		Success:  true,
		Detail:   fmt.Sprintf("sweep interval boosted to %s", r.cfg.BoostInterval),
	}
}

func (r *Responder) record(t *threat.DetectedThreat, result ResponseResult) {
	rec := audit.NewRecord("incident_response")
	rec.PrincipalID = t.PrincipalID
	rec.SessionID = t.SessionID
	rec.Outcome = string(result.Action)
	rec.Detail = map[string]interface{}{
		"threat_id": t.ID,
		"severity":  t.Severity.String(),
		"success":   result.Success,
		"detail":    result.Detail,
	}
	r.auditLog.Append(rec)
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Run consumes detected threats from the engine's notification channel until
// Stop or context cancellation.
func (r *Responder) Run(ctx context.Context, threats <-chan *threat.DetectedThreat) {
	go func() {
		for {
			select {
			case t, ok := <-threats:
				if !ok {
					return
				}
				r.Respond(ctx, t)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the consumer loop.
func (r *Responder) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// LockdownActive reports whether an emergency lockdown is in effect.
func (r *Responder) LockdownActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lockdown
}

// LiftLockdown clears the lockdown after operator review.
func (r *Responder) LiftLockdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockdown {
		r.lockdown = false
		slog.Info("emergency lockdown lifted")
	}
}

// History returns a copy of the response log.
func (r *Responder) History() []ResponseResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ResponseResult, len(r.history))
	copy(out, r.history)
	return out
}
