// Package session tracks live sessions and re-evaluates them continuously.
// Trust is never assumed from prior authentication: the monitor sweeps every
// live session through the trust compositor and reacts when trust degrades
// below its value at session start.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustplane/trustplane/internal/trust"
)

// State is the lifecycle state of a session. Transitions are monotonic
// toward Terminated except Degraded -> Active after successful
// re-verification.
type State string

const (
	StateActive     State = "active"
	StateDegraded   State = "degraded"
	StateRestricted State = "restricted"
	StateTerminated State = "terminated"
)

// ErrSessionNotFound is returned for unknown or already-terminated lookups.
var ErrSessionNotFound = errors.New("session not found")

// Session is one live principal session. Mutated only through the Registry;
// reads get copies.
type Session struct {
	ID                string               `json:"id"`
	PrincipalID       string               `json:"principal_id"`
	InitialTrustScore float64              `json:"initial_trust_score"`
	CurrentTrustScore float64              `json:"current_trust_score"`
	State             State                `json:"state"`
	StartTime         time.Time            `json:"start_time"`
	LastActivity      time.Time            `json:"last_activity"`
	LastRequest       *trust.AccessRequest `json:"last_request,omitempty"`
	LastEvaluation    *trust.Evaluation    `json:"last_evaluation,omitempty"`
	ReauthPending     bool                 `json:"reauth_pending"`
	ReauthAttempts    int                  `json:"reauth_attempts"`
	TerminationReason string               `json:"termination_reason,omitempty"`
}

// SnapshotStore mirrors session state to an external store (Redis in
// production). Writes are best-effort: a store failure is logged and never
// blocks a state transition.
type SnapshotStore interface {
	SaveSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, id string) error
}

// Loader is implemented by snapshot stores that can enumerate persisted
// sessions for warm restart.
type Loader interface {
	LoadSessions(ctx context.Context) ([]Session, error)
}

// Registry is the single owner of mutable session state. All mutation goes
// through its methods under one lock; updates to the same session serialize,
// and evaluations apply in timestamp order regardless of call completion
// order.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	store    SnapshotStore
}

// NewRegistry creates an empty registry. store may be nil.
func NewRegistry(store SnapshotStore) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		store:    store,
	}
}

// Create registers a new session after a successful authentication decision.
// The initial trust score is captured at creation and never rewritten.
func (r *Registry) Create(ctx context.Context, principalID string, req *trust.AccessRequest, eval *trust.Evaluation) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	s := &Session{
		ID:                uuid.NewString(),
		PrincipalID:       principalID,
		InitialTrustScore: eval.CompositeScore,
		CurrentTrustScore: eval.CompositeScore,
		State:             StateActive,
		StartTime:         now,
		LastActivity:      now,
		LastRequest:       req,
		LastEvaluation:    eval,
	}
	r.sessions[s.ID] = s
	r.persist(ctx, s)
	return snapshotOf(s)
}

// Restore seeds the registry from persisted snapshots after a restart.
// Terminated snapshots and IDs already tracked are skipped; returns how many
// sessions were adopted.
func (r *Registry) Restore(sessions []Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	adopted := 0
	for i := range sessions {
		s := sessions[i]
		if s.State == StateTerminated || s.ID == "" {
			continue
		}
		if _, exists := r.sessions[s.ID]; exists {
			continue
		}
		r.sessions[s.ID] = &s
		adopted++
	}
	return adopted
}

// Get returns a copy of a session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return snapshotOf(s), nil
}

// Live returns copies of all Active and Degraded sessions, the set the
// continuous monitor sweeps.
func (r *Registry) Live() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.State == StateActive || s.State == StateDegraded {
			out = append(out, snapshotOf(s))
		}
	}
	return out
}

// All returns copies of every tracked session, any state.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, snapshotOf(s))
	}
	return out
}

// RecordActivity bumps the session's last-activity time and stores the
// latest request.
func (r *Registry) RecordActivity(ctx context.Context, id string, req *trust.AccessRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.State == StateTerminated {
		return ErrSessionNotFound
	}
	s.LastActivity = time.Now()
	if req != nil {
		s.LastRequest = req
	}
	r.persist(ctx, s)
	return nil
}

// ApplyEvaluation records a fresh evaluation against a session. Last writer
// wins by evaluation timestamp, not by call completion order: a stale
// evaluation never overwrites a newer one.
func (r *Registry) ApplyEvaluation(ctx context.Context, id string, eval *trust.Evaluation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.State == StateTerminated {
		return ErrSessionNotFound
	}
	if s.LastEvaluation != nil && !eval.Timestamp.After(s.LastEvaluation.Timestamp) {
		return nil // stale evaluation, drop
	}
	s.LastEvaluation = eval
	s.CurrentTrustScore = eval.CompositeScore
	r.persist(ctx, s)
	return nil
}

// MarkDegraded moves an active session to Degraded and flags a pending
// re-authentication.
func (r *Registry) MarkDegraded(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.State == StateTerminated {
		return ErrSessionNotFound
	}
	if s.State == StateActive || s.State == StateDegraded {
		s.State = StateDegraded
		s.ReauthPending = true
		r.persist(ctx, s)
	}
	return nil
}

// CompleteReauth resolves a pending re-authentication. Success recovers the
// session to Active; failure counts an attempt and terminates once the
// attempt budget is exhausted.
func (r *Registry) CompleteReauth(ctx context.Context, id string, success bool, maxAttempts int) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.State == StateTerminated {
		return StateTerminated, ErrSessionNotFound
	}
	if !s.ReauthPending {
		return s.State, nil
	}
	if success {
		s.State = StateActive
		s.ReauthPending = false
		s.ReauthAttempts = 0
		r.persist(ctx, s)
		return s.State, nil
	}
	s.ReauthAttempts++
	if s.ReauthAttempts >= maxAttempts {
		// terminateLocked deletes the snapshot; a persist after it would
		// resurrect the session on warm restart.
		r.terminateLocked(ctx, s, "re-authentication failed")
		return s.State, nil
	}
	r.persist(ctx, s)
	return s.State, nil
}

// Restrict moves a session to Restricted. Terminated sessions stay
// terminated.
func (r *Registry) Restrict(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.State == StateTerminated {
		return nil
	}
	s.State = StateRestricted
	s.ReauthPending = false
	s.TerminationReason = ""
	slog.Info("session restricted", "session_id", id, "principal_id", s.PrincipalID, "reason", reason)
	r.persist(ctx, s)
	return nil
}

// Terminate ends a session. The transition is atomic with re-auth
// cancellation and removal from sweep eligibility; already-terminated
// sessions are a no-op success.
func (r *Registry) Terminate(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.State == StateTerminated {
		return nil
	}
	r.terminateLocked(ctx, s, reason)
	return nil
}

// TerminateAll ends every non-terminated session and returns how many were
// affected. Used by emergency lockdown; idempotent.
func (r *Registry) TerminateAll(ctx context.Context, reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, s := range r.sessions {
		if s.State == StateTerminated {
			continue
		}
		r.terminateLocked(ctx, s, reason)
		count++
	}
	return count
}

// TerminateForPrincipal ends every live session owned by a principal.
func (r *Registry) TerminateForPrincipal(ctx context.Context, principalID, reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, s := range r.sessions {
		if s.PrincipalID == principalID && s.State != StateTerminated {
			r.terminateLocked(ctx, s, reason)
			count++
		}
	}
	return count
}

// LiveCount returns the number of Active and Degraded sessions.
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.State == StateActive || s.State == StateDegraded {
			n++
		}
	}
	return n
}

func (r *Registry) terminateLocked(ctx context.Context, s *Session, reason string) {
	s.State = StateTerminated
	s.ReauthPending = false
	s.TerminationReason = reason
	slog.Info("session terminated", "session_id", s.ID, "principal_id", s.PrincipalID, "reason", reason)
	if r.store != nil {
		if err := r.store.DeleteSession(ctx, s.ID); err != nil {
			slog.Warn("session snapshot delete failed", "session_id", s.ID, "error", err)
		}
	}
}

func (r *Registry) persist(ctx context.Context, s *Session) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveSession(ctx, *snapshotOf(s)); err != nil {
		slog.Warn("session snapshot save failed", "session_id", s.ID, "error", err)
	}
}

func snapshotOf(s *Session) *Session {
	copied := *s
	return &copied
}
