package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustplane/trustplane/internal/session"
)

// ErrPolicyNotFound is returned when an update names an unknown policy.
var ErrPolicyNotFound = errors.New("policy not found")

// ============================================================================
// TYPES
// ============================================================================

// SecurityPolicy constrains live sessions. Policies are versioned; every
// update bumps Version and reapplies the policy to matching live sessions.
type SecurityPolicy struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Version           int           `json:"version"`
	MinEncryption     string        `json:"min_encryption,omitempty"`
	AllowedProtocols  []string      `json:"allowed_protocols,omitempty"`
	BlockedPrincipals []string      `json:"blocked_principals,omitempty"`
	BlockedLocations  []string      `json:"blocked_locations,omitempty"`
	RequireMutualAuth bool          `json:"require_mutual_auth"`
	MaxConnectionTime time.Duration `json:"max_connection_time,omitempty"`
	AppliesTo         []string      `json:"applies_to,omitempty"` // principal ids; empty applies to all
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// appliesTo reports whether the policy constrains a session.
func (p *SecurityPolicy) appliesTo(s *session.Session) bool {
	if len(p.AppliesTo) == 0 {
		return true
	}
	for _, id := range p.AppliesTo {
		if id == s.PrincipalID {
			return true
		}
	}
	return false
}

// violation returns a non-empty reason when a live session violates the
// policy.
func (p *SecurityPolicy) violation(s *session.Session, now time.Time) string {
	for _, blocked := range p.BlockedPrincipals {
		if blocked == s.PrincipalID {
			return "principal blocked by policy " + p.ID
		}
	}
	if s.LastRequest != nil {
		for _, loc := range p.BlockedLocations {
			if loc == s.LastRequest.Context.Location {
				return "location blocked by policy " + p.ID
			}
		}
	}
	if p.MaxConnectionTime > 0 && now.Sub(s.StartTime) > p.MaxConnectionTime {
		return "connection time limit exceeded by policy " + p.ID
	}
	return ""
}

// ============================================================================
// STORE
// ============================================================================

// SessionView is the slice of the session layer the store enforces against.
type SessionView interface {
	Live() []*session.Session
	Restrict(ctx context.Context, id, reason string) error
}

// Store holds versioned security policies and enforces them against live
// sessions on every add and update.
type Store struct {
	mu       sync.RWMutex
	policies map[string]*SecurityPolicy
	sessions SessionView
}

// NewStore creates a policy store enforcing against the given sessions.
func NewStore(sessions SessionView) *Store {
	return &Store{
		policies: make(map[string]*SecurityPolicy),
		sessions: sessions,
	}
}

// Add registers a policy at version 1 and applies it to live sessions
// before returning.
func (st *Store) Add(ctx context.Context, p SecurityPolicy) (*SecurityPolicy, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Version = 1
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt

	st.mu.Lock()
	if _, exists := st.policies[p.ID]; exists {
		st.mu.Unlock()
		return nil, fmt.Errorf("policy %s already exists", p.ID)
	}
	st.policies[p.ID] = &p
	st.mu.Unlock()

	restricted := st.apply(ctx, &p)
	slog.Info("security policy added", "policy_id", p.ID, "name", p.Name, "sessions_restricted", restricted)

	copied := p
	return &copied, nil
}

// Update replaces a policy's constraints, bumps its version atomically, and
// reapplies it to live sessions before returning.
func (st *Store) Update(ctx context.Context, id string, p SecurityPolicy) (*SecurityPolicy, error) {
	st.mu.Lock()
	existing, ok := st.policies[id]
	if !ok {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	p.ID = id
	p.Version = existing.Version + 1
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()
	st.policies[id] = &p
	st.mu.Unlock()

	restricted := st.apply(ctx, &p)
	slog.Info("security policy updated", "policy_id", id, "version", p.Version, "sessions_restricted", restricted)

	copied := p
	return &copied, nil
}

// Get returns one policy.
func (st *Store) Get(id string) (*SecurityPolicy, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	p, ok := st.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	copied := *p
	return &copied, nil
}

// All returns copies of every policy.
func (st *Store) All() []*SecurityPolicy {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*SecurityPolicy, 0, len(st.policies))
	for _, p := range st.policies {
		copied := *p
		out = append(out, &copied)
	}
	return out
}

// EnforceAll reapplies every policy to live sessions. The engine runs this
// after each monitor sweep so long-running sessions hit connection-time
// limits without waiting for a policy change.
func (st *Store) EnforceAll(ctx context.Context) int {
	restricted := 0
	for _, p := range st.All() {
		restricted += st.apply(ctx, p)
	}
	return restricted
}

// Evaluate answers the access combiner's policy port: a principal blocked by
// any policy that applies to it is denied before a session ever starts.
func (st *Store) Evaluate(_ context.Context, principalID, _, _ string) (bool, string, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, p := range st.policies {
		if len(p.AppliesTo) > 0 && !containsString(p.AppliesTo, principalID) {
			continue
		}
		if containsString(p.BlockedPrincipals, principalID) {
			return false, "principal blocked by policy " + p.ID, nil
		}
	}
	return true, "", nil
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// apply restricts live sessions that the policy matches and violate it.
func (st *Store) apply(ctx context.Context, p *SecurityPolicy) int {
	now := time.Now()
	restricted := 0
	for _, s := range st.sessions.Live() {
		if !p.appliesTo(s) {
			continue
		}
		reason := p.violation(s, now)
		if reason == "" {
			continue
		}
		if err := st.sessions.Restrict(ctx, s.ID, reason); err != nil {
			slog.Warn("policy restriction failed", "policy_id", p.ID, "session_id", s.ID, "error", err)
			continue
		}
		restricted++
	}
	return restricted
}
