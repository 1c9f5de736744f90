package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/trustplane/internal/trust"
)

// scriptedEvaluator returns a fixed composite score per principal.
type scriptedEvaluator struct {
	scores map[string]float64
	panics map[string]bool
}

func (e *scriptedEvaluator) Evaluate(_ context.Context, req *trust.AccessRequest) *trust.Evaluation {
	if e.panics[req.PrincipalID] {
		panic("scorer blew up")
	}
	return &trust.Evaluation{
		RequestID:      req.RequestID,
		PrincipalID:    req.PrincipalID,
		CompositeScore: e.scores[req.PrincipalID],
		Recommendation: trust.DefaultPolicy().Recommend(e.scores[req.PrincipalID]),
		Timestamp:      req.Timestamp,
	}
}

func seedSession(t *testing.T, r *Registry, principal string, initial float64) *Session {
	t.Helper()
	req := &trust.AccessRequest{
		RequestID:   "seed-" + principal,
		PrincipalID: principal,
		Resource:    "app",
		Action:      "read",
		Timestamp:   time.Now(),
	}
	eval := &trust.Evaluation{
		RequestID:      req.RequestID,
		PrincipalID:    principal,
		CompositeScore: initial,
		Recommendation: trust.RecommendAllow,
		Timestamp:      req.Timestamp,
	}
	return r.Create(context.Background(), principal, req, eval)
}

func TestDegradationRequiresReauthentication(t *testing.T) {
	r := NewRegistry(nil)
	s := seedSession(t, r, "alice", 0.9)

	m := NewMonitor(r, &scriptedEvaluator{scores: map[string]float64{"alice": 0.65}}, MonitorConfig{})
	var outcomes []MonitorOutcome
	m.OnOutcome = func(o MonitorOutcome) { outcomes = append(outcomes, o) }

	stats := m.Sweep(context.Background())
	assert.Equal(t, 1, stats.Evaluated)
	assert.Equal(t, 1, stats.Degraded)
	assert.Equal(t, 0, stats.Terminated)

	require.Len(t, outcomes, 1)
	assert.Equal(t, RemediationReauth, outcomes[0].Remediation)

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDegraded, got.State)
	assert.True(t, got.ReauthPending)
}

func TestTrustCollapseTerminates(t *testing.T) {
	r := NewRegistry(nil)
	s := seedSession(t, r, "alice", 0.9)

	m := NewMonitor(r, &scriptedEvaluator{scores: map[string]float64{"alice": 0.4}}, MonitorConfig{})
	stats := m.Sweep(context.Background())
	assert.Equal(t, 1, stats.Terminated)

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, got.State)
	assert.Equal(t, "trust collapse", got.TerminationReason)
}

func TestMildDropWithinDeltaStaysActive(t *testing.T) {
	r := NewRegistry(nil)
	s := seedSession(t, r, "alice", 0.9)

	m := NewMonitor(r, &scriptedEvaluator{scores: map[string]float64{"alice": 0.75}}, MonitorConfig{})
	m.Sweep(context.Background())

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
}

func TestReauthRecoveryAndExhaustion(t *testing.T) {
	r := NewRegistry(nil)
	s := seedSession(t, r, "alice", 0.9)

	m := NewMonitor(r, &scriptedEvaluator{scores: map[string]float64{"alice": 0.65}}, MonitorConfig{MaxReauthAttempts: 2})
	m.Sweep(context.Background())

	// Successful re-verification recovers Degraded -> Active.
	state, err := m.ResolveReauth(context.Background(), s.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)

	// Degrade again, then fail re-auth until the budget runs out.
	m.Sweep(context.Background())
	state, err = m.ResolveReauth(context.Background(), s.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StateDegraded, state)

	state, err = m.ResolveReauth(context.Background(), s.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, state)
}

func TestOneFailingSessionDoesNotAbortSweep(t *testing.T) {
	r := NewRegistry(nil)
	seedSession(t, r, "broken", 0.9)
	healthy := seedSession(t, r, "alice", 0.9)

	ev := &scriptedEvaluator{
		scores: map[string]float64{"alice": 0.88},
		panics: map[string]bool{"broken": true},
	}
	m := NewMonitor(r, ev, MonitorConfig{})

	stats := m.Sweep(context.Background())
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Evaluated)

	got, err := r.Get(healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
}

func TestInactivityTimeoutTerminates(t *testing.T) {
	r := NewRegistry(nil)
	s := seedSession(t, r, "alice", 0.9)

	// Backdate activity past the timeout.
	r.mu.Lock()
	r.sessions[s.ID].LastActivity = time.Now().Add(-1 * time.Hour)
	r.mu.Unlock()

	m := NewMonitor(r, &scriptedEvaluator{scores: map[string]float64{"alice": 0.9}}, MonitorConfig{InactivityTimeout: 10 * time.Minute})
	stats := m.Sweep(context.Background())
	assert.Equal(t, 1, stats.Terminated)

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, got.State)
	assert.Equal(t, "inactivity timeout", got.TerminationReason)
}

func TestSweepRunsHook(t *testing.T) {
	r := NewRegistry(nil)
	seedSession(t, r, "alice", 0.9)

	m := NewMonitor(r, &scriptedEvaluator{scores: map[string]float64{"alice": 0.9}}, MonitorConfig{})
	hooked := 0
	m.OnSweep = func(_ context.Context) { hooked++ }

	m.Sweep(context.Background())
	m.Sweep(context.Background())
	assert.Equal(t, 2, hooked)
}

func TestBoostFrequencyShrinksInterval(t *testing.T) {
	r := NewRegistry(nil)
	m := NewMonitor(r, &scriptedEvaluator{}, MonitorConfig{SweepInterval: 30 * time.Second})

	assert.Equal(t, 30*time.Second, m.interval())
	m.BoostFrequency(5*time.Second, time.Minute)
	assert.Equal(t, 5*time.Second, m.interval())
}
