package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/trustplane/internal/trust"
)

func evalAt(principal string, score float64, at time.Time) *trust.Evaluation {
	return &trust.Evaluation{
		PrincipalID:    principal,
		CompositeScore: score,
		Recommendation: trust.DefaultPolicy().Recommend(score),
		Timestamp:      at,
	}
}

// recordingStore logs snapshot operations in order.
type recordingStore struct {
	ops []string
}

func (st *recordingStore) SaveSession(_ context.Context, s Session) error {
	st.ops = append(st.ops, "save:"+s.ID)
	return nil
}

func (st *recordingStore) DeleteSession(_ context.Context, id string) error {
	st.ops = append(st.ops, "delete:"+id)
	return nil
}

// lastOp returns the final operation recorded for a session id.
func (st *recordingStore) lastOp(id string) string {
	last := ""
	for _, op := range st.ops {
		if op == "save:"+id || op == "delete:"+id {
			last = op
		}
	}
	return last
}

func TestStaleEvaluationNeverOverwritesNewer(t *testing.T) {
	r := NewRegistry(nil)
	now := time.Now()
	s := r.Create(context.Background(), "alice", &trust.AccessRequest{PrincipalID: "alice", Timestamp: now}, evalAt("alice", 0.9, now))

	newer := evalAt("alice", 0.85, now.Add(2*time.Second))
	older := evalAt("alice", 0.40, now.Add(1*time.Second))

	require.NoError(t, r.ApplyEvaluation(context.Background(), s.ID, newer))
	// The older evaluation arrives late; it must be dropped.
	require.NoError(t, r.ApplyEvaluation(context.Background(), s.ID, older))

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.85, got.CurrentTrustScore, 1e-9)
	assert.Equal(t, newer.Timestamp, got.LastEvaluation.Timestamp)
}

func TestTerminateIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	now := time.Now()
	s := r.Create(context.Background(), "alice", &trust.AccessRequest{Timestamp: now}, evalAt("alice", 0.9, now))

	require.NoError(t, r.Terminate(context.Background(), s.ID, "logout"))
	// Second terminate is a no-op success.
	require.NoError(t, r.Terminate(context.Background(), s.ID, "lockdown"))

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, got.State)
	assert.Equal(t, "logout", got.TerminationReason)
}

func TestTerminatedSessionLeavesSweepSetAtomically(t *testing.T) {
	r := NewRegistry(nil)
	now := time.Now()
	s := r.Create(context.Background(), "alice", &trust.AccessRequest{Timestamp: now}, evalAt("alice", 0.9, now))
	require.NoError(t, r.MarkDegraded(context.Background(), s.ID))

	require.NoError(t, r.Terminate(context.Background(), s.ID, "incident lockdown"))

	// No sweep may observe a half-terminated session: it is gone from the
	// live set and its pending re-auth is cancelled in the same transition.
	assert.Empty(t, r.Live())
	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.False(t, got.ReauthPending)

	// Evaluations against a terminated session are rejected.
	err = r.ApplyEvaluation(context.Background(), s.ID, evalAt("alice", 0.99, now.Add(time.Minute)))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTerminateAllIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	now := time.Now()
	for _, p := range []string{"a", "b", "c"} {
		r.Create(context.Background(), p, &trust.AccessRequest{Timestamp: now}, evalAt(p, 0.9, now))
	}

	assert.Equal(t, 3, r.TerminateAll(context.Background(), "emergency lockdown"))
	assert.Equal(t, 0, r.TerminateAll(context.Background(), "emergency lockdown"))
	assert.Equal(t, 0, r.LiveCount())
}

func TestDegradedRecoversToActive(t *testing.T) {
	r := NewRegistry(nil)
	now := time.Now()
	s := r.Create(context.Background(), "alice", &trust.AccessRequest{Timestamp: now}, evalAt("alice", 0.9, now))

	require.NoError(t, r.MarkDegraded(context.Background(), s.ID))
	state, err := r.CompleteReauth(context.Background(), s.ID, true, 3)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ReauthAttempts)
}

func TestExhaustedReauthSnapshotStaysDeleted(t *testing.T) {
	store := &recordingStore{}
	r := NewRegistry(store)
	now := time.Now()
	s := r.Create(context.Background(), "alice", &trust.AccessRequest{Timestamp: now}, evalAt("alice", 0.9, now))
	require.NoError(t, r.MarkDegraded(context.Background(), s.ID))

	state, err := r.CompleteReauth(context.Background(), s.ID, false, 1)
	require.NoError(t, err)
	require.Equal(t, StateTerminated, state)

	// A warm restart reads whatever the store last saw for this id. After
	// termination that must be the delete, never a re-saved snapshot.
	assert.Equal(t, "delete:"+s.ID, store.lastOp(s.ID))
}

func TestRestoreSkipsTerminatedSnapshots(t *testing.T) {
	r := NewRegistry(nil)

	adopted := r.Restore([]Session{
		{ID: "s-1", PrincipalID: "alice", State: StateActive},
		{ID: "s-2", PrincipalID: "bob", State: StateTerminated},
		{ID: "", PrincipalID: "ghost", State: StateActive},
	})

	assert.Equal(t, 1, adopted)
	assert.Equal(t, 1, r.LiveCount())
	got, err := r.Get("s-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.PrincipalID)

	// Restoring the same snapshots again adopts nothing.
	assert.Equal(t, 0, r.Restore([]Session{{ID: "s-1", State: StateActive}}))
}

func TestTerminateForPrincipal(t *testing.T) {
	r := NewRegistry(nil)
	now := time.Now()
	r.Create(context.Background(), "alice", &trust.AccessRequest{Timestamp: now}, evalAt("alice", 0.9, now))
	r.Create(context.Background(), "alice", &trust.AccessRequest{Timestamp: now}, evalAt("alice", 0.9, now))
	r.Create(context.Background(), "bob", &trust.AccessRequest{Timestamp: now}, evalAt("bob", 0.9, now))

	assert.Equal(t, 2, r.TerminateForPrincipal(context.Background(), "alice", "quarantine"))
	assert.Equal(t, 1, r.LiveCount())
}
