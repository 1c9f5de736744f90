package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/trustplane/internal/trust"
)

type fixedChecker struct {
	name     string
	decision Decision
	delay    time.Duration
}

func (c *fixedChecker) Name() string { return c.name }

func (c *fixedChecker) Check(_ context.Context, _ *Request) Decision {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.decision
}

func grant(name string) Checker {
	return &fixedChecker{name: name, decision: Decision{Granted: true, Reason: name + " ok"}}
}

func deny(name, reason string) Checker {
	return &fixedChecker{name: name, decision: Decision{Granted: false, Reason: reason}}
}

func evalWith(rec trust.Recommendation, composite float64) *trust.Evaluation {
	return &trust.Evaluation{
		CompositeScore: composite,
		Recommendation: rec,
		Timestamp:      time.Now(),
	}
}

func TestGrantedOnlyWhenEveryCheckGrants(t *testing.T) {
	c := NewCombiner(CombinerConfig{}, grant("a"), grant("b"), grant("c"))
	d := c.CheckAccess(context.Background(), &Request{PrincipalID: "alice", Resource: "r", Action: "read"})
	assert.True(t, d.Granted)

	// Any single deny among N checks denies the aggregate.
	for i := 0; i < 3; i++ {
		checkers := []Checker{grant("a"), grant("b"), grant("c")}
		checkers[i] = deny("x", "x denies")
		d := NewCombiner(CombinerConfig{}, checkers...).CheckAccess(context.Background(), &Request{})
		assert.False(t, d.Granted, "deny at position %d", i)
	}
}

func TestDenyReasonsAreConcatenated(t *testing.T) {
	c := NewCombiner(CombinerConfig{},
		grant("role"),
		deny("attribute", "attribute check: clearance=secret required"),
		deny("contextual", "contextual check: off-hours"),
	)
	d := c.CheckAccess(context.Background(), &Request{})
	require.False(t, d.Granted)
	assert.Contains(t, d.Reason, "attribute check: clearance=secret required")
	assert.Contains(t, d.Reason, "contextual check: off-hours")
	assert.Contains(t, d.Reason, "; ")
}

func TestTrustRecommendationForcesOutcome(t *testing.T) {
	combiner := NewCombiner(CombinerConfig{}, grant("role"), &TrustChecker{})

	restricted := combiner.CheckAccess(context.Background(), &Request{
		Evaluation: evalWith(trust.RecommendRestrictAccess, 0.35),
	})
	assert.False(t, restricted.Granted)

	denied := combiner.CheckAccess(context.Background(), &Request{
		Evaluation: evalWith(trust.RecommendDeny, 0.1),
	})
	assert.False(t, denied.Granted)

	// RequireAdditionalVerification => conditional grant with step-up.
	conditional := combiner.CheckAccess(context.Background(), &Request{
		Evaluation: evalWith(trust.RecommendRequireVerification, 0.6),
	})
	require.True(t, conditional.Granted)
	require.Len(t, conditional.Conditions, 1)
	assert.Equal(t, ConditionStepUpVerification, conditional.Conditions[0].Type)
}

func TestMissingEvaluationDenies(t *testing.T) {
	combiner := NewCombiner(CombinerConfig{}, &TrustChecker{})
	d := combiner.CheckAccess(context.Background(), &Request{})
	assert.False(t, d.Granted)
	assert.Contains(t, d.Reason, "no evaluation available")
}

func TestSlowCheckDeniesInsteadOfBlocking(t *testing.T) {
	slow := &fixedChecker{
		name:     "policy",
		decision: Decision{Granted: true, Reason: "policy permits"},
		delay:    500 * time.Millisecond,
	}
	combiner := NewCombiner(CombinerConfig{CheckTimeout: 20 * time.Millisecond}, grant("role"), slow)

	start := time.Now()
	d := combiner.CheckAccess(context.Background(), &Request{})
	assert.Less(t, time.Since(start), 300*time.Millisecond)
	assert.False(t, d.Granted)
	assert.Contains(t, d.Reason, "policy timed out")
}

type failingEvaluator struct{}

func (failingEvaluator) Evaluate(context.Context, string, string, string) (bool, string, error) {
	return false, "", errors.New("engine down")
}

func TestPolicyEngineFailureFailsClosed(t *testing.T) {
	combiner := NewCombiner(CombinerConfig{}, &PolicyChecker{Evaluator: failingEvaluator{}})
	d := combiner.CheckAccess(context.Background(), &Request{})
	assert.False(t, d.Granted)
	assert.Contains(t, d.Reason, "engine unavailable")
}

func TestRoleChecker(t *testing.T) {
	c := &RoleChecker{
		PrincipalRoles: map[string][]string{"alice": {"finance"}},
		ResourceRoles:  map[string][]string{"payroll": {"finance", "admin"}},
	}

	ok := c.Check(context.Background(), &Request{PrincipalID: "alice", Resource: "payroll"})
	assert.True(t, ok.Granted)

	blocked := c.Check(context.Background(), &Request{PrincipalID: "bob", Resource: "payroll"})
	assert.False(t, blocked.Granted)

	open := c.Check(context.Background(), &Request{PrincipalID: "bob", Resource: "wiki"})
	assert.True(t, open.Granted)
}

func TestContextualCheckerWindow(t *testing.T) {
	c := &ContextualChecker{AllowedHours: map[string][2]int{"vault": {9, 17}}}

	inside := c.Check(context.Background(), &Request{
		Resource:  "vault",
		Timestamp: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	})
	assert.True(t, inside.Granted)

	outside := c.Check(context.Background(), &Request{
		Resource:  "vault",
		Timestamp: time.Date(2026, 5, 1, 22, 0, 0, 0, time.UTC),
	})
	assert.False(t, outside.Granted)
}
