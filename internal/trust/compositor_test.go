package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubScorer returns a fixed score for its signal.
type stubScorer struct {
	sig   Signal
	score Score
	delay time.Duration
}

func (s *stubScorer) Signal() Signal { return s.sig }

func (s *stubScorer) Score(_ context.Context, _ *AccessRequest) Score {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.score
}

func stubSet(identity, device, network, contextual, behavior float64) ScorerSet {
	return ScorerSet{
		Identity: &stubScorer{sig: SignalIdentity, score: Score{Value: identity, Confidence: 0.9}},
		Device:   &stubScorer{sig: SignalDevice, score: Score{Value: device, Confidence: 0.9}},
		Network:  &stubScorer{sig: SignalNetwork, score: Score{Value: network, Confidence: 0.9}},
		Context:  &stubScorer{sig: SignalContext, score: Score{Value: contextual, Confidence: 0.9}},
		Behavior: &stubScorer{sig: SignalBehavior, score: Score{Value: behavior, Confidence: 0.9}},
	}
}

func testRequest() *AccessRequest {
	return &AccessRequest{
		RequestID:   "req-1",
		PrincipalID: "alice",
		Resource:    "payroll",
		Action:      "read",
		Timestamp:   time.Now(),
		Device:      DeviceInfo{DeviceID: "dev-1", Managed: true},
	}
}

func TestCompositeScoreMatchesWeightedSum(t *testing.T) {
	// identity .9, device .2 (critical fail), context .8, network .8, behavior .9
	// => .25(.9)+.20(.2)+.20(.8)+.15(.8)+.20(.9) = 0.725
	c := NewCompositor(DefaultPolicy(), stubSet(0.9, 0.2, 0.8, 0.8, 0.9), CompositorConfig{})

	eval := c.Evaluate(context.Background(), testRequest())
	assert.InDelta(t, 0.725, eval.CompositeScore, 1e-9)
	assert.Equal(t, RecommendAllowWithMonitoring, eval.Recommendation)
	assert.Len(t, eval.Scores, 5)
}

func TestRecommendationThresholdBoundaries(t *testing.T) {
	policy := DefaultPolicy()
	cases := []struct {
		composite float64
		want      Recommendation
	}{
		{1.0, RecommendAllow},
		{0.9, RecommendAllow},
		{0.8999, RecommendAllowWithMonitoring},
		{0.7, RecommendAllowWithMonitoring},
		{0.6999, RecommendRequireVerification},
		{0.5, RecommendRequireVerification},
		{0.4999, RecommendRestrictAccess},
		{0.3, RecommendRestrictAccess},
		{0.2999, RecommendDeny},
		{0.0, RecommendDeny},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, policy.Recommend(tc.composite), "composite %.4f", tc.composite)
	}
}

func TestRecommendationIsDeterministicFromComposite(t *testing.T) {
	c := NewCompositor(DefaultPolicy(), stubSet(0.96, 0.95, 0.93, 0.94, 0.92), CompositorConfig{})
	eval := c.Evaluate(context.Background(), testRequest())
	assert.Equal(t, c.Policy().Recommend(eval.CompositeScore), eval.Recommendation)
}

func TestCompositeScoreStaysInUnitInterval(t *testing.T) {
	for _, v := range []float64{0.0, 0.5, 1.0} {
		c := NewCompositor(DefaultPolicy(), stubSet(v, v, v, v, v), CompositorConfig{})
		eval := c.Evaluate(context.Background(), testRequest())
		assert.GreaterOrEqual(t, eval.CompositeScore, 0.0)
		assert.LessOrEqual(t, eval.CompositeScore, 1.0)
	}
}

func TestSlowScorerDegradesToNeutral(t *testing.T) {
	set := stubSet(1.0, 1.0, 1.0, 1.0, 1.0)
	set.Device = &stubScorer{
		sig:   SignalDevice,
		score: Score{Value: 1.0, Confidence: 0.9},
		delay: 500 * time.Millisecond,
	}
	c := NewCompositor(DefaultPolicy(), set, CompositorConfig{ScorerTimeout: 20 * time.Millisecond})

	start := time.Now()
	eval := c.Evaluate(context.Background(), testRequest())
	elapsed := time.Since(start)

	// The evaluation must not wait for the slow scorer beyond its deadline.
	assert.Less(t, elapsed, 300*time.Millisecond)

	device := eval.Scores[SignalDevice]
	assert.InDelta(t, 0.3, device.Value, 1e-9)
	assert.Contains(t, eval.RiskFactors, "scorer unavailable: device")

	// 0.25 + 0.20*0.3 + 0.20 + 0.15 + 0.20 = 0.86
	assert.InDelta(t, 0.86, eval.CompositeScore, 1e-9)
}

func TestRequestHeuristicRiskFactors(t *testing.T) {
	c := NewCompositor(DefaultPolicy(), stubSet(1, 1, 1, 1, 1), CompositorConfig{})

	req := testRequest()
	req.Device.Managed = false
	req.Network.PublicNetwork = true
	req.Context.HighRiskLocation = true

	eval := c.Evaluate(context.Background(), req)
	assert.Contains(t, eval.RiskFactors, "unmanaged device")
	assert.Contains(t, eval.RiskFactors, "public network")
	assert.Contains(t, eval.RiskFactors, "high-risk location")
}

func TestPolicyValidation(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	bad := DefaultPolicy()
	bad.Weights.Identity = 0.5
	assert.Error(t, bad.Validate())

	unordered := DefaultPolicy()
	unordered.Thresholds.Monitor = 0.95
	assert.Error(t, unordered.Validate())
}
