package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func posture(checks ...PostureCheck) *StaticPostureCollector {
	return &StaticPostureCollector{
		Default: DevicePosture{Checks: checks, CollectedAt: time.Now()},
	}
}

func TestDeviceScorerCriticalFailureDominates(t *testing.T) {
	// One failing critical check against many passing low checks must cap
	// the device score at or below 0.4.
	checks := []PostureCheck{
		{Name: "malware_scan", Severity: CheckSeverityCritical, Passed: false},
	}
	for i := 0; i < 10; i++ {
		checks = append(checks, PostureCheck{Name: "low_check", Severity: CheckSeverityLow, Passed: true})
	}

	s := NewDeviceScorer(posture(checks...), DeviceScorerConfig{})
	score := s.Score(context.Background(), &AccessRequest{Device: DeviceInfo{DeviceID: "d1"}})

	assert.LessOrEqual(t, score.Value, 0.4)
	assert.Contains(t, score.RiskFactors, "posture check failed: malware_scan (critical)")
}

func TestDeviceScorerWeightedAverage(t *testing.T) {
	// critical pass (w3) + high fail (w2) + low pass (w1) => 4/6
	s := NewDeviceScorer(posture(
		PostureCheck{Name: "root_detect", Severity: CheckSeverityCritical, Passed: true},
		PostureCheck{Name: "os_patch", Severity: CheckSeverityHigh, Passed: false},
		PostureCheck{Name: "screen_lock", Severity: CheckSeverityLow, Passed: true},
	), DeviceScorerConfig{})

	score := s.Score(context.Background(), &AccessRequest{Device: DeviceInfo{DeviceID: "d1"}})
	assert.InDelta(t, 4.0/6.0, score.Value, 1e-9)
}

func TestDeviceScorerFailsClosedWithoutPosture(t *testing.T) {
	s := NewDeviceScorer(&StaticPostureCollector{}, DeviceScorerConfig{})
	score := s.Score(context.Background(), &AccessRequest{Device: DeviceInfo{DeviceID: "unknown"}})
	assert.LessOrEqual(t, score.Value, 0.5)
	assert.LessOrEqual(t, score.Confidence, 0.3)
}

func TestIdentityScorerAuthExpiry(t *testing.T) {
	now := time.Now()
	s := NewIdentityScorer(nil, IdentityScorerConfig{AuthTTL: time.Hour})

	fresh := &AccessRequest{
		PrincipalID: "alice",
		Timestamp:   now,
		Identity: IdentityInfo{
			LastAuthAt:       now.Add(-10 * time.Minute),
			MFASatisfied:     true,
			SessionEncrypted: true,
		},
	}
	stale := &AccessRequest{
		PrincipalID: "alice",
		Timestamp:   now,
		Identity: IdentityInfo{
			LastAuthAt:       now.Add(-2 * time.Hour),
			MFASatisfied:     true,
			SessionEncrypted: true,
		},
	}

	freshScore := s.Score(context.Background(), fresh)
	staleScore := s.Score(context.Background(), stale)

	assert.InDelta(t, 1.0, freshScore.Value, 1e-9)
	assert.InDelta(t, 0.7, staleScore.Value, 1e-9)
	assert.Contains(t, staleScore.RiskFactors, "authentication expired")
}

func TestIdentityScorerBehavioralInconsistency(t *testing.T) {
	verifier := &StaticBehaviorVerifier{
		Results: map[string]VerifierResult{
			"mallory": {Score: 0.2, RiskFactors: []string{"typing cadence mismatch"}},
		},
		Default: VerifierResult{Score: 0.9},
	}
	s := NewIdentityScorer(verifier, IdentityScorerConfig{})

	now := time.Now()
	req := &AccessRequest{
		PrincipalID: "mallory",
		Timestamp:   now,
		Identity: IdentityInfo{
			LastAuthAt:       now.Add(-5 * time.Minute),
			MFASatisfied:     true,
			SessionEncrypted: true,
		},
	}
	score := s.Score(context.Background(), req)
	assert.InDelta(t, 0.75, score.Value, 1e-9)
	assert.Contains(t, score.RiskFactors, "behavioral inconsistency with enrolled baseline")
	assert.Contains(t, score.RiskFactors, "typing cadence mismatch")
}

func TestContextScorerFixedIncrements(t *testing.T) {
	s := NewContextScorer(ContextScorerConfig{})

	// 03:00, untrusted location, impossible travel, critical sensitivity:
	// 1.0 - .15 - .25 - .35 - .15 = 0.10
	at := time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)
	req := &AccessRequest{Context: RequestContext{
		Timestamp:         at,
		TrustedLocation:   false,
		TravelVelocityKmh: 2400,
		Sensitivity:       SensitivityCritical,
	}}
	score := s.Score(context.Background(), req)
	assert.InDelta(t, 0.10, score.Value, 1e-9)

	// All clear stays at 1.0.
	clean := &AccessRequest{Context: RequestContext{
		Timestamp:       time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC),
		TrustedLocation: true,
		Sensitivity:     SensitivityLow,
	}}
	assert.InDelta(t, 1.0, s.Score(context.Background(), clean).Value, 1e-9)
}

func TestContextScorerFloorsAtZero(t *testing.T) {
	s := NewContextScorer(ContextScorerConfig{
		OffHoursPenalty: 0.5, LocationPenalty: 0.5, TravelPenalty: 0.5, SensitivityPenalty: 0.5,
	})
	req := &AccessRequest{Context: RequestContext{
		Timestamp:         time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC),
		TravelVelocityKmh: 5000,
		Sensitivity:       SensitivityCritical,
	}}
	assert.Equal(t, 0.0, s.Score(context.Background(), req).Value)
}

func TestNetworkScorerEscalation(t *testing.T) {
	s := NewNetworkScorer()

	managed := &AccessRequest{Network: NetworkInfo{
		VPNActive: true, Connection: ConnectionManaged,
	}}
	assert.InDelta(t, 1.0, s.Score(context.Background(), managed).Value, 1e-9)

	hostile := &AccessRequest{Network: NetworkInfo{
		VPNActive:     false,
		Connection:    ConnectionCellular,
		Metered:       true,
		PublicNetwork: true,
	}}
	score := s.Score(context.Background(), hostile)
	assert.InDelta(t, 0.2, score.Value, 1e-9)
	assert.Contains(t, score.RiskFactors, "network risk critical")
}

func TestBehaviorScorerPenalties(t *testing.T) {
	s := NewBehaviorScorer(BehaviorScorerConfig{})

	baseline := &AccessRequest{Behavior: BehaviorProfile{PatternSimilarity: 0.9}}
	assert.InDelta(t, 1.0, s.Score(context.Background(), baseline).Value, 1e-9)

	noisy := &AccessRequest{Behavior: BehaviorProfile{
		AnomalousActivity:  true,
		PatternSimilarity:  0.2,
		RecentAuthFailures: 5,
	}}
	score := s.Score(context.Background(), noisy)
	// 1.0 - .30 - .25 - .30 (failure penalty capped) = 0.15
	assert.InDelta(t, 0.15, score.Value, 1e-9)
	assert.Contains(t, score.RiskFactors, "repeated authentication failures (5)")
}
