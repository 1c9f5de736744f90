package trust

import (
	"context"
	"fmt"
	"time"
)

// Scorer produces one normalized trust signal for an access request.
// Implementations are pure given their inputs and must respect ctx: the
// compositor enforces a per-scorer deadline and converts overruns into a
// conservative neutral score.
type Scorer interface {
	Signal() Signal
	Score(ctx context.Context, req *AccessRequest) Score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ============================================================================
// IDENTITY SCORER
// ============================================================================

// IdentityScorerConfig tunes the identity signal.
type IdentityScorerConfig struct {
	AuthTTL               time.Duration // auth older than this is expired
	MaxConcurrentSessions int
}

// IdentityScorer checks authentication recency, behavioral consistency
// against the enrolled baseline, and session hygiene flags.
type IdentityScorer struct {
	verifier BehaviorVerifier
	cfg      IdentityScorerConfig
}

func NewIdentityScorer(verifier BehaviorVerifier, cfg IdentityScorerConfig) *IdentityScorer {
	if cfg.AuthTTL == 0 {
		cfg.AuthTTL = 1 * time.Hour
	}
	if cfg.MaxConcurrentSessions == 0 {
		cfg.MaxConcurrentSessions = 3
	}
	return &IdentityScorer{verifier: verifier, cfg: cfg}
}

func (s *IdentityScorer) Signal() Signal { return SignalIdentity }

func (s *IdentityScorer) Score(ctx context.Context, req *AccessRequest) Score {
	value := 1.0
	confidence := 0.9
	var risks []string

	if req.Identity.LastAuthAt.IsZero() || req.Timestamp.Sub(req.Identity.LastAuthAt) > s.cfg.AuthTTL {
		value -= 0.30
		risks = append(risks, "authentication expired")
	}

	if s.verifier != nil {
		result, err := s.verifier.Verify(ctx, req.PrincipalID, req.Behavior)
		if err != nil {
			confidence = 0.5
			risks = append(risks, "behavioral verifier unavailable")
		} else {
			if result.Score < 0.6 {
				value -= 0.25
				risks = append(risks, "behavioral inconsistency with enrolled baseline")
			}
			risks = append(risks, result.RiskFactors...)
		}
	}

	if !req.Identity.SessionEncrypted {
		value -= 0.20
		risks = append(risks, "unencrypted session")
	}
	if req.Identity.ConcurrentSessions > s.cfg.MaxConcurrentSessions {
		value -= 0.10
		risks = append(risks, fmt.Sprintf("excessive concurrent sessions (%d)", req.Identity.ConcurrentSessions))
	}
	if !req.Identity.MFASatisfied {
		value -= 0.10
		risks = append(risks, "mfa not satisfied")
	}

	return Score{Value: clamp01(value), Confidence: confidence, RiskFactors: risks}
}

// ============================================================================
// DEVICE SCORER
// ============================================================================

// DeviceScorerConfig tunes the device signal.
type DeviceScorerConfig struct {
	CriticalFailCap float64 // ceiling applied when any critical check fails
}

// DeviceScorer combines posture checks into a severity-weighted score.
// Critical checks weigh 3x, high 2x, everything else 1x; a single failing
// critical check caps the device score regardless of other passing checks.
type DeviceScorer struct {
	collector PostureCollector
	cfg       DeviceScorerConfig
}

func NewDeviceScorer(collector PostureCollector, cfg DeviceScorerConfig) *DeviceScorer {
	if cfg.CriticalFailCap == 0 {
		cfg.CriticalFailCap = 0.3
	}
	return &DeviceScorer{collector: collector, cfg: cfg}
}

func (s *DeviceScorer) Signal() Signal { return SignalDevice }

func severityWeight(sev CheckSeverity) float64 {
	switch sev {
	case CheckSeverityCritical:
		return 3.0
	case CheckSeverityHigh:
		return 2.0
	default:
		return 1.0
	}
}

func (s *DeviceScorer) Score(ctx context.Context, req *AccessRequest) Score {
	posture, err := s.collector.Collect(ctx, req.Device.DeviceID)
	if err != nil {
		// Fail closed: an unknown device posture is a low-trust device.
		return Score{Value: 0.3, Confidence: 0.2, RiskFactors: []string{"device posture unavailable"}}
	}
	if len(posture.Checks) == 0 {
		return Score{Value: 0.5, Confidence: 0.3, RiskFactors: []string{"no posture checks reported"}}
	}

	var weightSum, passSum float64
	criticalFailed := false
	var risks []string
	for _, check := range posture.Checks {
		w := severityWeight(check.Severity)
		weightSum += w
		if check.Passed {
			passSum += w
		} else {
			risks = append(risks, fmt.Sprintf("posture check failed: %s (%s)", check.Name, check.Severity))
			if check.Severity == CheckSeverityCritical {
				criticalFailed = true
			}
		}
	}

	value := passSum / weightSum
	if criticalFailed && value > s.cfg.CriticalFailCap {
		value = s.cfg.CriticalFailCap
	}

	return Score{Value: clamp01(value), Confidence: 0.9, RiskFactors: risks}
}

// ============================================================================
// NETWORK SCORER
// ============================================================================

// NetworkScorer penalizes unprotected or untrusted network paths. Multiple
// co-occurring negative factors escalate the reported risk level.
type NetworkScorer struct{}

func NewNetworkScorer() *NetworkScorer { return &NetworkScorer{} }

func (s *NetworkScorer) Signal() Signal { return SignalNetwork }

func (s *NetworkScorer) Score(_ context.Context, req *AccessRequest) Score {
	value := 1.0
	var risks []string
	negatives := 0

	if !req.Network.VPNActive {
		value -= 0.20
		negatives++
		risks = append(risks, "no vpn")
	}
	switch req.Network.Connection {
	case ConnectionCellular:
		value -= 0.20
		negatives++
		risks = append(risks, "cellular network")
	case ConnectionWiFi:
		value -= 0.10
		negatives++
		risks = append(risks, "unmanaged wifi")
	}
	if req.Network.Metered {
		value -= 0.10
		negatives++
		risks = append(risks, "metered network path")
	}
	if req.Network.PublicNetwork {
		value -= 0.30
		negatives++
		risks = append(risks, "public network")
	}

	switch {
	case negatives >= 4:
		risks = append(risks, "network risk critical")
	case negatives >= 3:
		risks = append(risks, "network risk high")
	}

	return Score{Value: clamp01(value), Confidence: 0.9, RiskFactors: risks}
}

// ============================================================================
// CONTEXT SCORER
// ============================================================================

// ContextScorerConfig carries the fixed per-factor penalties. Each factor
// subtracts its increment from a starting score of 1.0, floored at 0.
type ContextScorerConfig struct {
	OffHoursPenalty    float64
	LocationPenalty    float64
	TravelPenalty      float64
	SensitivityPenalty float64
	MaxTravelKmh       float64
	WorkdayStartHour   int
	WorkdayEndHour     int
}

// ContextScorer penalizes off-hours access, untrusted or high-risk
// locations, impossible travel, and elevated resource sensitivity.
type ContextScorer struct {
	cfg ContextScorerConfig
}

func NewContextScorer(cfg ContextScorerConfig) *ContextScorer {
	if cfg.OffHoursPenalty == 0 {
		cfg.OffHoursPenalty = 0.15
	}
	if cfg.LocationPenalty == 0 {
		cfg.LocationPenalty = 0.25
	}
	if cfg.TravelPenalty == 0 {
		cfg.TravelPenalty = 0.35
	}
	if cfg.SensitivityPenalty == 0 {
		cfg.SensitivityPenalty = 0.15
	}
	if cfg.MaxTravelKmh == 0 {
		cfg.MaxTravelKmh = 900 // faster than commercial flight => impossible travel
	}
	if cfg.WorkdayStartHour == 0 {
		cfg.WorkdayStartHour = 7
	}
	if cfg.WorkdayEndHour == 0 {
		cfg.WorkdayEndHour = 20
	}
	return &ContextScorer{cfg: cfg}
}

func (s *ContextScorer) Signal() Signal { return SignalContext }

func (s *ContextScorer) Score(_ context.Context, req *AccessRequest) Score {
	value := 1.0
	var risks []string

	hour := req.Context.Timestamp.Hour()
	if hour < s.cfg.WorkdayStartHour || hour >= s.cfg.WorkdayEndHour {
		value -= s.cfg.OffHoursPenalty
		risks = append(risks, "off-hours access")
	}
	if !req.Context.TrustedLocation || req.Context.HighRiskLocation {
		value -= s.cfg.LocationPenalty
		risks = append(risks, "untrusted location")
	}
	if req.Context.TravelVelocityKmh > s.cfg.MaxTravelKmh {
		value -= s.cfg.TravelPenalty
		risks = append(risks, fmt.Sprintf("impossible travel velocity (%.0f km/h)", req.Context.TravelVelocityKmh))
	}
	if req.Context.Sensitivity == SensitivityHigh || req.Context.Sensitivity == SensitivityCritical {
		value -= s.cfg.SensitivityPenalty
		risks = append(risks, fmt.Sprintf("elevated resource sensitivity (%s)", req.Context.Sensitivity))
	}

	return Score{Value: clamp01(value), Confidence: 0.9, RiskFactors: risks}
}

// ============================================================================
// BEHAVIOR SCORER
// ============================================================================

// BehaviorScorerConfig tunes the behavior signal.
type BehaviorScorerConfig struct {
	MinPatternSimilarity float64
	MaxAuthFailures      int
}

// BehaviorScorer penalizes anomalous activity, divergence from the access
// pattern baseline, and recent authentication failures.
type BehaviorScorer struct {
	cfg BehaviorScorerConfig
}

func NewBehaviorScorer(cfg BehaviorScorerConfig) *BehaviorScorer {
	if cfg.MinPatternSimilarity == 0 {
		cfg.MinPatternSimilarity = 0.5
	}
	if cfg.MaxAuthFailures == 0 {
		cfg.MaxAuthFailures = 3
	}
	return &BehaviorScorer{cfg: cfg}
}

func (s *BehaviorScorer) Signal() Signal { return SignalBehavior }

func (s *BehaviorScorer) Score(_ context.Context, req *AccessRequest) Score {
	value := 1.0
	var risks []string

	if req.Behavior.AnomalousActivity {
		value -= 0.30
		risks = append(risks, "anomalous activity flagged")
	}
	if req.Behavior.PatternSimilarity < s.cfg.MinPatternSimilarity {
		value -= 0.25
		risks = append(risks, fmt.Sprintf("access pattern divergence (similarity %.2f)", req.Behavior.PatternSimilarity))
	}
	if n := req.Behavior.RecentAuthFailures; n > 0 {
		penalty := 0.10 * float64(n)
		if penalty > 0.30 {
			penalty = 0.30
		}
		value -= penalty
		if n >= s.cfg.MaxAuthFailures {
			risks = append(risks, fmt.Sprintf("repeated authentication failures (%d)", n))
		}
	}

	return Score{Value: clamp01(value), Confidence: 0.9, RiskFactors: risks}
}
