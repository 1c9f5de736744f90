package trust

import (
	"context"
	"time"
)

// ============================================================================
// COLLABORATOR PORTS
// Biometric/behavioral verification, device posture collection, and network
// path discovery live outside the core. The core consumes them through these
// narrow contracts and must work against deterministic fakes in tests.
// ============================================================================

// CheckSeverity weighs a posture check. Critical-severity findings dominate
// the device score.
type CheckSeverity string

const (
	CheckSeverityLow      CheckSeverity = "low"
	CheckSeverityMedium   CheckSeverity = "medium"
	CheckSeverityHigh     CheckSeverity = "high"
	CheckSeverityCritical CheckSeverity = "critical"
)

// PostureCheck is one device security-posture assessment result: OS patch
// level, suspicious software, jailbreak/root indicators, malware scan.
type PostureCheck struct {
	Name     string        `json:"name"`
	Severity CheckSeverity `json:"severity"`
	Passed   bool          `json:"passed"`
}

// DevicePosture is the raw characteristic set a collector returns for a
// device.
type DevicePosture struct {
	DeviceID    string         `json:"device_id"`
	Checks      []PostureCheck `json:"checks"`
	CollectedAt time.Time      `json:"collected_at"`
}

// PostureCollector acquires device posture for the Device Scorer.
type PostureCollector interface {
	Collect(ctx context.Context, deviceID string) (DevicePosture, error)
}

// VerifierResult is what a biometric/behavioral verifier returns.
type VerifierResult struct {
	Score       float64  `json:"score"` // 0.0 - 1.0 consistency with enrolled baseline
	RiskFactors []string `json:"risk_factors,omitempty"`
}

// BehaviorVerifier matches observed behavior against the enrolled baseline.
type BehaviorVerifier interface {
	Verify(ctx context.Context, principalID string, profile BehaviorProfile) (VerifierResult, error)
}

// ============================================================================
// DETERMINISTIC FAKES
// ============================================================================

// StaticPostureCollector returns a fixed posture per device, falling back to
// a default. Used in tests and when no platform collector is wired.
type StaticPostureCollector struct {
	Postures map[string]DevicePosture
	Default  DevicePosture
}

func (c *StaticPostureCollector) Collect(_ context.Context, deviceID string) (DevicePosture, error) {
	if p, ok := c.Postures[deviceID]; ok {
		return p, nil
	}
	d := c.Default
	d.DeviceID = deviceID
	return d, nil
}

// StaticBehaviorVerifier returns a fixed verification score per principal.
type StaticBehaviorVerifier struct {
	Results map[string]VerifierResult
	Default VerifierResult
}

func (v *StaticBehaviorVerifier) Verify(_ context.Context, principalID string, _ BehaviorProfile) (VerifierResult, error) {
	if r, ok := v.Results[principalID]; ok {
		return r, nil
	}
	return v.Default, nil
}
