// Package trust implements the composite trust-evaluation pipeline: five
// independent signal scorers fused into a single composite score and a
// discrete recommendation. Scorers run concurrently with bounded timeouts;
// a scorer that cannot answer in time degrades to a conservative low-trust
// signal instead of blocking the evaluation.
package trust

import (
	"time"
)

// Recommendation is the discrete outcome of a trust evaluation.
type Recommendation string

const (
	RecommendAllow               Recommendation = "allow"
	RecommendAllowWithMonitoring Recommendation = "allow_with_monitoring"
	RecommendRequireVerification Recommendation = "require_additional_verification"
	RecommendRestrictAccess      Recommendation = "restrict_access"
	RecommendDeny                Recommendation = "deny"
)

// Signal identifies one of the five independent trust signals.
type Signal string

const (
	SignalIdentity Signal = "identity"
	SignalDevice   Signal = "device"
	SignalNetwork  Signal = "network"
	SignalContext  Signal = "context"
	SignalBehavior Signal = "behavior"
)

// Signals lists every signal in weight order. The set is closed: the
// compositor is exhaustive over exactly these five.
var Signals = []Signal{SignalIdentity, SignalDevice, SignalContext, SignalNetwork, SignalBehavior}

// Score is the normalized output of a single scorer. Never mutated after
// creation.
type Score struct {
	Value       float64  `json:"value"`      // 0.0 - 1.0
	Confidence  float64  `json:"confidence"` // 0.0 - 1.0
	RiskFactors []string `json:"risk_factors,omitempty"`
}

// ConnectionType describes the network path a request arrived on.
type ConnectionType string

const (
	ConnectionManaged  ConnectionType = "managed"
	ConnectionWiFi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
)

// Sensitivity classifies the target resource.
type Sensitivity string

const (
	SensitivityLow      Sensitivity = "low"
	SensitivityMedium   Sensitivity = "medium"
	SensitivityHigh     Sensitivity = "high"
	SensitivityCritical Sensitivity = "critical"
)

// IdentityInfo carries the identity-related inputs for an evaluation.
type IdentityInfo struct {
	PrincipalID        string    `json:"principal_id"`
	LastAuthAt         time.Time `json:"last_auth_at"`
	MFASatisfied       bool      `json:"mfa_satisfied"`
	SessionEncrypted   bool      `json:"session_encrypted"`
	ConcurrentSessions int       `json:"concurrent_sessions"`
}

// DeviceInfo references the requesting device. Raw posture characteristics
// are collected through the PostureCollector port, not carried here.
type DeviceInfo struct {
	DeviceID string `json:"device_id"`
	Managed  bool   `json:"managed"`
}

// NetworkInfo describes the connectivity of the request.
type NetworkInfo struct {
	IPAddress     string         `json:"ip_address"`
	VPNActive     bool           `json:"vpn_active"`
	Connection    ConnectionType `json:"connection"`
	Metered       bool           `json:"metered"`
	PublicNetwork bool           `json:"public_network"`
}

// RequestContext carries time/location/sensitivity context.
type RequestContext struct {
	Timestamp         time.Time   `json:"timestamp"`
	Location          string      `json:"location"`
	TrustedLocation   bool        `json:"trusted_location"`
	HighRiskLocation  bool        `json:"high_risk_location"`
	TravelVelocityKmh float64     `json:"travel_velocity_kmh"`
	Sensitivity       Sensitivity `json:"sensitivity"`
}

// BehaviorProfile summarizes observed principal behavior.
type BehaviorProfile struct {
	AnomalousActivity  bool    `json:"anomalous_activity"`
	PatternSimilarity  float64 `json:"pattern_similarity"` // 0.0 - 1.0 vs baseline
	RecentAuthFailures int     `json:"recent_auth_failures"`
}

// AccessRequest is one evaluation input. Immutable once created; the
// compositor and scorers never write to it.
type AccessRequest struct {
	RequestID   string            `json:"request_id"`
	PrincipalID string            `json:"principal_id"`
	Resource    string            `json:"resource"`
	Action      string            `json:"action"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Identity    IdentityInfo      `json:"identity"`
	Device      DeviceInfo        `json:"device"`
	Network     NetworkInfo       `json:"network"`
	Context     RequestContext    `json:"context"`
	Behavior    BehaviorProfile   `json:"behavior"`
}

// Evaluation is the composite result of one evaluation call. Immutable.
type Evaluation struct {
	RequestID      string           `json:"request_id"`
	PrincipalID    string           `json:"principal_id"`
	Scores         map[Signal]Score `json:"scores"`
	CompositeScore float64          `json:"composite_score"`
	Recommendation Recommendation   `json:"recommendation"`
	RiskFactors    []string         `json:"risk_factors,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}
