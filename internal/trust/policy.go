package trust

import (
	"fmt"
	"math"
)

// Weights are the per-signal contributions to the composite score.
// Must sum to 1.0.
type Weights struct {
	Identity float64 `yaml:"identity" json:"identity"`
	Device   float64 `yaml:"device" json:"device"`
	Context  float64 `yaml:"context" json:"context"`
	Network  float64 `yaml:"network" json:"network"`
	Behavior float64 `yaml:"behavior" json:"behavior"`
}

// Thresholds map a composite score onto a recommendation. Ordered
// descending; boundaries are inclusive on the lower side of each band.
type Thresholds struct {
	Allow    float64 `yaml:"allow" json:"allow"`       // >= Allow
	Monitor  float64 `yaml:"monitor" json:"monitor"`   // >= Monitor
	Verify   float64 `yaml:"verify" json:"verify"`     // >= Verify
	Restrict float64 `yaml:"restrict" json:"restrict"` // >= Restrict, below => deny
}

// Policy is the single versioned decision policy shared by the trust
// compositor and the access combiner. The weights and thresholds live
// together so a policy change moves both in lockstep.
type Policy struct {
	Version    int        `json:"version"`
	Weights    Weights    `json:"weights"`
	Thresholds Thresholds `json:"thresholds"`
}

// DefaultPolicy returns the stock decision policy.
func DefaultPolicy() Policy {
	return Policy{
		Version: 1,
		Weights: Weights{
			Identity: 0.25,
			Device:   0.20,
			Context:  0.20,
			Network:  0.15,
			Behavior: 0.20,
		},
		Thresholds: Thresholds{
			Allow:    0.9,
			Monitor:  0.7,
			Verify:   0.5,
			Restrict: 0.3,
		},
	}
}

// Validate checks the policy at startup. Violations are configuration
// errors, fatal before the engine activates.
func (p Policy) Validate() error {
	sum := p.Weights.Identity + p.Weights.Device + p.Weights.Context +
		p.Weights.Network + p.Weights.Behavior
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("trust weights must sum to 1.0, got %.4f", sum)
	}
	t := p.Thresholds
	if !(t.Allow > t.Monitor && t.Monitor > t.Verify && t.Verify > t.Restrict && t.Restrict > 0) {
		return fmt.Errorf("thresholds must be strictly descending and positive: %+v", t)
	}
	if t.Allow > 1.0 {
		return fmt.Errorf("allow threshold %.2f exceeds 1.0", t.Allow)
	}
	return nil
}

// Weight returns the weight for a signal.
func (p Policy) Weight(sig Signal) float64 {
	switch sig {
	case SignalIdentity:
		return p.Weights.Identity
	case SignalDevice:
		return p.Weights.Device
	case SignalContext:
		return p.Weights.Context
	case SignalNetwork:
		return p.Weights.Network
	case SignalBehavior:
		return p.Weights.Behavior
	}
	return 0
}

// Recommend maps a composite score onto the fixed recommendation bands.
func (p Policy) Recommend(composite float64) Recommendation {
	switch {
	case composite >= p.Thresholds.Allow:
		return RecommendAllow
	case composite >= p.Thresholds.Monitor:
		return RecommendAllowWithMonitoring
	case composite >= p.Thresholds.Verify:
		return RecommendRequireVerification
	case composite >= p.Thresholds.Restrict:
		return RecommendRestrictAccess
	default:
		return RecommendDeny
	}
}
