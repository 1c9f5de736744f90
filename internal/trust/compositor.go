package trust

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// TRUST COMPOSITOR
// Fans an access request out to all five scorers concurrently, fuses the
// results into one composite score, and maps it onto a recommendation. Pure
// given its inputs: callers persist and log the result.
// ============================================================================

// CompositorConfig configures the compositor.
type CompositorConfig struct {
	ScorerTimeout time.Duration // per-scorer deadline; overruns degrade, never block
}

// ScorerSet is the closed set of signal scorers the compositor fuses.
type ScorerSet struct {
	Identity Scorer
	Device   Scorer
	Network  Scorer
	Context  Scorer
	Behavior Scorer
}

// Compositor combines the five trust signals under a shared decision policy.
type Compositor struct {
	policy  Policy
	scorers [5]Scorer
	cfg     CompositorConfig
}

// NewCompositor creates a compositor. The policy must already be validated.
func NewCompositor(policy Policy, set ScorerSet, cfg CompositorConfig) *Compositor {
	if cfg.ScorerTimeout == 0 {
		cfg.ScorerTimeout = 250 * time.Millisecond
	}
	return &Compositor{
		policy:  policy,
		scorers: [5]Scorer{set.Identity, set.Device, set.Context, set.Network, set.Behavior},
		cfg:     cfg,
	}
}

// Policy returns the decision policy in effect.
func (c *Compositor) Policy() Policy { return c.policy }

type scorerResult struct {
	signal Signal
	score  Score
}

// neutralScore is what a timed-out or panicking scorer contributes: a low
// value at low confidence, flagged so the risk surfaces in the evaluation.
func neutralScore(sig Signal) Score {
	return Score{
		Value:       0.3,
		Confidence:  0.1,
		RiskFactors: []string{"scorer unavailable: " + string(sig)},
	}
}

// Evaluate runs all scorers concurrently and fuses their outputs. There is
// no ordering between scorers; the call blocks only until every scorer has
// returned or hit its individual deadline.
func (c *Compositor) Evaluate(ctx context.Context, req *AccessRequest) *Evaluation {
	results := make(chan scorerResult, len(c.scorers))

	for _, s := range c.scorers {
		go func(s Scorer) {
			sig := s.Signal()
			scoreCtx, cancel := context.WithTimeout(ctx, c.cfg.ScorerTimeout)
			defer cancel()

			done := make(chan Score, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Error("scorer panic", "signal", sig, "panic", r)
						done <- neutralScore(sig)
					}
				}()
				done <- s.Score(scoreCtx, req)
			}()

			select {
			case score := <-done:
				results <- scorerResult{signal: sig, score: score}
			case <-scoreCtx.Done():
				slog.Warn("scorer timed out", "signal", sig, "timeout", c.cfg.ScorerTimeout)
				results <- scorerResult{signal: sig, score: neutralScore(sig)}
			}
		}(s)
	}

	scores := make(map[Signal]Score, len(c.scorers))
	for range c.scorers {
		r := <-results
		scores[r.signal] = r.score
	}

	composite := 0.0
	var risks []string
	for sig, score := range scores {
		composite += c.policy.Weight(sig) * score.Value
		risks = append(risks, score.RiskFactors...)
	}
	composite = clamp01(composite)

	risks = append(risks, requestHeuristics(req)...)

	return &Evaluation{
		RequestID:      req.RequestID,
		PrincipalID:    req.PrincipalID,
		Scores:         scores,
		CompositeScore: composite,
		Recommendation: c.policy.Recommend(composite),
		RiskFactors:    dedupe(risks),
		Timestamp:      req.Timestamp,
	}
}

// requestHeuristics are risk factors derived from the request itself,
// independent of any single scorer.
func requestHeuristics(req *AccessRequest) []string {
	var risks []string
	if !req.Device.Managed {
		risks = append(risks, "unmanaged device")
	}
	if req.Network.PublicNetwork {
		risks = append(risks, "public network")
	}
	if req.Context.HighRiskLocation {
		risks = append(risks, "high-risk location")
	}
	return risks
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
