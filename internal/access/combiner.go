package access

import (
	"context"
	"log/slog"
	"time"
)

// CombinerConfig configures the access decision combiner.
type CombinerConfig struct {
	CheckTimeout time.Duration // per-check deadline; overruns deny
}

// Combiner fans a request out across its independent checks concurrently
// and fuses the results under most-restrictive-wins. A check that times
// out, panics, or errors contributes a deny: evaluation that cannot
// complete confidently denies by default.
type Combiner struct {
	checkers []Checker
	cfg      CombinerConfig
}

// NewCombiner creates a combiner over a fixed checker set.
func NewCombiner(cfg CombinerConfig, checkers ...Checker) *Combiner {
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = 250 * time.Millisecond
	}
	return &Combiner{checkers: checkers, cfg: cfg}
}

// CheckAccess runs every check concurrently and combines the outcomes.
func (c *Combiner) CheckAccess(ctx context.Context, req *Request) Decision {
	if len(c.checkers) == 0 {
		return Decision{Granted: false, Reason: "no authorization checks configured"}
	}

	results := make(chan Decision, len(c.checkers))
	for _, checker := range c.checkers {
		go func(checker Checker) {
			checkCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
			defer cancel()

			done := make(chan Decision, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Error("access check panic", "check", checker.Name(), "panic", r)
						done <- Decision{Granted: false, Reason: "check " + checker.Name() + " unavailable"}
					}
				}()
				done <- checker.Check(checkCtx, req)
			}()

			select {
			case d := <-done:
				results <- d
			case <-checkCtx.Done():
				slog.Warn("access check timed out", "check", checker.Name(), "timeout", c.cfg.CheckTimeout)
				results <- Decision{Granted: false, Reason: "check " + checker.Name() + " timed out"}
			}
		}(checker)
	}

	decisions := make([]Decision, 0, len(c.checkers))
	for range c.checkers {
		decisions = append(decisions, <-results)
	}

	return combine(decisions)
}
