package access

import (
	"context"
	"fmt"

	"github.com/trustplane/trustplane/internal/trust"
)

// Checker is one independent authorization check. The set of checkers is
// closed at combiner construction; each returns its own Decision and the
// combiner fuses them.
type Checker interface {
	Name() string
	Check(ctx context.Context, req *Request) Decision
}

// ============================================================================
// ROLE CHECKER
// ============================================================================

// RoleChecker grants when the principal holds a role the resource requires.
type RoleChecker struct {
	// PrincipalRoles maps principal id -> held roles.
	PrincipalRoles map[string][]string
	// ResourceRoles maps resource -> roles that may access it. A resource
	// with no entry is open to any authenticated principal.
	ResourceRoles map[string][]string
}

func (c *RoleChecker) Name() string { return "role" }

func (c *RoleChecker) Check(_ context.Context, req *Request) Decision {
	required, ok := c.ResourceRoles[req.Resource]
	if !ok || len(required) == 0 {
		return Decision{Granted: true, Reason: "no role requirement"}
	}
	held := c.PrincipalRoles[req.PrincipalID]
	for _, need := range required {
		for _, have := range held {
			if need == have {
				return Decision{Granted: true, Reason: "role " + need}
			}
		}
	}
	return Decision{
		Granted: false,
		Reason:  fmt.Sprintf("role check: principal %s lacks required role for %s", req.PrincipalID, req.Resource),
	}
}

// ============================================================================
// ATTRIBUTE CHECKER
// ============================================================================

// AttributeChecker grants when every required resource attribute is present
// on the request.
type AttributeChecker struct {
	// ResourceAttributes maps resource -> attribute key/value pairs the
	// request must carry.
	ResourceAttributes map[string]map[string]string
}

func (c *AttributeChecker) Name() string { return "attribute" }

func (c *AttributeChecker) Check(_ context.Context, req *Request) Decision {
	required := c.ResourceAttributes[req.Resource]
	for key, want := range required {
		if got, ok := req.Attributes[key]; !ok || got != want {
			return Decision{
				Granted: false,
				Reason:  fmt.Sprintf("attribute check: %s=%s required for %s", key, want, req.Resource),
			}
		}
	}
	return Decision{Granted: true, Reason: "attributes satisfied"}
}

// ============================================================================
// CONTEXTUAL CHECKER
// ============================================================================

// ContextualChecker applies environment rules: actions blocked outside an
// allowed window, or blocked entirely for some resources.
type ContextualChecker struct {
	// BlockedActions maps resource -> actions never allowed.
	BlockedActions map[string][]string
	// AllowedHours, when set for a resource, restricts access to
	// [start, end) local hours.
	AllowedHours map[string][2]int
}

func (c *ContextualChecker) Name() string { return "contextual" }

func (c *ContextualChecker) Check(_ context.Context, req *Request) Decision {
	for _, blocked := range c.BlockedActions[req.Resource] {
		if blocked == req.Action {
			return Decision{
				Granted: false,
				Reason:  fmt.Sprintf("contextual check: action %s blocked on %s", req.Action, req.Resource),
			}
		}
	}
	if window, ok := c.AllowedHours[req.Resource]; ok {
		hour := req.Timestamp.Hour()
		if hour < window[0] || hour >= window[1] {
			return Decision{
				Granted: false,
				Reason:  fmt.Sprintf("contextual check: %s accessible only %02d:00-%02d:00", req.Resource, window[0], window[1]),
			}
		}
	}
	return Decision{Granted: true, Reason: "context permitted"}
}

// ============================================================================
// POLICY CHECKER
// ============================================================================

// PolicyEvaluator is the port to an external policy engine.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, principalID, resource, action string) (allowed bool, reason string, err error)
}

// PolicyChecker consults a policy engine through its port. Engine failure
// denies: a zero-trust combiner fails closed.
type PolicyChecker struct {
	Evaluator PolicyEvaluator
}

func (c *PolicyChecker) Name() string { return "policy" }

func (c *PolicyChecker) Check(ctx context.Context, req *Request) Decision {
	if c.Evaluator == nil {
		return Decision{Granted: true, Reason: "no policy engine configured"}
	}
	allowed, reason, err := c.Evaluator.Evaluate(ctx, req.PrincipalID, req.Resource, req.Action)
	if err != nil {
		return Decision{Granted: false, Reason: "policy check: engine unavailable"}
	}
	if !allowed {
		return Decision{Granted: false, Reason: "policy check: " + reason}
	}
	return Decision{Granted: true, Reason: "policy permits"}
}

// ============================================================================
// TRUST RECOMMENDATION CHECKER
// ============================================================================

// TrustChecker converts the compositor's recommendation into an
// authorization check. Restrict/Deny recommendations force an overall deny;
// RequireAdditionalVerification grants with a step-up condition.
type TrustChecker struct{}

func (c *TrustChecker) Name() string { return "trust" }

func (c *TrustChecker) Check(_ context.Context, req *Request) Decision {
	if req.Evaluation == nil {
		return Decision{Granted: false, Reason: "trust check: no evaluation available"}
	}
	switch req.Evaluation.Recommendation {
	case trust.RecommendAllow:
		return Decision{Granted: true, Reason: "trust sufficient"}
	case trust.RecommendAllowWithMonitoring:
		return Decision{
			Granted:    true,
			Reason:     "trust sufficient with monitoring",
			Conditions: []Condition{{Type: ConditionMonitored, Detail: "session monitored due to reduced trust"}},
		}
	case trust.RecommendRequireVerification:
		return Decision{
			Granted:    true,
			Reason:     "trust marginal",
			Conditions: []Condition{{Type: ConditionStepUpVerification, Detail: "additional verification required before resource access"}},
		}
	case trust.RecommendRestrictAccess:
		return Decision{Granted: false, Reason: fmt.Sprintf("trust check: access restricted (composite %.2f)", req.Evaluation.CompositeScore)}
	default:
		return Decision{Granted: false, Reason: fmt.Sprintf("trust check: denied (composite %.2f)", req.Evaluation.CompositeScore)}
	}
}
