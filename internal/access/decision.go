// Package access combines independent authorization checks into a single
// allow/deny decision. The combination rule is most-restrictive-wins: one
// denying check denies the aggregate, and the aggregate reason carries every
// denying check's reason for auditability.
package access

import (
	"strings"
	"time"

	"github.com/trustplane/trustplane/internal/trust"
)

// ConditionType classifies an obligation attached to a granted decision.
type ConditionType string

const (
	// ConditionStepUpVerification requires a follow-up verification step
	// before the resource operation proceeds.
	ConditionStepUpVerification ConditionType = "step_up_verification"
	// ConditionMonitored marks the grant for elevated session monitoring.
	ConditionMonitored ConditionType = "monitored"
)

// Condition is an obligation the caller must honor on a granted decision.
type Condition struct {
	Type   ConditionType `json:"type"`
	Detail string        `json:"detail,omitempty"`
}

// Decision is the outcome of one authorization check, or of the combined
// evaluation across all checks.
type Decision struct {
	Granted    bool        `json:"granted"`
	Reason     string      `json:"reason"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// Request carries the inputs to an access check.
type Request struct {
	PrincipalID string            `json:"principal_id"`
	Resource    string            `json:"resource"`
	Action      string            `json:"action"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`

	// Evaluation is the trust compositor's verdict for this request, fed in
	// as one more check.
	Evaluation *trust.Evaluation `json:"-"`
}

// combine merges per-check decisions under most-restrictive-wins semantics.
func combine(decisions []Decision) Decision {
	granted := true
	var denyReasons []string
	var conditions []Condition

	for _, d := range decisions {
		if !d.Granted {
			granted = false
			if d.Reason != "" {
				denyReasons = append(denyReasons, d.Reason)
			}
			continue
		}
		conditions = append(conditions, d.Conditions...)
	}

	if !granted {
		return Decision{Granted: false, Reason: strings.Join(denyReasons, "; ")}
	}
	return Decision{Granted: true, Reason: "all checks granted", Conditions: conditions}
}
