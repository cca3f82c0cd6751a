// Package policy implements C4, the policy gate: a synchronous check run
// before a capability-gated step is allowed to execute, backed by an OPA
// bundle prepared once at startup.
package policy

import (
	"context"
)

// Subject identifies who is asking to run a step.
type Subject struct {
	PlanID string
	Goal   string
}

// Action describes what is being requested: invoking a specific capability,
// carrying whatever approvals have already been recorded for the step.
type Action struct {
	StepID           string
	Capability       string
	Tool             string
	Labels           []string
	ApprovalRequired bool
}

// ReasonApprovalRequired is the well-known deny reason a gate emits when
// the only thing blocking a step is a missing or rejected human approval.
// Decision.DeniesOnlyApprovalRequired reports a deny list consisting solely
// of this reason.
const ReasonApprovalRequired = "approval_required"

// DenyReason is one structured cause a gate denied a step, optionally
// scoped to the capability it concerns.
type DenyReason struct {
	Reason     string `json:"reason"`
	Capability string `json:"capability,omitempty"`
}

// Decision is the gate's verdict. Deny lists structured reasons when Allow
// is false; it is always empty when Allow is true.
type Decision struct {
	Allow bool
	Deny  []DenyReason
}

// DeniesOnlyApprovalRequired reports whether d's deny list consists solely
// of ReasonApprovalRequired, the signal that a step is blocked on approval
// and nothing else.
func (d Decision) DeniesOnlyApprovalRequired() bool {
	if len(d.Deny) == 0 {
		return false
	}
	for _, r := range d.Deny {
		if r.Reason != ReasonApprovalRequired {
			return false
		}
	}
	return true
}

// Gate evaluates whether a step may proceed, given any approvals already
// granted for its capability.
type Gate interface {
	Evaluate(ctx context.Context, subject Subject, action Action, approvals map[string]bool) (Decision, error)
}
