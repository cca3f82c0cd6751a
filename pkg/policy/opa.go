package policy

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/open-policy-agent/opa/rego"
)

// OPAConfig points at the bundle directory and the query entrypoint to
// evaluate. The bundle is expected to export `allow` (bool) and `deny`
// (a set of {reason, capability?} objects) under the given package.
type OPAConfig struct {
	BundlePath string
	Query      string // e.g. "data.trellis.plan.decision"
}

func (c OPAConfig) query() string {
	if c.Query != "" {
		return c.Query
	}
	return "data.trellis.plan.decision"
}

// OPAGate evaluates capability decisions against a Rego bundle loaded and
// prepared once at startup, so each Evaluate call only runs the query.
type OPAGate struct {
	prepared rego.PreparedEvalQuery
	logger   ectologger.Logger
}

// NewOPAGate loads and prepares the bundle at cfg.BundlePath. A failure here
// is fatal to startup, matching the reference platform's fail-fast
// dependency wiring.
func NewOPAGate(ctx context.Context, cfg OPAConfig, logger ectologger.Logger) (*OPAGate, error) {
	r := rego.New(
		rego.Query(cfg.query()),
		rego.Load([]string{cfg.BundlePath}, nil),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: prepare rego query: %w", err)
	}

	return &OPAGate{prepared: prepared, logger: logger}, nil
}

// input is the document shape handed to the Rego policy.
type input struct {
	Subject struct {
		PlanID string `json:"planId"`
		Goal   string `json:"goal"`
	} `json:"subject"`
	Action struct {
		StepID           string   `json:"stepId"`
		Capability       string   `json:"capability"`
		Tool             string   `json:"tool"`
		Labels           []string `json:"labels"`
		ApprovalRequired bool     `json:"approvalRequired"`
	} `json:"action"`
	Approvals map[string]bool `json:"approvals"`
}

func (g *OPAGate) Evaluate(ctx context.Context, subject Subject, action Action, approvals map[string]bool) (Decision, error) {
	var in input
	in.Subject.PlanID = subject.PlanID
	in.Subject.Goal = subject.Goal
	in.Action.StepID = action.StepID
	in.Action.Capability = action.Capability
	in.Action.Tool = action.Tool
	in.Action.Labels = action.Labels
	in.Action.ApprovalRequired = action.ApprovalRequired
	in.Approvals = approvals

	rs, err := g.prepared.Eval(ctx, rego.EvalInput(toMap(in)))
	if err != nil {
		return Decision{}, fmt.Errorf("policy: evaluate: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{Allow: false, Deny: []DenyReason{{Reason: "policy produced no result"}}}, nil
	}

	doc, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{Allow: false, Deny: []DenyReason{{Reason: "policy result was not an object"}}}, nil
	}

	allow, _ := doc["allow"].(bool)
	var deny []DenyReason
	if raw, ok := doc["deny"].([]any); ok {
		for _, d := range raw {
			obj, ok := d.(map[string]any)
			if !ok {
				continue
			}
			reason, _ := obj["reason"].(string)
			if reason == "" {
				continue
			}
			capability, _ := obj["capability"].(string)
			deny = append(deny, DenyReason{Reason: reason, Capability: capability})
		}
	}

	return Decision{Allow: allow, Deny: deny}, nil
}

func toMap(in input) map[string]any {
	return map[string]any{
		"subject": map[string]any{
			"planId": in.Subject.PlanID,
			"goal":   in.Subject.Goal,
		},
		"action": map[string]any{
			"stepId":           in.Action.StepID,
			"capability":       in.Action.Capability,
			"tool":             in.Action.Tool,
			"labels":           in.Action.Labels,
			"approvalRequired": in.Action.ApprovalRequired,
		},
		"approvals": in.Approvals,
	}
}
