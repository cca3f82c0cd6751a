package policy

import "context"

// AllowAllGate is a Gate that never denies. Used in tests and for local
// development when no OPA bundle is configured.
type AllowAllGate struct{}

func (AllowAllGate) Evaluate(context.Context, Subject, Action, map[string]bool) (Decision, error) {
	return Decision{Allow: true}, nil
}
