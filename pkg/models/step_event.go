package models

import "time"

// StepEvent is published by the event bus (C5) on every state transition of a
// step. It embeds a snapshot view of the step so subscribers never need to
// join back against the state store.
type StepEvent struct {
	PlanID     string         `json:"planId"`
	StepID     string         `json:"stepId"`
	TraceID    string         `json:"traceId"`
	OccurredAt time.Time      `json:"occurredAt"`
	State      StepState      `json:"state"`
	Attempt    int            `json:"attempt"`
	Summary    string         `json:"summary,omitempty"`
	Output     map[string]any `json:"output,omitempty"`

	// Immutable step metadata, carried for subscribers with no other access
	// to the originating plan.
	Action          string   `json:"action"`
	Tool            string   `json:"tool"`
	Capability      string   `json:"capability"`
	CapabilityLabel string   `json:"capabilityLabel,omitempty"`
	Labels          []string `json:"labels,omitempty"`
}

// EventFromRecord builds the StepEvent view for a given record at the moment
// of a transition.
func EventFromRecord(r StepRecord) StepEvent {
	return StepEvent{
		PlanID:          r.PlanID,
		StepID:          r.StepID,
		TraceID:         r.TraceID,
		OccurredAt:      time.Now().UTC(),
		State:           r.State,
		Attempt:         r.Attempt,
		Summary:         r.Summary,
		Output:          r.Output,
		Action:          r.Step.Action,
		Tool:            r.Step.Tool,
		Capability:      r.Step.Capability,
		CapabilityLabel: r.Step.CapabilityLabel,
		Labels:          r.Step.Labels,
	}
}
