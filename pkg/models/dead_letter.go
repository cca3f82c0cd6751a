package models

import "time"

// DeadLetterReason classifies why a message was routed to a dead-letter queue.
type DeadLetterReason string

const (
	DLQReasonMaxRetries  DeadLetterReason = "max_retries_exceeded"
	DLQReasonInvalidJob  DeadLetterReason = "invalid_job"
	DLQReasonPlanMissing DeadLetterReason = "plan_not_found"
	DLQReasonTimeout     DeadLetterReason = "timeout"
	DLQReasonPanic       DeadLetterReason = "panic"
	DLQReasonUnknown     DeadLetterReason = "unknown"
)

// DeadLetterEntry is the broker-agnostic view of a dead-lettered message,
// generalized from the teacher's Redis-stream-backed DLQEntry.
type DeadLetterEntry struct {
	ID           string           `json:"id"`
	PlanID       string           `json:"planId"`
	StepID       string           `json:"stepId"`
	Queue        string           `json:"queue"`
	OriginalBody []byte           `json:"originalBody"`
	Reason       DeadLetterReason `json:"reason"`
	ErrorMessage string           `json:"errorMessage"`
	RetryCount   int              `json:"retryCount"`
	CreatedAt    time.Time        `json:"createdAt"`
	TraceID      string           `json:"traceId,omitempty"`
}
