// Package toolagent implements C3, the tool agent client: a small
// HTTP/JSON request-response RPC that invokes a step's tool agent and
// returns the ordered sequence of lifecycle events it reports back.
package toolagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/trellis/internal/platform/tracing"
	"github.com/Ramsey-B/trellis/pkg/httpclient"
	"github.com/Ramsey-B/trellis/pkg/models"
)

// DefaultTimeout is used when a step specifies no timeoutSeconds.
const DefaultTimeout = 30 * time.Second

// DefaultMaxRetries is the number of additional attempts after the first,
// applied only to transient (retryable) failures.
const DefaultMaxRetries = 2

// retryBaseDelay is the linear backoff unit: retry n waits n * retryBaseDelay.
const retryBaseDelay = 200 * time.Millisecond

// Invocation is the JSON body posted to a tool agent's endpoint, carrying
// everything spec §4.3's ToolInvocation names.
type Invocation struct {
	InvocationID     string         `json:"invocationId"`
	PlanID           string         `json:"planId"`
	StepID           string         `json:"stepId"`
	Tool             string         `json:"tool"`
	Capability       string         `json:"capability"`
	CapabilityLabel  string         `json:"capabilityLabel,omitempty"`
	Labels           []string       `json:"labels,omitempty"`
	TimeoutSeconds   int            `json:"timeoutSeconds,omitempty"`
	ApprovalRequired bool           `json:"approvalRequired"`
	Input            map[string]any `json:"input,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Attempt          int            `json:"attempt"`
	TraceID          string         `json:"traceId,omitempty"`
}

// ToolEvent is one entry of the ordered, finite sequence a tool agent
// reports for an invocation: typically a "running" event followed by a
// single terminal event, but an agent may stream more than one lifecycle
// event before settling.
type ToolEvent struct {
	InvocationID string           `json:"invocationId"`
	PlanID       string           `json:"planId"`
	StepID       string           `json:"stepId"`
	State        models.StepState `json:"state"`
	Summary      string           `json:"summary,omitempty"`
	Output       map[string]any   `json:"output,omitempty"`
	OccurredAt   time.Time        `json:"occurredAt"`
	Attempt      int              `json:"attempt,omitempty"`
}

// TerminalEvent applies the tie-break rule: the last event in events whose
// state is terminal determines the invocation's outcome. ok is false if no
// event in the sequence is terminal.
func TerminalEvent(events []ToolEvent) (evt ToolEvent, ok bool) {
	for _, e := range events {
		if e.State.IsTerminal() {
			evt, ok = e, true
		}
	}
	return evt, ok
}

// Error is the typed failure returned by Invoke. It satisfies the error
// interface so callers can still use errors.As/Is, but carries the fields
// the engine needs to decide retry-vs-dead-letter.
type Error struct {
	Retryable bool   `json:"retryable"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Cause     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("toolagent: %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("toolagent: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Endpoint resolves a tool name to the URL its agent listens on. The
// engine supplies this so the client stays agnostic to service discovery.
type Endpoint func(tool string) (string, error)

// Client invokes tool agents over HTTP with timeout and retry handling.
type Client struct {
	http       *httpclient.Client
	logger     ectologger.Logger
	endpoint   Endpoint
	maxRetries int
}

// New builds a Client with the default HTTP client config and DefaultMaxRetries.
func New(endpoint Endpoint, logger ectologger.Logger) *Client {
	return &Client{
		http:       httpclient.NewClient(httpclient.DefaultConfig(), logger),
		logger:     logger,
		endpoint:   endpoint,
		maxRetries: DefaultMaxRetries,
	}
}

// Invoke calls the tool agent for step and returns its ordered ToolEvent
// sequence, retrying transient failures up to maxRetries times with linear
// backoff scaled by attempt number. The request timeout is
// min(step.TimeoutSeconds, DefaultTimeout) when the step specifies one,
// else DefaultTimeout.
func (c *Client) Invoke(ctx context.Context, planID string, step models.PlanStep, attempt int) ([]ToolEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "toolagent.Invoke")
	defer span.End()

	url, err := c.endpoint(step.Tool)
	if err != nil {
		return nil, &Error{Retryable: false, Code: "unknown_tool", Message: err.Error()}
	}

	timeout := DefaultTimeout
	if step.TimeoutSeconds > 0 {
		candidate := time.Duration(step.TimeoutSeconds) * time.Second
		if candidate < timeout {
			timeout = candidate
		}
	}

	invocationID := uuid.NewString()

	var lastErr error
	for try := 0; try <= c.maxRetries; try++ {
		if try > 0 {
			backoff := time.Duration(try) * retryBaseDelay
			c.logger.WithContext(ctx).Warnf("toolagent: retrying %s step %s attempt %d after %s", step.Tool, step.ID, try, backoff)
			select {
			case <-ctx.Done():
				return nil, &Error{Retryable: true, Code: "context_cancelled", Message: ctx.Err().Error()}
			case <-time.After(backoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		events, err := c.call(callCtx, url, invocationID, planID, step, attempt)
		cancel()
		if err == nil {
			return events, nil
		}
		lastErr = err

		var te *Error
		if ok := asToolError(err, &te); !ok || !te.Retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func asToolError(err error, target **Error) bool {
	te, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = te
	return true
}

func (c *Client) call(ctx context.Context, url, invocationID, planID string, step models.PlanStep, attempt int) ([]ToolEvent, error) {
	body, err := json.Marshal(Invocation{
		InvocationID:     invocationID,
		PlanID:           planID,
		StepID:           step.ID,
		Tool:             step.Tool,
		Capability:       step.Capability,
		CapabilityLabel:  step.CapabilityLabel,
		Labels:           step.Labels,
		TimeoutSeconds:   step.TimeoutSeconds,
		ApprovalRequired: step.ApprovalRequired,
		Input:            step.Input,
		Metadata:         step.Metadata,
		Attempt:          attempt,
		TraceID:          tracing.GetTraceID(ctx),
	})
	if err != nil {
		return nil, &Error{Retryable: false, Code: "encode_failed", Message: "failed to encode invocation", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Retryable: false, Code: "request_build_failed", Message: "failed to build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if tp := tracing.GetTraceParent(ctx); tp != "" {
		req.Header.Set("traceparent", tp)
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, &Error{Retryable: true, Code: "transport_error", Message: "tool agent unreachable", Cause: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var events []ToolEvent
		if err := json.Unmarshal(resp.Body, &events); err != nil {
			return nil, &Error{Retryable: false, Code: "decode_failed", Message: "malformed tool agent response", Cause: err}
		}
		if len(events) == 0 {
			return nil, &Error{Retryable: false, Code: "empty_response", Message: "tool agent reported no events"}
		}
		return events, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, &Error{Retryable: true, Code: "transient_status", Message: fmt.Sprintf("tool agent returned %d", resp.StatusCode)}
	default:
		return nil, &Error{Retryable: false, Code: "rejected", Message: fmt.Sprintf("tool agent returned %d", resp.StatusCode)}
	}
}
