package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Ramsey-B/trellis/internal/platform/tracing"
	"github.com/Ramsey-B/trellis/pkg/broker"
	"github.com/Ramsey-B/trellis/pkg/metrics"
	"github.com/Ramsey-B/trellis/pkg/models"
	"github.com/Ramsey-B/trellis/pkg/policy"
	"github.com/Ramsey-B/trellis/pkg/statestore"
	"github.com/Ramsey-B/trellis/pkg/toolagent"
)

// maxBackoffMs caps the computed retry delay; there is no meaningful
// "unbounded" duration to hand a broker's scheduler.
const maxBackoffMs = 1<<31 - 1

// backoffDelayMs implements base * 2^attempt, capped at maxBackoffMs. A
// zero base (QUEUE_RETRY_BACKOFF_MS unset) means no delay at all.
func backoffDelayMs(attempt int, base time.Duration) int {
	if base <= 0 {
		return 0
	}
	ms := base.Milliseconds()
	for i := 0; i < attempt; i++ {
		ms *= 2
		if ms > maxBackoffMs {
			return maxBackoffMs
		}
	}
	if ms > maxBackoffMs {
		return maxBackoffMs
	}
	return int(ms)
}

// handleStepMessage is the step consumer loop body. It holds the delivery
// through the entire tool invocation and resolves it exactly once: Ack on a
// terminal outcome or a dropped/invalid message, Retry on a retryable
// failure with attempts remaining, DeadLetter once they're exhausted.
func (e *Engine) handleStepMessage(ctx context.Context, d *broker.Delivery) error {
	sm, err := decodeStepMessage(d.Body)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("engine: dropping malformed step message")
		d.Ack()
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, "engine.handleStepMessage")
	defer span.End()

	// Delivery.Retry counts redeliveries in the message headers; the body
	// keeps the attempt the step was first enqueued with.
	if d.Attempt > sm.Attempt {
		sm.Attempt = d.Attempt
	}

	rec, err := e.store.GetEntry(sm.PlanID, sm.Step.ID)
	if err != nil {
		// Already completed/forgotten: at-least-once delivery, safe to drop.
		d.Ack()
		return nil
	}
	if rec.Attempt > sm.Attempt {
		// A newer attempt already superseded this message; drop it.
		d.Ack()
		return nil
	}

	// A step requiring approval is only ever enqueued once ResolveApproval
	// has recorded that approval. If it somehow reaches dispatch without
	// one (a stale redelivery racing a rejection, say) it goes back to
	// waiting_approval rather than running ungated.
	if sm.Step.ApprovalRequired && !rec.Approvals[sm.Step.Capability] {
		rec, err = e.store.SetState(sm.PlanID, sm.Step.ID, models.StepWaitingApproval, statestore.SetStateOpts{})
		if err != nil {
			d.Retry(0)
			return err
		}
		e.publishAndAudit(ctx, rec)
		d.Ack()
		return nil
	}

	decision, err := e.gate.Evaluate(ctx, policy.Subject{PlanID: sm.PlanID}, policy.Action{
		StepID:           sm.Step.ID,
		Capability:       sm.Step.Capability,
		Tool:             sm.Step.Tool,
		Labels:           sm.Step.Labels,
		ApprovalRequired: sm.Step.ApprovalRequired,
	}, rec.Approvals)
	if err != nil {
		d.Retry(backoffDelayMs(rec.Attempt, e.backoffBase))
		return nil
	}

	verdict := "allow"
	if !decision.Allow {
		verdict = "deny"
	}
	metrics.RecordPolicyDecision(sm.Step.Capability, verdict)

	if !decision.Allow {
		rec, err = e.store.SetState(sm.PlanID, sm.Step.ID, models.StepRejected, statestore.SetStateOpts{})
		if err != nil {
			d.Retry(0)
			return err
		}
		e.publishAndAudit(ctx, rec)
		d.Ack()
		return nil
	}

	rec, err = e.store.SetState(sm.PlanID, sm.Step.ID, models.StepRunning, statestore.SetStateOpts{Attempt: &sm.Attempt})
	if err != nil {
		d.Retry(0)
		return err
	}
	e.publishAndAudit(ctx, rec)

	start := time.Now()
	events, invokeErr := e.tools.Invoke(ctx, sm.PlanID, sm.Step, sm.Attempt)

	if invokeErr != nil {
		metrics.RecordToolInvocation(sm.Step.Tool, "error", time.Since(start).Seconds())
		return e.handleInvocationFailure(ctx, d, sm, rec, invokeErr)
	}
	metrics.RecordToolInvocation(sm.Step.Tool, "success", time.Since(start).Seconds())

	var sawTerminal bool
	for _, evt := range events {
		opts := statestore.SetStateOpts{Output: evt.Output}
		if evt.Summary != "" {
			summary := evt.Summary
			opts.Summary = &summary
		}
		rec, err = e.store.SetState(sm.PlanID, sm.Step.ID, evt.State, opts)
		if err != nil {
			d.Retry(0)
			return err
		}
		e.publishAndAudit(ctx, rec)
		if evt.State.IsTerminal() {
			sawTerminal = true
		}
	}

	if !sawTerminal {
		// The tool agent reported only progress events and returned
		// successfully: treat the invocation itself as the success signal.
		rec, err = e.store.SetState(sm.PlanID, sm.Step.ID, models.StepCompleted, statestore.SetStateOpts{})
		if err != nil {
			d.Retry(0)
			return err
		}
		e.publishAndAudit(ctx, rec)
	}

	d.Ack()
	return nil
}

// handleInvocationFailure applies the retry/dead-letter/fail edge for a
// transport-level tool agent failure (the call itself errored, as opposed
// to the tool agent reporting a failed ToolEvent).
func (e *Engine) handleInvocationFailure(ctx context.Context, d *broker.Delivery, sm stepMessage, rec models.StepRecord, invokeErr error) error {
	code := toolErrorCode(invokeErr)
	summary := invokeErr.Error()

	if isRetryableCode(code) && rec.Attempt+1 < e.maxAttempts {
		nextAttempt := rec.Attempt + 1
		rec, err := e.store.SetState(sm.PlanID, sm.Step.ID, models.StepRetrying, statestore.SetStateOpts{Summary: &summary})
		if err != nil {
			d.Retry(0)
			return err
		}
		e.publishAndAudit(ctx, rec)

		d.Retry(backoffDelayMs(rec.Attempt, e.backoffBase))

		rec, err = e.store.SetState(sm.PlanID, sm.Step.ID, models.StepQueued, statestore.SetStateOpts{Attempt: &nextAttempt})
		if err != nil {
			return err
		}
		e.publishAndAudit(ctx, rec)
		return nil
	}

	if isRetryableCode(code) {
		rec, err := e.store.SetState(sm.PlanID, sm.Step.ID, models.StepDeadLettered, statestore.SetStateOpts{Summary: &summary})
		if err != nil {
			d.Retry(0)
			return err
		}
		e.publishAndAudit(ctx, rec)
		d.DeadLetter(models.DLQReasonMaxRetries)
		return nil
	}

	rec, err := e.store.SetState(sm.PlanID, sm.Step.ID, models.StepFailed, statestore.SetStateOpts{Summary: &summary})
	if err != nil {
		d.Retry(0)
		return err
	}
	e.publishAndAudit(ctx, rec)
	d.Ack()
	return nil
}

// handleCompletionMessage is the plan.completions consumer loop body: it
// accepts terminal ToolEvents published out-of-band by agents that outlive
// the request/response tool agent call, applies the transition, and
// ignores anything non-terminal.
func (e *Engine) handleCompletionMessage(ctx context.Context, d *broker.Delivery) error {
	var evt toolagent.ToolEvent
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("engine: dropping malformed completion message")
		d.Ack()
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, "engine.handleCompletionMessage")
	defer span.End()

	if !evt.State.IsTerminal() {
		d.Ack()
		return nil
	}

	opts := statestore.SetStateOpts{Output: evt.Output}
	if evt.Summary != "" {
		summary := evt.Summary
		opts.Summary = &summary
	}
	rec, err := e.store.SetState(evt.PlanID, evt.StepID, evt.State, opts)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			d.Ack()
			return nil
		}
		d.Retry(0)
		return err
	}
	e.publishAndAudit(ctx, rec)
	d.Ack()
	return nil
}

func toolErrorCode(err error) string {
	var te *toolagent.Error
	if ok := errors.As(err, &te); ok {
		return te.Code
	}
	return "unknown"
}

func isRetryableCode(code string) bool {
	switch code {
	case "transient_status", "transport_error", "context_cancelled":
		return true
	default:
		return false
	}
}
