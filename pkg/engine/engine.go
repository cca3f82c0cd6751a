// Package engine implements C6, the plan execution engine: it owns the
// state store, broker, tool agent client, policy gate, and event bus, and
// drives a submitted plan's steps from queued through to a terminal state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/trellis/internal/platform/tracing"
	"github.com/Ramsey-B/trellis/pkg/broker"
	"github.com/Ramsey-B/trellis/pkg/eventbus"
	"github.com/Ramsey-B/trellis/pkg/metrics"
	"github.com/Ramsey-B/trellis/pkg/models"
	"github.com/Ramsey-B/trellis/pkg/policy"
	"github.com/Ramsey-B/trellis/pkg/statestore"
	"github.com/Ramsey-B/trellis/pkg/toolagent"
)

// ErrPlanInvalid wraps a Plan.Validate failure surfaced from SubmitPlan.
var ErrPlanInvalid = errors.New("engine: plan failed validation")

// ErrStepNotFound is returned by ResolveApproval when no record exists for
// the given step at all.
var ErrStepNotFound = errors.New("engine: step not found")

// ErrStepConflict is returned by ResolveApproval when a record exists but
// is not currently waiting on approval (already resolved, or never gated).
var ErrStepConflict = errors.New("engine: step is not awaiting approval")

// ErrPolicyDenied is returned by ResolveApproval when the policy gate
// denies a step after a human has approved it.
var ErrPolicyDenied = errors.New("engine: policy gate denied step")

const (
	stepQueueName        = "plan.steps"
	planCompletionsQueue = "plan.completions"
)

// defaultMaxStepAttempts bounds retryable tool agent failures before a step
// is dead-lettered, used when Config.MaxAttempts is unset.
const defaultMaxStepAttempts = 3

// AuditSink records terminal transitions for long-lived operator history.
// Failures are logged, never propagated: the audit log is best-effort.
type AuditSink interface {
	Append(ctx context.Context, evt models.StepEvent) error
}

// ToolInvoker is satisfied by *toolagent.Client; narrowed to an interface
// so tests can substitute a fake tool agent without standing up HTTP.
type ToolInvoker interface {
	Invoke(ctx context.Context, planID string, step models.PlanStep, attempt int) ([]toolagent.ToolEvent, error)
}

// Config bundles the engine's dependencies. All fields are required except
// Audit and Approval, and except MaxAttempts/RetryBackoffBase, which fall
// back to engine defaults when zero.
type Config struct {
	Store            *statestore.Store
	Broker           broker.Adapter
	Tools            ToolInvoker
	Gate             policy.Gate
	Bus              *eventbus.Bus
	Audit            AuditSink
	Approval         ApprovalCache
	MaxAttempts      int
	RetryBackoffBase time.Duration
	Logger           ectologger.Logger
}

// Engine is the C6 handle. Construct with New, call Start to launch its
// consumer loops and run crash recovery, Stop to drain them.
type Engine struct {
	store       *statestore.Store
	bkr         broker.Adapter
	tools       ToolInvoker
	gate        policy.Gate
	bus         *eventbus.Bus
	audit       AuditSink
	approv      ApprovalCache
	maxAttempts int
	backoffBase time.Duration
	logger      ectologger.Logger

	mu       sync.Mutex
	plans    map[string]models.Plan            // in-memory, only for Goal lookups on re-evaluation
	outcomes map[string]map[string]models.StepState // planID -> stepID -> terminal state, for planOutcome
}

// New constructs an Engine. Call Start before submitting plans.
func New(cfg Config) *Engine {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxStepAttempts
	}
	return &Engine{
		store:       cfg.Store,
		bkr:         cfg.Broker,
		tools:       cfg.Tools,
		gate:        cfg.Gate,
		bus:         cfg.Bus,
		audit:       cfg.Audit,
		approv:      cfg.Approval,
		maxAttempts: maxAttempts,
		backoffBase: cfg.RetryBackoffBase,
		logger:      cfg.Logger,
		plans:       make(map[string]models.Plan),
		outcomes:    make(map[string]map[string]models.StepState),
	}
}

// GetName satisfies startup.StartupDependency.
func (e *Engine) GetName() string { return "plan-execution-engine" }

// DependsOn satisfies startup.StartupDependency; the engine has no further
// dependencies of its own, callers are expected to start the store/broker
// backing services before adding the engine.
func (e *Engine) DependsOn() []string { return nil }

// Start launches the step consumer and completion consumer loops, then
// runs crash recovery by re-emitting a current-state event for every
// record the store still considers active.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.bkr.Consume(ctx, stepQueueName, e.handleStepMessage); err != nil {
		return fmt.Errorf("engine: subscribe to %s: %w", stepQueueName, err)
	}
	if err := e.bkr.Consume(ctx, planCompletionsQueue, e.handleCompletionMessage); err != nil {
		return fmt.Errorf("engine: subscribe to %s: %w", planCompletionsQueue, err)
	}
	e.recoverActive(ctx)
	return nil
}

// Stop releases the broker connection the engine was handed at construction.
func (e *Engine) Stop(ctx context.Context) error {
	return e.bkr.Close()
}

// SubmitPlan validates plan and admits each step along one of three edges:
// a step requiring approval goes straight to waiting_approval with no
// enqueue; otherwise the policy gate is evaluated and an allowed step is
// persisted as queued and enqueued, while a denied step is rejected without
// ever being persisted. Submission returns only after every step has been
// admitted or a deterministic failure is raised; steps already admitted
// before a failure are left in place, there is no cross-step rollback.
func (e *Engine) SubmitPlan(ctx context.Context, plan models.Plan) error {
	ctx, span := tracing.StartSpan(ctx, "engine.SubmitPlan")
	defer span.End()

	if err := plan.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrPlanInvalid, err)
	}

	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	e.mu.Lock()
	e.plans[plan.ID] = plan
	e.mu.Unlock()

	traceID := tracing.GetTraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	for _, step := range plan.Steps {
		if step.ApprovalRequired {
			rec, err := e.store.Remember(plan.ID, step, traceID, statestore.InitialState{
				InitialState:   models.StepWaitingApproval,
				IdempotencyKey: models.IdempotencyKeyFor(plan.ID, step.ID),
			})
			if err != nil {
				return fmt.Errorf("engine: remember step %s: %w", step.ID, err)
			}
			e.publishAndAudit(ctx, rec)
			continue
		}

		decision, err := e.gate.Evaluate(ctx, policy.Subject{PlanID: plan.ID, Goal: plan.Goal}, policy.Action{
			StepID:           step.ID,
			Capability:       step.Capability,
			Tool:             step.Tool,
			Labels:           step.Labels,
			ApprovalRequired: step.ApprovalRequired,
		}, nil)
		if err != nil {
			return fmt.Errorf("engine: evaluate policy for step %s: %w", step.ID, err)
		}

		if !decision.Allow {
			e.rejectWithoutPersistence(ctx, plan.ID, step, traceID)
			continue
		}

		rec, err := e.store.Remember(plan.ID, step, traceID, statestore.InitialState{
			InitialState:   models.StepQueued,
			IdempotencyKey: models.IdempotencyKeyFor(plan.ID, step.ID),
		})
		if err != nil {
			return fmt.Errorf("engine: remember step %s: %w", step.ID, err)
		}

		if err := e.enqueueStep(ctx, plan.ID, step, 0); err != nil {
			e.failAfterEnqueueError(ctx, plan.ID, step.ID, err)
			return fmt.Errorf("engine: enqueue step %s: %w", step.ID, err)
		}
		e.publishAndAudit(ctx, rec)
	}
	return nil
}

// rejectWithoutPersistence publishes a rejected transition for a step the
// policy gate denied before it was ever admitted into the state store.
func (e *Engine) rejectWithoutPersistence(ctx context.Context, planID string, step models.PlanStep, traceID string) {
	evt := models.StepEvent{
		PlanID:          planID,
		StepID:          step.ID,
		TraceID:         traceID,
		OccurredAt:      time.Now().UTC(),
		State:           models.StepRejected,
		Action:          step.Action,
		Tool:            step.Tool,
		Capability:      step.Capability,
		CapabilityLabel: step.CapabilityLabel,
		Labels:          step.Labels,
	}
	e.bus.Publish(evt)
	metrics.RecordStepTransition(string(evt.State))
	e.recordOutcome(planID, step.ID, evt.State)

	if e.audit == nil {
		return
	}
	if err := e.audit.Append(ctx, evt); err != nil {
		e.logger.WithContext(ctx).WithError(err).Warnf("engine: audit append failed for %s:%s", planID, step.ID)
	}
}

// failAfterEnqueueError rolls an admitted-but-unqueueable step to failed and
// publishes the transition, per §4.2's "broker unreachable during Enqueue"
// guarantee: the step never emits a queued event in this case.
func (e *Engine) failAfterEnqueueError(ctx context.Context, planID, stepID string, cause error) {
	summary := cause.Error()
	rec, err := e.store.SetState(planID, stepID, models.StepFailed, statestore.SetStateOpts{Summary: &summary})
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Errorf("engine: failed to record enqueue failure for %s:%s", planID, stepID)
		return
	}
	e.publishAndAudit(ctx, rec)
}

func (e *Engine) enqueueStep(ctx context.Context, planID string, step models.PlanStep, attempt int) error {
	body, err := encodeStepMessage(stepMessage{PlanID: planID, Step: step, Attempt: attempt})
	if err != nil {
		return err
	}
	return e.bkr.Enqueue(ctx, stepQueueName, broker.Message{
		Key:  models.IdempotencyKeyFor(planID, step.ID),
		Body: body,
	})
}

func (e *Engine) publishAndAudit(ctx context.Context, rec models.StepRecord) {
	evt := models.EventFromRecord(rec)
	e.bus.Publish(evt)
	metrics.RecordStepTransition(string(evt.State))

	if !evt.State.IsTerminal() {
		return
	}
	e.recordOutcome(rec.PlanID, rec.StepID, evt.State)
	if outcome, done := e.planOutcome(rec.PlanID); done {
		metrics.RecordPlanCompletion(outcome)
	}

	if e.audit == nil {
		return
	}
	if err := e.audit.Append(ctx, evt); err != nil {
		e.logger.WithContext(ctx).WithError(err).Warnf("engine: audit append failed for %s:%s", rec.PlanID, rec.StepID)
	}
}

// recordOutcome remembers a step's terminal state in-memory so planOutcome
// doesn't need to read it back from the state store, which has already
// forgotten the record by the time a terminal transition is published.
func (e *Engine) recordOutcome(planID, stepID string, state models.StepState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	steps, ok := e.outcomes[planID]
	if !ok {
		steps = make(map[string]models.StepState)
		e.outcomes[planID] = steps
	}
	steps[stepID] = state
}

// planOutcome reports whether every step of planID has reached a terminal
// state and, if so, the plan's overall outcome: "completed" if every step
// completed, "failed" otherwise.
func (e *Engine) planOutcome(planID string) (outcome string, done bool) {
	e.mu.Lock()
	plan, ok := e.plans[planID]
	steps := e.outcomes[planID]
	e.mu.Unlock()
	if !ok {
		return "", false
	}

	allCompleted := true
	for _, step := range plan.Steps {
		state, ok := steps[step.ID]
		if !ok {
			return "", false
		}
		if state != models.StepCompleted {
			allCompleted = false
		}
	}
	if allCompleted {
		return "completed", true
	}
	return "failed", true
}

func (e *Engine) lookupPlan(planID string) (models.Plan, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	plan, ok := e.plans[planID]
	return plan, ok
}

// recoverActive re-emits a current-state event for every step the store
// still considers active after a crash, for queued/running/retrying steps
// and for steps waiting on approval alike. It never re-enqueues: broker
// redelivery (for queued/running/retrying) and ResolveApproval (for
// waiting_approval) are the only paths that resume work, so recovery can't
// duplicate a dispatch.
func (e *Engine) recoverActive(ctx context.Context) {
	for _, rec := range e.store.ListActive() {
		e.logger.WithContext(ctx).Infof("engine: recovering %s:%s from state %s", rec.PlanID, rec.StepID, rec.State)
		e.publishAndAudit(ctx, rec)
	}
}

// ApprovalDecision is the human decision recorded by ResolveApproval.
type ApprovalDecision string

const (
	ApprovalApprove ApprovalDecision = "approve"
	ApprovalReject  ApprovalDecision = "reject"
)

// ResolveApproval records a human decision for a step waiting on approval.
// Rejecting always terminates the step. Approving re-evaluates the policy
// gate against the newly-recorded approval; a deny at that point raises
// ErrPolicyDenied with no state change. Otherwise the step moves through
// approved then queued, in that order, and is enqueued for dispatch.
func (e *Engine) ResolveApproval(ctx context.Context, planID, stepID string, decision ApprovalDecision, rationale string) error {
	ctx, span := tracing.StartSpan(ctx, "engine.ResolveApproval")
	defer span.End()

	rec, err := e.store.GetEntry(planID, stepID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStepNotFound, err)
	}
	if rec.State != models.StepWaitingApproval {
		return ErrStepConflict
	}
	metrics.RecordApprovalWait(time.Since(rec.UpdatedAt).Seconds())

	if decision == ApprovalReject {
		if _, err := e.store.RecordApproval(planID, stepID, rec.Step.Capability, false); err != nil {
			return err
		}
		if e.approv != nil {
			e.approv.Put(ctx, planID, rec.Step.Capability, false)
		}
		summary := rationale
		rec, err = e.store.SetState(planID, stepID, models.StepRejected, statestore.SetStateOpts{Summary: &summary})
		if err != nil {
			return err
		}
		e.publishAndAudit(ctx, rec)
		return nil
	}

	rec, err = e.store.RecordApproval(planID, stepID, rec.Step.Capability, true)
	if err != nil {
		return err
	}
	if e.approv != nil {
		e.approv.Put(ctx, planID, rec.Step.Capability, true)
	}

	plan, _ := e.lookupPlan(planID)
	redecision, err := e.gate.Evaluate(ctx, policy.Subject{PlanID: planID, Goal: plan.Goal}, policy.Action{
		StepID:           stepID,
		Capability:       rec.Step.Capability,
		Tool:             rec.Step.Tool,
		Labels:           rec.Step.Labels,
		ApprovalRequired: rec.Step.ApprovalRequired,
	}, rec.Approvals)
	if err != nil {
		return fmt.Errorf("engine: evaluate policy for step %s: %w", stepID, err)
	}
	if !redecision.Allow {
		return ErrPolicyDenied
	}

	summary := rationale
	rec, err = e.store.SetState(planID, stepID, models.StepApproved, statestore.SetStateOpts{Summary: &summary})
	if err != nil {
		return err
	}
	e.publishAndAudit(ctx, rec)

	if err := e.enqueueStep(ctx, planID, rec.Step, rec.Attempt); err != nil {
		e.failAfterEnqueueError(ctx, planID, stepID, err)
		return fmt.Errorf("engine: enqueue step %s: %w", stepID, err)
	}

	rec, err = e.store.SetState(planID, stepID, models.StepQueued, statestore.SetStateOpts{})
	if err != nil {
		return err
	}
	e.publishAndAudit(ctx, rec)
	return nil
}
