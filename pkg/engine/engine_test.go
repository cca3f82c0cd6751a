package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/trellis/pkg/broker"
	"github.com/Ramsey-B/trellis/pkg/eventbus"
	"github.com/Ramsey-B/trellis/pkg/models"
	"github.com/Ramsey-B/trellis/pkg/policy"
	"github.com/Ramsey-B/trellis/pkg/statestore"
	"github.com/Ramsey-B/trellis/pkg/toolagent"
)

// fakeTools always succeeds immediately with a single completed event,
// standing in for a real tool agent over HTTP in unit tests.
type fakeTools struct{}

func (fakeTools) Invoke(ctx context.Context, planID string, step models.PlanStep, attempt int) ([]toolagent.ToolEvent, error) {
	return []toolagent.ToolEvent{{
		PlanID:     planID,
		StepID:     step.ID,
		State:      models.StepCompleted,
		Summary:    "ok",
		OccurredAt: time.Now().UTC(),
		Attempt:    attempt,
	}}, nil
}

func testLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

// memoryBroker is a minimal in-memory Adapter standing in for Kafka/RabbitMQ
// in unit tests: Enqueue synchronously invokes the registered handler with a
// Delivery whose Retry re-enqueues the message and whose Ack/DeadLetter are
// no-ops beyond marking the delivery resolved.
type memoryBroker struct {
	mu       sync.Mutex
	handlers map[string]broker.Handler
}

func newMemoryBroker() *memoryBroker {
	return &memoryBroker{handlers: make(map[string]broker.Handler)}
}

func (b *memoryBroker) Enqueue(ctx context.Context, queue string, msg broker.Message) error {
	b.mu.Lock()
	h := b.handlers[queue]
	b.mu.Unlock()
	if h == nil {
		return nil
	}

	d := broker.NewDelivery(msg,
		func() {},
		func(delayMs int) {
			go func() { _ = b.Enqueue(context.Background(), queue, msg) }()
		},
		func(reason models.DeadLetterReason) {},
	)
	return h(ctx, d)
}

func (b *memoryBroker) Consume(ctx context.Context, queue string, fn broker.Handler) error {
	b.mu.Lock()
	b.handlers[queue] = fn
	b.mu.Unlock()
	return nil
}

func (b *memoryBroker) Depth(ctx context.Context, queue string) (int, error) { return 0, nil }
func (b *memoryBroker) Close() error                                        { return nil }

func testEngine(t *testing.T, gate policy.Gate) (*Engine, *eventbus.Bus) {
	t.Helper()
	store, err := statestore.Open(filepath.Join(t.TempDir(), "state.json"), testLogger())
	require.NoError(t, err)

	bus := eventbus.New(testLogger())
	t.Cleanup(bus.Stop)

	e := New(Config{
		Store:  store,
		Broker: newMemoryBroker(),
		Tools:  fakeTools{},
		Gate:   gate,
		Bus:    bus,
		Logger: testLogger(),
	})
	require.NoError(t, e.Start(context.Background()))
	return e, bus
}

func TestSubmitPlanRejectsInvalid(t *testing.T) {
	e, _ := testEngine(t, policy.AllowAllGate{})
	err := e.SubmitPlan(context.Background(), models.Plan{})
	require.ErrorIs(t, err, ErrPlanInvalid)
}

func TestSubmitPlanApprovalStepWaitsApproval(t *testing.T) {
	e, bus := testEngine(t, policy.AllowAllGate{})

	plan := models.Plan{
		ID:              "plan-1",
		Goal:            "inspect repo health",
		SuccessCriteria: []string{"repo checked"},
		Steps: []models.PlanStep{
			{ID: "s1", Action: "check", Tool: "repo-agent", Capability: "repo.read", ApprovalRequired: true},
		},
	}

	require.NoError(t, e.SubmitPlan(context.Background(), plan))

	// ApprovalRequired routes to waiting_approval regardless of what the
	// policy gate would otherwise allow; the step is never dispatched.
	history := bus.History("plan-1")
	require.Len(t, history, 1)
	require.Equal(t, models.StepWaitingApproval, history[0].State)
}

func TestSubmitPlanQueuesNonApprovalStep(t *testing.T) {
	e, bus := testEngine(t, policy.AllowAllGate{})

	plan := models.Plan{
		ID:              "plan-allow",
		Goal:            "inspect repo health",
		SuccessCriteria: []string{"repo checked"},
		Steps: []models.PlanStep{
			{ID: "s1", Action: "check", Tool: "repo-agent", Capability: "repo.read"},
		},
	}

	require.NoError(t, e.SubmitPlan(context.Background(), plan))

	history := bus.History("plan-allow")
	require.NotEmpty(t, history)
	require.Equal(t, models.StepCompleted, history[len(history)-1].State)
}

func TestSubmitPlanRejectsDeniedStepWithoutPersistence(t *testing.T) {
	e, bus := testEngine(t, denyGate{})

	plan := models.Plan{
		ID:              "plan-deny",
		Goal:            "deploy service",
		SuccessCriteria: []string{"deployed"},
		Steps: []models.PlanStep{
			{ID: "s1", Action: "deploy", Tool: "deploy-agent", Capability: "deploy.write"},
		},
	}

	require.NoError(t, e.SubmitPlan(context.Background(), plan))

	history := bus.History("plan-deny")
	require.Len(t, history, 1)
	require.Equal(t, models.StepRejected, history[0].State)

	_, err := e.store.GetEntry("plan-deny", "s1")
	require.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestResolveApprovalUnknownStepNotFound(t *testing.T) {
	e, _ := testEngine(t, denyGate{})

	plan := models.Plan{
		ID:              "plan-2",
		Goal:            "deploy service",
		SuccessCriteria: []string{"deployed"},
		Steps: []models.PlanStep{
			{ID: "s1", Action: "deploy", Tool: "deploy-agent", Capability: "deploy.write", ApprovalRequired: true},
		},
	}
	require.NoError(t, e.SubmitPlan(context.Background(), plan))

	err := e.ResolveApproval(context.Background(), "plan-2", "does-not-exist", ApprovalApprove, "")
	require.ErrorIs(t, err, ErrStepNotFound)
}

func TestResolveApprovalRunsApprovedStep(t *testing.T) {
	e, bus := testEngine(t, policy.AllowAllGate{})

	plan := models.Plan{
		ID:              "plan-3",
		Goal:            "deploy service",
		SuccessCriteria: []string{"deployed"},
		Steps: []models.PlanStep{
			{ID: "s1", Action: "deploy", Tool: "deploy-agent", Capability: "deploy.write", ApprovalRequired: true},
		},
	}
	require.NoError(t, e.SubmitPlan(context.Background(), plan))

	require.NoError(t, e.ResolveApproval(context.Background(), "plan-3", "s1", ApprovalApprove, "looks safe"))

	history := bus.History("plan-3")
	states := make([]models.StepState, len(history))
	for i, evt := range history {
		states[i] = evt.State
	}
	require.Equal(t, []models.StepState{
		models.StepWaitingApproval,
		models.StepApproved,
		models.StepQueued,
		models.StepRunning,
		models.StepCompleted,
	}, states)
}

func TestResolveApprovalRejectsStep(t *testing.T) {
	e, bus := testEngine(t, policy.AllowAllGate{})

	plan := models.Plan{
		ID:              "plan-4",
		Goal:            "deploy service",
		SuccessCriteria: []string{"deployed"},
		Steps: []models.PlanStep{
			{ID: "s1", Action: "deploy", Tool: "deploy-agent", Capability: "deploy.write", ApprovalRequired: true},
		},
	}
	require.NoError(t, e.SubmitPlan(context.Background(), plan))

	require.NoError(t, e.ResolveApproval(context.Background(), "plan-4", "s1", ApprovalReject, "too risky"))

	history := bus.History("plan-4")
	require.Len(t, history, 2)
	require.Equal(t, models.StepRejected, history[1].State)

	_, err := e.store.GetEntry("plan-4", "s1")
	require.ErrorIs(t, err, statestore.ErrNotFound)
}

// denyGate always denies, forcing approval-required steps to wait and
// non-approval steps to be rejected at admission.
type denyGate struct{}

func (denyGate) Evaluate(context.Context, policy.Subject, policy.Action, map[string]bool) (policy.Decision, error) {
	return policy.Decision{Allow: false, Deny: []policy.DenyReason{{Reason: "always deny"}}}, nil
}
