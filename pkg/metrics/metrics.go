// Package metrics provides Prometheus metrics for the plan execution engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StepTransitionsTotal tracks step lifecycle transitions by resulting state.
	StepTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "engine",
			Name:      "step_transitions_total",
			Help:      "Total number of step lifecycle transitions by resulting state",
		},
		[]string{"state"},
	)

	// StepDuration tracks wall-clock time from a step's first dispatch to a
	// terminal state, in seconds.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trellis",
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Duration from step dispatch to terminal state in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"tool"},
	)

	// PlanCompletionsTotal tracks plan completions by final outcome.
	PlanCompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "engine",
			Name:      "plan_completions_total",
			Help:      "Total number of plans reaching a terminal outcome",
		},
		[]string{"outcome"},
	)

	// ToolInvocationsTotal tracks tool agent RPCs by tool and outcome.
	ToolInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "toolagent",
			Name:      "invocations_total",
			Help:      "Total number of tool agent invocations by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	// ToolInvocationDuration tracks tool agent RPC latency.
	ToolInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trellis",
			Subsystem: "toolagent",
			Name:      "invocation_duration_seconds",
			Help:      "Duration of tool agent invocations in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tool"},
	)

	// PolicyDecisionsTotal tracks policy gate decisions by capability and verdict.
	PolicyDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Total number of policy gate decisions by verdict",
		},
		[]string{"capability", "verdict"},
	)

	// ApprovalWaitDuration tracks time a step spends in waiting_approval
	// before a human resolves it.
	ApprovalWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "trellis",
			Subsystem: "policy",
			Name:      "approval_wait_seconds",
			Help:      "Time spent waiting for a human approval decision in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		},
	)

	// QueueMessagesTotal tracks broker enqueue/consume outcomes.
	QueueMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "broker",
			Name:      "messages_total",
			Help:      "Total number of broker messages by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	// QueueDepth tracks the last observed depth of a broker queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "trellis",
			Subsystem: "broker",
			Name:      "queue_depth",
			Help:      "Last observed depth of a broker queue",
		},
		[]string{"queue"},
	)

	// DeadLetteredTotal tracks messages routed to the dead-letter view by
	// queue and reason.
	DeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "broker",
			Name:      "dead_lettered_total",
			Help:      "Total number of messages routed to the dead-letter view",
		},
		[]string{"queue", "reason"},
	)

	// EventBusSubscribers tracks the current number of live SSE subscribers
	// across all plans.
	EventBusSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trellis",
			Subsystem: "eventbus",
			Name:      "subscribers",
			Help:      "Current number of live plan event subscribers",
		},
	)

	// EventBusDroppedTotal tracks events dropped because a subscriber's
	// buffer was full.
	EventBusDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "eventbus",
			Name:      "dropped_total",
			Help:      "Total number of events dropped due to a full subscriber buffer",
		},
	)

	// StateStoreWriteDuration tracks durable state-store write latency.
	StateStoreWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "trellis",
			Subsystem: "statestore",
			Name:      "write_duration_seconds",
			Help:      "Duration of durable state store writes in seconds",
			Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)
)

// RecordStepTransition records a step reaching a new state.
func RecordStepTransition(state string) {
	StepTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordStepDuration records the time a step took to reach a terminal state.
func RecordStepDuration(tool string, durationSeconds float64) {
	StepDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordPlanCompletion records a plan reaching a terminal outcome.
func RecordPlanCompletion(outcome string) {
	PlanCompletionsTotal.WithLabelValues(outcome).Inc()
}

// RecordToolInvocation records a tool agent RPC outcome and latency.
func RecordToolInvocation(tool, outcome string, durationSeconds float64) {
	ToolInvocationsTotal.WithLabelValues(tool, outcome).Inc()
	ToolInvocationDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordPolicyDecision records a policy gate verdict for a capability.
func RecordPolicyDecision(capability, verdict string) {
	PolicyDecisionsTotal.WithLabelValues(capability, verdict).Inc()
}

// RecordApprovalWait records how long a step waited for human approval.
func RecordApprovalWait(durationSeconds float64) {
	ApprovalWaitDuration.Observe(durationSeconds)
}

// RecordQueueMessage records a broker enqueue/consume outcome for a queue.
func RecordQueueMessage(queue, outcome string) {
	QueueMessagesTotal.WithLabelValues(queue, outcome).Inc()
}

// SetQueueDepth records the last observed depth of a broker queue.
func SetQueueDepth(queue string, depth float64) {
	QueueDepth.WithLabelValues(queue).Set(depth)
}

// RecordDeadLettered records a message routed to the dead-letter view.
func RecordDeadLettered(queue, reason string) {
	DeadLetteredTotal.WithLabelValues(queue, reason).Inc()
}
