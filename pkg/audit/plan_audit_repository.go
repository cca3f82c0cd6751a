package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/trellis/internal/platform/database"
	"github.com/Ramsey-B/trellis/pkg/models"
)

const auditTable = "plan_step_audit_log"

// Entry is a single durable row in the audit log: one terminal transition
// of a step, kept long after the event bus's history has been purged.
type Entry struct {
	ID         uuid.UUID      `db:"id" json:"id"`
	PlanID     string         `db:"plan_id" json:"planId"`
	StepID     string         `db:"step_id" json:"stepId"`
	TraceID    string         `db:"trace_id" json:"traceId"`
	State      string         `db:"state" json:"state"`
	Attempt    int            `db:"attempt" json:"attempt"`
	Summary    sql.NullString `db:"summary" json:"summary,omitempty"`
	Action     string         `db:"action" json:"action"`
	Tool       string         `db:"tool" json:"tool"`
	Capability string         `db:"capability" json:"capability"`
	OccurredAt time.Time      `db:"occurred_at" json:"occurredAt"`
}

// PlanAuditRepository persists terminal step transitions for operator
// history. Writes are best-effort from the engine's perspective: a failure
// here never blocks or reverses a lifecycle transition (see C6 audit hook).
type PlanAuditRepository struct {
	*Repository
}

// NewPlanAuditRepository builds a PlanAuditRepository on top of the given base Repository.
func NewPlanAuditRepository(base *Repository) *PlanAuditRepository {
	return &PlanAuditRepository{Repository: base}
}

// Append inserts one audit row for the given event. The engine calls it
// only for terminal states (a human rejection included, an approval not);
// callers that want a full
// history of every intermediate transition should consult the event bus
// instead, since this table is unbounded and not indexed for that volume.
func (r *PlanAuditRepository) Append(ctx context.Context, evt models.StepEvent) error {
	ctx, span := r.StartSpan(ctx, "audit.Append")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto(auditTable).
		Cols("id", "plan_id", "step_id", "trace_id", "state", "attempt", "summary", "action", "tool", "capability", "occurred_at").
		Values(uuid.New(), evt.PlanID, evt.StepID, evt.TraceID, string(evt.State), evt.Attempt, nullableString(evt.Summary), evt.Action, evt.Tool, evt.Capability, evt.OccurredAt)

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.LogError(ctx, "insert", auditTable, err)
		return BadRequest("failed to append audit entry")
	}

	r.LogCreate(ctx, auditTable, evt.PlanID+":"+evt.StepID)
	return nil
}

// ListByPlan returns every audit row for a plan, oldest first.
func (r *PlanAuditRepository) ListByPlan(ctx context.Context, planID string) ([]Entry, error) {
	ctx, span := r.StartSpan(ctx, "audit.ListByPlan")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "plan_id", "step_id", "trace_id", "state", "attempt", "summary", "action", "tool", "capability", "occurred_at").
		From(auditTable).
		Where(sb.Equal("plan_id", planID)).
		OrderBy("occurred_at").Asc()

	query, args := sb.Build()

	var entries []Entry
	if err := r.DB().SelectContext(ctx, &entries, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.LogError(ctx, "select", auditTable, err)
		return nil, NotFound("no audit entries for plan %s", planID)
	}

	r.LogList(ctx, auditTable, len(entries))
	return entries, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
