package handlers

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/trellis/internal/platform/tracing"
	"github.com/Ramsey-B/trellis/pkg/audit"
	"github.com/Ramsey-B/trellis/pkg/engine"
	"github.com/Ramsey-B/trellis/pkg/eventbus"
	"github.com/Ramsey-B/trellis/pkg/models"
)

// PlanHandler implements C7, the plan HTTP surface: submit a plan, stream
// its step lifecycle as SSE, resolve a pending approval, and look up its
// durable audit trail.
type PlanHandler struct {
	engine    *engine.Engine
	bus       *eventbus.Bus
	auditRepo *audit.PlanAuditRepository
	validate  *validator.Validate
	logger    ectologger.Logger
}

// NewPlanHandler wires a PlanHandler. auditRepo may be nil when the
// supplemental Postgres audit log is not configured.
func NewPlanHandler(eng *engine.Engine, bus *eventbus.Bus, auditRepo *audit.PlanAuditRepository, logger ectologger.Logger) *PlanHandler {
	return &PlanHandler{
		engine:    eng,
		bus:       bus,
		auditRepo: auditRepo,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Register registers plan routes under g (expected to be mounted at /plan).
func (h *PlanHandler) Register(g *echo.Group) {
	g.POST("", h.Submit)
	g.GET("/:id/events", h.StreamEvents)
	g.POST("/:planId/steps/:stepId/approve", h.ResolveApproval)
	g.GET("/:id/audit", h.Audit)
}

// SubmitPlanRequest is the wire shape of POST /plan.
type SubmitPlanRequest struct {
	ID              string             `json:"id"`
	Goal            string             `json:"goal" validate:"required"`
	Steps           []models.PlanStep  `json:"steps" validate:"required,min=1,dive"`
	SuccessCriteria []string           `json:"successCriteria" validate:"required,min=1"`
}

// Submit accepts a Plan and admits it into the engine.
func (h *PlanHandler) Submit(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "PlanHandler.Submit")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	var req SubmitPlanRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return BadRequest(err.Error())
	}

	plan := models.Plan{
		ID:              req.ID,
		Goal:            req.Goal,
		Steps:           req.Steps,
		SuccessCriteria: req.SuccessCriteria,
	}

	if err := h.engine.SubmitPlan(ctx, plan); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("failed to submit plan")
		return httperror.WrapError(http.StatusBadRequest, err)
	}

	h.logger.WithContext(ctx).Infof("submitted plan %s with %d steps", plan.ID, len(plan.Steps))
	return AcceptedResponse(c, map[string]string{"planId": plan.ID, "status": "accepted"})
}

// StreamEvents serves a plan's step lifecycle as SSE, falling back to a
// single JSON snapshot when the client doesn't ask for an event stream.
func (h *PlanHandler) StreamEvents(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "PlanHandler.StreamEvents")
	defer span.End()

	planID := c.Param("id")
	if planID == "" {
		return BadRequest("plan id is required")
	}

	if c.Request().Header.Get("Accept") != "text/event-stream" {
		return SuccessResponse(c, map[string]any{"events": h.bus.Snapshot(planID)})
	}

	res := c.Response()
	res.Header().Set("Content-Type", "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache, no-transform")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	if err := h.bus.StreamSSE(ctx, planID, res, res); err != nil {
		h.logger.WithContext(ctx).WithError(err).Warnf("event stream for plan %s ended", planID)
	}
	return nil
}

// ResolveApprovalRequest is the wire shape of the approve endpoint.
type ResolveApprovalRequest struct {
	Decision  string `json:"decision" validate:"required,oneof=approve reject"`
	Rationale string `json:"rationale"`
}

// ResolveApproval records a human decision for a step waiting on approval.
func (h *PlanHandler) ResolveApproval(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "PlanHandler.ResolveApproval")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	planID := c.Param("planId")
	stepID := c.Param("stepId")
	if planID == "" || stepID == "" {
		return BadRequest("planId and stepId are required")
	}

	var req ResolveApprovalRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return BadRequest(err.Error())
	}

	err := h.engine.ResolveApproval(ctx, planID, stepID, engine.ApprovalDecision(req.Decision), req.Rationale)
	switch {
	case err == nil:
		return NoContentResponse(c)
	case errors.Is(err, engine.ErrStepNotFound):
		return NotFound("step not found")
	case errors.Is(err, engine.ErrStepConflict):
		return Conflict("step is not awaiting approval")
	case errors.Is(err, engine.ErrPolicyDenied):
		return httperror.NewHTTPError(http.StatusForbidden, "policy gate denied step after approval")
	default:
		h.logger.WithContext(ctx).WithError(err).Error("failed to resolve approval")
		return httperror.WrapError(http.StatusBadRequest, err)
	}
}

// Audit returns the durable audit trail for a plan. Returns an empty list,
// not an error, when the supplemental audit log isn't configured.
func (h *PlanHandler) Audit(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "PlanHandler.Audit")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	planID := c.Param("id")
	if planID == "" {
		return BadRequest("plan id is required")
	}

	if h.auditRepo == nil {
		return SuccessResponse(c, []audit.Entry{})
	}

	entries, err := h.auditRepo.ListByPlan(ctx, planID)
	if err != nil {
		return err
	}
	return SuccessResponse(c, entries)
}
