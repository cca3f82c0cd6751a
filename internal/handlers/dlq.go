package handlers

import (
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/trellis/pkg/broker"
	"github.com/Ramsey-B/trellis/pkg/models"
)

// DLQHandler handles the supplemental dead-letter queue API, backed by
// whichever broker adapter is active (Kafka or RabbitMQ both implement
// broker.DeadLetterLister).
type DLQHandler struct {
	lister broker.DeadLetterLister
	logger ectologger.Logger
}

// NewDLQHandler creates a new DLQ handler.
func NewDLQHandler(lister broker.DeadLetterLister, logger ectologger.Logger) *DLQHandler {
	return &DLQHandler{lister: lister, logger: logger}
}

// DLQListResponse is the response shape for listing DLQ entries.
type DLQListResponse struct {
	Entries []models.DeadLetterEntry `json:"entries"`
	Count   int                      `json:"count"`
}

// List returns recorded dead-letter entries.
// GET /dlq
func (h *DLQHandler) List(c echo.Context) error {
	entries := h.lister.List()
	return c.JSON(http.StatusOK, DLQListResponse{Entries: entries, Count: len(entries)})
}

// Get returns a specific DLQ entry.
// GET /dlq/:id
func (h *DLQHandler) Get(c echo.Context) error {
	id := c.Param("id")
	for _, e := range h.lister.List() {
		if e.ID == id {
			return c.JSON(http.StatusOK, e)
		}
	}
	return NotFound("dlq entry " + id + " not found")
}

// Delete removes a DLQ entry from the in-process view. The underlying
// broker message is left on the dead-letter topic/queue for external
// tooling; this only clears it from the operator-facing list.
// DELETE /dlq/:id
func (h *DLQHandler) Delete(c echo.Context) error {
	id := c.Param("id")
	if !h.lister.Purge(id) {
		return NotFound("dlq entry " + id + " not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// Retry re-publishes a dead-lettered message onto its original queue with
// its attempt counter reset, and removes it from the operator view.
// POST /dlq/:id/retry
func (h *DLQHandler) Retry(c echo.Context) error {
	id := c.Param("id")
	if err := h.lister.Retry(c.Request().Context(), id); err != nil {
		if err == broker.ErrDeadLetterNotFound {
			return NotFound("dlq entry " + id + " not found")
		}
		h.logger.WithContext(c.Request().Context()).WithError(err).Error("failed to retry dlq entry")
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

// RegisterRoutes registers the DLQ routes under g (expected to be mounted
// at /dlq).
func (h *DLQHandler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/retry", h.Retry)
}
