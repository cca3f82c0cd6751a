// Package audit is the supplemental Plan Audit Log: a durable, append-only
// Postgres record of terminal step transitions, for operator history past
// the event bus's TTL window. It is never consulted for lifecycle
// correctness; C1/C5 remain authoritative.
package audit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/trace"

	"github.com/Ramsey-B/trellis/internal/platform/database"
	"github.com/Ramsey-B/trellis/internal/platform/tracing"
)

// NotFound returns a 404 HTTP error with a descriptive message.
func NotFound(format string, args ...any) error {
	return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf(format, args...))
}

// BadRequest returns a 400 HTTP error.
func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

// Repository provides common database operations shared by audit queries.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new base repository.
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// DB returns the database instance.
func (r *Repository) DB() database.DB {
	return r.db
}

// StartSpan starts a new tracing span.
func (r *Repository) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracing.StartSpan(ctx, name)
}

// LogError logs an error for a repository operation.
func (r *Repository) LogError(ctx context.Context, operation, table string, err error) {
	r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"operation": operation,
		"table":     table,
	}).Error("repository operation failed")
}

// LogCreate logs a successful append operation.
func (r *Repository) LogCreate(ctx context.Context, table string, id any) {
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"table": table,
		"id":    id,
	}).Debug("appended record")
}

// LogList logs a successful list operation.
func (r *Repository) LogList(ctx context.Context, table string, count int) {
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"table": table,
		"count": count,
	}).Debug("listed records")
}
