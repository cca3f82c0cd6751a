package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/trellis/pkg/models"
)

// ErrDeadLetterNotFound is returned by Retry when no entry matches id.
var ErrDeadLetterNotFound = errDeadLetterNotFound{}

type errDeadLetterNotFound struct{}

func (errDeadLetterNotFound) Error() string { return "broker: dead-letter entry not found" }

// maxDeadLetterEntries bounds the in-process operator view; the broker
// itself is the durable store of record, this is only a convenience index
// for the supplemental dlq endpoints.
const maxDeadLetterEntries = 1000

// deadLetterRecorder is embedded by both backends to give C7 a queryable,
// broker-agnostic view of recently dead-lettered messages without needing
// a full admin client for either Kafka or RabbitMQ.
type deadLetterRecorder struct {
	mu      sync.Mutex
	entries []models.DeadLetterEntry
}

func (r *deadLetterRecorder) record(queue string, msg Message, reason models.DeadLetterReason, cause error) models.DeadLetterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := models.DeadLetterEntry{
		ID:           uuid.NewString(),
		Queue:        queue,
		OriginalBody: msg.Body,
		Reason:       reason,
		RetryCount:   msg.Attempt,
		CreatedAt:    time.Now().UTC(),
		TraceID:      msg.Headers["traceparent"],
	}
	if cause != nil {
		entry.ErrorMessage = cause.Error()
	}
	if pid, sid, ok := planAndStepFromKey(msg.Key); ok {
		entry.PlanID, entry.StepID = pid, sid
	}

	r.entries = append(r.entries, entry)
	if len(r.entries) > maxDeadLetterEntries {
		r.entries = r.entries[len(r.entries)-maxDeadLetterEntries:]
	}
	return entry
}

// List returns a snapshot of recorded dead-letter entries, newest last.
func (r *deadLetterRecorder) List() []models.DeadLetterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.DeadLetterEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Purge removes the entry with the given id, returning whether it was found.
func (r *deadLetterRecorder) Purge(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.ID == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// pop removes and returns the entry with the given id, for Retry to
// re-publish onto the entry's original queue.
func (r *deadLetterRecorder) pop(id string) (models.DeadLetterEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.ID == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return e, true
		}
	}
	return models.DeadLetterEntry{}, false
}

func planAndStepFromKey(key string) (planID, stepID string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// DeadLetterLister is implemented by adapters that keep an in-process view
// of recently dead-lettered messages, used by the supplemental dlq endpoints.
type DeadLetterLister interface {
	List() []models.DeadLetterEntry
	Purge(id string) bool
	Retry(ctx context.Context, id string) error
}
