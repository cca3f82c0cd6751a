package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Ramsey-B/trellis/pkg/models"
)

// Flusher is satisfied by http.ResponseWriter via http.Flusher, kept as a
// narrow interface so this package doesn't import net/http.
type Flusher interface {
	Flush()
}

// StreamSSE writes history followed by every subsequent event for planID as
// a text/event-stream of "plan.step" frames, until ctx is cancelled or the
// subscriber is closed. It writes no keep-alive comments between events.
// Callers are responsible for setting the SSE response headers before
// calling this.
func (b *Bus) StreamSSE(ctx context.Context, planID string, w io.Writer, flush Flusher) error {
	for _, evt := range b.History(planID) {
		if err := writeSSEEvent(w, evt); err != nil {
			return err
		}
	}
	flush.Flush()

	sub, cancel := b.Subscribe(planID)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := writeSSEEvent(w, evt); err != nil {
				return err
			}
			flush.Flush()
		}
	}
}

func writeSSEEvent(w io.Writer, evt models.StepEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: plan.step\ndata: %s\n\n", body); err != nil {
		return err
	}
	return nil
}

// Snapshot returns the full retained history for planID as a plain slice,
// used by the JSON fallback when a client doesn't negotiate SSE.
func (b *Bus) Snapshot(planID string) []models.StepEvent {
	return b.History(planID)
}
