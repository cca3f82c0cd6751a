// Package broker implements C2, the queue adapter: a uniform API over
// Kafka and RabbitMQ so the engine never imports a broker-specific client
// directly. Both backends speak the same Message/Adapter contract, carry
// W3C trace context in their headers, and route exhausted-retry messages
// to a dead-letter destination tagged with x-dead-letter-reason.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Ramsey-B/trellis/pkg/models"
)

// ErrClosed is returned by Adapter methods called after Close.
var ErrClosed = errors.New("broker: adapter closed")

// Message is the broker-agnostic envelope carried through Enqueue/Consume.
// Headers always include at least "traceparent" when a span is active.
type Message struct {
	Key       string
	Body      []byte
	Headers   map[string]string
	Attempt   int
	Timestamp time.Time
}

// HeaderDeadLetterReason is the header key a dead-lettered message carries
// its DeadLetterReason under.
const HeaderDeadLetterReason = "x-dead-letter-reason"

// Delivery wraps a delivered Message with the three ways a Handler may
// resolve it: Ack, Retry, or DeadLetter. Only the first call takes effect;
// later calls are no-ops. A Handler that returns without calling any of
// them is resolved implicitly by the adapter from its returned error: nil
// acks, non-nil retries with no delay. Delivery owns no retry-budget
// logic of its own — the caller decides whether and how long to wait
// before calling Retry.
type Delivery struct {
	Message

	mu           sync.Mutex
	resolved     bool
	ackFn        func()
	retryFn      func(delayMs int)
	deadLetterFn func(reason models.DeadLetterReason)
}

// NewDelivery wraps msg with the adapter-specific resolution callbacks.
func NewDelivery(msg Message, ackFn func(), retryFn func(delayMs int), deadLetterFn func(reason models.DeadLetterReason)) *Delivery {
	return &Delivery{Message: msg, ackFn: ackFn, retryFn: retryFn, deadLetterFn: deadLetterFn}
}

// Ack acknowledges the message as fully processed.
func (d *Delivery) Ack() {
	d.resolve(d.ackFn)
}

// Retry requeues the message after delayMs, incrementing its attempt count.
func (d *Delivery) Retry(delayMs int) {
	d.resolve(func() { d.retryFn(delayMs) })
}

// DeadLetter routes the message to the queue's dead-letter destination.
func (d *Delivery) DeadLetter(reason models.DeadLetterReason) {
	d.resolve(func() { d.deadLetterFn(reason) })
}

func (d *Delivery) resolve(fn func()) {
	d.mu.Lock()
	already := d.resolved
	d.resolved = true
	d.mu.Unlock()
	if already {
		return
	}
	fn()
}

// Resolved reports whether the handler has already settled this delivery.
func (d *Delivery) Resolved() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolved
}

// Handler processes one delivered message and resolves it via d.Ack,
// d.Retry, or d.DeadLetter. If it returns without resolving d, the adapter
// resolves it from the returned error.
type Handler func(ctx context.Context, d *Delivery) error

// Adapter is the uniform queue contract C6 programs against. A queue name
// is a logical topic/queue identifier; the concrete backend maps it to a
// Kafka topic or a RabbitMQ queue+exchange pair.
type Adapter interface {
	// Enqueue publishes msg to the named queue.
	Enqueue(ctx context.Context, queue string, msg Message) error

	// Consume starts a background consumer for queue, invoking fn per
	// message, until ctx is cancelled or Close is called. Consume returns
	// once the consumer goroutine has been registered.
	Consume(ctx context.Context, queue string, fn Handler) error

	// Depth reports the approximate number of ready messages on queue,
	// used by /readyz and the supplemental metrics.
	Depth(ctx context.Context, queue string) (int, error)

	// Close releases underlying connections.
	Close() error
}

// RetryPolicy controls the backoff used while reconnecting a broken
// consumer connection. Per-message retry/dead-letter decisions belong to
// the caller (see Delivery), not the adapter.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy reconnects starting at 1s, doubling up to 30s.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay: time.Second,
	MaxDelay:  30 * time.Second,
}
