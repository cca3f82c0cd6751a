package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Ramsey-B/trellis/internal/platform/tracing"
	"github.com/Ramsey-B/trellis/pkg/metrics"
	"github.com/Ramsey-B/trellis/pkg/models"
)

// RabbitMQConfig configures the RabbitMQ-backed Adapter. There is no
// precedent for RabbitMQ in the reference platform; amqp091-go is the
// standard Go client for it and is wired here as the second queue backend
// alongside Kafka.
type RabbitMQConfig struct {
	URL                string
	Exchange           string // "" uses the default exchange, routing key == queue name
	DeadLetterExchange string
	RetryPolicy        RetryPolicy
}

// rabbitmqAdapter implements Adapter over a single AMQP connection with one
// channel per goroutine, reconnecting with exponential backoff on dial
// failure.
type rabbitmqAdapter struct {
	cfg    RabbitMQConfig
	logger ectologger.Logger
	deadLetterRecorder

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// NewRabbitMQAdapter dials eagerly so startup fails fast if the broker is
// unreachable, matching the reference platform's fail-fast startup discipline.
func NewRabbitMQAdapter(cfg RabbitMQConfig, logger ectologger.Logger) (Adapter, error) {
	if cfg.RetryPolicy == (RetryPolicy{}) {
		cfg.RetryPolicy = DefaultRetryPolicy
	}
	a := &rabbitmqAdapter{cfg: cfg, logger: logger}
	if err := a.connect(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *rabbitmqAdapter) connect() error {
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("broker: rabbitmq dial: %w", err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	return nil
}

func (a *rabbitmqAdapter) reconnect(ctx context.Context) error {
	backoff := a.cfg.RetryPolicy.BaseDelay
	for attempt := 1; ; attempt++ {
		if err := a.connect(); err == nil {
			return nil
		}
		a.logger.Warnf("broker: rabbitmq reconnect attempt %d failed, retrying in %s", attempt, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, a.cfg.RetryPolicy.MaxDelay)
	}
}

func (a *rabbitmqAdapter) channel() (*amqp.Channel, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		if err := a.reconnect(context.Background()); err != nil {
			return nil, err
		}
		a.mu.Lock()
		conn = a.conn
		a.mu.Unlock()
	}
	return conn.Channel()
}

func (a *rabbitmqAdapter) declareQueue(ch *amqp.Channel, queue string) (amqp.Queue, error) {
	args := amqp.Table{}
	if a.cfg.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = a.cfg.DeadLetterExchange
	}
	return ch.QueueDeclare(queue, true, false, false, false, args)
}

func (a *rabbitmqAdapter) Enqueue(ctx context.Context, queue string, msg Message) error {
	ctx, span := tracing.StartSpan(ctx, "broker.rabbitmq.Enqueue")
	defer span.End()

	ch, err := a.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := a.declareQueue(ch, queue); err != nil {
		return fmt.Errorf("broker: declare queue %s: %w", queue, err)
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if tp := tracing.GetTraceParent(ctx); tp != "" {
		headers["traceparent"] = tp
	}

	return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        msg.Body,
		Headers:     headers,
		Timestamp:   time.Now().UTC(),
		MessageId:   msg.Key,
	})
}

func (a *rabbitmqAdapter) Consume(ctx context.Context, queue string, fn Handler) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}
	if _, err := a.declareQueue(ch, queue); err != nil {
		ch.Close()
		return fmt.Errorf("broker: declare queue %s: %w", queue, err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("broker: set prefetch for %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("broker: consume %s: %w", queue, err)
	}

	go a.consumeLoop(ctx, queue, ch, deliveries, fn)
	return nil
}

func (a *rabbitmqAdapter) consumeLoop(ctx context.Context, queue string, ch *amqp.Channel, deliveries <-chan amqp.Delivery, fn Handler) {
	defer ch.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				a.logger.Warnf("broker: rabbitmq delivery channel for %s closed, resubscribing", queue)
				if err := a.Consume(ctx, queue, fn); err != nil {
					a.logger.WithError(err).Errorf("broker: failed to resubscribe to %s", queue)
				}
				return
			}
			a.handleDelivery(ctx, queue, d, fn)
		}
	}
}

func (a *rabbitmqAdapter) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, fn Handler) {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	msgCtx := extractTraceContext(ctx, headers)

	msg := Message{Key: d.MessageId, Body: d.Body, Headers: headers, Attempt: attemptFromHeaders(headers), Timestamp: d.Timestamp}

	var settled bool
	ack := func() {
		if settled {
			return
		}
		settled = true
		d.Ack(false)
	}
	nack := func() {
		if settled {
			return
		}
		settled = true
		d.Nack(false, false)
	}

	del := NewDelivery(msg,
		func() {
			metrics.RecordQueueMessage(queue, "ok")
			ack()
		},
		func(delayMs int) {
			a.requeue(queue, msg, delayMs)
			nack()
		},
		func(reason models.DeadLetterReason) {
			a.deadLetter(msgCtx, queue, msg, reason)
			nack()
		},
	)

	handlerErr := fn(msgCtx, del)
	if !del.Resolved() {
		if handlerErr != nil {
			metrics.RecordQueueMessage(queue, "error")
			del.Retry(0)
		} else {
			del.Ack()
		}
	}
}

// requeue re-publishes msg onto queue after delayMs with its attempt
// counter incremented, for Delivery.Retry.
func (a *rabbitmqAdapter) requeue(queue string, msg Message, delayMs int) {
	msg.Attempt++
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	msg.Headers[headerAttempt] = fmt.Sprintf("%d", msg.Attempt)
	delay := time.Duration(delayMs) * time.Millisecond
	a.logger.Warnf("broker: requeueing %s attempt %d after %s", queue, msg.Attempt, delay)
	time.AfterFunc(delay, func() {
		_ = a.Enqueue(context.Background(), queue, msg)
	})
}

// deadLetter records msg for the operator-facing view; the channel's own
// Nack plus the queue's configured x-dead-letter-exchange handles the
// actual AMQP-side routing.
func (a *rabbitmqAdapter) deadLetter(ctx context.Context, queue string, msg Message, reason models.DeadLetterReason) {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	msg.Headers[HeaderDeadLetterReason] = string(reason)
	a.logger.WithContext(ctx).Errorf("broker: dead-lettering %s after attempt %d: %s", queue, msg.Attempt, reason)
	metrics.RecordDeadLettered(queue, string(reason))
	a.record(queue, msg, reason, nil)
}

// Retry re-publishes a recorded dead-letter entry onto its original queue
// with its attempt counter reset, then removes it from the operator view.
func (a *rabbitmqAdapter) Retry(ctx context.Context, id string) error {
	entry, ok := a.pop(id)
	if !ok {
		return ErrDeadLetterNotFound
	}
	msg := Message{
		Key:       models.IdempotencyKeyFor(entry.PlanID, entry.StepID),
		Body:      entry.OriginalBody,
		Headers:   map[string]string{},
		Attempt:   0,
		Timestamp: time.Now().UTC(),
	}
	return a.Enqueue(ctx, entry.Queue, msg)
}

func (a *rabbitmqAdapter) Depth(ctx context.Context, queue string) (int, error) {
	ch, err := a.channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	q, err := a.declareQueue(ch, queue)
	if err != nil {
		return 0, err
	}
	metrics.SetQueueDepth(queue, float64(q.Messages))
	return q.Messages, nil
}

func (a *rabbitmqAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.conn == nil {
		return nil
	}
	a.closed = true
	return a.conn.Close()
}
