package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/trellis/internal/platform/tracing"
	"github.com/Ramsey-B/trellis/pkg/metrics"
	"github.com/Ramsey-B/trellis/pkg/models"
)

// KafkaConfig configures the Kafka-backed Adapter.
type KafkaConfig struct {
	Brokers         []string
	ConsumerGroup   string
	DeadLetterSufix string // appended to queue name to form the dead-letter topic
	RetryPolicy     RetryPolicy
}

func (c KafkaConfig) deadLetterSuffix() string {
	if c.DeadLetterSufix == "" {
		return ".dead"
	}
	return c.DeadLetterSufix
}

// kafkaAdapter implements Adapter over segmentio/kafka-go, one writer per
// queue and one reader goroutine per Consume call.
type kafkaAdapter struct {
	cfg    KafkaConfig
	logger ectologger.Logger
	deadLetterRecorder

	mu      sync.Mutex
	writers map[string]*kafkago.Writer
	readers []*kafkago.Reader

	closed bool
}

// NewKafkaAdapter dials no brokers eagerly; writers and readers are created
// lazily per queue, matching the reconnect-on-demand behavior kafka-go
// already provides internally.
func NewKafkaAdapter(cfg KafkaConfig, logger ectologger.Logger) Adapter {
	if cfg.RetryPolicy == (RetryPolicy{}) {
		cfg.RetryPolicy = DefaultRetryPolicy
	}
	return &kafkaAdapter{
		cfg:     cfg,
		logger:  logger,
		writers: make(map[string]*kafkago.Writer),
	}
}

func (a *kafkaAdapter) writerFor(queue string) *kafkago.Writer {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.writers[queue]; ok {
		return w
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(a.cfg.Brokers...),
		Topic:        queue,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	a.writers[queue] = w
	return w
}

func (a *kafkaAdapter) Enqueue(ctx context.Context, queue string, msg Message) error {
	ctx, span := tracing.StartSpan(ctx, "broker.kafka.Enqueue")
	defer span.End()

	headers := make([]kafkago.Header, 0, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers = append(headers, kafkago.Header{Key: k, Value: []byte(v)})
	}
	if tp := tracing.GetTraceParent(ctx); tp != "" {
		headers = append(headers, kafkago.Header{Key: "traceparent", Value: []byte(tp)})
	}

	w := a.writerFor(queue)
	return w.WriteMessages(ctx, kafkago.Message{
		Key:     []byte(msg.Key),
		Value:   msg.Body,
		Headers: headers,
		Time:    time.Now().UTC(),
	})
}

func (a *kafkaAdapter) Consume(ctx context.Context, queue string, fn Handler) error {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        a.cfg.Brokers,
		Topic:          queue,
		GroupID:        a.cfg.ConsumerGroup,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafkago.FirstOffset,
		CommitInterval: 0, // manual commit, one per message, for at-least-once + dedupe via state store
	})

	a.mu.Lock()
	a.readers = append(a.readers, reader)
	a.mu.Unlock()

	go a.consumeLoop(ctx, queue, reader, fn)
	return nil
}

func (a *kafkaAdapter) consumeLoop(ctx context.Context, queue string, reader *kafkago.Reader, fn Handler) {
	backoff := a.cfg.RetryPolicy.BaseDelay

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if err == context.Canceled || err == io.EOF {
				return
			}
			a.logger.WithError(err).Warnf("broker: kafka fetch from %s failed, reconnecting", queue)
			time.Sleep(backoff)
			backoff = min(backoff*2, a.cfg.RetryPolicy.MaxDelay)
			continue
		}
		backoff = a.cfg.RetryPolicy.BaseDelay

		msgCtx := extractTraceContext(ctx, m.Headers)
		headers := make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			headers[h.Key] = string(h.Value)
		}

		msg := Message{Key: string(m.Key), Body: m.Value, Headers: headers, Attempt: attemptFromHeaders(headers), Timestamp: m.Time}

		var committed bool
		commit := func() {
			if committed {
				return
			}
			committed = true
			if err := reader.CommitMessages(ctx, m); err != nil {
				a.logger.WithError(err).Errorf("broker: kafka commit on %s failed", queue)
			}
		}

		d := NewDelivery(msg,
			func() {
				metrics.RecordQueueMessage(queue, "ok")
				commit()
			},
			func(delayMs int) {
				a.requeue(queue, msg, delayMs)
				commit()
			},
			func(reason models.DeadLetterReason) {
				a.deadLetter(msgCtx, queue, msg, reason)
				commit()
			},
		)

		handlerErr := fn(msgCtx, d)
		if !d.Resolved() {
			if handlerErr != nil {
				metrics.RecordQueueMessage(queue, "error")
				d.Retry(0)
			} else {
				d.Ack()
			}
		}
	}
}

// requeue re-publishes msg onto queue after delayMs with its attempt
// counter incremented, for Delivery.Retry.
func (a *kafkaAdapter) requeue(queue string, msg Message, delayMs int) {
	msg.Attempt++
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	msg.Headers[headerAttempt] = strconv.Itoa(msg.Attempt)
	delay := time.Duration(delayMs) * time.Millisecond
	a.logger.Warnf("broker: requeueing %s attempt %d after %s", queue, msg.Attempt, delay)
	time.AfterFunc(delay, func() {
		_ = a.Enqueue(context.Background(), queue, msg)
	})
}

// deadLetter records msg and republishes it onto queue's dead-letter topic,
// for Delivery.DeadLetter.
func (a *kafkaAdapter) deadLetter(ctx context.Context, queue string, msg Message, reason models.DeadLetterReason) {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	msg.Headers[HeaderDeadLetterReason] = string(reason)
	a.logger.WithContext(ctx).Errorf("broker: dead-lettering %s after attempt %d: %s", queue, msg.Attempt, reason)
	metrics.RecordDeadLettered(queue, string(reason))
	a.record(queue, msg, reason, errors.New(string(reason)))
	if err := a.Enqueue(context.Background(), queue+a.cfg.deadLetterSuffix(), msg); err != nil {
		a.logger.WithError(err).Errorf("broker: failed to publish to dead-letter topic for %s", queue)
	}
}

// Retry re-publishes a recorded dead-letter entry onto its original queue
// with its attempt counter reset, then removes it from the operator view.
func (a *kafkaAdapter) Retry(ctx context.Context, id string) error {
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

func (a *kafkaAdapter) Depth(ctx context.Context, queue string) (int, error) {
	conn, err := kafkago.DialContext(ctx, "tcp", a.cfg.Brokers[0])
	if err != nil {
		return 0, fmt.Errorf("broker: dial for depth check: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(queue)
	if err != nil {
		return 0, fmt.Errorf("broker: read partitions for %s: %w", queue, err)
	}

	total := 0
	for _, p := range partitions {
		pc, err := kafkago.DialLeader(ctx, "tcp", a.cfg.Brokers[0], queue, p.ID)
		if err != nil {
			continue
		}
		first, last, err := pc.ReadOffsets()
		pc.Close()
		if err != nil {
			continue
		}
		total += int(last - first)
	}
	metrics.SetQueueDepth(queue, float64(total))
	return total, nil
}

func (a *kafkaAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var firstErr error
	for _, w := range a.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range a.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func min(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
