package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
)

// Message is one record read from the payout topics. EventID and EventType carry the
// producer's event_id and event_type headers when present.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	EventID   string
	EventType string
	Payload   []byte
}

// Consumer reads payout records. Commit acknowledges records the worker has settled;
// anything not committed is redelivered to the group.
type Consumer interface {
	Poll(ctx context.Context, max int) ([]Message, error)
	Commit(ctx context.Context, msgs []Message) error
}

// EventHandler is the slice of the application service the consumer drives.
type EventHandler interface {
	HandleCanonicalEvent(ctx context.Context, envelope contracts.EventEnvelope) error
}

type DLQSink interface {
	PublishDLQ(ctx context.Context, record contracts.DLQRecord) error
}

type ConsumerWorker struct {
	logger   *slog.Logger
	consumer Consumer
	handler  EventHandler
	dlq      DLQSink
	dlqTopic string
	interval time.Duration
}

func NewConsumerWorker(logger *slog.Logger, consumer Consumer, handler EventHandler, dlq DLQSink, dlqTopic string, interval time.Duration) *ConsumerWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &ConsumerWorker{
		logger: logger, consumer: consumer, handler: handler, dlq: dlq, dlqTopic: dlqTopic, interval: interval,
	}
}

func (w *ConsumerWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.processOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.ErrorContext(ctx, "consumer iteration failed",
				"module", "events.consumer_worker",
				"layer", "adapter",
				"operation", "process_once",
				"outcome", "failure",
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// processOnce commits the settled prefix of a batch. The first record that could be neither
// handled nor dead-lettered stops the batch so its offset is never committed past.
func (w *ConsumerWorker) processOnce(ctx context.Context) error {
	msgs, err := w.consumer.Poll(ctx, 50)
	if err != nil {
		return err
	}
	settled := 0
	for _, msg := range msgs {
		if !w.handle(ctx, msg) {
			break
		}
		settled++
	}
	if settled == 0 {
		return nil
	}
	return w.consumer.Commit(ctx, msgs[:settled])
}

func (w *ConsumerWorker) handle(ctx context.Context, msg Message) bool {
	if msg.EventType != "" && !domain.IsCanonicalInputEvent(msg.EventType) {
		w.skipped(ctx, msg, msg.EventType)
		return true
	}
	var envelope contracts.EventEnvelope
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		return w.deadLetter(ctx, msg, contracts.EventEnvelope{}, domain.ErrInvalidEnvelope)
	}
	if (msg.EventID != "" && msg.EventID != envelope.EventID) || (msg.EventType != "" && msg.EventType != envelope.EventType) {
		return w.deadLetter(ctx, msg, envelope, domain.ErrInvalidEnvelope)
	}
	err := w.handler.HandleCanonicalEvent(ctx, envelope)
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrUnsupportedEventType):
		w.skipped(ctx, msg, envelope.EventType)
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return w.deadLetter(ctx, msg, envelope, err)
	}
}

func (w *ConsumerWorker) skipped(ctx context.Context, msg Message, eventType string) {
	w.logger.DebugContext(ctx, "event skipped",
		"module", "events.consumer_worker",
		"layer", "adapter",
		"operation", "handle",
		"outcome", "skipped",
		"topic", msg.Topic,
		"offset", msg.Offset,
		"event_type", eventType,
	)
}

// deadLetter reports whether the record reached the DLQ.
func (w *ConsumerWorker) deadLetter(ctx context.Context, msg Message, envelope contracts.EventEnvelope, cause error) bool {
	eventID := envelope.EventID
	if eventID == "" {
		eventID = msg.EventID
	}
	w.logger.WarnContext(ctx, "event handling failed",
		"module", "events.consumer_worker",
		"layer", "adapter",
		"operation", "handle",
		"outcome", "failure",
		"topic", msg.Topic,
		"offset", msg.Offset,
		"event_id", eventID,
		"error", cause,
	)
	if w.dlq == nil {
		return false
	}
	now := time.Now().UTC()
	record := contracts.DLQRecord{
		OriginalEvent: envelope,
		ErrorSummary:  cause.Error(),
		RetryCount:    1,
		FirstSeenAt:   now,
		LastErrorAt:   now,
		SourceTopic:   msg.Topic,
		DLQTopic:      w.dlqTopic,
		TraceID:       envelope.TraceID,
	}
	if err := w.dlq.PublishDLQ(ctx, record); err != nil {
		w.logger.ErrorContext(ctx, "dlq publish failed",
			"module", "events.consumer_worker",
			"layer", "adapter",
			"operation", "dead_letter",
			"outcome", "failure",
			"topic", msg.Topic,
			"error", err,
		)
		return false
	}
	return true
}
