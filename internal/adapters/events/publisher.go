package events

import (
	"context"
	"log/slog"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/contracts"
)

// LoggingPublisher stands in for kafka when no brokers are configured.
type LoggingPublisher struct {
	logger *slog.Logger
}

func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) PublishDomain(ctx context.Context, event contracts.EventEnvelope) error {
	return p.PublishEnvelope(ctx, event)
}

func (p *LoggingPublisher) PublishEnvelope(ctx context.Context, event contracts.EventEnvelope) error {
	p.logger.InfoContext(ctx, "event published",
		"module", "events.publisher",
		"layer", "adapter",
		"operation", "publish",
		"outcome", "success",
		"event_id", event.EventID,
		"event_type", event.EventType,
		"event_class", event.EventClass,
		"partition_key", event.PartitionKey,
		"payload_bytes", len(event.Data),
	)
	return nil
}

func (p *LoggingPublisher) PublishDLQ(ctx context.Context, record contracts.DLQRecord) error {
	p.logger.WarnContext(ctx, "event dead-lettered",
		"module", "events.publisher",
		"layer", "adapter",
		"operation", "publish_dlq",
		"outcome", "success",
		"event_id", record.OriginalEvent.EventID,
		"event_type", record.OriginalEvent.EventType,
		"dlq_topic", record.DLQTopic,
		"error_summary", record.ErrorSummary,
	)
	return nil
}
