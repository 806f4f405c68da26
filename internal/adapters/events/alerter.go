package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
)

type EnvelopePublisher interface {
	PublishEnvelope(ctx context.Context, event contracts.EventEnvelope) error
}

// OpsAlerter logs every alert and forwards it as an ops-class envelope keyed by service name.
type OpsAlerter struct {
	logger        *slog.Logger
	publisher     EnvelopePublisher
	sourceService string
}

func NewOpsAlerter(logger *slog.Logger, publisher EnvelopePublisher, sourceService string) *OpsAlerter {
	return &OpsAlerter{logger: logger, publisher: publisher, sourceService: sourceService}
}

func (a *OpsAlerter) Raise(ctx context.Context, alert ports.Alert) error {
	a.logger.ErrorContext(ctx, "operational alert",
		"module", "events.alerter",
		"layer", "adapter",
		"operation", "raise",
		"kind", alert.Kind,
		"severity", alert.Severity,
		"message", alert.Message,
	)
	if a.publisher == nil {
		return nil
	}
	raisedAt := alert.RaisedAt
	if raisedAt.IsZero() {
		raisedAt = time.Now().UTC()
	}
	data, err := json.Marshal(contracts.OpsAlertPayload{
		Kind:     alert.Kind,
		Message:  alert.Message,
		Severity: alert.Severity,
		Fields:   alert.Fields,
		RaisedAt: raisedAt.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return a.publisher.PublishEnvelope(ctx, contracts.EventEnvelope{
		EventID:          uuid.NewString(),
		EventType:        alert.Kind,
		EventClass:       domain.CanonicalEventClassOps,
		OccurredAt:       raisedAt,
		PartitionKeyPath: "envelope.source_service",
		PartitionKey:     a.sourceService,
		SourceService:    a.sourceService,
		TraceID:          uuid.NewString(),
		SchemaVersion:    "v1",
		Data:             data,
	})
}
