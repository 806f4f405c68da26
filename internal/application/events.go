package application

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
)

const dlqTopic = "revenue-settlement.dlq"

func (s *Service) HandleCanonicalEvent(ctx context.Context, envelope contracts.EventEnvelope) error {
	if err := validateEnvelope(envelope); err != nil {
		return err
	}
	if !domain.IsCanonicalInputEvent(envelope.EventType) {
		return domain.ErrUnsupportedEventType
	}
	expectedClass := domain.CanonicalEventClass(envelope.EventType)
	if strings.TrimSpace(envelope.EventClass) != "" && envelope.EventClass != expectedClass {
		return domain.ErrUnsupportedEventClass
	}
	if err := validatePartitionKeyInvariant(envelope, domain.CanonicalPartitionKeyPath(envelope.EventType)); err != nil {
		return err
	}

	now := s.nowFn()
	if s.eventDedup != nil {
		dup, err := s.eventDedup.IsDuplicate(ctx, envelope.EventID, now)
		if err != nil {
			return err
		}
		if dup {
			return nil
		}
	}

	actor := SystemActor(envelope.TraceID)
	switch envelope.EventType {
	case domain.EventPayoutPaid:
		var payload contracts.PayoutPaidPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return domain.ErrInvalidEnvelope
		}
		paidAt, err := parseRFC3339OrNow(payload.PaidAt, now)
		if err != nil {
			return domain.ErrInvalidEnvelope
		}
		info := domain.PayoutInfo{PayoutTransactionID: payload.PayoutID, Amount: payload.Amount, Provider: payload.Provider, PaidAt: paidAt}
		if _, err := s.ConfirmPayout(ctx, actor, payload.RevenueShareID, payload.RecipientID, info); err != nil {
			return err
		}
	case domain.EventPayoutFailed:
		var payload contracts.PayoutFailedPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return domain.ErrInvalidEnvelope
		}
		if _, err := s.FailPayout(ctx, actor, payload.RevenueShareID, payload.RecipientID, payload.Reason); err != nil {
			return err
		}
	default:
		return domain.ErrUnsupportedEventType
	}

	if s.eventDedup != nil {
		return s.eventDedup.MarkProcessed(ctx, envelope.EventID, envelope.EventType, now.Add(s.cfg.EventDedupTTL))
	}
	return nil
}

// PurgeExpiredKeys drops consumed-event markers and idempotency keys whose window has closed.
func (s *Service) PurgeExpiredKeys(ctx context.Context) (int, error) {
	now := s.nowFn()
	purged := 0
	if s.eventDedup != nil {
		n, err := s.eventDedup.PurgeExpired(ctx, now, s.cfg.PurgeBatchSize)
		purged += n
		if err != nil {
			return purged, err
		}
	}
	if s.idempotency != nil {
		n, err := s.idempotency.PurgeExpired(ctx, now, s.cfg.PurgeBatchSize)
		purged += n
		if err != nil {
			return purged, err
		}
	}
	return purged, nil
}

func (s *Service) FlushOutbox(ctx context.Context) error {
	if s.outbox == nil {
		return nil
	}
	pending, err := s.outbox.ListPending(ctx, s.cfg.OutboxFlushBatchSize)
	if err != nil {
		return err
	}
	for _, record := range pending {
		now := s.nowFn()
		switch record.EventClass {
		case domain.CanonicalEventClassDomain:
			if s.domainEvents != nil {
				if err := s.domainEvents.PublishDomain(ctx, record.Envelope); err != nil {
					if s.dlq != nil {
						nowDLQ := s.nowFn()
						_ = s.dlq.PublishDLQ(ctx, contracts.DLQRecord{OriginalEvent: record.Envelope, ErrorSummary: err.Error(), RetryCount: 1, FirstSeenAt: record.CreatedAt, LastErrorAt: nowDLQ, SourceTopic: record.Envelope.EventType, DLQTopic: dlqTopic, TraceID: record.Envelope.TraceID})
					}
					return err
				}
			}
		default:
			return fmt.Errorf("%w: %s", domain.ErrUnsupportedEventClass, record.EventClass)
		}
		if err := s.outbox.MarkSent(ctx, record.RecordID, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) enqueueRevenueShareSettled(ctx context.Context, actor Actor, share domain.RevenueShare) error {
	lines := make([]contracts.SettledLinePayload, 0, len(share.Distributions))
	for _, line := range share.Distributions {
		lines = append(lines, contracts.SettledLinePayload{
			RecipientID: line.RecipientID,
			Role:        string(line.Role),
			GrossAmount: line.GrossAmount,
			PlatformFee: line.PlatformFee,
			NetAmount:   line.NetAmount,
		})
	}
	payload := contracts.RevenueShareSettledPayload{
		RevenueShareID: share.RevenueShareID,
		TransactionID:  share.TransactionID,
		BillingCycle:   share.BillingCycle,
		TotalAmount:    share.TotalAmount,
		Currency:       share.Currency,
		Lines:          lines,
		SettledAt:      share.CreatedAt.Format(time.RFC3339),
	}
	return s.enqueueDomainEvent(ctx, domain.EventRevenueShareSettled, share.RevenueShareID, actor.RequestID, payload)
}

func (s *Service) enqueueRefundStatusChanged(ctx context.Context, actor Actor, from domain.RefundStatus, refund domain.Refund) error {
	payload := contracts.RefundStatusChangedPayload{
		RefundID:       refund.RefundID,
		TransactionID:  refund.TransactionID,
		FromStatus:     string(from),
		ToStatus:       string(refund.Status),
		ApprovedAmount: refund.ApprovedAmount,
		ChangedAt:      refund.UpdatedAt.Format(time.RFC3339),
	}
	return s.enqueueDomainEvent(ctx, domain.EventRefundStatusChanged, refund.RefundID, actor.RequestID, payload)
}

func (s *Service) enqueuePayoutLineUpdated(ctx context.Context, actor Actor, share domain.RevenueShare, line domain.Distribution) error {
	payload := contracts.PayoutLineUpdatedPayload{
		RevenueShareID:      share.RevenueShareID,
		RecipientID:         line.RecipientID,
		PayoutStatus:        string(line.PayoutStatus),
		PayoutTransactionID: line.PayoutTransactionID,
		HeldAmount:          line.HeldAmount,
		UpdatedAt:           share.UpdatedAt.Format(time.RFC3339),
	}
	return s.enqueueDomainEvent(ctx, domain.EventPayoutLineUpdated, share.RevenueShareID, actor.RequestID, payload)
}

func (s *Service) enqueueDomainEvent(ctx context.Context, eventType, partitionKey, traceID string, payload any) error {
	if s.outbox == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	partitionPath := domain.CanonicalPartitionKeyPath(eventType)
	env := contracts.EventEnvelope{EventID: uuid.NewString(), EventType: eventType, EventClass: domain.CanonicalEventClassDomain, OccurredAt: s.nowFn(), PartitionKeyPath: partitionPath, PartitionKey: partitionKey, SourceService: s.cfg.ServiceName, TraceID: nonEmpty(traceID, uuid.NewString()), SchemaVersion: "v1", Data: data}
	if err := validatePartitionKeyInvariant(env, partitionPath); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, ports.OutboxRecord{RecordID: uuid.NewString(), EventClass: domain.CanonicalEventClassDomain, Envelope: env, CreatedAt: s.nowFn()}); err != nil {
		s.logger.WarnContext(ctx, "outbox enqueue failed",
			"module", "application.events",
			"layer", "application",
			"operation", "enqueue",
			"outcome", "failure",
			"event_type", eventType,
			"error", err,
		)
		return err
	}
	return nil
}

func (s *Service) raiseAlert(ctx context.Context, kind, message, severity string, fields map[string]string) {
	alert := ports.Alert{Kind: kind, Message: message, Severity: severity, Fields: fields, RaisedAt: s.nowFn()}
	if s.alerter == nil {
		s.logger.ErrorContext(ctx, "operational alert",
			"module", "application",
			"layer", "application",
			"operation", "alert",
			"kind", kind,
			"severity", severity,
			"message", message,
		)
		return
	}
	if err := s.alerter.Raise(context.WithoutCancel(ctx), alert); err != nil {
		s.logger.ErrorContext(ctx, "alert delivery failed",
			"module", "application",
			"layer", "application",
			"operation", "alert",
			"outcome", "failure",
			"kind", kind,
			"error", err,
		)
	}
}

func (s *Service) publishDLQIdempotencyConflict(ctx context.Context, key, traceID string) error {
	if s.dlq == nil {
		return nil
	}
	now := s.nowFn()
	data, _ := json.Marshal(map[string]string{"key": key})
	return s.dlq.PublishDLQ(ctx, contracts.DLQRecord{
		OriginalEvent: contracts.EventEnvelope{EventID: uuid.NewString(), EventType: "revenue-settlement.idempotency.conflict", EventClass: domain.CanonicalEventClassOps, OccurredAt: now, PartitionKeyPath: "envelope.source_service", PartitionKey: s.cfg.ServiceName, SourceService: s.cfg.ServiceName, TraceID: nonEmpty(traceID, uuid.NewString()), SchemaVersion: "v1", Data: data},
		ErrorSummary:  "idempotency key reused with mismatched payload",
		RetryCount:    1,
		FirstSeenAt:   now,
		LastErrorAt:   now,
		SourceTopic:   "api",
		DLQTopic:      dlqTopic,
		TraceID:       nonEmpty(traceID, uuid.NewString()),
	})
}

func validateEnvelope(event contracts.EventEnvelope) error {
	if strings.TrimSpace(event.EventID) == "" || strings.TrimSpace(event.EventType) == "" || event.OccurredAt.IsZero() {
		return domain.ErrInvalidEnvelope
	}
	if strings.TrimSpace(event.SourceService) == "" || strings.TrimSpace(event.TraceID) == "" || strings.TrimSpace(event.SchemaVersion) == "" {
		return domain.ErrInvalidEnvelope
	}
	if len(event.Data) == 0 {
		return domain.ErrInvalidEnvelope
	}
	return nil
}

func validatePartitionKeyInvariant(event contracts.EventEnvelope, expectedPath string) error {
	if strings.TrimSpace(expectedPath) == "" || event.PartitionKeyPath != expectedPath {
		return domain.ErrInvalidEnvelope
	}
	if expectedPath == "envelope.source_service" {
		if event.PartitionKey != event.SourceService {
			return domain.ErrInvalidEnvelope
		}
		return nil
	}
	if !strings.HasPrefix(expectedPath, "data.") {
		return domain.ErrInvalidEnvelope
	}
	field := strings.TrimPrefix(expectedPath, "data.")
	var payload map[string]any
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return domain.ErrInvalidEnvelope
	}
	value, ok := payload[field]
	if !ok || fmt.Sprint(value) != event.PartitionKey {
		return domain.ErrInvalidEnvelope
	}
	return nil
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}
