package application_test

import (
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
)

func payoutEnvelope(eventID, eventType, partitionKey string, data []byte) contracts.EventEnvelope {
	return contracts.EventEnvelope{
		EventID:          eventID,
		EventType:        eventType,
		EventClass:       domain.CanonicalEventClassDomain,
		OccurredAt:       time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		PartitionKeyPath: "data.revenue_share_id",
		PartitionKey:     partitionKey,
		SourceService:    "payout-rails",
		TraceID:          "trace-" + eventID,
		SchemaVersion:    "v1",
		Data:             data,
	}
}
