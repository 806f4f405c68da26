package ports

import (
	"context"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
)

type TransactionRepository interface {
	Create(ctx context.Context, row domain.Transaction) error
	GetByID(ctx context.Context, transactionID string) (domain.Transaction, error)
}

// RevenueShareRepository persists shares with optimistic concurrency. Update succeeds only when
// the stored version equals expectedVersion and returns the row with its new version.
type RevenueShareRepository interface {
	Create(ctx context.Context, row domain.RevenueShare) (domain.RevenueShare, error)
	Update(ctx context.Context, row domain.RevenueShare, expectedVersion int64) (domain.RevenueShare, error)
	GetByID(ctx context.Context, revenueShareID string) (domain.RevenueShare, error)
	GetByTransactionID(ctx context.Context, transactionID string) (domain.RevenueShare, error)
}

type RefundRepository interface {
	Create(ctx context.Context, row domain.Refund) (domain.Refund, error)
	Update(ctx context.Context, row domain.Refund, expectedVersion int64) (domain.Refund, error)
	GetByID(ctx context.Context, refundID string) (domain.Refund, error)
	GetLiveByTransactionID(ctx context.Context, transactionID string) (domain.Refund, error)
	ListEscalationCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Refund, error)
	ListReconcilable(ctx context.Context, now time.Time, limit int) ([]domain.Refund, error)
}

// AuditRepository is the audit sink. Append is idempotent on EntryID so spooled entries can be
// replayed safely.
type AuditRepository interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
	Query(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error)
}

type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseCode int
	ResponseBody []byte
	ExpiresAt    time.Time
}

type IdempotencyRepository interface {
	Get(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error)
	Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) error
	Complete(ctx context.Context, key string, responseCode int, responseBody []byte, at time.Time) error
	// Release drops a reservation that never completed. Completed keys are left alone.
	Release(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// EventDedupRepository remembers consumed payout events by event id until their window closes.
type EventDedupRepository interface {
	IsDuplicate(ctx context.Context, eventID string, now time.Time) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string, expiresAt time.Time) error
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, record OutboxRecord) error
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, recordID string, at time.Time) error
}
