package postgres

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
)

// NewMemoryRepositories returns process-local repositories with the same version and uniqueness
// rules as the postgres ones. They back tests and database-less local runs.
func NewMemoryRepositories() Repositories {
	return Repositories{
		Transactions:  &MemoryTransactionRepository{records: map[string]domain.Transaction{}},
		RevenueShares: &MemoryRevenueShareRepository{records: map[string]domain.RevenueShare{}, byTxn: map[string]string{}},
		Refunds:       &MemoryRefundRepository{records: map[string]domain.Refund{}},
		AuditLog:      &MemoryAuditRepository{seen: map[string]struct{}{}},
		Idempotency:   &MemoryIdempotencyRepository{records: map[string]ports.IdempotencyRecord{}},
		EventDedup:    &MemoryEventDedupRepository{records: map[string]time.Time{}},
		Outbox:        &MemoryOutboxRepository{records: map[string]ports.OutboxRecord{}},
	}
}

type MemoryTransactionRepository struct {
	mu      sync.RWMutex
	records map[string]domain.Transaction
}

func (r *MemoryTransactionRepository) Create(_ context.Context, row domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[row.TransactionID]; ok {
		return domain.ErrConflict
	}
	r.records[row.TransactionID] = row
	return nil
}

func (r *MemoryTransactionRepository) GetByID(_ context.Context, transactionID string) (domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.records[transactionID]
	if !ok {
		return domain.Transaction{}, &domain.NotFoundError{Entity: "transaction", ID: transactionID}
	}
	return row, nil
}

type MemoryRevenueShareRepository struct {
	mu      sync.RWMutex
	records map[string]domain.RevenueShare
	byTxn   map[string]string
}

func (r *MemoryRevenueShareRepository) Create(_ context.Context, row domain.RevenueShare) (domain.RevenueShare, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[row.RevenueShareID]; ok {
		return domain.RevenueShare{}, domain.ErrConflict
	}
	if _, ok := r.byTxn[row.TransactionID]; ok {
		return domain.RevenueShare{}, domain.ErrConflict
	}
	row.Version = 1
	r.records[row.RevenueShareID] = row.Clone()
	r.byTxn[row.TransactionID] = row.RevenueShareID
	return row.Clone(), nil
}

func (r *MemoryRevenueShareRepository) Update(_ context.Context, row domain.RevenueShare, expectedVersion int64) (domain.RevenueShare, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.records[row.RevenueShareID]
	if !ok {
		return domain.RevenueShare{}, &domain.NotFoundError{Entity: "revenue_share", ID: row.RevenueShareID}
	}
	if current.Version != expectedVersion {
		return domain.RevenueShare{}, &domain.ConcurrentModificationError{Entity: "revenue_share", ID: row.RevenueShareID, ExpectedVersion: expectedVersion}
	}
	row.Version = expectedVersion + 1
	r.records[row.RevenueShareID] = row.Clone()
	return row.Clone(), nil
}

func (r *MemoryRevenueShareRepository) GetByID(_ context.Context, revenueShareID string) (domain.RevenueShare, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.records[revenueShareID]
	if !ok {
		return domain.RevenueShare{}, &domain.NotFoundError{Entity: "revenue_share", ID: revenueShareID}
	}
	return row.Clone(), nil
}

func (r *MemoryRevenueShareRepository) GetByTransactionID(_ context.Context, transactionID string) (domain.RevenueShare, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTxn[transactionID]
	if !ok {
		return domain.RevenueShare{}, &domain.NotFoundError{Entity: "revenue_share", ID: transactionID}
	}
	return r.records[id].Clone(), nil
}

type MemoryRefundRepository struct {
	mu      sync.RWMutex
	records map[string]domain.Refund
	order   []string
}

func (r *MemoryRefundRepository) Create(_ context.Context, row domain.Refund) (domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[row.RefundID]; ok {
		return domain.Refund{}, domain.ErrConflict
	}
	if row.Status.Live() {
		for _, existing := range r.records {
			if existing.TransactionID == row.TransactionID && existing.Status.Live() {
				return domain.Refund{}, domain.ErrConflict
			}
		}
	}
	row.Version = 1
	r.records[row.RefundID] = row.Clone()
	r.order = append(r.order, row.RefundID)
	return row.Clone(), nil
}

func (r *MemoryRefundRepository) Update(_ context.Context, row domain.Refund, expectedVersion int64) (domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.records[row.RefundID]
	if !ok {
		return domain.Refund{}, &domain.NotFoundError{Entity: "refund", ID: row.RefundID}
	}
	if current.Version != expectedVersion {
		return domain.Refund{}, &domain.ConcurrentModificationError{Entity: "refund", ID: row.RefundID, ExpectedVersion: expectedVersion}
	}
	row.Version = expectedVersion + 1
	r.records[row.RefundID] = row.Clone()
	return row.Clone(), nil
}

func (r *MemoryRefundRepository) GetByID(_ context.Context, refundID string) (domain.Refund, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.records[refundID]
	if !ok {
		return domain.Refund{}, &domain.NotFoundError{Entity: "refund", ID: refundID}
	}
	return row.Clone(), nil
}

func (r *MemoryRefundRepository) GetLiveByTransactionID(_ context.Context, transactionID string) (domain.Refund, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		row := r.records[r.order[i]]
		if row.TransactionID == transactionID && row.Status.Live() {
			return row.Clone(), nil
		}
	}
	return domain.Refund{}, &domain.NotFoundError{Entity: "refund", ID: "transaction:" + transactionID}
}

func (r *MemoryRefundRepository) ListEscalationCandidates(_ context.Context, now time.Time, limit int) ([]domain.Refund, error) {
	return r.list(limit, func(row domain.Refund) bool {
		return row.Status == domain.RefundSellerResponse && row.SellerResponseDeadline.Before(now)
	}, func(a, b domain.Refund) bool {
		return a.SellerResponseDeadline.Before(b.SellerResponseDeadline)
	}), nil
}

func (r *MemoryRefundRepository) ListReconcilable(_ context.Context, now time.Time, limit int) ([]domain.Refund, error) {
	return r.list(limit, func(row domain.Refund) bool {
		return row.Status == domain.RefundApproved && (row.NextReconcileAt == nil || !row.NextReconcileAt.After(now))
	}, func(a, b domain.Refund) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}), nil
}

func (r *MemoryRefundRepository) list(limit int, match func(domain.Refund) bool, less func(a, b domain.Refund) bool) []domain.Refund {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Refund, 0)
	for _, id := range r.order {
		if row := r.records[id]; match(row) {
			out = append(out, row.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

type MemoryAuditRepository struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	seen    map[string]struct{}
}

func (r *MemoryAuditRepository) Append(_ context.Context, entry domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[entry.EntryID]; ok {
		return nil
	}
	r.seen[entry.EntryID] = struct{}{}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *MemoryAuditRepository) Query(_ context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AuditEntry, 0)
	for _, e := range r.entries {
		if q.ActorID != "" && e.ActorID != q.ActorID {
			continue
		}
		if q.ResourceType != "" && e.ResourceType != q.ResourceType {
			continue
		}
		if q.ResourceID != "" && e.ResourceID != q.ResourceID {
			continue
		}
		if q.From != nil && e.OccurredAt.Before(*q.From) {
			continue
		}
		if q.To != nil && !e.OccurredAt.Before(*q.To) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

type MemoryIdempotencyRepository struct {
	mu      sync.RWMutex
	records map[string]ports.IdempotencyRecord
}

func (r *MemoryIdempotencyRepository) Get(_ context.Context, key string, now time.Time) (*ports.IdempotencyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[key]
	if !ok || !rec.ExpiresAt.After(now) {
		return nil, nil
	}
	out := rec
	out.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	return &out, nil
}

func (r *MemoryIdempotencyRepository) Reserve(_ context.Context, key, requestHash string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok && rec.ExpiresAt.After(time.Now().UTC()) {
		return domain.ErrConflict
	}
	r.records[key] = ports.IdempotencyRecord{Key: key, RequestHash: requestHash, ExpiresAt: expiresAt}
	return nil
}

func (r *MemoryIdempotencyRepository) Complete(_ context.Context, key string, responseCode int, responseBody []byte, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return domain.ErrNotFound
	}
	rec.ResponseCode = responseCode
	rec.ResponseBody = append([]byte(nil), responseBody...)
	r.records[key] = rec
	return nil
}

func (r *MemoryIdempotencyRepository) Release(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok && len(rec.ResponseBody) == 0 {
		delete(r.records, key)
	}
	return nil
}

func (r *MemoryIdempotencyRepository) PurgeExpired(_ context.Context, now time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, rec := range r.records {
		if limit > 0 && n >= limit {
			break
		}
		if !rec.ExpiresAt.After(now) {
			delete(r.records, key)
			n++
		}
	}
	return n, nil
}

type MemoryEventDedupRepository struct {
	mu      sync.RWMutex
	records map[string]time.Time
}

func (r *MemoryEventDedupRepository) IsDuplicate(_ context.Context, eventID string, now time.Time) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	expiresAt, ok := r.records[eventID]
	return ok && expiresAt.After(now), nil
}

func (r *MemoryEventDedupRepository) MarkProcessed(_ context.Context, eventID, _ string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[eventID] = expiresAt
	return nil
}

func (r *MemoryEventDedupRepository) PurgeExpired(_ context.Context, now time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for eventID, expiresAt := range r.records {
		if limit > 0 && n >= limit {
			break
		}
		if !expiresAt.After(now) {
			delete(r.records, eventID)
			n++
		}
	}
	return n, nil
}

type MemoryOutboxRepository struct {
	mu      sync.RWMutex
	records map[string]ports.OutboxRecord
	order   []string
}

func (r *MemoryOutboxRepository) Enqueue(_ context.Context, record ports.OutboxRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[record.RecordID]; ok {
		return domain.ErrConflict
	}
	r.records[record.RecordID] = record
	r.order = append(r.order, record.RecordID)
	return nil
}

func (r *MemoryOutboxRepository) ListPending(_ context.Context, limit int) ([]ports.OutboxRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ports.OutboxRecord, 0)
	for _, id := range r.order {
		rec := r.records[id]
		if rec.SentAt != nil {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryOutboxRepository) MarkSent(_ context.Context, recordID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[recordID]
	if !ok {
		return domain.ErrNotFound
	}
	rec.SentAt = &at
	r.records[recordID] = rec
	return nil
}
