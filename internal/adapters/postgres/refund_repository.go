package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
	"gorm.io/gorm"
)

type refundRepository struct {
	db *gorm.DB
}

// Create relies on the partial unique index on live refunds per transaction.
func (r *refundRepository) Create(ctx context.Context, row domain.Refund) (domain.Refund, error) {
	row.Version = 1
	rec, err := toRefundModel(row)
	if err != nil {
		return domain.Refund{}, err
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.Refund{}, domain.ErrConflict
		}
		return domain.Refund{}, err
	}
	return row, nil
}

func (r *refundRepository) Update(ctx context.Context, row domain.Refund, expectedVersion int64) (domain.Refund, error) {
	row.Version = expectedVersion + 1
	rec, err := toRefundModel(row)
	if err != nil {
		return domain.Refund{}, err
	}
	res := r.db.WithContext(ctx).Model(&refundModel{}).
		Where("refund_id = ? AND version = ?", row.RefundID, expectedVersion).
		Updates(map[string]any{
			"status":                   rec.Status,
			"messages":                 rec.Messages,
			"seller_response":          rec.SellerResponse,
			"platform_decision":        rec.PlatformDecision,
			"approved_amount":          rec.ApprovedAmount,
			"seller_response_deadline": rec.SellerResponseDeadline,
			"escalation_date":          rec.EscalationDate,
			"reversal_attempts":        rec.ReversalAttempts,
			"last_reversal_error":      rec.LastReversalError,
			"next_reconcile_at":        rec.NextReconcileAt,
			"completed_at":             rec.CompletedAt,
			"version":                  rec.Version,
			"updated_at":               rec.UpdatedAt,
		})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return domain.Refund{}, domain.ErrConflict
		}
		return domain.Refund{}, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, row.RefundID); err != nil {
			return domain.Refund{}, err
		}
		return domain.Refund{}, &domain.ConcurrentModificationError{Entity: "refund", ID: row.RefundID, ExpectedVersion: expectedVersion}
	}
	return row, nil
}

func (r *refundRepository) GetByID(ctx context.Context, refundID string) (domain.Refund, error) {
	var rec refundModel
	if err := r.db.WithContext(ctx).Where("refund_id = ?", refundID).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Refund{}, &domain.NotFoundError{Entity: "refund", ID: refundID}
		}
		return domain.Refund{}, err
	}
	return toDomainRefund(rec)
}

func (r *refundRepository) GetLiveByTransactionID(ctx context.Context, transactionID string) (domain.Refund, error) {
	var rec refundModel
	err := r.db.WithContext(ctx).
		Where("transaction_id = ? AND status NOT IN ?", transactionID, []string{string(domain.RefundRejected), string(domain.RefundCancelled)}).
		Order("created_at desc").
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Refund{}, &domain.NotFoundError{Entity: "refund", ID: "transaction:" + transactionID}
		}
		return domain.Refund{}, err
	}
	return toDomainRefund(rec)
}

func (r *refundRepository) ListEscalationCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Refund, error) {
	var rows []refundModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND seller_response_deadline < ?", string(domain.RefundSellerResponse), now).
		Order("seller_response_deadline asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainRefunds(rows)
}

func (r *refundRepository) ListReconcilable(ctx context.Context, now time.Time, limit int) ([]domain.Refund, error) {
	var rows []refundModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND (next_reconcile_at IS NULL OR next_reconcile_at <= ?)", string(domain.RefundApproved), now).
		Order("updated_at asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainRefunds(rows)
}

func toDomainRefunds(rows []refundModel) ([]domain.Refund, error) {
	out := make([]domain.Refund, 0, len(rows))
	for _, rec := range rows {
		refund, err := toDomainRefund(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, refund)
	}
	return out, nil
}

var _ ports.RefundRepository = (*refundRepository)(nil)
