package postgres

import (
	"context"
	"errors"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
	"gorm.io/gorm"
)

type revenueShareRepository struct {
	db *gorm.DB
}

func (r *revenueShareRepository) Create(ctx context.Context, row domain.RevenueShare) (domain.RevenueShare, error) {
	row.Version = 1
	rec, err := toRevenueShareModel(row)
	if err != nil {
		return domain.RevenueShare{}, err
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.RevenueShare{}, domain.ErrConflict
		}
		return domain.RevenueShare{}, err
	}
	return row, nil
}

// Update writes the share only if the stored version still equals expectedVersion.
func (r *revenueShareRepository) Update(ctx context.Context, row domain.RevenueShare, expectedVersion int64) (domain.RevenueShare, error) {
	row.Version = expectedVersion + 1
	rec, err := toRevenueShareModel(row)
	if err != nil {
		return domain.RevenueShare{}, err
	}
	res := r.db.WithContext(ctx).Model(&revenueShareModel{}).
		Where("revenue_share_id = ? AND version = ?", row.RevenueShareID, expectedVersion).
		Updates(map[string]any{
			"distributions":     rec.Distributions,
			"settlement_status": rec.SettlementStatus,
			"dispute":           rec.Dispute,
			"version":           rec.Version,
			"updated_at":        rec.UpdatedAt,
		})
	if res.Error != nil {
		return domain.RevenueShare{}, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, row.RevenueShareID); err != nil {
			return domain.RevenueShare{}, err
		}
		return domain.RevenueShare{}, &domain.ConcurrentModificationError{Entity: "revenue_share", ID: row.RevenueShareID, ExpectedVersion: expectedVersion}
	}
	return row, nil
}

func (r *revenueShareRepository) GetByID(ctx context.Context, revenueShareID string) (domain.RevenueShare, error) {
	return r.take(ctx, "revenue_share_id = ?", revenueShareID)
}

func (r *revenueShareRepository) GetByTransactionID(ctx context.Context, transactionID string) (domain.RevenueShare, error) {
	return r.take(ctx, "transaction_id = ?", transactionID)
}

func (r *revenueShareRepository) take(ctx context.Context, where string, id string) (domain.RevenueShare, error) {
	var rec revenueShareModel
	if err := r.db.WithContext(ctx).Where(where, id).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.RevenueShare{}, &domain.NotFoundError{Entity: "revenue_share", ID: id}
		}
		return domain.RevenueShare{}, err
	}
	return toDomainRevenueShare(rec)
}

var _ ports.RevenueShareRepository = (*revenueShareRepository)(nil)
