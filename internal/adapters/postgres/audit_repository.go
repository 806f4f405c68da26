package postgres

import (
	"context"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type auditRepository struct {
	db *gorm.DB
}

// Append ignores an entry id that is already stored so spool replays are harmless.
func (r *auditRepository) Append(ctx context.Context, entry domain.AuditEntry) error {
	rec := toAuditEntryModel(entry)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
}

func (r *auditRepository) Query(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	tx := r.db.WithContext(ctx).Model(&auditEntryModel{})
	if q.ActorID != "" {
		tx = tx.Where("actor_id = ?", q.ActorID)
	}
	if q.ResourceType != "" {
		tx = tx.Where("resource_type = ?", string(q.ResourceType))
	}
	if q.ResourceID != "" {
		tx = tx.Where("resource_id = ?", q.ResourceID)
	}
	if q.From != nil {
		tx = tx.Where("occurred_at >= ?", *q.From)
	}
	if q.To != nil {
		tx = tx.Where("occurred_at < ?", *q.To)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var rows []auditEntryModel
	if err := tx.Order("occurred_at asc, entry_id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AuditEntry, 0, len(rows))
	for _, rec := range rows {
		out = append(out, toDomainAuditEntry(rec))
	}
	return out, nil
}

var _ ports.AuditRepository = (*auditRepository)(nil)
