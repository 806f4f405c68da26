package postgres

import (
	"context"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// eventDedupRepository backs at-least-once delivery of payout.paid and payout.failed: a
// redelivered event id inside its window is acknowledged without being applied again.
type eventDedupRepository struct {
	db *gorm.DB
}

func (r *eventDedupRepository) IsDuplicate(ctx context.Context, eventID string, now time.Time) (bool, error) {
	var hits []string
	err := r.db.WithContext(ctx).Model(&eventDedupModel{}).
		Where("event_id = ? AND expires_at > ?", eventID, now).
		Limit(1).
		Pluck("event_id", &hits).Error
	return len(hits) > 0, err
}

// MarkProcessed upserts so a marker that expired and was redelivered gets a fresh window.
func (r *eventDedupRepository) MarkProcessed(ctx context.Context, eventID, eventType string, expiresAt time.Time) error {
	rec := eventDedupModel{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now().UTC(),
		ExpiresAt:   expiresAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"event_type", "processed_at", "expires_at"}),
	}).Create(&rec).Error
}

func (r *eventDedupRepository) PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	res := r.db.WithContext(ctx).Exec(`DELETE FROM settlement_event_dedup WHERE event_id IN (
	SELECT event_id FROM settlement_event_dedup WHERE expires_at <= ? ORDER BY expires_at LIMIT ?)`, now, limit)
	return int(res.RowsAffected), res.Error
}

var _ ports.EventDedupRepository = (*eventDedupRepository)(nil)
