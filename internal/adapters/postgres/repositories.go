package postgres

import (
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
	"gorm.io/gorm"
)

type Repositories struct {
	Transactions  ports.TransactionRepository
	RevenueShares ports.RevenueShareRepository
	Refunds       ports.RefundRepository
	AuditLog      ports.AuditRepository
	Idempotency   ports.IdempotencyRepository
	EventDedup    ports.EventDedupRepository
	Outbox        ports.OutboxRepository
}

func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Transactions:  &transactionRepository{db: db},
		RevenueShares: &revenueShareRepository{db: db},
		Refunds:       &refundRepository{db: db},
		AuditLog:      &auditRepository{db: db},
		Idempotency:   &idempotencyRepository{db: db},
		EventDedup:    &eventDedupRepository{db: db},
		Outbox:        &outboxRepository{db: db},
	}
}
