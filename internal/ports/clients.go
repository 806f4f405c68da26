package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
)

type ProviderPayoutState string

const (
	ProviderPayoutPaid      ProviderPayoutState = "paid"
	ProviderPayoutFailed    ProviderPayoutState = "failed"
	ProviderPayoutInTransit ProviderPayoutState = "in_transit"
)

type ProviderPayout struct {
	PayoutTransactionID string
	State               ProviderPayoutState
	Amount              decimal.Decimal
	Currency            string
	FailureMessage      string
	ArrivalAt           time.Time
}

// PayoutProvider looks up the authoritative status of a payout at the payment provider.
// Implementations must honour ctx deadlines; a deadline error is an unknown outcome.
type PayoutProvider interface {
	GetPayout(ctx context.Context, payoutTransactionID string) (ProviderPayout, error)
}

// Lease is a short-lived cross-instance lock. Acquire returns ok=false when another holder owns it.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context), ok bool, err error)
}

// AuditSpool buffers audit entries that could not reach the sink.
type AuditSpool interface {
	Push(ctx context.Context, entry domain.AuditEntry) error
	Peek(ctx context.Context, limit int) ([]domain.AuditEntry, error)
	Ack(ctx context.Context, entryIDs []string) error
	Len(ctx context.Context) (int, error)
}

type Alert struct {
	Kind     string
	Message  string
	Severity string
	Fields   map[string]string
	RaisedAt time.Time
}

type Alerter interface {
	Raise(ctx context.Context, alert Alert) error
}
