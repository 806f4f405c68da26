package contracts

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type EventEnvelope struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	EventClass       string          `json:"event_class,omitempty"`
	OccurredAt       time.Time       `json:"occurred_at"`
	PartitionKeyPath string          `json:"partition_key_path"`
	PartitionKey     string          `json:"partition_key"`
	SourceService    string          `json:"source_service"`
	TraceID          string          `json:"trace_id"`
	SchemaVersion    string          `json:"schema_version"`
	Data             json.RawMessage `json:"data"`
}

// PayoutPaidPayload is emitted by the payout provider adapter when funds reach a recipient.
type PayoutPaidPayload struct {
	PayoutID       string          `json:"payout_id"`
	RevenueShareID string          `json:"revenue_share_id"`
	RecipientID    string          `json:"recipient_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Provider       string          `json:"provider"`
	PaidAt         string          `json:"paid_at"`
}

type PayoutFailedPayload struct {
	PayoutID       string `json:"payout_id"`
	RevenueShareID string `json:"revenue_share_id"`
	RecipientID    string `json:"recipient_id"`
	Reason         string `json:"reason"`
	FailedAt       string `json:"failed_at"`
}

type SettledLinePayload struct {
	RecipientID string          `json:"recipient_id"`
	Role        string          `json:"role"`
	GrossAmount decimal.Decimal `json:"gross_amount"`
	PlatformFee decimal.Decimal `json:"platform_fee"`
	NetAmount   decimal.Decimal `json:"net_amount"`
}

type RevenueShareSettledPayload struct {
	RevenueShareID string               `json:"revenue_share_id"`
	TransactionID  string               `json:"transaction_id"`
	BillingCycle   int                  `json:"billing_cycle"`
	TotalAmount    decimal.Decimal      `json:"total_amount"`
	Currency       string               `json:"currency"`
	Lines          []SettledLinePayload `json:"lines"`
	SettledAt      string               `json:"settled_at"`
}

type RefundStatusChangedPayload struct {
	RefundID       string          `json:"refund_id"`
	TransactionID  string          `json:"transaction_id"`
	FromStatus     string          `json:"from_status"`
	ToStatus       string          `json:"to_status"`
	ApprovedAmount decimal.Decimal `json:"approved_amount"`
	ChangedAt      string          `json:"changed_at"`
}

type PayoutLineUpdatedPayload struct {
	RevenueShareID      string          `json:"revenue_share_id"`
	RecipientID         string          `json:"recipient_id"`
	PayoutStatus        string          `json:"payout_status"`
	PayoutTransactionID string          `json:"payout_transaction_id,omitempty"`
	HeldAmount          decimal.Decimal `json:"held_amount"`
	UpdatedAt           string          `json:"updated_at"`
}

type OpsAlertPayload struct {
	Kind     string            `json:"kind"`
	Message  string            `json:"message"`
	Severity string            `json:"severity"`
	Fields   map[string]string `json:"fields,omitempty"`
	RaisedAt string            `json:"raised_at"`
}

type DLQRecord struct {
	OriginalEvent EventEnvelope `json:"original_event"`
	ErrorSummary  string        `json:"error_summary"`
	RetryCount    int           `json:"retry_count"`
	FirstSeenAt   time.Time     `json:"first_seen_at"`
	LastErrorAt   time.Time     `json:"last_error_at"`
	SourceTopic   string        `json:"source_topic"`
	DLQTopic      string        `json:"dlq_topic"`
	TraceID       string        `json:"trace_id"`
}
