package postgres

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type transactionModel struct {
	TransactionID  string          `gorm:"column:transaction_id;primaryKey"`
	BuyerID        string          `gorm:"column:buyer_id"`
	SellerID       string          `gorm:"column:seller_id"`
	ProductID      string          `gorm:"column:product_id"`
	ProductType    string          `gorm:"column:product_type"`
	SubscriptionID string          `gorm:"column:subscription_id"`
	BillingCycle   int             `gorm:"column:billing_cycle"`
	Amount         decimal.Decimal `gorm:"column:amount;type:numeric(20,2)"`
	Currency       string          `gorm:"column:currency"`
	Status         string          `gorm:"column:status"`
	CompletedAt    time.Time       `gorm:"column:completed_at"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
}

func (transactionModel) TableName() string { return "settlement_transactions" }

type revenueShareModel struct {
	RevenueShareID   string          `gorm:"column:revenue_share_id;primaryKey"`
	TransactionID    string          `gorm:"column:transaction_id"`
	SubscriptionID   string          `gorm:"column:subscription_id"`
	BillingCycle     int             `gorm:"column:billing_cycle"`
	TotalAmount      decimal.Decimal `gorm:"column:total_amount;type:numeric(20,2)"`
	Currency         string          `gorm:"column:currency"`
	Distributions    datatypes.JSON  `gorm:"column:distributions"`
	RuleSnapshot     datatypes.JSON  `gorm:"column:rule_snapshot"`
	SettlementStatus string          `gorm:"column:settlement_status"`
	Dispute          datatypes.JSON  `gorm:"column:dispute"`
	Version          int64           `gorm:"column:version"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at"`
}

func (revenueShareModel) TableName() string { return "revenue_shares" }

type refundModel struct {
	RefundID               string          `gorm:"column:refund_id;primaryKey"`
	TransactionID          string          `gorm:"column:transaction_id"`
	BuyerID                string          `gorm:"column:buyer_id"`
	SellerID               string          `gorm:"column:seller_id"`
	ProductID              string          `gorm:"column:product_id"`
	Amount                 decimal.Decimal `gorm:"column:amount;type:numeric(20,2)"`
	Currency               string          `gorm:"column:currency"`
	Reason                 string          `gorm:"column:reason"`
	Description            string          `gorm:"column:description"`
	Evidence               datatypes.JSON  `gorm:"column:evidence"`
	Status                 string          `gorm:"column:status"`
	Messages               datatypes.JSON  `gorm:"column:messages"`
	SellerResponse         datatypes.JSON  `gorm:"column:seller_response"`
	PlatformDecision       datatypes.JSON  `gorm:"column:platform_decision"`
	ApprovedAmount         decimal.Decimal `gorm:"column:approved_amount;type:numeric(20,2)"`
	SellerResponseDeadline time.Time       `gorm:"column:seller_response_deadline"`
	EscalationDate         *time.Time      `gorm:"column:escalation_date"`
	ReversalAttempts       int             `gorm:"column:reversal_attempts"`
	LastReversalError      string          `gorm:"column:last_reversal_error"`
	NextReconcileAt        *time.Time      `gorm:"column:next_reconcile_at"`
	CompletedAt            *time.Time      `gorm:"column:completed_at"`
	Version                int64           `gorm:"column:version"`
	CreatedAt              time.Time       `gorm:"column:created_at"`
	UpdatedAt              time.Time       `gorm:"column:updated_at"`
}

func (refundModel) TableName() string { return "refunds" }

type auditEntryModel struct {
	EntryID      string         `gorm:"column:entry_id;primaryKey"`
	ActorID      string         `gorm:"column:actor_id"`
	ActorRole    string         `gorm:"column:actor_role"`
	Action       string         `gorm:"column:action"`
	ResourceType string         `gorm:"column:resource_type"`
	ResourceID   string         `gorm:"column:resource_id"`
	Reason       string         `gorm:"column:reason"`
	BeforeState  datatypes.JSON `gorm:"column:before_state"`
	AfterState   datatypes.JSON `gorm:"column:after_state"`
	Result       string         `gorm:"column:result"`
	ErrorDetail  string         `gorm:"column:error_detail"`
	OccurredAt   time.Time      `gorm:"column:occurred_at"`
}

func (auditEntryModel) TableName() string { return "settlement_audit_entries" }

type idempotencyModel struct {
	IdempotencyKey string    `gorm:"column:idempotency_key;primaryKey"`
	RequestHash    string    `gorm:"column:request_hash"`
	Status         string    `gorm:"column:status"`
	ResponseCode   int       `gorm:"column:response_code"`
	ResponseBody   *string   `gorm:"column:response_body"`
	ExpiresAt      time.Time `gorm:"column:expires_at"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (idempotencyModel) TableName() string { return "settlement_idempotency" }

type eventDedupModel struct {
	EventID     string    `gorm:"column:event_id;primaryKey"`
	EventType   string    `gorm:"column:event_type"`
	ProcessedAt time.Time `gorm:"column:processed_at"`
	ExpiresAt   time.Time `gorm:"column:expires_at"`
}

func (eventDedupModel) TableName() string { return "settlement_event_dedup" }

type outboxModel struct {
	RecordID   string         `gorm:"column:record_id;primaryKey"`
	EventClass string         `gorm:"column:event_class"`
	EventType  string         `gorm:"column:event_type"`
	Envelope   datatypes.JSON `gorm:"column:envelope"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
	SentAt     *time.Time     `gorm:"column:sent_at"`
}

func (outboxModel) TableName() string { return "settlement_outbox" }
