package contracts

import "github.com/shopspring/decimal"

type TransactionRequest struct {
	TransactionID  string          `json:"transaction_id"`
	BuyerID        string          `json:"buyer_id"`
	SellerID       string          `json:"seller_id"`
	ProductID      string          `json:"product_id"`
	ProductType    string          `json:"product_type"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	BillingCycle   int             `json:"billing_cycle"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	CompletedAt    string          `json:"completed_at,omitempty"`
}

type TierRequest struct {
	MinUsage       int64           `json:"min_usage"`
	MaxUsage       int64           `json:"max_usage"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
}

type RecurringCommissionRequest struct {
	Enabled        bool `json:"enabled"`
	DurationMonths int  `json:"duration_months"`
}

type RuleRequest struct {
	RecipientID         string                      `json:"recipient_id"`
	Role                string                      `json:"role"`
	Type                string                      `json:"type"`
	Percentage          decimal.Decimal             `json:"percentage"`
	FixedAmount         decimal.Decimal             `json:"fixed_amount"`
	Tiers               []TierRequest               `json:"tiers,omitempty"`
	Usage               int64                       `json:"usage"`
	PlatformFeePercent  *decimal.Decimal            `json:"platform_fee_percent,omitempty"`
	RecurringCommission *RecurringCommissionRequest `json:"recurring_commission,omitempty"`
}

type SettleRequest struct {
	Transaction TransactionRequest `json:"transaction"`
	Rules       []RuleRequest      `json:"rules"`
}

type SettleRenewalRequest struct {
	Transaction           TransactionRequest `json:"transaction"`
	OriginalTransactionID string             `json:"original_transaction_id"`
}

type StartPayoutRequest struct {
	PayoutTransactionID string `json:"payout_transaction_id"`
}

type ConfirmPayoutRequest struct {
	PayoutTransactionID string          `json:"payout_transaction_id"`
	Amount              decimal.Decimal `json:"amount"`
	Provider            string          `json:"provider"`
	PaidAt              string          `json:"paid_at,omitempty"`
}

type HoldRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	RefundID string          `json:"refund_id"`
}

type FailPayoutRequest struct {
	Reason string `json:"reason"`
}

type EvidenceRequest struct {
	Kind        string `json:"kind"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

type OpenRefundRequest struct {
	TransactionID string            `json:"transaction_id"`
	Amount        decimal.Decimal   `json:"amount"`
	Reason        string            `json:"reason"`
	Description   string            `json:"description"`
	Evidence      []EvidenceRequest `json:"evidence"`
}

type SellerResponseRequest struct {
	Content      string           `json:"content"`
	AcceptRefund bool             `json:"accept_refund"`
	CounterOffer *decimal.Decimal `json:"counter_offer,omitempty"`
}

type DecisionRequest struct {
	Decision     string          `json:"decision"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
	Notes        string          `json:"notes"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type MessageRequest struct {
	Content     string   `json:"content"`
	Attachments []string `json:"attachments"`
}

type TickEscalationResponse struct {
	Escalated int `json:"escalated"`
}

type ReconcilePayoutResponse struct {
	Outcome string `json:"outcome"`
	Line    any    `json:"line"`
}

type SuccessResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type ErrorResponse struct {
	Status string       `json:"status"`
	Error  ErrorPayload `json:"error"`
}

type ErrorPayload struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	RequestID string      `json:"request_id,omitempty"`
	Details   interface{} `json:"details,omitempty"`
}
