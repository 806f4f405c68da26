package domain

import (
	"encoding/json"
	"time"
)

type ResourceType string

const (
	ResourceTransaction  ResourceType = "transaction"
	ResourceRevenueShare ResourceType = "revenue_share"
	ResourceRefund       ResourceType = "refund"
)

type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditFailure AuditResult = "failure"
)

const (
	AuditActionSettle          = "settle"
	AuditActionSettleRenewal   = "settle_renewal"
	AuditActionStartPayout     = "start_payout"
	AuditActionMarkPaid        = "mark_paid"
	AuditActionFailPayout      = "fail_payout"
	AuditActionRetryPayout     = "retry_payout"
	AuditActionApplyHold       = "apply_hold"
	AuditActionOpenRefund      = "open_refund"
	AuditActionStartReview     = "start_review"
	AuditActionForwardToSeller = "forward_to_seller"
	AuditActionSellerResponse  = "respond_as_seller"
	AuditActionEscalate        = "escalate"
	AuditActionAutoEscalate    = "auto_escalate"
	AuditActionDecide          = "decide"
	AuditActionCancel          = "cancel"
	AuditActionPostMessage     = "post_message"
	AuditActionComplete        = "complete_refund"
	AuditActionReconcile       = "reconcile_reversal"
	AuditActionOpenDispute     = "open_dispute"
	AuditActionResolveDispute  = "resolve_dispute"
)

// AuditEntry is append-only: it is created once and never updated or deleted.
type AuditEntry struct {
	EntryID      string          `json:"entry_id"`
	ActorID      string          `json:"actor_id"`
	ActorRole    string          `json:"actor_role"`
	Action       string          `json:"action"`
	ResourceType ResourceType    `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Reason       string          `json:"reason,omitempty"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
	Result       AuditResult     `json:"result"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

type AuditQuery struct {
	ActorID      string
	ResourceType ResourceType
	ResourceID   string
	From         *time.Time
	To           *time.Time
	Limit        int
}
