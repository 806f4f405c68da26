package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type RefundStatus string

const (
	RefundPending        RefundStatus = "pending"
	RefundUnderReview    RefundStatus = "under_review"
	RefundSellerResponse RefundStatus = "seller_response"
	RefundArbitration    RefundStatus = "arbitration"
	RefundApproved       RefundStatus = "approved"
	RefundRejected       RefundStatus = "rejected"
	RefundCompleted      RefundStatus = "completed"
	RefundCancelled      RefundStatus = "cancelled"
)

var refundTransitions = map[RefundStatus]map[RefundStatus]bool{
	RefundPending:        {RefundUnderReview: true, RefundCancelled: true},
	RefundUnderReview:    {RefundSellerResponse: true, RefundApproved: true, RefundRejected: true, RefundCancelled: true},
	RefundSellerResponse: {RefundArbitration: true, RefundApproved: true, RefundRejected: true},
	RefundArbitration:    {RefundApproved: true, RefundRejected: true, RefundCancelled: true},
	RefundApproved:       {RefundCompleted: true},
	RefundRejected:       {},
	RefundCompleted:      {},
	RefundCancelled:      {},
}

func AllRefundStatuses() []RefundStatus {
	return []RefundStatus{RefundPending, RefundUnderReview, RefundSellerResponse, RefundArbitration, RefundApproved, RefundRejected, RefundCompleted, RefundCancelled}
}

func (s RefundStatus) Valid() bool {
	_, ok := refundTransitions[s]
	return ok
}

func (s RefundStatus) Terminal() bool {
	return s == RefundCompleted || s == RefundRejected || s == RefundCancelled
}

// Live reports whether the refund still holds a claim on its transaction.
func (s RefundStatus) Live() bool {
	return s != RefundRejected && s != RefundCancelled
}

func CanTransitionRefund(from, to RefundStatus) bool {
	return refundTransitions[from][to]
}

type RefundReason string

const (
	ReasonNotAsDescribed     RefundReason = "not_as_described"
	ReasonNotWorking         RefundReason = "not_working"
	ReasonDuplicatePurchase  RefundReason = "duplicate_purchase"
	ReasonUnauthorizedCharge RefundReason = "unauthorized_charge"
	ReasonQualityIssue       RefundReason = "quality_issue"
	ReasonOther              RefundReason = "other"
)

func NormalizeRefundReason(raw string) RefundReason {
	switch r := RefundReason(strings.ToLower(strings.TrimSpace(raw))); r {
	case ReasonNotAsDescribed, ReasonNotWorking, ReasonDuplicatePurchase, ReasonUnauthorizedCharge, ReasonQualityIssue, ReasonOther:
		return r
	}
	return ""
}

type SenderRole string

const (
	SenderBuyer    SenderRole = "buyer"
	SenderSeller   SenderRole = "seller"
	SenderPlatform SenderRole = "platform"
)

type DecisionKind string

const (
	DecisionFullRefund    DecisionKind = "full_refund"
	DecisionPartialRefund DecisionKind = "partial_refund"
	DecisionReject        DecisionKind = "reject"
	DecisionCancel        DecisionKind = "cancel"
)

func NormalizeDecision(raw string) DecisionKind {
	switch d := DecisionKind(strings.ToLower(strings.TrimSpace(raw))); d {
	case DecisionFullRefund, DecisionPartialRefund, DecisionReject, DecisionCancel:
		return d
	}
	return ""
}

func (d DecisionKind) Target() RefundStatus {
	switch d {
	case DecisionFullRefund, DecisionPartialRefund:
		return RefundApproved
	case DecisionReject:
		return RefundRejected
	case DecisionCancel:
		return RefundCancelled
	}
	return ""
}

type Evidence struct {
	Kind        string `json:"kind"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

type RefundMessage struct {
	MessageID   string     `json:"message_id"`
	SenderID    string     `json:"sender_id"`
	SenderRole  SenderRole `json:"sender_role"`
	Content     string     `json:"content"`
	Attachments []string   `json:"attachments,omitempty"`
	SentAt      time.Time  `json:"sent_at"`
}

type SellerResponse struct {
	Accepted           bool             `json:"accepted"`
	CounterOfferAmount *decimal.Decimal `json:"counter_offer_amount,omitempty"`
	Content            string           `json:"content"`
	RespondedAt        time.Time        `json:"responded_at"`
}

type PlatformDecision struct {
	Decision     DecisionKind    `json:"decision"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
	Reasoning    string          `json:"reasoning"`
	DecidedBy    string          `json:"decided_by"`
	DecidedAt    time.Time       `json:"decided_at"`
}

type Refund struct {
	RefundID               string            `json:"refund_id"`
	TransactionID          string            `json:"transaction_id"`
	BuyerID                string            `json:"buyer_id"`
	SellerID               string            `json:"seller_id"`
	ProductID              string            `json:"product_id"`
	Amount                 decimal.Decimal   `json:"amount"`
	Currency               string            `json:"currency"`
	Reason                 RefundReason      `json:"reason"`
	Description            string            `json:"description"`
	Evidence               []Evidence        `json:"evidence,omitempty"`
	Status                 RefundStatus      `json:"status"`
	Messages               []RefundMessage   `json:"messages,omitempty"`
	SellerResponse         *SellerResponse   `json:"seller_response,omitempty"`
	PlatformDecision       *PlatformDecision `json:"platform_decision,omitempty"`
	ApprovedAmount         decimal.Decimal   `json:"approved_amount"`
	SellerResponseDeadline time.Time         `json:"seller_response_deadline"`
	EscalationDate         *time.Time        `json:"escalation_date,omitempty"`
	ReversalAttempts       int               `json:"reversal_attempts"`
	LastReversalError      string            `json:"last_reversal_error,omitempty"`
	NextReconcileAt        *time.Time        `json:"next_reconcile_at,omitempty"`
	CompletedAt            *time.Time        `json:"completed_at,omitempty"`
	Version                int64             `json:"version"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

func (r Refund) Clone() Refund {
	out := r
	out.Evidence = append([]Evidence(nil), r.Evidence...)
	out.Messages = make([]RefundMessage, len(r.Messages))
	for i, m := range r.Messages {
		m.Attachments = append([]string(nil), m.Attachments...)
		out.Messages[i] = m
	}
	if r.SellerResponse != nil {
		sr := *r.SellerResponse
		out.SellerResponse = &sr
	}
	if r.PlatformDecision != nil {
		pd := *r.PlatformDecision
		out.PlatformDecision = &pd
	}
	return out
}

// Transition moves the refund along the state table. The caller records the audit entry.
func (r Refund) Transition(to RefundStatus, action string, now time.Time) (Refund, error) {
	if !CanTransitionRefund(r.Status, to) {
		return r, &InvalidStateError{Entity: "refund", ID: r.RefundID, Action: action, From: string(r.Status), To: string(to)}
	}
	out := r.Clone()
	out.Status = to
	out.UpdatedAt = now
	if to == RefundCompleted {
		out.CompletedAt = &now
		out.NextReconcileAt = nil
	}
	return out, nil
}

// CheckAndEscalate moves a refund whose seller deadline has lapsed into arbitration.
// It returns false without changes for any other refund, so repeated calls are harmless.
func CheckAndEscalate(r Refund, now time.Time) (Refund, bool) {
	if r.Status != RefundSellerResponse || !now.After(r.SellerResponseDeadline) {
		return r, false
	}
	out, err := r.Transition(RefundArbitration, "auto_escalate", now)
	if err != nil {
		return r, false
	}
	out.EscalationDate = &now
	return out, true
}

// ApplySellerResponse records a seller reply. Accepting approves the requested amount; a
// counter-offer keeps the refund in seller_response until the platform acts.
func ApplySellerResponse(r Refund, resp SellerResponse) (Refund, bool, error) {
	if r.Status != RefundSellerResponse {
		return r, false, &InvalidStateError{Entity: "refund", ID: r.RefundID, Action: "respond_as_seller", From: string(r.Status)}
	}
	if resp.Accepted && resp.CounterOfferAmount != nil {
		return r, false, ErrInvalidInput
	}
	if resp.CounterOfferAmount != nil {
		offer := *resp.CounterOfferAmount
		if !offer.IsPositive() || offer.GreaterThan(r.Amount) || !RoundAmount(offer).Equal(offer) {
			return r, false, ErrInvalidInput
		}
	}
	out := r.Clone()
	out.SellerResponse = &resp
	out.UpdatedAt = resp.RespondedAt
	if !resp.Accepted {
		return out, false, nil
	}
	approved, err := out.Transition(RefundApproved, "respond_as_seller", resp.RespondedAt)
	if err != nil {
		return r, false, err
	}
	approved.ApprovedAmount = r.Amount
	approved.NextReconcileAt = &resp.RespondedAt
	return approved, true, nil
}

// ApplyDecision applies a platform decision. Decisions are accepted from under_review,
// seller_response (after a counter-offer) and arbitration; cancel is not offered once the seller
// has been engaged but not escalated.
func ApplyDecision(r Refund, transactionAmount decimal.Decimal, d PlatformDecision) (Refund, error) {
	switch r.Status {
	case RefundUnderReview, RefundSellerResponse, RefundArbitration:
	default:
		return r, &InvalidStateError{Entity: "refund", ID: r.RefundID, Action: "decide", From: string(r.Status), To: string(d.Decision.Target())}
	}
	target := d.Decision.Target()
	if target == "" {
		return r, ErrInvalidInput
	}
	switch d.Decision {
	case DecisionFullRefund:
		if d.RefundAmount.IsZero() {
			d.RefundAmount = transactionAmount
		}
	case DecisionPartialRefund:
		if !d.RefundAmount.IsPositive() {
			return r, ErrInvalidInput
		}
	default:
		d.RefundAmount = decimal.Zero
	}
	if target == RefundApproved {
		if !d.RefundAmount.IsPositive() || d.RefundAmount.GreaterThan(transactionAmount) || !RoundAmount(d.RefundAmount).Equal(d.RefundAmount) {
			return r, ErrInvalidInput
		}
	}
	out, err := r.Transition(target, "decide:"+string(d.Decision), d.DecidedAt)
	if err != nil {
		return r, err
	}
	out.PlatformDecision = &d
	if target == RefundApproved {
		out.ApprovedAmount = d.RefundAmount
		out.NextReconcileAt = &d.DecidedAt
	}
	return out, nil
}

// ReconcileBackoff returns the wait before reversal attempt number attempt+1.
func ReconcileBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
