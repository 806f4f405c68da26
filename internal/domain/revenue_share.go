package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutPaid       PayoutStatus = "paid"
	PayoutFailed     PayoutStatus = "failed"
	PayoutOnHold     PayoutStatus = "on_hold"
)

type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "pending"
	SettlementInProgress SettlementStatus = "in_progress"
	SettlementCompleted  SettlementStatus = "completed"
	SettlementDisputed   SettlementStatus = "disputed"
)

const (
	DisputeResolutionRefunded  = "refunded"
	DisputeResolutionRejected  = "rejected"
	DisputeResolutionCancelled = "cancelled"
)

var payoutTransitions = map[PayoutStatus]map[PayoutStatus]bool{
	PayoutPending:    {PayoutProcessing: true, PayoutFailed: true, PayoutOnHold: true},
	PayoutProcessing: {PayoutPaid: true, PayoutFailed: true, PayoutOnHold: true},
	PayoutFailed:     {PayoutPending: true},
	PayoutPaid:       {},
	PayoutOnHold:     {},
}

type Hold struct {
	RefundID  string          `json:"refund_id"`
	Amount    decimal.Decimal `json:"amount"`
	AppliedAt time.Time       `json:"applied_at"`
}

type DisputeInfo struct {
	RefundID   string     `json:"refund_id"`
	OpenedAt   time.Time  `json:"opened_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
}

type RevenueShare struct {
	RevenueShareID   string           `json:"revenue_share_id"`
	TransactionID    string           `json:"transaction_id"`
	SubscriptionID   string           `json:"subscription_id,omitempty"`
	BillingCycle     int              `json:"billing_cycle"`
	TotalAmount      decimal.Decimal  `json:"total_amount"`
	Currency         string           `json:"currency"`
	Distributions    []Distribution   `json:"distributions"`
	RuleSnapshot     []Rule           `json:"rule_snapshot"`
	SettlementStatus SettlementStatus `json:"settlement_status"`
	Dispute          *DisputeInfo     `json:"dispute,omitempty"`
	Version          int64            `json:"version"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

type PayoutInfo struct {
	PayoutTransactionID string          `json:"payout_transaction_id"`
	Amount              decimal.Decimal `json:"amount"`
	Provider            string          `json:"provider,omitempty"`
	PaidAt              time.Time       `json:"paid_at"`
}

func ValidatePayoutTransition(from, to PayoutStatus) bool {
	return payoutTransitions[from][to]
}

// Clone copies the share deeply enough that mutating lines never aliases the original.
func (s RevenueShare) Clone() RevenueShare {
	out := s
	out.Distributions = make([]Distribution, len(s.Distributions))
	for i, line := range s.Distributions {
		line.Holds = append([]Hold(nil), line.Holds...)
		if line.PaidAt != nil {
			paidAt := *line.PaidAt
			line.PaidAt = &paidAt
		}
		if line.MatchedTier != nil {
			tier := *line.MatchedTier
			line.MatchedTier = &tier
		}
		out.Distributions[i] = line
	}
	out.RuleSnapshot = append([]Rule(nil), s.RuleSnapshot...)
	if s.Dispute != nil {
		d := *s.Dispute
		out.Dispute = &d
	}
	return out
}

func (s RevenueShare) LineIndex(recipientID string) int {
	id := strings.TrimSpace(recipientID)
	for i, line := range s.Distributions {
		if line.RecipientID == id {
			return i
		}
	}
	return -1
}

func (s RevenueShare) Line(recipientID string) (Distribution, bool) {
	idx := s.LineIndex(recipientID)
	if idx < 0 {
		return Distribution{}, false
	}
	return s.Distributions[idx], true
}

func (s RevenueShare) lineOrNotFound(recipientID string) (int, error) {
	idx := s.LineIndex(recipientID)
	if idx < 0 {
		return -1, &NotFoundError{Entity: "distribution_line", ID: s.RevenueShareID + "/" + strings.TrimSpace(recipientID)}
	}
	return idx, nil
}

func (s *RevenueShare) moveLine(idx int, to PayoutStatus, action string) error {
	line := &s.Distributions[idx]
	if !ValidatePayoutTransition(line.PayoutStatus, to) {
		return &InvalidStateError{Entity: "distribution_line", ID: s.RevenueShareID + "/" + line.RecipientID, Action: action, From: string(line.PayoutStatus), To: string(to)}
	}
	line.PayoutStatus = to
	return nil
}

// RefreshSettlementStatus derives the share status from its dispute and line states.
func (s *RevenueShare) RefreshSettlementStatus() {
	if s.Dispute != nil && (s.Dispute.ResolvedAt == nil || s.Dispute.Resolution == DisputeResolutionRefunded) {
		s.SettlementStatus = SettlementDisputed
		return
	}
	for _, line := range s.Distributions {
		if line.PayoutStatus != PayoutPaid {
			s.SettlementStatus = SettlementInProgress
			return
		}
	}
	s.SettlementStatus = SettlementCompleted
}

// MarkPaid records a confirmed provider payout. A repeat with the same payout transaction id
// returns changed=false and leaves the share untouched.
func MarkPaid(share RevenueShare, recipientID string, info PayoutInfo, now time.Time) (RevenueShare, bool, error) {
	payoutID := strings.TrimSpace(info.PayoutTransactionID)
	if payoutID == "" {
		return share, false, ErrInvalidInput
	}
	idx, err := share.lineOrNotFound(recipientID)
	if err != nil {
		return share, false, err
	}
	current := share.Distributions[idx]
	if current.PayoutStatus == PayoutPaid {
		if current.PayoutTransactionID == payoutID {
			return share, false, nil
		}
		return share, false, &InvalidStateError{Entity: "distribution_line", ID: share.RevenueShareID + "/" + current.RecipientID, Action: "mark_paid", From: string(PayoutPaid), To: string(PayoutPaid)}
	}

	out := share.Clone()
	if current.PayoutStatus == PayoutPending {
		if err := out.moveLine(idx, PayoutProcessing, "mark_paid"); err != nil {
			return share, false, err
		}
	}
	if err := out.moveLine(idx, PayoutPaid, "mark_paid"); err != nil {
		return share, false, err
	}
	line := &out.Distributions[idx]
	line.PayoutTransactionID = payoutID
	line.PaidAmount = line.NetAmount
	if info.Amount.IsPositive() {
		line.PaidAmount = info.Amount
	}
	paidAt := info.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}
	line.PaidAt = &paidAt
	line.FailureReason = ""
	out.RefreshSettlementStatus()
	out.UpdatedAt = now
	return out, true, nil
}

// StartPayout moves a line to processing once a provider payout has been initiated.
func StartPayout(share RevenueShare, recipientID, payoutTransactionID string, now time.Time) (RevenueShare, bool, error) {
	payoutID := strings.TrimSpace(payoutTransactionID)
	if payoutID == "" {
		return share, false, ErrInvalidInput
	}
	idx, err := share.lineOrNotFound(recipientID)
	if err != nil {
		return share, false, err
	}
	if line := share.Distributions[idx]; line.PayoutStatus == PayoutProcessing && line.PayoutTransactionID == payoutID {
		return share, false, nil
	}
	out := share.Clone()
	if err := out.moveLine(idx, PayoutProcessing, "start_payout"); err != nil {
		return share, false, err
	}
	out.Distributions[idx].PayoutTransactionID = payoutID
	out.UpdatedAt = now
	return out, true, nil
}

func FailPayout(share RevenueShare, recipientID, reason string, now time.Time) (RevenueShare, bool, error) {
	idx, err := share.lineOrNotFound(recipientID)
	if err != nil {
		return share, false, err
	}
	if share.Distributions[idx].PayoutStatus == PayoutFailed {
		return share, false, nil
	}
	out := share.Clone()
	if err := out.moveLine(idx, PayoutFailed, "fail_payout"); err != nil {
		return share, false, err
	}
	out.Distributions[idx].FailureReason = strings.TrimSpace(reason)
	out.RefreshSettlementStatus()
	out.UpdatedAt = now
	return out, true, nil
}

// RetryPayout returns a failed line to pending. maxRetries <= 0 means unbounded.
func RetryPayout(share RevenueShare, recipientID string, maxRetries int, now time.Time) (RevenueShare, error) {
	idx, err := share.lineOrNotFound(recipientID)
	if err != nil {
		return share, err
	}
	line := share.Distributions[idx]
	if maxRetries > 0 && line.RetryCount >= maxRetries {
		return share, &InvalidStateError{Entity: "distribution_line", ID: share.RevenueShareID + "/" + line.RecipientID, Action: "retry_payout (retries exhausted)", From: string(line.PayoutStatus)}
	}
	out := share.Clone()
	if err := out.moveLine(idx, PayoutPending, "retry_payout"); err != nil {
		return share, err
	}
	retried := &out.Distributions[idx]
	retried.RetryCount++
	retried.PayoutTransactionID = ""
	out.UpdatedAt = now
	return out, nil
}

// ApplyHold freezes amount on a line for a refund. Net figures are never modified; the hold is
// tracked in HeldAmount. Applying the same refund's hold twice is a no-op.
func ApplyHold(share RevenueShare, recipientID string, amount decimal.Decimal, refundID string, now time.Time) (RevenueShare, bool, error) {
	if !amount.IsPositive() || strings.TrimSpace(refundID) == "" {
		return share, false, ErrInvalidInput
	}
	idx, err := share.lineOrNotFound(recipientID)
	if err != nil {
		return share, false, err
	}
	line := share.Distributions[idx]
	for _, h := range line.Holds {
		if h.RefundID == refundID {
			return share, false, nil
		}
	}
	available := line.NetAmount.Sub(line.HeldAmount)
	switch line.PayoutStatus {
	case PayoutPaid:
		available = decimal.Zero
	case PayoutFailed:
		return share, false, &InvalidStateError{Entity: "distribution_line", ID: share.RevenueShareID + "/" + line.RecipientID, Action: "apply_hold", From: string(line.PayoutStatus), To: string(PayoutOnHold)}
	}
	if amount.GreaterThan(available) {
		return share, false, &InsufficientBalanceError{RevenueShareID: share.RevenueShareID, RecipientID: line.RecipientID, Requested: amount, Available: available}
	}

	out := share.Clone()
	if line.PayoutStatus != PayoutOnHold {
		if err := out.moveLine(idx, PayoutOnHold, "apply_hold"); err != nil {
			return share, false, err
		}
	}
	held := &out.Distributions[idx]
	held.HeldAmount = held.HeldAmount.Add(amount)
	held.Holds = append(held.Holds, Hold{RefundID: refundID, Amount: amount, AppliedAt: now})
	out.UpdatedAt = now
	return out, true, nil
}

// ApplyReversal places every hold of a refund or none of them.
func ApplyReversal(share RevenueShare, reversals []Reversal, refundID string, now time.Time) (RevenueShare, error) {
	out := share
	for _, rev := range reversals {
		if !rev.Amount.IsPositive() {
			continue
		}
		next, _, err := ApplyHold(out, rev.RecipientID, rev.Amount, refundID, now)
		if err != nil {
			return share, err
		}
		out = next
	}
	return out, nil
}

func OpenDispute(share RevenueShare, refundID string, now time.Time) RevenueShare {
	out := share.Clone()
	out.Dispute = &DisputeInfo{RefundID: refundID, OpenedAt: now}
	out.RefreshSettlementStatus()
	out.UpdatedAt = now
	return out
}

func ResolveDispute(share RevenueShare, refundID, resolution string, now time.Time) (RevenueShare, bool) {
	if share.Dispute == nil || share.Dispute.RefundID != refundID || share.Dispute.ResolvedAt != nil {
		return share, false
	}
	out := share.Clone()
	out.Dispute.ResolvedAt = &now
	out.Dispute.Resolution = resolution
	out.RefreshSettlementStatus()
	out.UpdatedAt = now
	return out, true
}
