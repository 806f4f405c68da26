package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
	ErrNotFound              = errors.New("resource not found")
	ErrConflict              = errors.New("conflict")
	ErrIdempotencyConflict   = errors.New("idempotency conflict")
	ErrInvalidEnvelope       = errors.New("invalid event envelope")
	ErrUnsupportedEventType  = errors.New("unsupported event type")
	ErrUnsupportedEventClass = errors.New("unsupported event class")
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	ErrRuleViolation          = errors.New("distribution rule violation")
	ErrDistributionMismatch   = errors.New("distribution does not balance")
	ErrInvalidState           = errors.New("invalid state transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrReconciliation         = errors.New("reversal not yet reconciled")
	ErrInsufficientBalance    = errors.New("insufficient balance for hold")
	ErrOutcomeUnknown         = errors.New("payout outcome unknown")
)

// RuleError reports a malformed distribution rule. Nothing is persisted when it is returned.
type RuleError struct {
	RecipientID string
	Index       int
	Reason      string
}

func (e *RuleError) Error() string {
	if e.RecipientID == "" {
		return fmt.Sprintf("distribution rule %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("distribution rule %d (recipient %s): %s", e.Index, e.RecipientID, e.Reason)
}

func (e *RuleError) Is(target error) bool { return target == ErrRuleViolation }

type DistributionMismatchError struct {
	Total      decimal.Decimal
	Sum        decimal.Decimal
	Difference decimal.Decimal
	Epsilon    decimal.Decimal
}

func (e *DistributionMismatchError) Error() string {
	return fmt.Sprintf("distribution mismatch: total=%s sum=%s difference=%s epsilon=%s",
		e.Total.StringFixed(2), e.Sum.StringFixed(2), e.Difference.StringFixed(2), e.Epsilon.String())
}

func (e *DistributionMismatchError) Is(target error) bool { return target == ErrDistributionMismatch }

type InvalidStateError struct {
	Entity string
	ID     string
	Action string
	From   string
	To     string
}

func (e *InvalidStateError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("%s %s: %s not allowed in status %s", e.Entity, e.ID, e.Action, e.From)
	}
	return fmt.Sprintf("%s %s: %s cannot move %s -> %s", e.Entity, e.ID, e.Action, e.From, e.To)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

type ConcurrentModificationError struct {
	Entity          string
	ID              string
	ExpectedVersion int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("%s %s modified concurrently (expected version %d)", e.Entity, e.ID, e.ExpectedVersion)
}

func (e *ConcurrentModificationError) Is(target error) bool {
	return target == ErrConcurrentModification || target == ErrConflict
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ReconciliationError means a refund is approved but its reversal has not been applied yet.
type ReconciliationError struct {
	RefundID       string
	RevenueShareID string
	Attempt        int
	Cause          error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("refund %s reversal on revenue share %s failed (attempt %d): %v", e.RefundID, e.RevenueShareID, e.Attempt, e.Cause)
}

func (e *ReconciliationError) Is(target error) bool { return target == ErrReconciliation }

func (e *ReconciliationError) Unwrap() error { return e.Cause }

type InsufficientBalanceError struct {
	RevenueShareID string
	RecipientID    string
	Requested      decimal.Decimal
	Available      decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("revenue share %s recipient %s: hold %s exceeds available %s",
		e.RevenueShareID, e.RecipientID, e.Requested.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }
