package application

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
)

type shareMutation func(share domain.RevenueShare) (domain.RevenueShare, bool, error)

// mutateShare loads a share, applies fn and writes the result with a version check, retrying
// lost races. Exactly one audit entry and one line event are written per effective change.
func (s *Service) mutateShare(ctx context.Context, actor Actor, revenueShareID, recipientID, action, reason string, fn shareMutation) (domain.RevenueShare, error) {
	revenueShareID = strings.TrimSpace(revenueShareID)
	recipientID = strings.TrimSpace(recipientID)
	var result domain.RevenueShare
	err := s.withConflictRetry(ctx, func() error {
		current, err := s.revenueShares.GetByID(ctx, revenueShareID)
		if err != nil {
			return err
		}
		next, changed, err := fn(current)
		if err != nil {
			return err
		}
		if !changed {
			result = current
			return nil
		}
		saved, err := s.revenueShares.Update(ctx, next, current.Version)
		if err != nil {
			return err
		}
		result = saved
		s.audit.Record(ctx, auditEntryFor(actor, action, domain.ResourceRevenueShare, saved.RevenueShareID, reason, current, saved))
		for _, line := range changedLines(current, saved) {
			_ = s.enqueuePayoutLineUpdated(ctx, actor, saved, line)
		}
		return nil
	})
	if err != nil {
		s.recordRejection(ctx, actor, action, domain.ResourceRevenueShare, revenueShareID, reason, err)
		s.logger.WarnContext(ctx, "revenue share update rejected",
			"module", "application.payout",
			"layer", "application",
			"operation", action,
			"outcome", "failure",
			"revenue_share_id", revenueShareID,
			"recipient_id", recipientID,
			"error", err,
		)
		return domain.RevenueShare{}, err
	}
	return result, nil
}

func changedLines(before, after domain.RevenueShare) []domain.Distribution {
	out := make([]domain.Distribution, 0, 1)
	for _, line := range after.Distributions {
		prev, ok := before.Line(line.RecipientID)
		if !ok || prev.PayoutStatus != line.PayoutStatus || prev.PayoutTransactionID != line.PayoutTransactionID || !prev.HeldAmount.Equal(line.HeldAmount) {
			out = append(out, line)
		}
	}
	return out
}

func lineOf(share domain.RevenueShare, recipientID string) (domain.Distribution, error) {
	line, ok := share.Line(recipientID)
	if !ok {
		return domain.Distribution{}, &domain.NotFoundError{Entity: "distribution_line", ID: share.RevenueShareID + "/" + strings.TrimSpace(recipientID)}
	}
	return line, nil
}

func (s *Service) StartPayout(ctx context.Context, actor Actor, revenueShareID, recipientID, payoutTransactionID string) (domain.Distribution, error) {
	if err := requireStaff(actor); err != nil {
		return domain.Distribution{}, err
	}
	now := s.nowFn()
	share, err := s.mutateShare(ctx, actor, revenueShareID, recipientID, domain.AuditActionStartPayout, "payout "+strings.TrimSpace(payoutTransactionID), func(current domain.RevenueShare) (domain.RevenueShare, bool, error) {
		return domain.StartPayout(current, recipientID, payoutTransactionID, now)
	})
	if err != nil {
		return domain.Distribution{}, err
	}
	return lineOf(share, recipientID)
}

// ConfirmPayout marks a line paid. Confirming the same provider payout twice is a no-op.
func (s *Service) ConfirmPayout(ctx context.Context, actor Actor, revenueShareID, recipientID string, info domain.PayoutInfo) (domain.Distribution, error) {
	if err := requireStaff(actor); err != nil {
		return domain.Distribution{}, err
	}
	now := s.nowFn()
	if info.PaidAt.IsZero() {
		info.PaidAt = now
	}
	if info.Amount.IsNegative() {
		return domain.Distribution{}, domain.ErrInvalidInput
	}
	share, err := s.mutateShare(ctx, actor, revenueShareID, recipientID, domain.AuditActionMarkPaid, "payout "+strings.TrimSpace(info.PayoutTransactionID), func(current domain.RevenueShare) (domain.RevenueShare, bool, error) {
		return domain.MarkPaid(current, recipientID, info, now)
	})
	if err != nil {
		return domain.Distribution{}, err
	}
	return lineOf(share, recipientID)
}

func (s *Service) FailPayout(ctx context.Context, actor Actor, revenueShareID, recipientID, reason string) (domain.Distribution, error) {
	if err := requireStaff(actor); err != nil {
		return domain.Distribution{}, err
	}
	if strings.TrimSpace(reason) == "" {
		return domain.Distribution{}, domain.ErrInvalidInput
	}
	now := s.nowFn()
	share, err := s.mutateShare(ctx, actor, revenueShareID, recipientID, domain.AuditActionFailPayout, reason, func(current domain.RevenueShare) (domain.RevenueShare, bool, error) {
		return domain.FailPayout(current, recipientID, reason, now)
	})
	if err != nil {
		return domain.Distribution{}, err
	}
	return lineOf(share, recipientID)
}

func (s *Service) RetryPayout(ctx context.Context, actor Actor, revenueShareID, recipientID string) (domain.Distribution, error) {
	if err := requireStaff(actor); err != nil {
		return domain.Distribution{}, err
	}
	now := s.nowFn()
	share, err := s.mutateShare(ctx, actor, revenueShareID, recipientID, domain.AuditActionRetryPayout, "", func(current domain.RevenueShare) (domain.RevenueShare, bool, error) {
		next, err := domain.RetryPayout(current, recipientID, s.cfg.MaxPayoutRetries, now)
		return next, err == nil, err
	})
	if err != nil {
		return domain.Distribution{}, err
	}
	return lineOf(share, recipientID)
}

// ApplyHold freezes part of a line for a refund outside the reconciliation flow.
func (s *Service) ApplyHold(ctx context.Context, actor Actor, revenueShareID, recipientID string, amount decimal.Decimal, refundID string) (domain.Distribution, error) {
	if err := requireStaff(actor); err != nil {
		return domain.Distribution{}, err
	}
	now := s.nowFn()
	share, err := s.mutateShare(ctx, actor, revenueShareID, recipientID, domain.AuditActionApplyHold, "refund "+strings.TrimSpace(refundID), func(current domain.RevenueShare) (domain.RevenueShare, bool, error) {
		return domain.ApplyHold(current, recipientID, amount, strings.TrimSpace(refundID), now)
	})
	if err != nil {
		return domain.Distribution{}, err
	}
	return lineOf(share, recipientID)
}

// ReconcilePayout asks the provider for the state of an in-flight payout. A provider that does
// not answer within the configured timeout leaves the line in processing with an unknown outcome.
func (s *Service) ReconcilePayout(ctx context.Context, actor Actor, revenueShareID, recipientID string) (PayoutOutcome, domain.Distribution, error) {
	if err := requireStaff(actor); err != nil {
		return "", domain.Distribution{}, err
	}
	share, err := s.revenueShares.GetByID(ctx, strings.TrimSpace(revenueShareID))
	if err != nil {
		return "", domain.Distribution{}, err
	}
	line, err := lineOf(share, recipientID)
	if err != nil {
		return "", domain.Distribution{}, err
	}
	switch line.PayoutStatus {
	case domain.PayoutPaid:
		return PayoutOutcomePaid, line, nil
	case domain.PayoutFailed:
		return PayoutOutcomeFailed, line, nil
	case domain.PayoutProcessing:
	default:
		return "", line, &domain.InvalidStateError{Entity: "distribution_line", ID: share.RevenueShareID + "/" + line.RecipientID, Action: "reconcile_payout", From: string(line.PayoutStatus)}
	}
	if s.provider == nil {
		return "", line, domain.ErrDependencyUnavailable
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	payout, err := s.provider.GetPayout(callCtx, line.PayoutTransactionID)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrOutcomeUnknown) {
			s.logger.WarnContext(ctx, "payout provider outcome unknown",
				"module", "application.payout",
				"layer", "application",
				"operation", "reconcile_payout",
				"outcome", "unknown",
				"revenue_share_id", share.RevenueShareID,
				"recipient_id", line.RecipientID,
				"payout_transaction_id", line.PayoutTransactionID,
				"error", err,
			)
			return PayoutOutcomeUnknown, line, nil
		}
		return "", line, err
	}

	switch payout.State {
	case ports.ProviderPayoutPaid:
		paid, err := s.ConfirmPayout(ctx, actor, share.RevenueShareID, line.RecipientID, domain.PayoutInfo{
			PayoutTransactionID: line.PayoutTransactionID,
			Amount:              payout.Amount,
			Provider:            "stripe",
			PaidAt:              payout.ArrivalAt,
		})
		return PayoutOutcomePaid, paid, err
	case ports.ProviderPayoutFailed:
		failed, err := s.FailPayout(ctx, actor, share.RevenueShareID, line.RecipientID, nonEmpty(payout.FailureMessage, "provider reported failure"))
		return PayoutOutcomeFailed, failed, err
	default:
		return PayoutOutcomeInTransit, line, nil
	}
}
