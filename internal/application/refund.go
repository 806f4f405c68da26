package application

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
)

const escalationLeaseKey = "revenue-settlement:escalation-scan"

type refundMutation func(refund domain.Refund) (domain.Refund, bool, error)

func transitionTo(to domain.RefundStatus, action string, now time.Time) refundMutation {
	return func(r domain.Refund) (domain.Refund, bool, error) {
		next, err := r.Transition(to, action, now)
		return next, err == nil, err
	}
}

// mutateRefund is the single write path for refunds: load, authorize, apply, compare-and-swap.
// Every effective change is audited once and status changes are published.
func (s *Service) mutateRefund(ctx context.Context, actor Actor, refundID, action, reason string, authorize func(domain.Refund) error, fn refundMutation) (domain.Refund, domain.Refund, error) {
	refundID = strings.TrimSpace(refundID)
	var before, result domain.Refund
	err := s.withConflictRetry(ctx, func() error {
		current, err := s.refunds.GetByID(ctx, refundID)
		if err != nil {
			return err
		}
		if authorize != nil {
			if err := authorize(current); err != nil {
				return err
			}
		}
		next, changed, err := fn(current)
		if err != nil {
			return err
		}
		before = current
		if !changed {
			result = current
			return nil
		}
		saved, err := s.refunds.Update(ctx, next, current.Version)
		if err != nil {
			return err
		}
		result = saved
		s.audit.Record(ctx, auditEntryFor(actor, action, domain.ResourceRefund, saved.RefundID, reason, current, saved))
		if current.Status != saved.Status {
			_ = s.enqueueRefundStatusChanged(ctx, actor, current.Status, saved)
			s.logger.InfoContext(ctx, "refund status changed",
				"module", "application.refund",
				"layer", "application",
				"operation", action,
				"outcome", "success",
				"refund_id", saved.RefundID,
				"from", string(current.Status),
				"to", string(saved.Status),
			)
		}
		return nil
	})
	if err != nil {
		s.recordRejection(ctx, actor, action, domain.ResourceRefund, refundID, reason, err)
		return domain.Refund{}, domain.Refund{}, err
	}
	return before, result, nil
}

func (s *Service) OpenRefund(ctx context.Context, actor Actor, input OpenRefundInput) (_ domain.Refund, err error) {
	if err := requireActor(actor); err != nil {
		return domain.Refund{}, err
	}
	reason := domain.NormalizeRefundReason(input.Reason)
	description := strings.TrimSpace(input.Description)
	transactionID := strings.TrimSpace(input.TransactionID)
	if reason == "" || description == "" || transactionID == "" || input.Amount.IsNegative() {
		return domain.Refund{}, domain.ErrInvalidInput
	}
	txn, err := s.transactions.GetByID(ctx, transactionID)
	if err != nil {
		return domain.Refund{}, err
	}
	if actor.SubjectID != txn.BuyerID && !isStaffRole(actor.Role) {
		return domain.Refund{}, domain.ErrForbidden
	}
	amount := input.Amount
	if amount.IsZero() {
		amount = txn.Amount
	}
	if amount.GreaterThan(txn.Amount) || !domain.RoundAmount(amount).Equal(amount) {
		return domain.Refund{}, domain.ErrInvalidInput
	}
	evidence := make([]domain.Evidence, 0, len(input.Evidence))
	for _, e := range input.Evidence {
		if strings.TrimSpace(e.URL) == "" {
			return domain.Refund{}, domain.ErrInvalidInput
		}
		evidence = append(evidence, domain.Evidence{Kind: strings.TrimSpace(e.Kind), URL: strings.TrimSpace(e.URL), Description: strings.TrimSpace(e.Description)})
	}

	requestHash := hashPayload(input)
	if cached, ok, err := replayIdempotent[domain.Refund](ctx, s, actor, requestHash); err != nil {
		return domain.Refund{}, err
	} else if ok {
		return cached, nil
	}
	defer s.releaseIdempotentOnError(ctx, actor.IdempotencyKey, &err)
	if live, err := s.refunds.GetLiveByTransactionID(ctx, transactionID); err == nil && live.RefundID != "" {
		return domain.Refund{}, domain.ErrConflict
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Refund{}, err
	}

	now := s.nowFn()
	refund := domain.Refund{
		RefundID:               uuid.NewString(),
		TransactionID:          txn.TransactionID,
		BuyerID:                txn.BuyerID,
		SellerID:               txn.SellerID,
		ProductID:              txn.ProductID,
		Amount:                 amount,
		Currency:               txn.Currency,
		Reason:                 reason,
		Description:            description,
		Evidence:               evidence,
		Status:                 domain.RefundPending,
		ApprovedAmount:         decimal.Zero,
		SellerResponseDeadline: now.Add(s.cfg.SellerResponseWindow),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	created, err := s.refunds.Create(ctx, refund)
	if err != nil {
		return domain.Refund{}, err
	}
	s.audit.Record(ctx, auditEntryFor(actor, domain.AuditActionOpenRefund, domain.ResourceRefund, created.RefundID, string(reason), nil, created))
	_ = s.enqueueRefundStatusChanged(ctx, actor, "", created)
	s.markShareDisputed(ctx, actor, created, now)

	if s.cfg.AutoIntake {
		if _, reviewed, err := s.mutateRefund(ctx, SystemActor(actor.RequestID), created.RefundID, domain.AuditActionStartReview, "automatic intake", nil, transitionTo(domain.RefundUnderReview, domain.AuditActionStartReview, now)); err == nil {
			created = reviewed
		}
	}
	if err := s.completeIdempotent(ctx, actor.IdempotencyKey, 201, created); err != nil {
		return domain.Refund{}, err
	}
	return created, nil
}

func (s *Service) StartReview(ctx context.Context, actor Actor, refundID string) (domain.Refund, error) {
	if err := requireStaff(actor); err != nil {
		return domain.Refund{}, err
	}
	_, out, err := s.mutateRefund(ctx, actor, refundID, domain.AuditActionStartReview, "", nil, transitionTo(domain.RefundUnderReview, domain.AuditActionStartReview, s.nowFn()))
	return out, err
}

// ForwardToSeller hands the refund to the seller. The response deadline stays the one set at
// creation and from here on drives auto-escalation.
func (s *Service) ForwardToSeller(ctx context.Context, actor Actor, refundID string) (domain.Refund, error) {
	if err := requireStaff(actor); err != nil {
		return domain.Refund{}, err
	}
	_, out, err := s.mutateRefund(ctx, actor, refundID, domain.AuditActionForwardToSeller, "", nil, transitionTo(domain.RefundSellerResponse, domain.AuditActionForwardToSeller, s.nowFn()))
	return out, err
}

func (s *Service) RespondAsSeller(ctx context.Context, actor Actor, refundID string, input SellerResponseInput) (domain.Refund, error) {
	if err := requireActor(actor); err != nil {
		return domain.Refund{}, err
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return domain.Refund{}, domain.ErrInvalidInput
	}
	now := s.nowFn()
	authorize := func(r domain.Refund) error {
		if actor.SubjectID != r.SellerID && !isStaffRole(actor.Role) {
			return domain.ErrForbidden
		}
		return nil
	}
	_, out, err := s.mutateRefund(ctx, actor, refundID, domain.AuditActionSellerResponse, content, authorize, func(r domain.Refund) (domain.Refund, bool, error) {
		next, _, err := domain.ApplySellerResponse(r, domain.SellerResponse{
			Accepted:           input.AcceptRefund,
			CounterOfferAmount: input.CounterOffer,
			Content:            content,
			RespondedAt:        now,
		})
		if err != nil {
			return r, false, err
		}
		next.Messages = append(next.Messages, domain.RefundMessage{MessageID: uuid.NewString(), SenderID: actor.SubjectID, SenderRole: domain.SenderSeller, Content: content, SentAt: now})
		return next, true, nil
	})
	return out, err
}

func (s *Service) EscalateRefund(ctx context.Context, actor Actor, refundID, reason string) (domain.Refund, error) {
	if err := requireStaff(actor); err != nil {
		return domain.Refund{}, err
	}
	now := s.nowFn()
	_, out, err := s.mutateRefund(ctx, actor, refundID, domain.AuditActionEscalate, reason, nil, func(r domain.Refund) (domain.Refund, bool, error) {
		next, err := r.Transition(domain.RefundArbitration, domain.AuditActionEscalate, now)
		if err != nil {
			return r, false, err
		}
		next.EscalationDate = &now
		return next, true, nil
	})
	return out, err
}

// Decide records the platform decision. Approvals are completed by ReconcileRefund once the
// revenue share holds are in place.
func (s *Service) Decide(ctx context.Context, actor Actor, refundID string, input DecisionInput) (domain.Refund, error) {
	if err := requireStaff(actor); err != nil {
		return domain.Refund{}, err
	}
	decision := domain.NormalizeDecision(input.Decision)
	if decision == "" || input.RefundAmount.IsNegative() {
		return domain.Refund{}, domain.ErrInvalidInput
	}
	current, err := s.refunds.GetByID(ctx, strings.TrimSpace(refundID))
	if err != nil {
		return domain.Refund{}, err
	}
	txn, err := s.transactions.GetByID(ctx, current.TransactionID)
	if err != nil {
		return domain.Refund{}, err
	}
	now := s.nowFn()
	_, out, err := s.mutateRefund(ctx, actor, refundID, domain.AuditActionDecide, string(decision)+": "+strings.TrimSpace(input.Notes), nil, func(r domain.Refund) (domain.Refund, bool, error) {
		next, err := domain.ApplyDecision(r, txn.Amount, domain.PlatformDecision{
			Decision:     decision,
			RefundAmount: input.RefundAmount,
			Reasoning:    strings.TrimSpace(input.Notes),
			DecidedBy:    actor.SubjectID,
			DecidedAt:    now,
		})
		return next, err == nil, err
	})
	if err != nil {
		return domain.Refund{}, err
	}
	switch out.Status {
	case domain.RefundRejected:
		s.resolveShareDispute(ctx, actor, out, domain.DisputeResolutionRejected, now)
	case domain.RefundCancelled:
		s.resolveShareDispute(ctx, actor, out, domain.DisputeResolutionCancelled, now)
	}
	return out, nil
}

// CancelRefund withdraws a refund on behalf of its buyer before the seller is engaged.
func (s *Service) CancelRefund(ctx context.Context, actor Actor, refundID, reason string) (domain.Refund, error) {
	if err := requireActor(actor); err != nil {
		return domain.Refund{}, err
	}
	now := s.nowFn()
	authorize := func(r domain.Refund) error {
		if actor.SubjectID != r.BuyerID {
			return domain.ErrForbidden
		}
		return nil
	}
	_, out, err := s.mutateRefund(ctx, actor, refundID, domain.AuditActionCancel, reason, authorize, func(r domain.Refund) (domain.Refund, bool, error) {
		if r.Status != domain.RefundPending && r.Status != domain.RefundUnderReview {
			return r, false, &domain.InvalidStateError{Entity: "refund", ID: r.RefundID, Action: domain.AuditActionCancel, From: string(r.Status), To: string(domain.RefundCancelled)}
		}
		next, err := r.Transition(domain.RefundCancelled, domain.AuditActionCancel, now)
		return next, err == nil, err
	})
	if err != nil {
		return domain.Refund{}, err
	}
	s.resolveShareDispute(ctx, actor, out, domain.DisputeResolutionCancelled, now)
	return out, nil
}

func (s *Service) PostMessage(ctx context.Context, actor Actor, refundID string, input MessageInput) (domain.RefundMessage, error) {
	if err := requireActor(actor); err != nil {
		return domain.RefundMessage{}, err
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return domain.RefundMessage{}, domain.ErrInvalidInput
	}
	now := s.nowFn()
	message := domain.RefundMessage{MessageID: uuid.NewString(), SenderID: actor.SubjectID, Content: content, Attachments: append([]string(nil), input.Attachments...), SentAt: now}
	authorize := func(r domain.Refund) error {
		switch {
		case actor.SubjectID == r.BuyerID:
			message.SenderRole = domain.SenderBuyer
		case actor.SubjectID == r.SellerID:
			message.SenderRole = domain.SenderSeller
		case isStaffRole(actor.Role):
			message.SenderRole = domain.SenderPlatform
		default:
			return domain.ErrForbidden
		}
		return nil
	}
	_, _, err := s.mutateRefund(ctx, actor, refundID, domain.AuditActionPostMessage, "", authorize, func(r domain.Refund) (domain.Refund, bool, error) {
		if r.Status.Terminal() {
			return r, false, &domain.InvalidStateError{Entity: "refund", ID: r.RefundID, Action: domain.AuditActionPostMessage, From: string(r.Status)}
		}
		next := r.Clone()
		next.Messages = append(next.Messages, message)
		next.UpdatedAt = now
		return next, true, nil
	})
	if err != nil {
		return domain.RefundMessage{}, err
	}
	return message, nil
}

func (s *Service) GetRefund(ctx context.Context, actor Actor, refundID string) (domain.Refund, error) {
	if err := requireActor(actor); err != nil {
		return domain.Refund{}, err
	}
	refund, err := s.refunds.GetByID(ctx, strings.TrimSpace(refundID))
	if err != nil {
		return domain.Refund{}, err
	}
	if actor.SubjectID != refund.BuyerID && actor.SubjectID != refund.SellerID && !isStaffRole(actor.Role) {
		return domain.Refund{}, domain.ErrForbidden
	}
	return refund, nil
}

// TickEscalation escalates every refund whose seller deadline has passed. Only one instance scans
// at a time when a lease is configured; a refund is escalated at most once however often it runs.
func (s *Service) TickEscalation(ctx context.Context, actor Actor) (int, error) {
	if err := requireStaff(actor); err != nil {
		return 0, err
	}
	if s.lease != nil {
		release, ok, err := s.lease.Acquire(ctx, escalationLeaseKey, s.cfg.EscalationLeaseTTL)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "escalation lease unavailable, scanning without it",
				"module", "application.refund",
				"layer", "application",
				"operation", "tick_escalation",
				"error", err,
			)
		case !ok:
			return 0, nil
		default:
			defer release(context.WithoutCancel(ctx))
		}
	}

	now := s.nowFn()
	candidates, err := s.refunds.ListEscalationCandidates(ctx, now, s.cfg.EscalationBatchSize)
	if err != nil {
		return 0, err
	}
	escalatedCount := 0
	for _, candidate := range candidates {
		escalated := false
		_, _, err := s.mutateRefund(ctx, actor, candidate.RefundID, domain.AuditActionAutoEscalate, "seller response deadline passed", nil, func(r domain.Refund) (domain.Refund, bool, error) {
			next, ok := domain.CheckAndEscalate(r, now)
			escalated = ok
			return next, ok, nil
		})
		if err != nil {
			s.logger.WarnContext(ctx, "auto escalation failed",
				"module", "application.refund",
				"layer", "application",
				"operation", "tick_escalation",
				"outcome", "failure",
				"refund_id", candidate.RefundID,
				"error", err,
			)
			continue
		}
		if escalated {
			escalatedCount++
		}
	}
	return escalatedCount, nil
}

// ReconcileRefund applies the holds of an approved refund and completes it. On failure the refund
// stays approved, the attempt is recorded and the next attempt is scheduled with backoff.
func (s *Service) ReconcileRefund(ctx context.Context, actor Actor, refundID string) (domain.Refund, error) {
	if err := requireStaff(actor); err != nil {
		return domain.Refund{}, err
	}
	refund, err := s.refunds.GetByID(ctx, strings.TrimSpace(refundID))
	if err != nil {
		return domain.Refund{}, err
	}
	switch refund.Status {
	case domain.RefundCompleted:
		return refund, nil
	case domain.RefundApproved:
	default:
		return domain.Refund{}, &domain.InvalidStateError{Entity: "refund", ID: refund.RefundID, Action: domain.AuditActionReconcile, From: string(refund.Status), To: string(domain.RefundCompleted)}
	}

	shareID, holdErr := s.applyRefundHolds(ctx, actor, refund)
	if holdErr != nil {
		return s.recordReconcileFailure(ctx, actor, refund, shareID, holdErr)
	}
	now := s.nowFn()
	_, out, err := s.mutateRefund(ctx, actor, refund.RefundID, domain.AuditActionComplete, "holds applied on "+shareID, nil, transitionTo(domain.RefundCompleted, domain.AuditActionComplete, now))
	if err != nil {
		return domain.Refund{}, err
	}
	return out, nil
}

// ReconcileApprovedRefunds retries every approved refund that is due. It returns how many completed.
func (s *Service) ReconcileApprovedRefunds(ctx context.Context) (int, error) {
	actor := SystemActor("reconcile-" + uuid.NewString())
	due, err := s.refunds.ListReconcilable(ctx, s.nowFn(), s.cfg.ReconcileBatchSize)
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, refund := range due {
		out, err := s.ReconcileRefund(ctx, actor, refund.RefundID)
		if err != nil {
			continue
		}
		if out.Status == domain.RefundCompleted {
			completed++
		}
	}
	return completed, nil
}

// applyRefundHolds places the pro-rata holds of a refund on its revenue share and marks the
// dispute refunded in the same write. Already-applied holds make this a no-op.
func (s *Service) applyRefundHolds(ctx context.Context, actor Actor, refund domain.Refund) (string, error) {
	share, err := s.revenueShares.GetByTransactionID(ctx, refund.TransactionID)
	if err != nil {
		return "", err
	}
	now := s.nowFn()
	_, err = s.mutateShare(ctx, actor, share.RevenueShareID, "", domain.AuditActionApplyHold, "refund "+refund.RefundID, func(current domain.RevenueShare) (domain.RevenueShare, bool, error) {
		if holdsApplied(current, refund.RefundID) {
			return current, false, nil
		}
		reversals, err := domain.ComputeReversal(current.Distributions, current.TotalAmount, refund.ApprovedAmount)
		if err != nil {
			return current, false, err
		}
		next, err := domain.ApplyReversal(current, reversals, refund.RefundID, now)
		if err != nil {
			return current, false, err
		}
		if resolved, ok := domain.ResolveDispute(next, refund.RefundID, domain.DisputeResolutionRefunded, now); ok {
			next = resolved
		}
		return next, true, nil
	})
	return share.RevenueShareID, err
}

func holdsApplied(share domain.RevenueShare, refundID string) bool {
	for _, line := range share.Distributions {
		for _, h := range line.Holds {
			if h.RefundID == refundID {
				return true
			}
		}
	}
	return false
}

func (s *Service) recordReconcileFailure(ctx context.Context, actor Actor, refund domain.Refund, shareID string, cause error) (domain.Refund, error) {
	now := s.nowFn()
	attempt := refund.ReversalAttempts + 1
	next := refund.Clone()
	next.ReversalAttempts = attempt
	next.LastReversalError = cause.Error()
	retryAt := now.Add(domain.ReconcileBackoff(attempt, s.cfg.ReconcileBackoffBase, s.cfg.ReconcileBackoffMax))
	next.NextReconcileAt = &retryAt
	next.UpdatedAt = now
	if _, err := s.refunds.Update(ctx, next, refund.Version); err != nil {
		s.logger.WarnContext(ctx, "reconcile bookkeeping update failed",
			"module", "application.refund",
			"layer", "application",
			"operation", domain.AuditActionReconcile,
			"refund_id", refund.RefundID,
			"error", err,
		)
	}

	entry := auditEntryFor(actor, domain.AuditActionReconcile, domain.ResourceRefund, refund.RefundID, "holds not applied", refund, next)
	entry.Result = domain.AuditFailure
	entry.ErrorDetail = cause.Error()
	s.audit.Record(ctx, entry)

	s.logger.WarnContext(ctx, "refund reversal not reconciled",
		"module", "application.refund",
		"layer", "application",
		"operation", domain.AuditActionReconcile,
		"outcome", "failure",
		"refund_id", refund.RefundID,
		"attempt", attempt,
		"next_attempt_at", retryAt,
		"error", cause,
	)
	s.raiseAlert(ctx, domain.EventReconciliationFailed, "approved refund could not be reversed on its revenue share", "warning", map[string]string{
		"refund_id":        refund.RefundID,
		"revenue_share_id": shareID,
		"attempt":          strconv.Itoa(attempt),
		"error":            cause.Error(),
	})
	return domain.Refund{}, &domain.ReconciliationError{RefundID: refund.RefundID, RevenueShareID: shareID, Attempt: attempt, Cause: cause}
}

// markShareDisputed flags the settled share while a refund is live. A refund on a transaction that
// was never settled has nothing to flag.
func (s *Service) markShareDisputed(ctx context.Context, actor Actor, refund domain.Refund, now time.Time) {
	share, err := s.revenueShares.GetByTransactionID(ctx, refund.TransactionID)
	if err != nil {
		return
	}
	_, _ = s.mutateShare(ctx, actor, share.RevenueShareID, "", domain.AuditActionOpenDispute, "refund "+refund.RefundID, func(current domain.RevenueShare) (domain.RevenueShare, bool, error) {
		if current.Dispute != nil && current.Dispute.RefundID == refund.RefundID {
			return current, false, nil
		}
		return domain.OpenDispute(current, refund.RefundID, now), true, nil
	})
}

func (s *Service) resolveShareDispute(ctx context.Context, actor Actor, refund domain.Refund, resolution string, now time.Time) {
	share, err := s.revenueShares.GetByTransactionID(ctx, refund.TransactionID)
	if err != nil {
		return
	}
	_, _ = s.mutateShare(ctx, actor, share.RevenueShareID, "", domain.AuditActionResolveDispute, "refund "+refund.RefundID+" "+resolution, func(current domain.RevenueShare) (domain.RevenueShare, bool, error) {
		next, ok := domain.ResolveDispute(current, refund.RefundID, resolution, now)
		return next, ok, nil
	})
}
