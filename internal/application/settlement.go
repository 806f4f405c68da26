package application

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
)

// Settle computes and persists the revenue share of a completed transaction. Settling the same
// transaction again returns the existing share.
func (s *Service) Settle(ctx context.Context, actor Actor, input SettleInput) (_ domain.RevenueShare, err error) {
	if err := requireStaff(actor); err != nil {
		return domain.RevenueShare{}, err
	}
	txn := normalizeTransaction(input.Transaction, s.nowFn())
	if err := domain.ValidateTransaction(txn); err != nil {
		return domain.RevenueShare{}, err
	}
	requestHash := hashPayload(input)
	if cached, ok, err := replayIdempotent[domain.RevenueShare](ctx, s, actor, requestHash); err != nil {
		return domain.RevenueShare{}, err
	} else if ok {
		return cached, nil
	}
	defer s.releaseIdempotentOnError(ctx, actor.IdempotencyKey, &err)
	if existing, found, err := s.existingShare(ctx, txn.TransactionID); err != nil {
		return domain.RevenueShare{}, err
	} else if found {
		return existing, s.completeIdempotent(ctx, actor.IdempotencyKey, 200, existing)
	}

	rules := normalizeRules(input.Rules)
	share, err := s.buildRevenueShare(ctx, actor, txn, rules, rules, domain.AuditActionSettle)
	if err != nil {
		return domain.RevenueShare{}, err
	}
	if err := s.completeIdempotent(ctx, actor.IdempotencyKey, 201, share); err != nil {
		return domain.RevenueShare{}, err
	}
	return share, nil
}

// SettleRenewal settles a subscription renewal against the rule snapshot of the original sale.
// Commission lines only carry over while their recurring window covers the cycle.
func (s *Service) SettleRenewal(ctx context.Context, actor Actor, input SettleRenewalInput) (_ domain.RevenueShare, err error) {
	if err := requireStaff(actor); err != nil {
		return domain.RevenueShare{}, err
	}
	txn := normalizeTransaction(input.Transaction, s.nowFn())
	if err := domain.ValidateTransaction(txn); err != nil {
		return domain.RevenueShare{}, err
	}
	originalID := strings.TrimSpace(input.OriginalTransactionID)
	if txn.BillingCycle < 1 || originalID == "" || originalID == txn.TransactionID {
		return domain.RevenueShare{}, domain.ErrInvalidInput
	}
	requestHash := hashPayload(input)
	if cached, ok, err := replayIdempotent[domain.RevenueShare](ctx, s, actor, requestHash); err != nil {
		return domain.RevenueShare{}, err
	} else if ok {
		return cached, nil
	}
	defer s.releaseIdempotentOnError(ctx, actor.IdempotencyKey, &err)
	original, err := s.revenueShares.GetByTransactionID(ctx, originalID)
	if err != nil {
		return domain.RevenueShare{}, err
	}
	if original.SubscriptionID != "" && original.SubscriptionID != txn.SubscriptionID {
		return domain.RevenueShare{}, domain.ErrInvalidInput
	}
	if existing, found, err := s.existingShare(ctx, txn.TransactionID); err != nil {
		return domain.RevenueShare{}, err
	} else if found {
		return existing, s.completeIdempotent(ctx, actor.IdempotencyKey, 200, existing)
	}

	rules := domain.RulesForCycle(original.RuleSnapshot, txn.BillingCycle)
	share, err := s.buildRevenueShare(ctx, actor, txn, rules, original.RuleSnapshot, domain.AuditActionSettleRenewal)
	if err != nil {
		return domain.RevenueShare{}, err
	}
	if err := s.completeIdempotent(ctx, actor.IdempotencyKey, 201, share); err != nil {
		return domain.RevenueShare{}, err
	}
	return share, nil
}

func (s *Service) GetRevenueShare(ctx context.Context, actor Actor, revenueShareID string) (domain.RevenueShare, error) {
	if err := requireActor(actor); err != nil {
		return domain.RevenueShare{}, err
	}
	share, err := s.revenueShares.GetByID(ctx, strings.TrimSpace(revenueShareID))
	if err != nil {
		return domain.RevenueShare{}, err
	}
	if !isStaffRole(actor.Role) && share.LineIndex(actor.SubjectID) < 0 {
		return domain.RevenueShare{}, domain.ErrForbidden
	}
	return share, nil
}

func (s *Service) buildRevenueShare(ctx context.Context, actor Actor, txn domain.Transaction, rules, snapshotRules []domain.Rule, action string) (domain.RevenueShare, error) {
	lines, err := domain.ComputeDistribution(txn.Amount, txn.Currency, rules, s.cfg.Distribution)
	if err != nil {
		s.logger.WarnContext(ctx, "distribution rejected",
			"module", "application.settlement",
			"layer", "application",
			"operation", action,
			"outcome", "rejected",
			"transaction_id", txn.TransactionID,
			"error", err,
		)
		s.recordRejection(ctx, actor, action, domain.ResourceTransaction, txn.TransactionID, "distribution rejected", err)
		return domain.RevenueShare{}, err
	}

	if err := s.transactions.Create(ctx, txn); err != nil && !errors.Is(err, domain.ErrConflict) {
		return domain.RevenueShare{}, err
	}
	now := s.nowFn()
	share := domain.RevenueShare{
		RevenueShareID:   uuid.NewString(),
		TransactionID:    txn.TransactionID,
		SubscriptionID:   txn.SubscriptionID,
		BillingCycle:     txn.BillingCycle,
		TotalAmount:      txn.Amount,
		Currency:         txn.Currency,
		Distributions:    lines,
		RuleSnapshot:     snapshotRules,
		SettlementStatus: domain.SettlementPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	share.RefreshSettlementStatus()

	created, err := s.revenueShares.Create(ctx, share)
	if errors.Is(err, domain.ErrConflict) {
		return s.revenueShares.GetByTransactionID(ctx, txn.TransactionID)
	}
	if err != nil {
		return domain.RevenueShare{}, err
	}
	s.audit.Record(ctx, auditEntryFor(actor, action, domain.ResourceRevenueShare, created.RevenueShareID, "transaction "+txn.TransactionID, nil, created))
	_ = s.enqueueRevenueShareSettled(ctx, actor, created)
	s.logger.InfoContext(ctx, "revenue share settled",
		"module", "application.settlement",
		"layer", "application",
		"operation", action,
		"outcome", "success",
		"revenue_share_id", created.RevenueShareID,
		"transaction_id", created.TransactionID,
		"lines", len(created.Distributions),
	)
	return created, nil
}

func (s *Service) existingShare(ctx context.Context, transactionID string) (domain.RevenueShare, bool, error) {
	existing, err := s.revenueShares.GetByTransactionID(ctx, transactionID)
	if err == nil {
		return existing, true, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return domain.RevenueShare{}, false, nil
	}
	return domain.RevenueShare{}, false, err
}

func normalizeTransaction(in domain.Transaction, now time.Time) domain.Transaction {
	out := in
	out.TransactionID = strings.TrimSpace(in.TransactionID)
	out.BuyerID = strings.TrimSpace(in.BuyerID)
	out.SellerID = strings.TrimSpace(in.SellerID)
	out.ProductID = strings.TrimSpace(in.ProductID)
	out.SubscriptionID = strings.TrimSpace(in.SubscriptionID)
	out.ProductType = domain.ProductType(strings.ToLower(strings.TrimSpace(string(in.ProductType))))
	out.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if out.Status == "" {
		out.Status = domain.TransactionStatusCompleted
	}
	if out.CompletedAt.IsZero() {
		out.CompletedAt = now
	}
	return out
}

func normalizeRules(in []domain.Rule) []domain.Rule {
	out := make([]domain.Rule, 0, len(in))
	for _, rule := range in {
		rule.RecipientID = strings.TrimSpace(rule.RecipientID)
		rule.Role = domain.RecipientRole(strings.ToLower(strings.TrimSpace(string(rule.Role))))
		rule.Type = domain.DistributionType(strings.ToLower(strings.TrimSpace(string(rule.Type))))
		rule.Tiers = append([]domain.Tier(nil), rule.Tiers...)
		out = append(out, rule)
	}
	return out
}
