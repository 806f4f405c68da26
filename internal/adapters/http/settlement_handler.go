package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
)

func (h *Handler) settle(w http.ResponseWriter, r *http.Request) {
	var req contracts.SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestIDFromContext(r.Context()))
		return
	}
	txn, err := mapTransaction(req.Transaction)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	share, err := h.service.Settle(r.Context(), actorFromContext(r.Context()), application.SettleInput{Transaction: txn, Rules: mapRules(req.Rules)})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "", share)
}

func (h *Handler) settleRenewal(w http.ResponseWriter, r *http.Request) {
	var req contracts.SettleRenewalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestIDFromContext(r.Context()))
		return
	}
	txn, err := mapTransaction(req.Transaction)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	share, err := h.service.SettleRenewal(r.Context(), actorFromContext(r.Context()), application.SettleRenewalInput{Transaction: txn, OriginalTransactionID: req.OriginalTransactionID})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "", share)
}

func (h *Handler) getRevenueShare(w http.ResponseWriter, r *http.Request) {
	share, err := h.service.GetRevenueShare(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "revenue_share_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", share)
}

func (h *Handler) startPayout(w http.ResponseWriter, r *http.Request) {
	var req contracts.StartPayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestIDFromContext(r.Context()))
		return
	}
	line, err := h.service.StartPayout(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "revenue_share_id"), chi.URLParam(r, "recipient_id"), req.PayoutTransactionID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", line)
}

func (h *Handler) confirmPayout(w http.ResponseWriter, r *http.Request) {
	var req contracts.ConfirmPayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestIDFromContext(r.Context()))
		return
	}
	info := domain.PayoutInfo{
		PayoutTransactionID: strings.TrimSpace(req.PayoutTransactionID),
		Amount:              req.Amount,
		Provider:            strings.TrimSpace(req.Provider),
	}
	if req.PaidAt != "" {
		paidAt, err := time.Parse(time.RFC3339, req.PaidAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "paid_at must be RFC3339", requestIDFromContext(r.Context()))
			return
		}
		info.PaidAt = paidAt.UTC()
	}
	line, err := h.service.ConfirmPayout(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "revenue_share_id"), chi.URLParam(r, "recipient_id"), info)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", line)
}

func (h *Handler) failPayout(w http.ResponseWriter, r *http.Request) {
	var req contracts.FailPayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestIDFromContext(r.Context()))
		return
	}
	line, err := h.service.FailPayout(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "revenue_share_id"), chi.URLParam(r, "recipient_id"), strings.TrimSpace(req.Reason))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", line)
}

func (h *Handler) retryPayout(w http.ResponseWriter, r *http.Request) {
	line, err := h.service.RetryPayout(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "revenue_share_id"), chi.URLParam(r, "recipient_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", line)
}

func (h *Handler) applyHold(w http.ResponseWriter, r *http.Request) {
	var req contracts.HoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestIDFromContext(r.Context()))
		return
	}
	line, err := h.service.ApplyHold(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "revenue_share_id"), chi.URLParam(r, "recipient_id"), req.Amount, req.RefundID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", line)
}

func (h *Handler) reconcilePayout(w http.ResponseWriter, r *http.Request) {
	outcome, line, err := h.service.ReconcilePayout(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "revenue_share_id"), chi.URLParam(r, "recipient_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if outcome == application.PayoutOutcomeUnknown {
		status = http.StatusAccepted
	}
	writeSuccess(w, status, "", contracts.ReconcilePayoutResponse{Outcome: string(outcome), Line: line})
}

func mapTransaction(in contracts.TransactionRequest) (domain.Transaction, error) {
	txn := domain.Transaction{
		TransactionID:  in.TransactionID,
		BuyerID:        in.BuyerID,
		SellerID:       in.SellerID,
		ProductID:      in.ProductID,
		ProductType:    domain.ProductType(in.ProductType),
		SubscriptionID: in.SubscriptionID,
		BillingCycle:   in.BillingCycle,
		Amount:         in.Amount,
		Currency:       in.Currency,
	}
	if strings.TrimSpace(in.CompletedAt) != "" {
		completedAt, err := time.Parse(time.RFC3339, strings.TrimSpace(in.CompletedAt))
		if err != nil {
			return domain.Transaction{}, domain.ErrInvalidInput
		}
		txn.CompletedAt = completedAt.UTC()
	}
	return txn, nil
}

func mapRules(in []contracts.RuleRequest) []domain.Rule {
	out := make([]domain.Rule, 0, len(in))
	for _, item := range in {
		rule := domain.Rule{
			RecipientID:        item.RecipientID,
			Role:               domain.RecipientRole(item.Role),
			Type:               domain.DistributionType(item.Type),
			Percentage:         item.Percentage,
			FixedAmount:        item.FixedAmount,
			Usage:              item.Usage,
			PlatformFeePercent: item.PlatformFeePercent,
		}
		for _, tier := range item.Tiers {
			rule.Tiers = append(rule.Tiers, domain.Tier{MinUsage: tier.MinUsage, MaxUsage: tier.MaxUsage, CommissionRate: tier.CommissionRate})
		}
		if item.RecurringCommission != nil {
			rule.Recurring = &domain.RecurringCommission{Enabled: item.RecurringCommission.Enabled, DurationMonths: item.RecurringCommission.DurationMonths}
		}
		out = append(out, rule)
	}
	return out
}
