package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"gorm.io/datatypes"
)

func jsonColumn(v any) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// nullableJSON keeps absent optional values as SQL NULL.
func nullableJSON[T any](v *T) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	return jsonColumn(v)
}

func decodeJSON[T any](raw datatypes.JSON, column string) (T, error) {
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", column, err)
	}
	return out, nil
}

func toTransactionModel(row domain.Transaction) transactionModel {
	return transactionModel{
		TransactionID:  row.TransactionID,
		BuyerID:        row.BuyerID,
		SellerID:       row.SellerID,
		ProductID:      row.ProductID,
		ProductType:    string(row.ProductType),
		SubscriptionID: row.SubscriptionID,
		BillingCycle:   row.BillingCycle,
		Amount:         row.Amount,
		Currency:       row.Currency,
		Status:         string(row.Status),
		CompletedAt:    row.CompletedAt,
	}
}

func toDomainTransaction(rec transactionModel) domain.Transaction {
	return domain.Transaction{
		TransactionID:  rec.TransactionID,
		BuyerID:        rec.BuyerID,
		SellerID:       rec.SellerID,
		ProductID:      rec.ProductID,
		ProductType:    domain.ProductType(rec.ProductType),
		SubscriptionID: rec.SubscriptionID,
		BillingCycle:   rec.BillingCycle,
		Amount:         rec.Amount,
		Currency:       rec.Currency,
		Status:         domain.TransactionStatus(rec.Status),
		CompletedAt:    rec.CompletedAt.UTC(),
	}
}

func toRevenueShareModel(row domain.RevenueShare) (revenueShareModel, error) {
	lines, err := jsonColumn(row.Distributions)
	if err != nil {
		return revenueShareModel{}, err
	}
	rules, err := jsonColumn(row.RuleSnapshot)
	if err != nil {
		return revenueShareModel{}, err
	}
	dispute, err := nullableJSON(row.Dispute)
	if err != nil {
		return revenueShareModel{}, err
	}
	return revenueShareModel{
		RevenueShareID:   row.RevenueShareID,
		TransactionID:    row.TransactionID,
		SubscriptionID:   row.SubscriptionID,
		BillingCycle:     row.BillingCycle,
		TotalAmount:      row.TotalAmount,
		Currency:         row.Currency,
		Distributions:    lines,
		RuleSnapshot:     rules,
		SettlementStatus: string(row.SettlementStatus),
		Dispute:          dispute,
		Version:          row.Version,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}, nil
}

func toDomainRevenueShare(rec revenueShareModel) (domain.RevenueShare, error) {
	lines, err := decodeJSON[[]domain.Distribution](rec.Distributions, "distributions")
	if err != nil {
		return domain.RevenueShare{}, err
	}
	rules, err := decodeJSON[[]domain.Rule](rec.RuleSnapshot, "rule_snapshot")
	if err != nil {
		return domain.RevenueShare{}, err
	}
	dispute, err := decodeJSON[*domain.DisputeInfo](rec.Dispute, "dispute")
	if err != nil {
		return domain.RevenueShare{}, err
	}
	return domain.RevenueShare{
		RevenueShareID:   rec.RevenueShareID,
		TransactionID:    rec.TransactionID,
		SubscriptionID:   rec.SubscriptionID,
		BillingCycle:     rec.BillingCycle,
		TotalAmount:      rec.TotalAmount,
		Currency:         rec.Currency,
		Distributions:    lines,
		RuleSnapshot:     rules,
		SettlementStatus: domain.SettlementStatus(rec.SettlementStatus),
		Dispute:          dispute,
		Version:          rec.Version,
		CreatedAt:        rec.CreatedAt.UTC(),
		UpdatedAt:        rec.UpdatedAt.UTC(),
	}, nil
}

func toRefundModel(row domain.Refund) (refundModel, error) {
	evidence, err := jsonColumn(nonNilSlice(row.Evidence))
	if err != nil {
		return refundModel{}, err
	}
	messages, err := jsonColumn(nonNilSlice(row.Messages))
	if err != nil {
		return refundModel{}, err
	}
	sellerResponse, err := nullableJSON(row.SellerResponse)
	if err != nil {
		return refundModel{}, err
	}
	decision, err := nullableJSON(row.PlatformDecision)
	if err != nil {
		return refundModel{}, err
	}
	return refundModel{
		RefundID:               row.RefundID,
		TransactionID:          row.TransactionID,
		BuyerID:                row.BuyerID,
		SellerID:               row.SellerID,
		ProductID:              row.ProductID,
		Amount:                 row.Amount,
		Currency:               row.Currency,
		Reason:                 string(row.Reason),
		Description:            row.Description,
		Evidence:               evidence,
		Status:                 string(row.Status),
		Messages:               messages,
		SellerResponse:         sellerResponse,
		PlatformDecision:       decision,
		ApprovedAmount:         row.ApprovedAmount,
		SellerResponseDeadline: row.SellerResponseDeadline,
		EscalationDate:         row.EscalationDate,
		ReversalAttempts:       row.ReversalAttempts,
		LastReversalError:      row.LastReversalError,
		NextReconcileAt:        row.NextReconcileAt,
		CompletedAt:            row.CompletedAt,
		Version:                row.Version,
		CreatedAt:              row.CreatedAt,
		UpdatedAt:              row.UpdatedAt,
	}, nil
}

func toDomainRefund(rec refundModel) (domain.Refund, error) {
	evidence, err := decodeJSON[[]domain.Evidence](rec.Evidence, "evidence")
	if err != nil {
		return domain.Refund{}, err
	}
	messages, err := decodeJSON[[]domain.RefundMessage](rec.Messages, "messages")
	if err != nil {
		return domain.Refund{}, err
	}
	sellerResponse, err := decodeJSON[*domain.SellerResponse](rec.SellerResponse, "seller_response")
	if err != nil {
		return domain.Refund{}, err
	}
	decision, err := decodeJSON[*domain.PlatformDecision](rec.PlatformDecision, "platform_decision")
	if err != nil {
		return domain.Refund{}, err
	}
	return domain.Refund{
		RefundID:               rec.RefundID,
		TransactionID:          rec.TransactionID,
		BuyerID:                rec.BuyerID,
		SellerID:               rec.SellerID,
		ProductID:              rec.ProductID,
		Amount:                 rec.Amount,
		Currency:               rec.Currency,
		Reason:                 domain.RefundReason(rec.Reason),
		Description:            rec.Description,
		Evidence:               evidence,
		Status:                 domain.RefundStatus(rec.Status),
		Messages:               messages,
		SellerResponse:         sellerResponse,
		PlatformDecision:       decision,
		ApprovedAmount:         rec.ApprovedAmount,
		SellerResponseDeadline: rec.SellerResponseDeadline.UTC(),
		EscalationDate:         utcPtr(rec.EscalationDate),
		ReversalAttempts:       rec.ReversalAttempts,
		LastReversalError:      rec.LastReversalError,
		NextReconcileAt:        utcPtr(rec.NextReconcileAt),
		CompletedAt:            utcPtr(rec.CompletedAt),
		Version:                rec.Version,
		CreatedAt:              rec.CreatedAt.UTC(),
		UpdatedAt:              rec.UpdatedAt.UTC(),
	}, nil
}

func toAuditEntryModel(entry domain.AuditEntry) auditEntryModel {
	return auditEntryModel{
		EntryID:      entry.EntryID,
		ActorID:      entry.ActorID,
		ActorRole:    entry.ActorRole,
		Action:       entry.Action,
		ResourceType: string(entry.ResourceType),
		ResourceID:   entry.ResourceID,
		Reason:       entry.Reason,
		BeforeState:  datatypes.JSON(entry.Before),
		AfterState:   datatypes.JSON(entry.After),
		Result:       string(entry.Result),
		ErrorDetail:  entry.ErrorDetail,
		OccurredAt:   entry.OccurredAt,
	}
}

func toDomainAuditEntry(rec auditEntryModel) domain.AuditEntry {
	return domain.AuditEntry{
		EntryID:      rec.EntryID,
		ActorID:      rec.ActorID,
		ActorRole:    rec.ActorRole,
		Action:       rec.Action,
		ResourceType: domain.ResourceType(rec.ResourceType),
		ResourceID:   rec.ResourceID,
		Reason:       rec.Reason,
		Before:       json.RawMessage(rec.BeforeState),
		After:        json.RawMessage(rec.AfterState),
		Result:       domain.AuditResult(rec.Result),
		ErrorDetail:  rec.ErrorDetail,
		OccurredAt:   rec.OccurredAt.UTC(),
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
