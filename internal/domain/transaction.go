package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const AmountScale int32 = 2

var hundred = decimal.NewFromInt(100)

// RoundAmount rounds to the currency minor unit, half away from zero.
func RoundAmount(v decimal.Decimal) decimal.Decimal {
	return v.Round(AmountScale)
}

type ProductType string

const (
	ProductTypePrompt          ProductType = "prompt"
	ProductTypeBundle          ProductType = "bundle"
	ProductTypeAPISubscription ProductType = "api_subscription"
)

func (p ProductType) Valid() bool {
	switch p {
	case ProductTypePrompt, ProductTypeBundle, ProductTypeAPISubscription:
		return true
	}
	return false
}

type TransactionStatus string

const TransactionStatusCompleted TransactionStatus = "completed"

type Transaction struct {
	TransactionID  string            `json:"transaction_id"`
	BuyerID        string            `json:"buyer_id"`
	SellerID       string            `json:"seller_id"`
	ProductID      string            `json:"product_id"`
	ProductType    ProductType       `json:"product_type"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	BillingCycle   int               `json:"billing_cycle"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Status         TransactionStatus `json:"status"`
	CompletedAt    time.Time         `json:"completed_at"`
}

func ValidateTransaction(txn Transaction) error {
	if strings.TrimSpace(txn.TransactionID) == "" || strings.TrimSpace(txn.BuyerID) == "" ||
		strings.TrimSpace(txn.SellerID) == "" || strings.TrimSpace(txn.ProductID) == "" {
		return ErrInvalidInput
	}
	if !txn.ProductType.Valid() || txn.Status != TransactionStatusCompleted {
		return ErrInvalidInput
	}
	if !txn.Amount.IsPositive() || len(strings.TrimSpace(txn.Currency)) != 3 {
		return ErrInvalidInput
	}
	if txn.BillingCycle < 0 || (txn.BillingCycle > 0 && strings.TrimSpace(txn.SubscriptionID) == "") {
		return ErrInvalidInput
	}
	if !RoundAmount(txn.Amount).Equal(txn.Amount) {
		return ErrInvalidInput
	}
	return nil
}
