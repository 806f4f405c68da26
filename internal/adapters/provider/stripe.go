package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/payout"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
)

// StripePayouts reads payout state from Stripe. Amounts come back in minor units and are
// converted with two decimal places.
type StripePayouts struct {
	get func(id string, params *stripe.PayoutParams) (*stripe.Payout, error)
}

func NewStripePayouts(secretKey string) (*StripePayouts, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	stripe.Key = secretKey
	return &StripePayouts{get: payout.Get}, nil
}

func (p *StripePayouts) GetPayout(ctx context.Context, payoutTransactionID string) (ports.ProviderPayout, error) {
	id := strings.TrimSpace(payoutTransactionID)
	if id == "" {
		return ports.ProviderPayout{}, domain.ErrInvalidInput
	}
	params := &stripe.PayoutParams{Params: stripe.Params{Context: ctx}}

	type result struct {
		payout *stripe.Payout
		err    error
	}
	done := make(chan result, 1)
	go func() {
		po, err := p.get(id, params)
		done <- result{payout: po, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return ports.ProviderPayout{}, fmt.Errorf("%w: %v", domain.ErrOutcomeUnknown, ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return ports.ProviderPayout{}, mapStripeError(id, res.err)
	}
	return toProviderPayout(res.payout), nil
}

func toProviderPayout(po *stripe.Payout) ports.ProviderPayout {
	out := ports.ProviderPayout{
		PayoutTransactionID: po.ID,
		Amount:              decimal.New(po.Amount, -2),
		Currency:            strings.ToUpper(string(po.Currency)),
		FailureMessage:      po.FailureMessage,
	}
	if po.ArrivalDate > 0 {
		out.ArrivalAt = time.Unix(po.ArrivalDate, 0).UTC()
	}
	switch po.Status {
	case stripe.PayoutStatusPaid:
		out.State = ports.ProviderPayoutPaid
	case stripe.PayoutStatusFailed, stripe.PayoutStatusCanceled:
		out.State = ports.ProviderPayoutFailed
		if out.FailureMessage == "" {
			out.FailureMessage = "payout " + string(po.Status)
		}
	default:
		out.State = ports.ProviderPayoutInTransit
	}
	return out
}

func mapStripeError(id string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", domain.ErrOutcomeUnknown, err)
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == http.StatusNotFound:
			return &domain.NotFoundError{Entity: "payout", ID: id}
		case stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", domain.ErrOutcomeUnknown, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrDependencyUnavailable, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrOutcomeUnknown, err)
}
