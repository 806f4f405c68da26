package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
)

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func sampleShare(t *testing.T) domain.RevenueShare {
	t.Helper()
	lines, err := domain.ComputeDistribution(d("100.00"), "USD", []domain.Rule{
		pct("seller-1", domain.RoleSeller, "70"),
		pct("platform", domain.RolePlatform, "30"),
	}, domain.DefaultDistributionPolicy())
	if err != nil {
		t.Fatalf("compute distribution: %v", err)
	}
	share := domain.RevenueShare{
		RevenueShareID: "rs-1",
		TransactionID:  "txn-1",
		TotalAmount:    d("100.00"),
		Currency:       "USD",
		Distributions:  lines,
		Version:        1,
	}
	share.RefreshSettlementStatus()
	return share
}

func TestRefreshSettlementStatusInProgressUntilAllPaid(t *testing.T) {
	t.Parallel()
	share := sampleShare(t)
	if share.SettlementStatus != domain.SettlementInProgress {
		t.Fatalf("expected in_progress, got %s", share.SettlementStatus)
	}
	var err error
	share, _, err = domain.MarkPaid(share, "seller-1", domain.PayoutInfo{PayoutTransactionID: "po_1"}, fixedNow)
	if err != nil {
		t.Fatalf("mark seller paid: %v", err)
	}
	if share.SettlementStatus != domain.SettlementInProgress {
		t.Fatalf("expected in_progress with one line open, got %s", share.SettlementStatus)
	}
	share, _, err = domain.MarkPaid(share, "platform", domain.PayoutInfo{PayoutTransactionID: "po_2"}, fixedNow)
	if err != nil {
		t.Fatalf("mark platform paid: %v", err)
	}
	if share.SettlementStatus != domain.SettlementCompleted {
		t.Fatalf("expected completed, got %s", share.SettlementStatus)
	}
}

func TestMarkPaidIsIdempotentPerPayout(t *testing.T) {
	t.Parallel()
	share := sampleShare(t)
	paid, changed, err := domain.MarkPaid(share, "seller-1", domain.PayoutInfo{PayoutTransactionID: "po_1", Amount: d("70")}, fixedNow)
	if err != nil || !changed {
		t.Fatalf("first mark paid: changed=%v err=%v", changed, err)
	}
	line, _ := paid.Line("seller-1")
	if line.PayoutStatus != domain.PayoutPaid || !line.PaidAmount.Equal(d("70")) || line.PaidAt == nil || !line.PaidAt.Equal(fixedNow) {
		t.Fatalf("unexpected line after payment: %+v", line)
	}
	again, changed, err := domain.MarkPaid(paid, "seller-1", domain.PayoutInfo{PayoutTransactionID: "po_1"}, fixedNow.Add(time.Hour))
	if err != nil || changed {
		t.Fatalf("repeat mark paid: changed=%v err=%v", changed, err)
	}
	if !again.UpdatedAt.Equal(paid.UpdatedAt) {
		t.Fatalf("repeat must not touch the share")
	}
	if _, _, err := domain.MarkPaid(paid, "seller-1", domain.PayoutInfo{PayoutTransactionID: "po_other"}, fixedNow); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state for a second payout, got %v", err)
	}
}

func TestMarkPaidDoesNotAliasInput(t *testing.T) {
	t.Parallel()
	share := sampleShare(t)
	if _, _, err := domain.MarkPaid(share, "seller-1", domain.PayoutInfo{PayoutTransactionID: "po_1"}, fixedNow); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if line, _ := share.Line("seller-1"); line.PayoutStatus != domain.PayoutPending {
		t.Fatalf("input share was mutated: %s", line.PayoutStatus)
	}
}

func TestPayoutFailureAndRetryLimit(t *testing.T) {
	t.Parallel()
	share := sampleShare(t)
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		share, _, err = domain.StartPayout(share, "seller-1", "po_try", fixedNow)
		if err != nil {
			t.Fatalf("attempt %d start: %v", attempt, err)
		}
		share, _, err = domain.FailPayout(share, "seller-1", "bank rejected", fixedNow)
		if err != nil {
			t.Fatalf("attempt %d fail: %v", attempt, err)
		}
		share, err = domain.RetryPayout(share, "seller-1", 2, fixedNow)
		if err != nil {
			t.Fatalf("attempt %d retry: %v", attempt, err)
		}
	}
	line, _ := share.Line("seller-1")
	if line.RetryCount != 2 || line.PayoutStatus != domain.PayoutPending || line.PayoutTransactionID != "" {
		t.Fatalf("unexpected line after retries: %+v", line)
	}
	share, _, _ = domain.FailPayout(share, "seller-1", "bank rejected", fixedNow)
	if _, err := domain.RetryPayout(share, "seller-1", 2, fixedNow); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected retries exhausted, got %v", err)
	}
}

func TestPayoutTransitionsRejectTerminalStates(t *testing.T) {
	t.Parallel()
	share := sampleShare(t)
	paid, _, err := domain.MarkPaid(share, "seller-1", domain.PayoutInfo{PayoutTransactionID: "po_1"}, fixedNow)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if _, _, err := domain.FailPayout(paid, "seller-1", "late failure", fixedNow); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("paid line must not fail, got %v", err)
	}
	if _, err := domain.RetryPayout(share, "seller-1", 3, fixedNow); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("pending line must not retry, got %v", err)
	}
	if _, _, err := domain.StartPayout(share, "nobody", "po_x", fixedNow); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown recipient, got %v", err)
	}
}

func TestApplyHoldTracksHeldAmountWithoutTouchingNet(t *testing.T) {
	t.Parallel()
	share := sampleShare(t)
	held, changed, err := domain.ApplyHold(share, "seller-1", d("40"), "rf-1", fixedNow)
	if err != nil || !changed {
		t.Fatalf("apply hold: changed=%v err=%v", changed, err)
	}
	line, _ := held.Line("seller-1")
	if line.PayoutStatus != domain.PayoutOnHold || !line.HeldAmount.Equal(d("40")) || !line.NetAmount.Equal(d("70")) {
		t.Fatalf("unexpected held line: %+v", line)
	}
	if _, changed, err := domain.ApplyHold(held, "seller-1", d("40"), "rf-1", fixedNow); err != nil || changed {
		t.Fatalf("repeat hold must be a no-op: changed=%v err=%v", changed, err)
	}
	_, _, err = domain.ApplyHold(held, "seller-1", d("30.01"), "rf-2", fixedNow)
	var insufficient *domain.InsufficientBalanceError
	if !errors.As(err, &insufficient) || !insufficient.Available.Equal(d("30")) {
		t.Fatalf("expected insufficient balance with 30 available, got %v", err)
	}
}

func TestApplyHoldOnPaidLineHasNothingAvailable(t *testing.T) {
	t.Parallel()
	share := sampleShare(t)
	paid, _, err := domain.MarkPaid(share, "seller-1", domain.PayoutInfo{PayoutTransactionID: "po_1"}, fixedNow)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if _, _, err := domain.ApplyHold(paid, "seller-1", d("1"), "rf-1", fixedNow); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestApplyReversalIsAllOrNothing(t *testing.T) {
	t.Parallel()
	share := sampleShare(t)
	paid, _, err := domain.MarkPaid(share, "platform", domain.PayoutInfo{PayoutTransactionID: "po_p"}, fixedNow)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	reversals, err := domain.ComputeReversal(paid.Distributions, paid.TotalAmount, d("100"))
	if err != nil {
		t.Fatalf("compute reversal: %v", err)
	}
	out, err := domain.ApplyReversal(paid, reversals, "rf-1", fixedNow)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if line, _ := out.Line("seller-1"); line.HeldAmount.IsPositive() {
		t.Fatalf("partial reversal leaked a hold: %+v", line)
	}

	applied, err := domain.ApplyReversal(share, reversals, "rf-1", fixedNow)
	if err != nil {
		t.Fatalf("apply reversal: %v", err)
	}
	for _, line := range applied.Distributions {
		if !line.HeldAmount.Equal(line.NetAmount) {
			t.Fatalf("full refund should hold the whole line, got %+v", line)
		}
	}
}

func TestDisputeDrivesSettlementStatus(t *testing.T) {
	t.Parallel()
	share := domain.OpenDispute(sampleShare(t), "rf-1", fixedNow)
	if share.SettlementStatus != domain.SettlementDisputed {
		t.Fatalf("expected disputed, got %s", share.SettlementStatus)
	}
	if _, ok := domain.ResolveDispute(share, "rf-other", domain.DisputeResolutionRejected, fixedNow); ok {
		t.Fatalf("resolving another refund's dispute must be ignored")
	}
	resolved, ok := domain.ResolveDispute(share, "rf-1", domain.DisputeResolutionRejected, fixedNow)
	if !ok || resolved.SettlementStatus != domain.SettlementInProgress {
		t.Fatalf("expected in_progress after rejection, got ok=%v status=%s", ok, resolved.SettlementStatus)
	}
	refunded, _ := domain.ResolveDispute(share, "rf-1", domain.DisputeResolutionRefunded, fixedNow)
	if refunded.SettlementStatus != domain.SettlementDisputed {
		t.Fatalf("refunded dispute stays disputed, got %s", refunded.SettlementStatus)
	}
}
