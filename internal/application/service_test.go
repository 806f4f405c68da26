package application_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/adapters/auditspool"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/adapters/cache"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/adapters/events"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/adapters/postgres"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/adapters/provider"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
)

var (
	admin = application.Actor{SubjectID: "admin-1", Role: "admin", RequestID: "req-admin"}
	buyer = application.Actor{SubjectID: "buyer-1", Role: "user", RequestID: "req-buyer"}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []ports.Alert
}

func (a *alertRecorder) Raise(_ context.Context, alert ports.Alert) error {
	a.mu.Lock()
	a.alerts = append(a.alerts, alert)
	a.mu.Unlock()
	return nil
}

func (a *alertRecorder) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.alerts))
	for _, alert := range a.alerts {
		out = append(out, alert.Kind)
	}
	return out
}

// flakyAudit fails every append while fail is set.
type flakyAudit struct {
	ports.AuditRepository
	fail atomic.Bool
}

func (f *flakyAudit) Append(ctx context.Context, entry domain.AuditEntry) error {
	if f.fail.Load() {
		return domain.ErrDependencyUnavailable
	}
	return f.AuditRepository.Append(ctx, entry)
}

// racingShares lets another writer win the next n compare-and-swap updates.
type racingShares struct {
	ports.RevenueShareRepository
	mu    sync.Mutex
	races int
}

func (r *racingShares) Update(ctx context.Context, row domain.RevenueShare, expectedVersion int64) (domain.RevenueShare, error) {
	r.mu.Lock()
	race := r.races > 0
	if race {
		r.races--
	}
	r.mu.Unlock()
	if race {
		current, err := r.RevenueShareRepository.GetByID(ctx, row.RevenueShareID)
		if err != nil {
			return domain.RevenueShare{}, err
		}
		if _, err := r.RevenueShareRepository.Update(ctx, current, current.Version); err != nil {
			return domain.RevenueShare{}, err
		}
	}
	return r.RevenueShareRepository.Update(ctx, row, expectedVersion)
}

// racingRefunds is racingShares for refunds.
type racingRefunds struct {
	ports.RefundRepository
	mu    sync.Mutex
	races int
}

func (r *racingRefunds) Update(ctx context.Context, row domain.Refund, expectedVersion int64) (domain.Refund, error) {
	r.mu.Lock()
	race := r.races > 0
	if race {
		r.races--
	}
	r.mu.Unlock()
	if race {
		current, err := r.RefundRepository.GetByID(ctx, row.RefundID)
		if err != nil {
			return domain.Refund{}, err
		}
		if _, err := r.RefundRepository.Update(ctx, current, current.Version); err != nil {
			return domain.Refund{}, err
		}
	}
	return r.RefundRepository.Update(ctx, row, expectedVersion)
}

type harness struct {
	svc       *application.Service
	cfg       application.Config
	repos     postgres.Repositories
	audit     *flakyAudit
	shares    *racingShares
	refunds   *racingRefunds
	spool     *auditspool.MemorySpool
	publisher *events.MemoryPublisher
	payouts   *provider.MemoryPayouts
	alerts    *alertRecorder
	clock     *testClock
}

func newHarness(t *testing.T, configure ...func(*application.Config)) *harness {
	t.Helper()
	repos := postgres.NewMemoryRepositories()
	h := &harness{
		repos:     repos,
		audit:     &flakyAudit{AuditRepository: repos.AuditLog},
		shares:    &racingShares{RevenueShareRepository: repos.RevenueShares},
		refunds:   &racingRefunds{RefundRepository: repos.Refunds},
		spool:     auditspool.NewMemorySpool(),
		publisher: events.NewMemoryPublisher(),
		payouts:   provider.NewMemoryPayouts(),
		alerts:    &alertRecorder{},
		clock:     &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}
	cfg := application.Config{ServiceName: "M40-Revenue-Settlement-Service", MaxPayoutRetries: 3}
	for _, fn := range configure {
		fn(&cfg)
	}
	h.cfg = cfg
	h.svc = h.instance(cache.NewMemoryLease())
	return h
}

// instance builds a service over the harness stores, as another replica of the process would.
func (h *harness) instance(lease ports.Lease) *application.Service {
	return application.NewService(application.Dependencies{
		Config:        h.cfg,
		Logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Clock:         h.clock.Now,
		Transactions:  h.repos.Transactions,
		RevenueShares: h.shares,
		Refunds:       h.refunds,
		AuditLog:      h.audit,
		AuditSpool:    h.spool,
		Idempotency:   h.repos.Idempotency,
		EventDedup:    h.repos.EventDedup,
		Outbox:        h.repos.Outbox,
		Provider:      h.payouts,
		Lease:         lease,
		Alerter:       h.alerts,
		DomainEvents:  h.publisher,
		DLQ:           h.publisher,
	})
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func settleInput(txnID string) application.SettleInput {
	return application.SettleInput{
		Transaction: domain.Transaction{
			TransactionID: txnID,
			BuyerID:       buyer.SubjectID,
			SellerID:      "seller-1",
			ProductID:     "prompt-7",
			ProductType:   domain.ProductTypePrompt,
			Amount:        dec("100.00"),
			Currency:      "usd",
		},
		Rules: []domain.Rule{
			{RecipientID: "seller-1", Role: domain.RoleSeller, Type: domain.DistributionPercentage, Percentage: dec("70")},
			{RecipientID: "platform", Role: domain.RolePlatform, Type: domain.DistributionPercentage, Percentage: dec("30")},
		},
	}
}

func (h *harness) settle(t *testing.T, txnID string) domain.RevenueShare {
	t.Helper()
	share, err := h.svc.Settle(context.Background(), admin, settleInput(txnID))
	if err != nil {
		t.Fatalf("settle %s: %v", txnID, err)
	}
	return share
}

func (h *harness) openRefund(t *testing.T, txnID string) domain.Refund {
	t.Helper()
	refund, err := h.svc.OpenRefund(context.Background(), buyer, application.OpenRefundInput{
		TransactionID: txnID,
		Reason:        "not_working",
		Description:   "prompt returns empty output",
	})
	if err != nil {
		t.Fatalf("open refund: %v", err)
	}
	return refund
}

func (h *harness) auditActions(t *testing.T, resource domain.ResourceType, id string) map[string]int {
	t.Helper()
	entries, err := h.svc.QueryAudit(context.Background(), admin, domain.AuditQuery{ResourceType: resource, ResourceID: id, Limit: 500})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	out := make(map[string]int)
	for _, e := range entries {
		if e.Result == domain.AuditSuccess {
			out[e.Action]++
		}
	}
	return out
}

func TestSettleSplitsSellerAndPlatform(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	share := h.settle(t, "txn-a")
	if share.SettlementStatus != domain.SettlementInProgress {
		t.Fatalf("expected in_progress, got %s", share.SettlementStatus)
	}
	seller, _ := share.Line("seller-1")
	platform, _ := share.Line("platform")
	if !seller.NetAmount.Equal(dec("70")) || !platform.NetAmount.Equal(dec("30")) {
		t.Fatalf("unexpected nets: seller=%s platform=%s", seller.NetAmount, platform.NetAmount)
	}
	if share.Currency != "USD" || share.Version != 1 {
		t.Fatalf("unexpected share header: %+v", share)
	}
	again := h.settle(t, "txn-a")
	if again.RevenueShareID != share.RevenueShareID {
		t.Fatalf("settling twice must return the same share")
	}
	if got := h.auditActions(t, domain.ResourceRevenueShare, share.RevenueShareID)[domain.AuditActionSettle]; got != 1 {
		t.Fatalf("expected one settle audit entry, got %d", got)
	}
}

func TestSettleRejectsUnbalancedRulesWithoutPersisting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	input := settleInput("txn-c")
	input.Rules[0].Percentage = dec("75")
	_, err := h.svc.Settle(context.Background(), admin, input)
	var mismatch *domain.DistributionMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected DistributionMismatchError, got %v", err)
	}
	if _, err := h.repos.RevenueShares.GetByTransactionID(context.Background(), "txn-c"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("no share may be persisted, got %v", err)
	}
	if _, err := h.repos.Transactions.GetByID(context.Background(), "txn-c"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("no transaction may be persisted, got %v", err)
	}
}

func TestSettleRequiresStaff(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if _, err := h.svc.Settle(context.Background(), buyer, settleInput("txn-x")); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := h.svc.Settle(context.Background(), application.Actor{}, settleInput("txn-x")); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestSettleRenewalDropsExpiredCommissions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	input := settleInput("txn-sub-0")
	input.Transaction.ProductType = domain.ProductTypeAPISubscription
	input.Transaction.SubscriptionID = "sub-1"
	input.Rules = []domain.Rule{
		{RecipientID: "seller-1", Role: domain.RoleSeller, Type: domain.DistributionPercentage, Percentage: dec("60")},
		{RecipientID: "ref-1", Role: domain.RoleReferrer, Type: domain.DistributionPercentage, Percentage: dec("10"), Recurring: &domain.RecurringCommission{Enabled: true, DurationMonths: 1}},
		{RecipientID: "platform", Role: domain.RolePlatform, Type: domain.DistributionPercentage, Percentage: dec("30")},
	}
	if _, err := h.svc.Settle(context.Background(), admin, input); err != nil {
		t.Fatalf("settle initial sale: %v", err)
	}

	renewal := input.Transaction
	renewal.TransactionID = "txn-sub-2"
	renewal.BillingCycle = 2
	share, err := h.svc.SettleRenewal(context.Background(), admin, application.SettleRenewalInput{Transaction: renewal, OriginalTransactionID: "txn-sub-0"})
	if err != nil {
		t.Fatalf("settle renewal: %v", err)
	}
	if _, ok := share.Line("ref-1"); ok {
		t.Fatalf("expired referrer must not receive a renewal line")
	}
	platform, _ := share.Line("platform")
	if !platform.NetAmount.Equal(dec("40")) {
		t.Fatalf("platform should absorb the dropped commission, got %s", platform.NetAmount)
	}
	if len(share.RuleSnapshot) != 3 {
		t.Fatalf("renewal must keep the original snapshot, got %d rules", len(share.RuleSnapshot))
	}
}

func TestRefundLifecycleWithAutoEscalation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	share := h.settle(t, "txn-b")
	refund := h.openRefund(t, "txn-b")
	if refund.Status != domain.RefundPending {
		t.Fatalf("expected pending, got %s", refund.Status)
	}
	if _, err := h.svc.StartReview(ctx, admin, refund.RefundID); err != nil {
		t.Fatalf("start review: %v", err)
	}
	if _, err := h.svc.ForwardToSeller(ctx, admin, refund.RefundID); err != nil {
		t.Fatalf("forward to seller: %v", err)
	}

	h.clock.Advance(72*time.Hour + time.Minute)
	system := application.SystemActor("tick-1")
	escalated, err := h.svc.TickEscalation(ctx, system)
	if err != nil || escalated != 1 {
		t.Fatalf("tick escalation: escalated=%d err=%v", escalated, err)
	}
	current, err := h.svc.GetRefund(ctx, buyer, refund.RefundID)
	if err != nil {
		t.Fatalf("get refund: %v", err)
	}
	if current.Status != domain.RefundArbitration || current.EscalationDate == nil || !current.EscalationDate.Equal(h.clock.Now()) {
		t.Fatalf("expected arbitration with escalation date, got %+v", current)
	}
	if again, err := h.svc.TickEscalation(ctx, system); err != nil || again != 0 {
		t.Fatalf("second tick must not escalate again: %d %v", again, err)
	}

	decided, err := h.svc.Decide(ctx, admin, refund.RefundID, application.DecisionInput{Decision: "full_refund", RefundAmount: dec("100"), Notes: "seller unresponsive"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != domain.RefundApproved || !decided.ApprovedAmount.Equal(dec("100")) {
		t.Fatalf("expected approved for 100, got %+v", decided)
	}

	completed, err := h.svc.ReconcileRefund(ctx, admin, refund.RefundID)
	if err != nil {
		t.Fatalf("reconcile refund: %v", err)
	}
	if completed.Status != domain.RefundCompleted || completed.CompletedAt == nil {
		t.Fatalf("expected completed, got %+v", completed)
	}
	held, err := h.svc.GetRevenueShare(ctx, admin, share.RevenueShareID)
	if err != nil {
		t.Fatalf("get revenue share: %v", err)
	}
	seller, _ := held.Line("seller-1")
	platform, _ := held.Line("platform")
	if !seller.HeldAmount.Equal(dec("70")) || !platform.HeldAmount.Equal(dec("30")) {
		t.Fatalf("unexpected holds: seller=%s platform=%s", seller.HeldAmount, platform.HeldAmount)
	}
	if !seller.NetAmount.Equal(dec("70")) {
		t.Fatalf("holds must not modify net amounts")
	}
	if held.SettlementStatus != domain.SettlementDisputed {
		t.Fatalf("refunded share stays disputed, got %s", held.SettlementStatus)
	}

	actions := h.auditActions(t, domain.ResourceRefund, refund.RefundID)
	for _, action := range []string{
		domain.AuditActionOpenRefund,
		domain.AuditActionStartReview,
		domain.AuditActionForwardToSeller,
		domain.AuditActionAutoEscalate,
		domain.AuditActionDecide,
		domain.AuditActionComplete,
	} {
		if actions[action] != 1 {
			t.Fatalf("expected exactly one %s audit entry, got %d (%v)", action, actions[action], actions)
		}
	}
}

func TestRefundRejectsInvalidTransitionAndAuditsIt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.settle(t, "txn-r")
	refund := h.openRefund(t, "txn-r")

	_, err := h.svc.ForwardToSeller(ctx, admin, refund.RefundID)
	var invalid *domain.InvalidStateError
	if !errors.As(err, &invalid) || invalid.From != string(domain.RefundPending) {
		t.Fatalf("expected invalid state from pending, got %v", err)
	}
	entries, err := h.svc.QueryAudit(ctx, admin, domain.AuditQuery{ResourceType: domain.ResourceRefund, ResourceID: refund.RefundID})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	failures := 0
	for _, e := range entries {
		if e.Result == domain.AuditFailure && e.Action == domain.AuditActionForwardToSeller {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected one failed forward entry, got %d", failures)
	}
	current, _ := h.svc.GetRefund(ctx, admin, refund.RefundID)
	if current.Status != domain.RefundPending || current.Version != refund.Version {
		t.Fatalf("rejected transition must not change the refund: %+v", current)
	}
}

func TestOpenRefundRulesAndPermissions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	share := h.settle(t, "txn-o")

	stranger := application.Actor{SubjectID: "someone-else", Role: "user"}
	if _, err := h.svc.OpenRefund(ctx, stranger, application.OpenRefundInput{TransactionID: "txn-o", Reason: "other", Description: "x"}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for non-buyer, got %v", err)
	}
	if _, err := h.svc.OpenRefund(ctx, buyer, application.OpenRefundInput{TransactionID: "txn-o", Reason: "other", Description: "x", Amount: dec("100.01")}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for over-refund, got %v", err)
	}
	refund := h.openRefund(t, "txn-o")
	if !refund.Amount.Equal(dec("100")) {
		t.Fatalf("refund should default to the transaction amount, got %s", refund.Amount)
	}
	if _, err := h.svc.OpenRefund(ctx, buyer, application.OpenRefundInput{TransactionID: "txn-o", Reason: "other", Description: "again"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for a second live refund, got %v", err)
	}
	disputed, _ := h.svc.GetRevenueShare(ctx, admin, share.RevenueShareID)
	if disputed.SettlementStatus != domain.SettlementDisputed {
		t.Fatalf("open refund must dispute the share, got %s", disputed.SettlementStatus)
	}

	if _, err := h.svc.CancelRefund(ctx, buyer, refund.RefundID, "resolved with seller"); err != nil {
		t.Fatalf("cancel refund: %v", err)
	}
	resolved, _ := h.svc.GetRevenueShare(ctx, admin, share.RevenueShareID)
	if resolved.SettlementStatus != domain.SettlementInProgress {
		t.Fatalf("cancelled refund must release the dispute, got %s", resolved.SettlementStatus)
	}
}

func TestSellerCounterOfferThenPartialDecision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.settle(t, "txn-s")
	refund := h.openRefund(t, "txn-s")
	seller := application.Actor{SubjectID: "seller-1", Role: "user"}
	if _, err := h.svc.StartReview(ctx, admin, refund.RefundID); err != nil {
		t.Fatalf("start review: %v", err)
	}
	if _, err := h.svc.ForwardToSeller(ctx, admin, refund.RefundID); err != nil {
		t.Fatalf("forward: %v", err)
	}
	offer := dec("40.00")
	countered, err := h.svc.RespondAsSeller(ctx, seller, refund.RefundID, application.SellerResponseInput{Content: "partial credit offered", CounterOffer: &offer})
	if err != nil {
		t.Fatalf("respond as seller: %v", err)
	}
	if countered.Status != domain.RefundSellerResponse || len(countered.Messages) != 1 {
		t.Fatalf("unexpected refund after counter-offer: %+v", countered)
	}
	decided, err := h.svc.Decide(ctx, admin, refund.RefundID, application.DecisionInput{Decision: "partial_refund", RefundAmount: offer})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !decided.ApprovedAmount.Equal(offer) {
		t.Fatalf("expected approved %s, got %s", offer, decided.ApprovedAmount)
	}
	msg, err := h.svc.PostMessage(ctx, buyer, refund.RefundID, application.MessageInput{Content: "thanks"})
	if err != nil || msg.SenderRole != domain.SenderBuyer {
		t.Fatalf("post message: %+v %v", msg, err)
	}
}

func TestReconcileFailureKeepsRefundApprovedWithBackoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	share := h.settle(t, "txn-f")
	if _, err := h.svc.ConfirmPayout(ctx, admin, share.RevenueShareID, "platform", domain.PayoutInfo{PayoutTransactionID: "po_platform"}); err != nil {
		t.Fatalf("confirm platform payout: %v", err)
	}
	refund := h.openRefund(t, "txn-f")
	if _, err := h.svc.StartReview(ctx, admin, refund.RefundID); err != nil {
		t.Fatalf("start review: %v", err)
	}
	if _, err := h.svc.Decide(ctx, admin, refund.RefundID, application.DecisionInput{Decision: "full_refund"}); err != nil {
		t.Fatalf("decide: %v", err)
	}

	_, err := h.svc.ReconcileRefund(ctx, admin, refund.RefundID)
	var recon *domain.ReconciliationError
	if !errors.As(err, &recon) || recon.Attempt != 1 || !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected first reconciliation failure, got %v", err)
	}
	current, _ := h.svc.GetRefund(ctx, admin, refund.RefundID)
	if current.Status != domain.RefundApproved || current.ReversalAttempts != 1 || current.NextReconcileAt == nil {
		t.Fatalf("refund must stay approved with a scheduled retry: %+v", current)
	}
	if !current.NextReconcileAt.Equal(h.clock.Now().Add(time.Minute)) {
		t.Fatalf("expected retry in one minute, got %s", current.NextReconcileAt)
	}
	if completed, err := h.svc.ReconcileApprovedRefunds(ctx); err != nil || completed != 0 {
		t.Fatalf("nothing is due yet: %d %v", completed, err)
	}
	if again, _ := h.svc.GetRefund(ctx, admin, refund.RefundID); again.ReversalAttempts != 1 {
		t.Fatalf("backoff must gate the next attempt, got %d attempts", again.ReversalAttempts)
	}
	unchanged, _ := h.svc.GetRevenueShare(ctx, admin, share.RevenueShareID)
	if seller, _ := unchanged.Line("seller-1"); seller.HeldAmount.IsPositive() {
		t.Fatalf("failed reversal must not leave partial holds")
	}
	found := false
	for _, kind := range h.alerts.kinds() {
		if kind == domain.EventReconciliationFailed {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a reconciliation alert, got %v", h.alerts.kinds())
	}
}

func TestAuditSinkFailureIsSpooledAndReplayed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.audit.fail.Store(true)

	share := h.settle(t, "txn-audit")
	if n, _ := h.spool.Len(ctx); n != 1 {
		t.Fatalf("expected one spooled entry, got %d", n)
	}
	if !h.svc.Audit().Degraded() {
		t.Fatalf("recorder should report degraded")
	}
	kinds := h.alerts.kinds()
	if len(kinds) != 1 || kinds[0] != domain.EventAuditDegraded {
		t.Fatalf("expected one audit_degraded alert, got %v", kinds)
	}
	if _, err := h.svc.StartPayout(ctx, admin, share.RevenueShareID, "seller-1", "po_1"); err != nil {
		t.Fatalf("operation must succeed while audit is degraded: %v", err)
	}
	if len(h.alerts.kinds()) != 1 {
		t.Fatalf("alert is raised once per outage")
	}

	if n, err := h.svc.FlushAuditSpool(ctx); err == nil || n != 0 {
		t.Fatalf("flush against a failing sink: n=%d err=%v", n, err)
	}
	h.audit.fail.Store(false)
	replayed, err := h.svc.FlushAuditSpool(ctx)
	if err != nil || replayed != 2 {
		t.Fatalf("flush: replayed=%d err=%v", replayed, err)
	}
	if h.svc.Audit().Degraded() {
		t.Fatalf("recorder should recover after the spool drains")
	}
	actions := h.auditActions(t, domain.ResourceRevenueShare, share.RevenueShareID)
	if actions[domain.AuditActionSettle] != 1 || actions[domain.AuditActionStartPayout] != 1 {
		t.Fatalf("spooled entries missing from sink: %v", actions)
	}
}

func TestPayoutUpdateRetriesLostRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	share := h.settle(t, "txn-race")
	h.shares.mu.Lock()
	h.shares.races = 1
	h.shares.mu.Unlock()

	line, err := h.svc.ConfirmPayout(ctx, admin, share.RevenueShareID, "seller-1", domain.PayoutInfo{PayoutTransactionID: "po_1"})
	if err != nil {
		t.Fatalf("confirm payout: %v", err)
	}
	if line.PayoutStatus != domain.PayoutPaid {
		t.Fatalf("expected paid, got %s", line.PayoutStatus)
	}
	stored, _ := h.repos.RevenueShares.GetByID(ctx, share.RevenueShareID)
	if stored.Version != 3 {
		t.Fatalf("expected version 3 after one lost race, got %d", stored.Version)
	}
	if got := h.auditActions(t, domain.ResourceRevenueShare, share.RevenueShareID)[domain.AuditActionMarkPaid]; got != 1 {
		t.Fatalf("expected one mark_paid entry, got %d", got)
	}
}

func TestPayoutRetriesGiveUpAfterConfiguredConflicts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *application.Config) { c.ConflictRetries = 1 })
	share := h.settle(t, "txn-race-2")
	h.shares.mu.Lock()
	h.shares.races = 5
	h.shares.mu.Unlock()
	_, err := h.svc.StartPayout(context.Background(), admin, share.RevenueShareID, "seller-1", "po_1")
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
}

func TestReconcilePayoutProviderTimeoutIsUnknown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, func(c *application.Config) { c.ProviderTimeout = 20 * time.Millisecond })
	share := h.settle(t, "txn-p")
	if _, err := h.svc.StartPayout(ctx, admin, share.RevenueShareID, "seller-1", "po_1"); err != nil {
		t.Fatalf("start payout: %v", err)
	}
	h.payouts.Set(ports.ProviderPayout{PayoutTransactionID: "po_1", State: ports.ProviderPayoutPaid, Amount: dec("70"), Currency: "USD"})
	h.payouts.Delay = time.Second

	outcome, line, err := h.svc.ReconcilePayout(ctx, admin, share.RevenueShareID, "seller-1")
	if err != nil || outcome != application.PayoutOutcomeUnknown {
		t.Fatalf("expected unknown outcome, got %s %v", outcome, err)
	}
	if line.PayoutStatus != domain.PayoutProcessing {
		t.Fatalf("line must stay processing, got %s", line.PayoutStatus)
	}

	h.payouts.Delay = 0
	outcome, line, err = h.svc.ReconcilePayout(ctx, admin, share.RevenueShareID, "seller-1")
	if err != nil || outcome != application.PayoutOutcomePaid || line.PayoutStatus != domain.PayoutPaid {
		t.Fatalf("expected paid on second reconcile, got %s %s %v", outcome, line.PayoutStatus, err)
	}
}

func TestSettleIdempotencyReplayAndConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	keyed := admin
	keyed.IdempotencyKey = "settle-key-1"

	first, err := h.svc.Settle(ctx, keyed, settleInput("txn-i"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	replayed, err := h.svc.Settle(ctx, keyed, settleInput("txn-i"))
	if err != nil || replayed.RevenueShareID != first.RevenueShareID {
		t.Fatalf("replay: %+v %v", replayed.RevenueShareID, err)
	}
	if _, err := h.svc.Settle(ctx, keyed, settleInput("txn-other")); !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
	if len(h.publisher.DLQ()) != 1 {
		t.Fatalf("idempotency conflict should be dead-lettered, got %d", len(h.publisher.DLQ()))
	}
}

func TestHandleCanonicalEventDeduplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	share := h.settle(t, "txn-e")
	data := []byte(`{"payout_id":"po_9","revenue_share_id":"` + share.RevenueShareID + `","recipient_id":"seller-1","amount":"70.00","currency":"USD","provider":"stripe","paid_at":"2026-03-02T10:00:00Z"}`)
	envelope := payoutEnvelope("evt-1", domain.EventPayoutPaid, share.RevenueShareID, data)

	for i := 0; i < 2; i++ {
		if err := h.svc.HandleCanonicalEvent(ctx, envelope); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	envelope.EventID = "evt-2"
	if err := h.svc.HandleCanonicalEvent(ctx, envelope); err != nil {
		t.Fatalf("redelivery under a new id: %v", err)
	}
	if got := h.auditActions(t, domain.ResourceRevenueShare, share.RevenueShareID)[domain.AuditActionMarkPaid]; got != 1 {
		t.Fatalf("expected one mark_paid entry, got %d", got)
	}
	stored, _ := h.svc.GetRevenueShare(ctx, admin, share.RevenueShareID)
	if line, _ := stored.Line("seller-1"); line.PayoutStatus != domain.PayoutPaid || !line.PaidAmount.Equal(dec("70")) {
		t.Fatalf("unexpected seller line: %+v", line)
	}

	bad := payoutEnvelope("evt-3", "payout.reversed", share.RevenueShareID, data)
	if err := h.svc.HandleCanonicalEvent(ctx, bad); !errors.Is(err, domain.ErrUnsupportedEventType) {
		t.Fatalf("expected unsupported event type, got %v", err)
	}
	wrongKey := payoutEnvelope("evt-4", domain.EventPayoutPaid, "another-share", data)
	if err := h.svc.HandleCanonicalEvent(ctx, wrongKey); !errors.Is(err, domain.ErrInvalidEnvelope) {
		t.Fatalf("expected invalid envelope for a mismatched partition key, got %v", err)
	}
}

func TestFlushOutboxPublishesDomainEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.settle(t, "txn-out")
	h.publisher.SetErr(errors.New("broker down"))
	if err := h.svc.FlushOutbox(ctx); err == nil {
		t.Fatalf("expected publish failure")
	}
	if len(h.publisher.DLQ()) != 1 {
		t.Fatalf("failed publish should be dead-lettered")
	}
	h.publisher.SetErr(nil)
	if err := h.svc.FlushOutbox(ctx); err != nil {
		t.Fatalf("flush outbox: %v", err)
	}
	published := h.publisher.Events()
	if len(published) != 1 || published[0].EventType != domain.EventRevenueShareSettled {
		t.Fatalf("expected one settled event, got %+v", published)
	}
	if err := h.svc.FlushOutbox(ctx); err != nil || len(h.publisher.Events()) != 1 {
		t.Fatalf("sent records must not be published twice")
	}
}

func TestFailedSettleReleasesIdempotencyKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	keyed := admin
	keyed.IdempotencyKey = "settle-key-rejected"

	bad := settleInput("txn-k")
	bad.Rules[0].Percentage = dec("75")
	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := h.svc.Settle(ctx, keyed, bad); !errors.Is(err, domain.ErrDistributionMismatch) {
			t.Fatalf("attempt %d: expected distribution mismatch, got %v", attempt, err)
		}
	}
	share, err := h.svc.Settle(ctx, keyed, settleInput("txn-k"))
	if err != nil {
		t.Fatalf("corrected settle under the same key: %v", err)
	}
	replayed, err := h.svc.Settle(ctx, keyed, settleInput("txn-k"))
	if err != nil || replayed.RevenueShareID != share.RevenueShareID {
		t.Fatalf("replay after success: %s %v", replayed.RevenueShareID, err)
	}
}

func TestFailedRenewalReleasesIdempotencyKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	original := settleInput("txn-k-0")
	original.Transaction.ProductType = domain.ProductTypeAPISubscription
	original.Transaction.SubscriptionID = "sub-k"
	renewal := original.Transaction
	renewal.TransactionID = "txn-k-1"
	renewal.BillingCycle = 1
	input := application.SettleRenewalInput{Transaction: renewal, OriginalTransactionID: "txn-k-0"}
	keyed := admin
	keyed.IdempotencyKey = "renewal-key-1"

	if _, err := h.svc.SettleRenewal(ctx, keyed, input); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected missing original sale, got %v", err)
	}
	if _, err := h.svc.Settle(ctx, admin, original); err != nil {
		t.Fatalf("settle original sale: %v", err)
	}
	share, err := h.svc.SettleRenewal(ctx, keyed, input)
	if err != nil {
		t.Fatalf("retry renewal under the same key: %v", err)
	}
	if share.TransactionID != "txn-k-1" || share.BillingCycle != 1 {
		t.Fatalf("unexpected renewal share: %+v", share)
	}
}

func TestForwardToSellerKeepsCreationDeadline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.settle(t, "txn-dl")
	refund := h.openRefund(t, "txn-dl")
	if _, err := h.svc.StartReview(ctx, admin, refund.RefundID); err != nil {
		t.Fatalf("start review: %v", err)
	}
	h.clock.Advance(71 * time.Hour)
	forwarded, err := h.svc.ForwardToSeller(ctx, admin, refund.RefundID)
	if err != nil {
		t.Fatalf("forward to seller: %v", err)
	}
	if !forwarded.SellerResponseDeadline.Equal(refund.SellerResponseDeadline) {
		t.Fatalf("deadline moved on forward: %s -> %s", refund.SellerResponseDeadline, forwarded.SellerResponseDeadline)
	}
	h.clock.Advance(2 * time.Hour)
	escalated, err := h.svc.TickEscalation(ctx, application.SystemActor("tick-dl"))
	if err != nil || escalated != 1 {
		t.Fatalf("expected escalation past the creation deadline: escalated=%d err=%v", escalated, err)
	}
}

func TestTickEscalationAcrossReplicasEscalatesEachRefundOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	const eligible = 20
	ids := make([]string, 0, eligible)
	for i := 0; i < eligible; i++ {
		txnID := fmt.Sprintf("txn-tick-%02d", i)
		h.settle(t, txnID)
		refund := h.openRefund(t, txnID)
		if _, err := h.svc.StartReview(ctx, admin, refund.RefundID); err != nil {
			t.Fatalf("start review %s: %v", refund.RefundID, err)
		}
		if _, err := h.svc.ForwardToSeller(ctx, admin, refund.RefundID); err != nil {
			t.Fatalf("forward %s: %v", refund.RefundID, err)
		}
		ids = append(ids, refund.RefundID)
	}
	h.clock.Advance(72*time.Hour + time.Minute)

	const replicas = 8
	var (
		total atomic.Int64
		wg    sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < replicas; i++ {
		svc := h.instance(cache.NewMemoryLease())
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			escalated, err := svc.TickEscalation(ctx, application.SystemActor(fmt.Sprintf("tick-%d", n)))
			if err != nil {
				t.Errorf("replica %d: %v", n, err)
				return
			}
			total.Add(int64(escalated))
		}(i)
	}
	close(start)
	wg.Wait()

	if got := total.Load(); got != eligible {
		t.Fatalf("expected %d escalations across replicas, got %d", eligible, got)
	}
	for _, id := range ids {
		if got := h.auditActions(t, domain.ResourceRefund, id)[domain.AuditActionAutoEscalate]; got != 1 {
			t.Fatalf("refund %s: expected one auto_escalate entry, got %d", id, got)
		}
	}
}

func TestRefundUpdateRetriesLostRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.settle(t, "txn-rr")
	refund := h.openRefund(t, "txn-rr")
	h.refunds.mu.Lock()
	h.refunds.races = 1
	h.refunds.mu.Unlock()

	reviewed, err := h.svc.StartReview(ctx, admin, refund.RefundID)
	if err != nil {
		t.Fatalf("start review: %v", err)
	}
	if reviewed.Status != domain.RefundUnderReview || reviewed.Version != 3 {
		t.Fatalf("expected under_review at version 3, got %s v%d", reviewed.Status, reviewed.Version)
	}
	if got := h.auditActions(t, domain.ResourceRefund, refund.RefundID)[domain.AuditActionStartReview]; got != 1 {
		t.Fatalf("expected one start_review entry, got %d", got)
	}

	g := newHarness(t, func(c *application.Config) { c.ConflictRetries = 1 })
	g.settle(t, "txn-rr-2")
	stuck := g.openRefund(t, "txn-rr-2")
	g.refunds.mu.Lock()
	g.refunds.races = 5
	g.refunds.mu.Unlock()
	if _, err := g.svc.StartReview(ctx, admin, stuck.RefundID); !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	current, _ := g.repos.Refunds.GetByID(ctx, stuck.RefundID)
	if current.Status != domain.RefundPending {
		t.Fatalf("lost races must not change status, got %s", current.Status)
	}
}
