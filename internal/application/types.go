package application

import (
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
)

type Config struct {
	ServiceName          string
	IdempotencyTTL       time.Duration
	EventDedupTTL        time.Duration
	OutboxFlushBatchSize int

	Distribution         domain.DistributionPolicy
	SellerResponseWindow time.Duration
	AutoIntake           bool
	MaxPayoutRetries     int
	ProviderTimeout      time.Duration
	ConflictRetries      int

	ReconcileBackoffBase time.Duration
	ReconcileBackoffMax  time.Duration
	ReconcileBatchSize   int
	EscalationBatchSize  int
	EscalationLeaseTTL   time.Duration
	AuditFlushBatchSize  int
	PurgeBatchSize       int
}

type Actor struct {
	SubjectID      string
	Role           string
	RequestID      string
	IdempotencyKey string
}

// SystemActor is used by scheduled jobs and consumed provider events.
func SystemActor(requestID string) Actor {
	return Actor{SubjectID: "system:settlement", Role: "service", RequestID: requestID}
}

type SettleInput struct {
	Transaction domain.Transaction
	Rules       []domain.Rule
}

type SettleRenewalInput struct {
	Transaction           domain.Transaction
	OriginalTransactionID string
}

type OpenRefundInput struct {
	TransactionID string
	Amount        decimal.Decimal
	Reason        string
	Description   string
	Evidence      []domain.Evidence
}

type SellerResponseInput struct {
	Content      string
	AcceptRefund bool
	CounterOffer *decimal.Decimal
}

type DecisionInput struct {
	Decision     string
	RefundAmount decimal.Decimal
	Notes        string
}

type MessageInput struct {
	Content     string
	Attachments []string
}

type PayoutOutcome string

const (
	PayoutOutcomePaid      PayoutOutcome = "paid"
	PayoutOutcomeFailed    PayoutOutcome = "failed"
	PayoutOutcomeUnknown   PayoutOutcome = "unknown"
	PayoutOutcomeInTransit PayoutOutcome = "in_transit"
)

type Service struct {
	cfg Config

	transactions  ports.TransactionRepository
	revenueShares ports.RevenueShareRepository
	refunds       ports.RefundRepository
	idempotency   ports.IdempotencyRepository
	eventDedup    ports.EventDedupRepository
	outbox        ports.OutboxRepository

	provider ports.PayoutProvider
	lease    ports.Lease
	alerter  ports.Alerter

	domainEvents ports.DomainPublisher
	dlq          ports.DLQPublisher

	audit  *AuditRecorder
	logger *slog.Logger
	nowFn  func() time.Time
}

type Dependencies struct {
	Config Config
	Logger *slog.Logger
	Clock  func() time.Time

	Transactions  ports.TransactionRepository
	RevenueShares ports.RevenueShareRepository
	Refunds       ports.RefundRepository
	AuditLog      ports.AuditRepository
	AuditSpool    ports.AuditSpool
	Idempotency   ports.IdempotencyRepository
	EventDedup    ports.EventDedupRepository
	Outbox        ports.OutboxRepository

	Provider ports.PayoutProvider
	Lease    ports.Lease
	Alerter  ports.Alerter

	DomainEvents ports.DomainPublisher
	DLQ          ports.DLQPublisher
}

func NewService(deps Dependencies) *Service {
	cfg := deps.Config
	if cfg.ServiceName == "" {
		cfg.ServiceName = "M40-Revenue-Settlement-Service"
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 7 * 24 * time.Hour
	}
	if cfg.EventDedupTTL <= 0 {
		cfg.EventDedupTTL = 7 * 24 * time.Hour
	}
	if cfg.OutboxFlushBatchSize <= 0 {
		cfg.OutboxFlushBatchSize = 100
	}
	if cfg.SellerResponseWindow <= 0 {
		cfg.SellerResponseWindow = 72 * time.Hour
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 5 * time.Second
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 3
	}
	if cfg.ReconcileBackoffBase <= 0 {
		cfg.ReconcileBackoffBase = time.Minute
	}
	if cfg.ReconcileBackoffMax <= 0 {
		cfg.ReconcileBackoffMax = 6 * time.Hour
	}
	if cfg.ReconcileBatchSize <= 0 {
		cfg.ReconcileBatchSize = 50
	}
	if cfg.EscalationBatchSize <= 0 {
		cfg.EscalationBatchSize = 200
	}
	if cfg.EscalationLeaseTTL <= 0 {
		cfg.EscalationLeaseTTL = 30 * time.Second
	}
	if cfg.AuditFlushBatchSize <= 0 {
		cfg.AuditFlushBatchSize = 100
	}
	if cfg.PurgeBatchSize <= 0 {
		cfg.PurgeBatchSize = 500
	}
	if cfg.Distribution.FeeSchedule == nil {
		cfg.Distribution = mergePolicy(domain.DefaultDistributionPolicy(), cfg.Distribution)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := deps.Clock
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		cfg:           cfg,
		transactions:  deps.Transactions,
		revenueShares: deps.RevenueShares,
		refunds:       deps.Refunds,
		idempotency:   deps.Idempotency,
		eventDedup:    deps.EventDedup,
		outbox:        deps.Outbox,
		provider:      deps.Provider,
		lease:         deps.Lease,
		alerter:       deps.Alerter,
		domainEvents:  deps.DomainEvents,
		dlq:           deps.DLQ,
		audit:         NewAuditRecorder(deps.AuditLog, deps.AuditSpool, deps.Alerter, logger, nowFn, cfg.ServiceName),
		logger:        logger,
		nowFn:         nowFn,
	}
}

// Audit exposes the recorder so workers can flush its spool.
func (s *Service) Audit() *AuditRecorder {
	return s.audit
}

func mergePolicy(def, in domain.DistributionPolicy) domain.DistributionPolicy {
	if in.Epsilon.IsPositive() {
		def.Epsilon = in.Epsilon
	}
	if strings.TrimSpace(in.PlatformRecipientID) != "" {
		def.PlatformRecipientID = in.PlatformRecipientID
	}
	return def
}

func isStaffRole(role string) bool {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "agent", "manager", "admin", "service", "finance":
		return true
	default:
		return false
	}
}
