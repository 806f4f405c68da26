package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/adapters/auditspool"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/adapters/cache"
	eventadapter "github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/adapters/events"
	grpcadapter "github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/adapters/grpc"
	httpadapter "github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/adapters/http"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/adapters/postgres"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/adapters/provider"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/adapters/scheduler"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Role selects which half of the service a process runs. Each role owns its audit spool file and
// flushes it itself, so the api and worker processes can share one spool directory.
type Role string

const (
	RoleAPI    Role = "api"
	RoleWorker Role = "worker"
)

func auditSpoolPath(dir string, role Role) string {
	return filepath.Join(dir, "audit-spool-"+string(role)+".db")
}

// scheduledJobs lists the periodic jobs of a role. Both roles write audit entries, so both
// replay their own spool.
func scheduledJobs(role Role, cfg Config, service *application.Service) []scheduler.Job {
	flush := scheduler.Job{Name: "audit_spool_flush", Interval: cfg.AuditFlushInterval, Run: service.FlushAuditSpool}
	if role != RoleWorker {
		return []scheduler.Job{flush}
	}
	return []scheduler.Job{
		{Name: "escalation_tick", Interval: cfg.EscalationScanInterval, Run: func(ctx context.Context) (int, error) {
			return service.TickEscalation(ctx, application.SystemActor(uuid.NewString()))
		}},
		{Name: "reconcile_refunds", Interval: cfg.ReconcileInterval, Run: service.ReconcileApprovedRefunds},
		{Name: "expired_key_purge", Interval: cfg.KeyPurgeInterval, Run: service.PurgeExpiredKeys},
		flush,
	}
}

type Runtime struct {
	role       Role
	cfg        Config
	logger     *slog.Logger
	service    *application.Service
	httpServer *http.Server
	grpcServer *grpc.Server
	grpcLis    net.Listener
	outbox     *eventadapter.OutboxWorker
	consumer   *eventadapter.ConsumerWorker
	jobs       *scheduler.Runner
	cleanupFn  func(context.Context)
}

func NewRuntime(ctx context.Context, configPath string, role Role) (*Runtime, error) {
	if role != RoleAPI && role != RoleWorker {
		return nil, fmt.Errorf("unknown runtime role %q", role)
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With("service", cfg.ServiceID, "role", string(role))
	slog.SetDefault(logger)

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := postgres.RunMigrations(ctx, db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	redisClient, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := os.MkdirAll(cfg.AuditSpoolDir, 0o750); err != nil {
		_ = sqlDB.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("create audit spool dir: %w", err)
	}
	spool, err := auditspool.Open(auditSpoolPath(cfg.AuditSpoolDir, role))
	if err != nil {
		_ = sqlDB.Close()
		_ = redisClient.Close()
		return nil, err
	}

	var closers []io.Closer
	closers = append(closers, spool, redisClient)

	publisher, consumer := buildMessaging(ctx, cfg, logger, role == RoleWorker, &closers)

	var payouts ports.PayoutProvider
	if cfg.StripeKey != "" {
		stripePayouts, stripeErr := provider.NewStripePayouts(cfg.StripeKey)
		if stripeErr != nil {
			logger.WarnContext(ctx, "stripe provider disabled", "error", stripeErr)
		} else {
			payouts = stripePayouts
		}
	}

	repos := postgres.NewRepositories(db)
	alerter := eventadapter.NewOpsAlerter(logger, publisher, cfg.ServiceID)
	service := application.NewService(application.Dependencies{
		Config:        serviceConfig(cfg),
		Logger:        logger,
		Transactions:  repos.Transactions,
		RevenueShares: repos.RevenueShares,
		Refunds:       repos.Refunds,
		AuditLog:      repos.AuditLog,
		AuditSpool:    spool,
		Idempotency:   repos.Idempotency,
		EventDedup:    repos.EventDedup,
		Outbox:        repos.Outbox,
		Provider:      payouts,
		Lease:         cache.NewRedisLease(redisClient),
		Alerter:       alerter,
		DomainEvents:  publisher,
		DLQ:           publisher,
	})

	readiness := func(ctx context.Context) error {
		if err := sqlDB.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}

	rt := &Runtime{
		role:    role,
		cfg:     cfg,
		logger:  logger,
		service: service,
		jobs:    scheduler.NewRunner(logger, scheduledJobs(role, cfg, service)...),
		cleanupFn: func(context.Context) {
			closeAll(closers)
			_ = sqlDB.Close()
		},
	}
	if role == RoleWorker {
		rt.outbox = eventadapter.NewOutboxWorker(logger, service, cfg.OutboxPollInterval)
		rt.consumer = eventadapter.NewConsumerWorker(logger, consumer, service, publisher, cfg.KafkaTopicDLQ, cfg.ConsumerPollInterval)
		return rt, nil
	}

	handler := httpadapter.NewHandler(service)
	router := httpadapter.NewRouter(handler, httpadapter.NewAuthenticator(cfg.JWTSecret), logger, func(r *http.Request) error {
		return readiness(r.Context())
	})
	rt.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	rt.grpcServer = grpc.NewServer()
	grpcadapter.Register(rt.grpcServer, grpcadapter.NewHealthServer(readiness))
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		rt.cleanupFn(ctx)
		return nil, err
	}
	rt.grpcLis = lis
	return rt, nil
}

type envelopePublisher interface {
	ports.DomainPublisher
	ports.DLQPublisher
	eventadapter.EnvelopePublisher
}

func buildMessaging(ctx context.Context, cfg Config, logger *slog.Logger, withConsumer bool, closers *[]io.Closer) (envelopePublisher, eventadapter.Consumer) {
	var publisher envelopePublisher = eventadapter.NewLoggingPublisher(logger)
	var consumer eventadapter.Consumer = eventadapter.NewDisabledConsumer(logger)
	if len(cfg.KafkaBrokers) == 0 {
		return publisher, consumer
	}
	kafkaPublisher, pubErr := eventadapter.NewKafkaPublisher(cfg.KafkaBrokers, map[string]string{
		domain.EventRevenueShareSettled:  cfg.KafkaTopicDomain,
		domain.EventRefundStatusChanged:  cfg.KafkaTopicDomain,
		domain.EventPayoutLineUpdated:    cfg.KafkaTopicDomain,
		domain.EventAuditDegraded:        cfg.KafkaTopicOps,
		domain.EventReconciliationFailed: cfg.KafkaTopicOps,
		"dlq":                            cfg.KafkaTopicDLQ,
	})
	if pubErr != nil {
		logger.WarnContext(ctx, "kafka publisher disabled, using logging publisher", "error", pubErr)
	} else {
		publisher = kafkaPublisher
		*closers = append(*closers, kafkaPublisher)
	}
	if !withConsumer {
		return publisher, consumer
	}
	kafkaConsumer, conErr := eventadapter.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup, cfg.KafkaTopicPayouts)
	if conErr != nil {
		logger.WarnContext(ctx, "kafka consumer unavailable, payout events disabled", "error", conErr)
	} else {
		consumer = kafkaConsumer
		*closers = append(*closers, kafkaConsumer)
	}
	return publisher, consumer
}

func serviceConfig(cfg Config) application.Config {
	fees := make(map[domain.RecipientRole]decimal.Decimal, len(cfg.FeeSchedule))
	for role, pct := range cfg.FeeSchedule {
		fees[domain.RecipientRole(role)] = pct
	}
	return application.Config{
		ServiceName:          cfg.ServiceID,
		IdempotencyTTL:       cfg.IdempotencyTTL,
		EventDedupTTL:        cfg.EventDedupTTL,
		OutboxFlushBatchSize: cfg.OutboxBatchSize,
		Distribution: domain.DistributionPolicy{
			Epsilon:             cfg.DistributionEpsilon,
			PlatformRecipientID: cfg.PlatformRecipientID,
			FeeSchedule:         fees,
		},
		SellerResponseWindow: cfg.SellerResponseWindow,
		AutoIntake:           cfg.AutoIntake,
		MaxPayoutRetries:     cfg.MaxPayoutRetries,
		ProviderTimeout:      cfg.ProviderTimeout,
		ConflictRetries:      cfg.ConflictRetries,
		ReconcileBackoffBase: cfg.ReconcileBackoffBase,
		ReconcileBackoffMax:  cfg.ReconcileBackoffMax,
		ReconcileBatchSize:   cfg.ReconcileBatchSize,
		EscalationBatchSize:  cfg.EscalationBatchSize,
		EscalationLeaseTTL:   cfg.EscalationLeaseTTL,
		AuditFlushBatchSize:  cfg.AuditFlushBatchSize,
	}
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		_ = closers[i].Close()
	}
}

// RunAPI serves HTTP and gRPC and replays the api audit spool until ctx ends or a server fails.
func (r *Runtime) RunAPI(ctx context.Context) error {
	if r.role != RoleAPI {
		return fmt.Errorf("runtime built for role %q cannot run the api", r.role)
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return r.grpcServer.Serve(r.grpcLis)
	})
	g.Go(func() error {
		return ignoreCanceled(r.jobs.Run(gctx))
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := r.httpServer.Shutdown(shutdownCtx)
		r.grpcServer.GracefulStop()
		return err
	})
	r.logger.InfoContext(ctx, "api started",
		"module", "bootstrap",
		"layer", "runtime",
		"operation", "run_api",
		"http_port", r.cfg.HTTPPort,
		"grpc_port", r.cfg.GRPCPort,
	)

	err := g.Wait()
	if err != nil {
		r.logger.ErrorContext(ctx, "runtime failure", "module", "bootstrap", "layer", "runtime", "operation", "run_api", "error", err)
	}
	r.cleanupFn(context.Background())
	return err
}

// RunWorker drives the outbox, the payout event consumer and the scheduled jobs. When one of
// them fails the others are cancelled and awaited before shared resources are closed.
func (r *Runtime) RunWorker(ctx context.Context) error {
	if r.role != RoleWorker {
		return fmt.Errorf("runtime built for role %q cannot run the worker", r.role)
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(r.outbox.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(r.consumer.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(r.jobs.Run(gctx)) })
	r.logger.InfoContext(ctx, "worker started", "module", "bootstrap", "layer", "runtime", "operation", "run_worker")

	err := g.Wait()
	r.cleanupFn(context.Background())
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
