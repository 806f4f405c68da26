package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServiceID string

	HTTPPort int
	GRPCPort int

	DatabaseURL   string
	RedisURL      string
	KafkaBrokers  []string
	JWTSecret     string
	StripeKey     string
	AuditSpoolDir string

	MaxDBConns         int32
	KafkaConsumerGroup string
	KafkaTopicPayouts  []string
	KafkaTopicDomain   string
	KafkaTopicOps      string
	KafkaTopicDLQ      string

	OutboxPollInterval     time.Duration
	OutboxBatchSize        int
	ConsumerPollInterval   time.Duration
	EscalationScanInterval time.Duration
	EscalationBatchSize    int
	EscalationLeaseTTL     time.Duration
	ReconcileInterval      time.Duration
	ReconcileBatchSize     int
	ReconcileBackoffBase   time.Duration
	ReconcileBackoffMax    time.Duration
	AuditFlushInterval     time.Duration
	AuditFlushBatchSize    int
	KeyPurgeInterval       time.Duration
	IdempotencyTTL         time.Duration
	EventDedupTTL          time.Duration
	ProviderTimeout        time.Duration
	ConflictRetries        int
	SellerResponseWindow   time.Duration
	AutoIntake             bool
	MaxPayoutRetries       int
	DistributionEpsilon    decimal.Decimal
	PlatformRecipientID    string
	FeeSchedule            map[string]decimal.Decimal
}

type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		HTTPPort int    `yaml:"http_port"`
		GRPCPort int    `yaml:"grpc_port"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL        string   `yaml:"postgres_url"`
		RedisURL           string   `yaml:"redis_url"`
		KafkaBrokers       []string `yaml:"kafka_brokers"`
		KafkaConsumerGroup string   `yaml:"kafka_consumer_group"`
		KafkaTopicPayouts  []string `yaml:"kafka_topic_payouts"`
		KafkaTopicDomain   string   `yaml:"kafka_topic_domain"`
		KafkaTopicOps      string   `yaml:"kafka_topic_ops"`
		KafkaTopicDLQ      string   `yaml:"kafka_topic_dlq"`
		AuditSpoolDir      string   `yaml:"audit_spool_dir"`
	} `yaml:"dependencies"`
	Settlement struct {
		DistributionEpsilon      string            `yaml:"distribution_epsilon"`
		PlatformRecipientID      string            `yaml:"platform_recipient_id"`
		FeeSchedule              map[string]string `yaml:"fee_schedule"`
		SellerResponseWindowHour int               `yaml:"seller_response_window_hours"`
		AutoIntake               *bool             `yaml:"auto_intake"`
		MaxPayoutRetries         int               `yaml:"max_payout_retries"`
		ProviderTimeoutSeconds   int               `yaml:"provider_timeout_seconds"`
		EscalationScanSeconds    int               `yaml:"escalation_scan_seconds"`
		ReconcileIntervalSeconds int               `yaml:"reconcile_interval_seconds"`
	} `yaml:"settlement"`
}

// LoadConfig layers defaults, an optional .env file, the YAML file at path and finally the
// process environment.
func LoadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ServiceID:              "M40-Revenue-Settlement-Service",
		HTTPPort:               8080,
		GRPCPort:               9090,
		MaxDBConns:             20,
		KafkaConsumerGroup:     "m40-revenue-settlement-service",
		KafkaTopicPayouts:      []string{"payout.paid", "payout.failed"},
		KafkaTopicDomain:       "revenue-settlement.events",
		KafkaTopicOps:          "revenue-settlement.ops",
		KafkaTopicDLQ:          "revenue-settlement.dlq",
		AuditSpoolDir:          "var/audit-spool",
		OutboxPollInterval:     2 * time.Second,
		OutboxBatchSize:        100,
		ConsumerPollInterval:   2 * time.Second,
		EscalationScanInterval: time.Minute,
		EscalationBatchSize:    200,
		EscalationLeaseTTL:     30 * time.Second,
		ReconcileInterval:      time.Minute,
		ReconcileBatchSize:     50,
		ReconcileBackoffBase:   time.Minute,
		ReconcileBackoffMax:    6 * time.Hour,
		AuditFlushInterval:     15 * time.Second,
		AuditFlushBatchSize:    100,
		KeyPurgeInterval:       time.Hour,
		IdempotencyTTL:         7 * 24 * time.Hour,
		EventDedupTTL:          7 * 24 * time.Hour,
		ProviderTimeout:        5 * time.Second,
		ConflictRetries:        3,
		SellerResponseWindow:   72 * time.Hour,
		MaxPayoutRetries:       3,
		DistributionEpsilon:    decimal.New(1, -2),
		PlatformRecipientID:    "platform",
		FeeSchedule:            map[string]decimal.Decimal{},
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		if err := applyFile(&cfg, f); err != nil {
			return Config{}, err
		}
	}

	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.StripeKey = envOrDefault("STRIPE_SECRET_KEY", cfg.StripeKey)
	cfg.AuditSpoolDir = envOrDefault("AUDIT_SPOOL_DIR", cfg.AuditSpoolDir)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaConsumerGroup = envOrDefault("KAFKA_CONSUMER_GROUP", cfg.KafkaConsumerGroup)
	cfg.KafkaTopicPayouts = envCSV("KAFKA_TOPIC_PAYOUTS", cfg.KafkaTopicPayouts)
	cfg.KafkaTopicDomain = envOrDefault("KAFKA_TOPIC_DOMAIN", cfg.KafkaTopicDomain)
	cfg.KafkaTopicOps = envOrDefault("KAFKA_TOPIC_OPS", cfg.KafkaTopicOps)
	cfg.KafkaTopicDLQ = envOrDefault("KAFKA_TOPIC_DLQ", cfg.KafkaTopicDLQ)
	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.OutboxPollInterval = time.Duration(envInt("OUTBOX_POLL_SECONDS", int(cfg.OutboxPollInterval.Seconds()))) * time.Second
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.ConsumerPollInterval = time.Duration(envInt("CONSUMER_POLL_SECONDS", int(cfg.ConsumerPollInterval.Seconds()))) * time.Second
	cfg.EscalationScanInterval = time.Duration(envInt("ESCALATION_SCAN_SECONDS", int(cfg.EscalationScanInterval.Seconds()))) * time.Second
	cfg.EscalationBatchSize = envInt("ESCALATION_BATCH_SIZE", cfg.EscalationBatchSize)
	cfg.ReconcileInterval = time.Duration(envInt("RECONCILE_INTERVAL_SECONDS", int(cfg.ReconcileInterval.Seconds()))) * time.Second
	cfg.ReconcileBatchSize = envInt("RECONCILE_BATCH_SIZE", cfg.ReconcileBatchSize)
	cfg.ReconcileBackoffBase = time.Duration(envInt("RECONCILE_BACKOFF_BASE_SECONDS", int(cfg.ReconcileBackoffBase.Seconds()))) * time.Second
	cfg.ReconcileBackoffMax = time.Duration(envInt("RECONCILE_BACKOFF_MAX_SECONDS", int(cfg.ReconcileBackoffMax.Seconds()))) * time.Second
	cfg.AuditFlushInterval = time.Duration(envInt("AUDIT_FLUSH_SECONDS", int(cfg.AuditFlushInterval.Seconds()))) * time.Second
	cfg.AuditFlushBatchSize = envInt("AUDIT_FLUSH_BATCH_SIZE", cfg.AuditFlushBatchSize)
	cfg.KeyPurgeInterval = time.Duration(envInt("KEY_PURGE_MINUTES", int(cfg.KeyPurgeInterval.Minutes()))) * time.Minute
	cfg.IdempotencyTTL = time.Duration(envInt("IDEMPOTENCY_TTL_HOURS", int(cfg.IdempotencyTTL.Hours()))) * time.Hour
	cfg.EventDedupTTL = time.Duration(envInt("EVENT_DEDUP_TTL_HOURS", int(cfg.EventDedupTTL.Hours()))) * time.Hour
	cfg.ProviderTimeout = time.Duration(envInt("PROVIDER_TIMEOUT_MS", int(cfg.ProviderTimeout.Milliseconds()))) * time.Millisecond
	cfg.ConflictRetries = envInt("CONFLICT_RETRIES", cfg.ConflictRetries)
	cfg.SellerResponseWindow = time.Duration(envInt("SELLER_RESPONSE_WINDOW_HOURS", int(cfg.SellerResponseWindow.Hours()))) * time.Hour
	cfg.AutoIntake = envBool("AUTO_INTAKE", cfg.AutoIntake)
	cfg.MaxPayoutRetries = envInt("MAX_PAYOUT_RETRIES", cfg.MaxPayoutRetries)
	cfg.DistributionEpsilon = envDecimal("DISTRIBUTION_EPSILON", cfg.DistributionEpsilon)
	cfg.PlatformRecipientID = envOrDefault("PLATFORM_RECIPIENT_ID", cfg.PlatformRecipientID)

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("missing DB_URL/POSTGRES_URL")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("missing REDIS_URL")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("missing JWT_SECRET")
	}
	return cfg, nil
}

func applyFile(cfg *Config, f configFile) error {
	if f.Service.ID != "" {
		cfg.ServiceID = f.Service.ID
	}
	if f.Service.HTTPPort > 0 {
		cfg.HTTPPort = f.Service.HTTPPort
	}
	if f.Service.GRPCPort > 0 {
		cfg.GRPCPort = f.Service.GRPCPort
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = trimNonEmpty(f.Dependencies.KafkaBrokers)
	}
	if f.Dependencies.KafkaConsumerGroup != "" {
		cfg.KafkaConsumerGroup = f.Dependencies.KafkaConsumerGroup
	}
	if len(f.Dependencies.KafkaTopicPayouts) > 0 {
		cfg.KafkaTopicPayouts = trimNonEmpty(f.Dependencies.KafkaTopicPayouts)
	}
	if f.Dependencies.KafkaTopicDomain != "" {
		cfg.KafkaTopicDomain = f.Dependencies.KafkaTopicDomain
	}
	if f.Dependencies.KafkaTopicOps != "" {
		cfg.KafkaTopicOps = f.Dependencies.KafkaTopicOps
	}
	if f.Dependencies.KafkaTopicDLQ != "" {
		cfg.KafkaTopicDLQ = f.Dependencies.KafkaTopicDLQ
	}
	if f.Dependencies.AuditSpoolDir != "" {
		cfg.AuditSpoolDir = f.Dependencies.AuditSpoolDir
	}

	s := f.Settlement
	if s.DistributionEpsilon != "" {
		eps, err := decimal.NewFromString(s.DistributionEpsilon)
		if err != nil || !eps.IsPositive() {
			return fmt.Errorf("parse settlement.distribution_epsilon %q", s.DistributionEpsilon)
		}
		cfg.DistributionEpsilon = eps
	}
	if s.PlatformRecipientID != "" {
		cfg.PlatformRecipientID = s.PlatformRecipientID
	}
	for role, raw := range s.FeeSchedule {
		pct, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("parse settlement.fee_schedule.%s %q", role, raw)
		}
		cfg.FeeSchedule[strings.ToLower(strings.TrimSpace(role))] = pct
	}
	if s.SellerResponseWindowHour > 0 {
		cfg.SellerResponseWindow = time.Duration(s.SellerResponseWindowHour) * time.Hour
	}
	if s.AutoIntake != nil {
		cfg.AutoIntake = *s.AutoIntake
	}
	if s.MaxPayoutRetries > 0 {
		cfg.MaxPayoutRetries = s.MaxPayoutRetries
	}
	if s.ProviderTimeoutSeconds > 0 {
		cfg.ProviderTimeout = time.Duration(s.ProviderTimeoutSeconds) * time.Second
	}
	if s.EscalationScanSeconds > 0 {
		cfg.EscalationScanInterval = time.Duration(s.EscalationScanSeconds) * time.Second
	}
	if s.ReconcileIntervalSeconds > 0 {
		cfg.ReconcileInterval = time.Duration(s.ReconcileIntervalSeconds) * time.Second
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func envDecimal(name string, fallback decimal.Decimal) decimal.Decimal {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envCSV(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return trimNonEmpty(strings.Split(raw, ","))
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
