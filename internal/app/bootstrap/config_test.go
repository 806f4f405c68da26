package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigLayersFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
service:
  id: settlement-test
  http_port: 18080
dependencies:
  postgres_url: postgres://file
  redis_url: redis://file:6379
settlement:
  distribution_epsilon: "0.05"
  fee_schedule:
    Seller: "10"
  seller_response_window_hours: 48
  auto_intake: true
`)
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("REDIS_URL", "redis://env:6379")
	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092")
	t.Setenv("MAX_PAYOUT_RETRIES", "5")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServiceID != "settlement-test" || cfg.HTTPPort != 18080 || cfg.GRPCPort != 9090 {
		t.Fatalf("unexpected service section: %+v", cfg)
	}
	if cfg.DatabaseURL != "postgres://file" || cfg.RedisURL != "redis://env:6379" {
		t.Fatalf("env should override file: db=%s redis=%s", cfg.DatabaseURL, cfg.RedisURL)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.DistributionEpsilon.String() != "0.05" {
		t.Fatalf("expected epsilon 0.05, got %s", cfg.DistributionEpsilon)
	}
	if fee, ok := cfg.FeeSchedule["seller"]; !ok || fee.String() != "10" {
		t.Fatalf("expected normalized seller fee, got %v", cfg.FeeSchedule)
	}
	if cfg.SellerResponseWindow != 48*time.Hour || !cfg.AutoIntake || cfg.MaxPayoutRetries != 5 {
		t.Fatalf("unexpected settlement values: %+v", cfg)
	}
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	path := writeConfig(t, `
dependencies:
  postgres_url: postgres://file
  redis_url: redis://file:6379
`)
	t.Setenv("JWT_SECRET", "")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected missing JWT_SECRET error")
	}
}

func TestLoadConfigRejectsBadFeeSchedule(t *testing.T) {
	path := writeConfig(t, `
settlement:
  fee_schedule:
    seller: "120"
`)
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_URL", "postgres://env")
	t.Setenv("REDIS_URL", "redis://env")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected fee schedule validation error")
	}
}
