package postgres

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

func Connect(ctx context.Context, databaseURL string, maxConns int32) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(int(maxConns))
		sqlDB.SetMaxIdleConns(int(maxConns) / 2)
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// migrationLockKey serializes migrations between the api and worker processes booting together.
const migrationLockKey int64 = 40_0001

// RunMigrations applies the embedded migrations not yet recorded in settlement_schema_migrations,
// in name order, inside one transaction holding an advisory lock.
func RunMigrations(ctx context.Context, db *gorm.DB) error {
	names, err := migrationNames()
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", migrationLockKey).Error; err != nil {
			return fmt.Errorf("lock migrations: %w", err)
		}
		if err := tx.Exec(`CREATE TABLE IF NOT EXISTS settlement_schema_migrations (
	name       TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL
)`).Error; err != nil {
			return fmt.Errorf("create migrations table: %w", err)
		}
		var applied []string
		if err := tx.Table("settlement_schema_migrations").Pluck("name", &applied).Error; err != nil {
			return fmt.Errorf("list applied migrations: %w", err)
		}
		done := make(map[string]struct{}, len(applied))
		for _, name := range applied {
			done[name] = struct{}{}
		}
		for _, name := range names {
			if _, ok := done[name]; ok {
				continue
			}
			raw, readErr := migrationFS.ReadFile("migrations/" + name)
			if readErr != nil {
				return fmt.Errorf("read migration %s: %w", name, readErr)
			}
			if execErr := tx.Exec(string(raw)).Error; execErr != nil {
				return fmt.Errorf("exec migration %s: %w", name, execErr)
			}
			if err := tx.Exec("INSERT INTO settlement_schema_migrations (name, applied_at) VALUES (?, ?)", name, time.Now().UTC()).Error; err != nil {
				return fmt.Errorf("record migration %s: %w", name, err)
			}
		}
		return nil
	})
}

func migrationNames() ([]string, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
