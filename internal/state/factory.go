package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ETAnderson/catalogsync/internal/db"
	"github.com/ETAnderson/catalogsync/internal/migrate"
)

type FactoryConfig struct {
	Backend       string
	DSN           string
	RunMigrations bool
}

type FactoryResult struct {
	Store Store
	DB    *sql.DB // nil for memory
}

func NewStore(ctx context.Context, cfg FactoryConfig) (FactoryResult, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = "memory"
	}

	if backend == "memory" {
		return FactoryResult{Store: NewMemoryStore()}, nil
	}
	dialect, err := DialectFor(backend)
	if err != nil {
		return FactoryResult{}, err
	}

	if strings.TrimSpace(cfg.DSN) == "" {
		return FactoryResult{}, fmt.Errorf("DB_DSN is required when STATE_BACKEND=%s", backend)
	}

	sqlDB, err := db.Open(db.Config{Driver: dialect.Name, DSN: cfg.DSN})
	if err != nil {
		return FactoryResult{}, err
	}

	c, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(c); err != nil {
		_ = sqlDB.Close()
		return FactoryResult{}, err
	}

	if cfg.RunMigrations {
		if err := migrate.Apply(ctx, sqlDB, dialect.Name); err != nil {
			_ = sqlDB.Close()
			return FactoryResult{}, fmt.Errorf("migrate: %w", err)
		}
	}

	return FactoryResult{
		Store: NewSQLStore(sqlDB, dialect),
		DB:    sqlDB,
	}, nil
}
