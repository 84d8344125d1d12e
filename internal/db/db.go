package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type Config struct {
	Driver string // mysql | postgres | sqlite
	DSN    string
}

// Open opens a pool for cfg.Driver. MySQL DSNs get parseTime=true.
// SQLite is limited to one connection so writers serialize.
func Open(cfg Config) (*sql.DB, error) {
	driver, dsn := cfg.Driver, cfg.DSN
	switch driver {
	case "mysql":
		mc, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		mc.ParseTime = true
		mc.Loc = time.UTC
		dsn = mc.FormatDSN()
	case "postgres":
	case "sqlite":
		driver = "sqlite3"
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		return db, nil
	}

	// Conservative defaults (tune later)
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	c, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return db.PingContext(c)
}
