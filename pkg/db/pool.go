// Package db stores a durable audit trail of executed jobs in any
// database/sql backend the binary registers: PostgreSQL (pgx or lib/pq) and
// SQLite (mattn or modernc).
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned when a PoolConfig cannot be opened.
var ErrInvalidConfig = errors.New("invalid database config")

// PoolConfig configures the database/sql connection pool.
type PoolConfig struct {
	// DriverName is a registered driver: "pgx", "postgres", "sqlite3" or "sqlite".
	DriverName string

	// DSN is the driver-specific connection string.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns pool limits suited to a low-volume audit writer.
func DefaultPoolConfig(driverName, dsn string) PoolConfig {
	return PoolConfig{
		DriverName:      driverName,
		DSN:             dsn,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

func (c PoolConfig) validate() error {
	switch {
	case c.DriverName == "":
		return fmt.Errorf("%w: driver name cannot be empty", ErrInvalidConfig)
	case c.DSN == "":
		return fmt.Errorf("%w: DSN cannot be empty", ErrInvalidConfig)
	case c.MaxOpenConns <= 0:
		return fmt.Errorf("%w: MaxOpenConns must be positive", ErrInvalidConfig)
	case c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns:
		return fmt.Errorf("%w: MaxIdleConns must be within [0, MaxOpenConns]", ErrInvalidConfig)
	case c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0:
		return fmt.Errorf("%w: connection lifetimes cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// OpenPool validates cfg, opens the pool and pings it.
func OpenPool(ctx context.Context, cfg PoolConfig) (*sql.DB, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.DriverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DriverName, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.DriverName, err)
	}

	return db, nil
}
