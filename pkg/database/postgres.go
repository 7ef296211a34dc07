package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// ApplicationName tags every ledger session in pg_stat_activity.
const ApplicationName = "ekaya-ledger"

const (
	defaultMaxConns          = 25
	defaultMinConns          = 2
	defaultMaxConnLifetime   = time.Hour
	defaultMaxConnIdleTime   = 30 * time.Minute
	defaultHealthCheckPeriod = 30 * time.Second
)

// DB is the ledger's PostgreSQL pool.
type DB struct {
	*pgxpool.Pool
}

// Options tunes the ledger pool. Zero values take the defaults above.
type Options struct {
	DSN      string
	MaxConns int32
	MinConns int32
	// StatementTimeout caps each statement server-side; zero leaves the server default.
	StatementTimeout time.Duration
}

// Connect opens the pool and waits for one successful round trip.
// Sessions run in UTC so text-rendered timestamps match the hashed form.
func Connect(ctx context.Context, opts Options) (*DB, error) {
	poolConfig, err := poolConfig(opts)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger database unreachable: %w", err)
	}

	return &DB{Pool: pool}, nil
}

func poolConfig(opts Options) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		// pgx echoes the DSN, password included, in parse errors.
		return nil, errors.New("invalid ledger database DSN")
	}

	cfg.MaxConns = opts.MaxConns
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = defaultMaxConns
	}
	cfg.MinConns = opts.MinConns
	if cfg.MinConns <= 0 {
		cfg.MinConns = defaultMinConns
	}
	if cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = cfg.MaxConns
	}
	cfg.MaxConnLifetime = defaultMaxConnLifetime
	cfg.MaxConnIdleTime = defaultMaxConnIdleTime
	cfg.HealthCheckPeriod = defaultHealthCheckPeriod

	params := cfg.ConnConfig.RuntimeParams
	params["application_name"] = ApplicationName
	params["timezone"] = "UTC"
	if opts.StatementTimeout > 0 {
		params["statement_timeout"] = fmt.Sprintf("%d", opts.StatementTimeout.Milliseconds())
	}

	return cfg, nil
}

// StdDB exposes the pool through database/sql for the migration runner.
// Closing the returned *sql.DB does not close the pool.
func (db *DB) StdDB() *sql.DB {
	return stdlib.OpenDBFromPool(db.Pool)
}
