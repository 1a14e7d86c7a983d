// Package database provides PostgreSQL persistence for backtest runs:
// the run registry, incremental trade/signal/fill/snapshot archives,
// checkpoints, and final results.
package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB owns the pgx connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds PostgreSQL connection settings.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// NewDB opens a connection pool and verifies it with a ping.
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	log.Printf("Connected to PostgreSQL database %s", cfg.Database)
	return &DB{Pool: pool}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations applies the schema. Every statement is idempotent, so
// reruns on an existing database are safe.
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Create backtest_runs table
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id UUID PRIMARY KEY,
			dataset_id VARCHAR(64) NOT NULL,
			algorithm_id VARCHAR(64) NOT NULL,
			mode VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL,
			config JSONB NOT NULL,
			processed_bars INTEGER NOT NULL DEFAULT 0,
			total_bars INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Create backtest_trades table
		`CREATE TABLE IF NOT EXISTS backtest_trades (
			id UUID PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
			coin_id VARCHAR(32) NOT NULL,
			side VARCHAR(8) NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			total_value DOUBLE PRECISION NOT NULL,
			fee DOUBLE PRECISION NOT NULL,
			realized_pnl DOUBLE PRECISION,
			realized_pnl_percent DOUBLE PRECISION,
			cost_basis DOUBLE PRECISION,
			executed_at BIGINT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Create backtest_fills table
		`CREATE TABLE IF NOT EXISTS backtest_fills (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
			coin_id VARCHAR(32) NOT NULL,
			side VARCHAR(8) NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			fee DOUBLE PRECISION NOT NULL,
			slippage_bps DOUBLE PRECISION NOT NULL,
			executed_at BIGINT NOT NULL
		)`,

		// Create backtest_signals table
		`CREATE TABLE IF NOT EXISTS backtest_signals (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
			timestamp BIGINT NOT NULL,
			coin_id VARCHAR(32) NOT NULL,
			action VARCHAR(8) NOT NULL,
			original_type VARCHAR(16) NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			reason TEXT,
			executed BOOLEAN NOT NULL,
			reject_reason TEXT
		)`,

		// Create backtest_snapshots table
		`CREATE TABLE IF NOT EXISTS backtest_snapshots (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
			timestamp BIGINT NOT NULL,
			portfolio_value DOUBLE PRECISION NOT NULL,
			cash_balance DOUBLE PRECISION NOT NULL,
			holdings JSONB,
			cumulative_return DOUBLE PRECISION NOT NULL,
			drawdown DOUBLE PRECISION NOT NULL
		)`,

		// Create backtest_checkpoints table
		`CREATE TABLE IF NOT EXISTS backtest_checkpoints (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
			last_processed_index INTEGER NOT NULL,
			checksum VARCHAR(64) NOT NULL,
			state JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (run_id, last_processed_index)
		)`,

		// Create backtest_results table
		`CREATE TABLE IF NOT EXISTS backtest_results (
			run_id UUID PRIMARY KEY REFERENCES backtest_runs(id) ON DELETE CASCADE,
			status VARCHAR(16) NOT NULL,
			metrics JSONB NOT NULL,
			final_portfolio JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Create indexes for common lookups
		`CREATE INDEX IF NOT EXISTS idx_backtest_runs_status ON backtest_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_runs_created_at ON backtest_runs(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_trades_run_id ON backtest_trades(run_id, executed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_fills_run_id ON backtest_fills(run_id, executed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_signals_run_id ON backtest_signals(run_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_snapshots_run_id ON backtest_snapshots(run_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_checkpoints_run_id ON backtest_checkpoints(run_id, last_processed_index DESC)`,
	}

	for i, stmt := range migrations {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}

	log.Println("Database migrations complete")
	return nil
}
