package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/savegress/medledger/internal/config"
)

// DB wraps the postgres connection pool
type DB struct {
	pool *pgxpool.Pool
}

// New creates a connection pool and verifies connectivity
func New(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes the pool
func (db *DB) Close() {
	db.pool.Close()
}

// Pool returns the underlying pool
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Migrate creates the medledger tables if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			address TEXT PRIMARY KEY,
			role SMALLINT NOT NULL,
			public_key BYTEA,
			registered_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS authorizations (
			patient TEXT NOT NULL,
			doctor TEXT NOT NULL,
			active BOOLEAN NOT NULL,
			granted_at BIGINT NOT NULL,
			revoked_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (patient, doctor)
		)`,
		`CREATE TABLE IF NOT EXISTS record_chains (
			patient TEXT PRIMARY KEY,
			token_id BIGINT NOT NULL,
			handle TEXT NOT NULL,
			current_pointer TEXT NOT NULL,
			history JSONB NOT NULL DEFAULT '[]',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			patient TEXT NOT NULL,
			doctor TEXT,
			actor TEXT NOT NULL,
			pointer TEXT,
			ts BIGINT NOT NULL,
			hash TEXT NOT NULL,
			prev_hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_authorizations_doctor ON authorizations (doctor) WHERE active`,
		`CREATE INDEX IF NOT EXISTS idx_events_patient ON events (patient, ts)`,
	}

	for _, stmt := range statements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
