package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/venuelink/internal/config"
)

// Execer runs a statement without returning rows. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// schema is applied idempotently at startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS order_events (
		id              UUID PRIMARY KEY,
		source          TEXT NOT NULL,
		portfolio_id    TEXT NOT NULL DEFAULT '',
		strategy_id     TEXT NOT NULL DEFAULT '',
		account_id      TEXT NOT NULL DEFAULT '',
		symbol          TEXT NOT NULL,
		client_order_id TEXT NOT NULL DEFAULT '',
		order_id        TEXT NOT NULL DEFAULT '',
		exec_id         TEXT NOT NULL DEFAULT '',
		side            TEXT NOT NULL DEFAULT '',
		order_type      TEXT NOT NULL DEFAULT '',
		exec_type       TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT '',
		price           NUMERIC,
		quantity        NUMERIC,
		last_price      NUMERIC,
		last_qty        NUMERIC,
		cum_qty         NUMERIC,
		event_time      TIMESTAMPTZ,
		received_at     TIMESTAMPTZ NOT NULL,
		raw             TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS order_events_client_order_id_idx ON order_events (client_order_id)`,
	`CREATE INDEX IF NOT EXISTS order_events_received_at_idx ON order_events (received_at)`,
}

// EnsureSchema creates the journal table and indexes if missing.
func EnsureSchema(ctx context.Context, db Execer) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
