// Package postgres implements the persistence contracts on PostgreSQL via
// sqlx. One repository per aggregate, each with a per-call statement timeout.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DefaultTimeout bounds individual statements when callers pass no tighter
// deadline.
const DefaultTimeout = 5 * time.Second

// Schema is the DDL for the settlement tables. Idempotent; applied by
// EnsureSchema at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS creation_files (
	epoch_id           BIGINT PRIMARY KEY,
	weights_hash       TEXT NOT NULL,
	valid_from         TIMESTAMPTZ NOT NULL,
	valid_until        TIMESTAMPTZ NOT NULL,
	creation_unit_size BIGINT NOT NULL,
	cash_component_bps INT NOT NULL,
	tolerance_bps      INT NOT NULL,
	min_creation_size  BIGINT NOT NULL,
	assets             JSONB NOT NULL,
	published_at       TIMESTAMPTZ NOT NULL,
	published_by       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS creation_requests (
	request_id       TEXT PRIMARY KEY,
	requester        TEXT NOT NULL,
	epoch_id         BIGINT NOT NULL,
	creation_size    BIGINT NOT NULL,
	status           TEXT NOT NULL,
	required_basket  JSONB NOT NULL,
	tolerance_bps    INT NOT NULL,
	delivered_basket JSONB,
	delivery_proof   TEXT NOT NULL DEFAULT '',
	nav_per_share    NUMERIC(30, 18) NOT NULL DEFAULT 0,
	shares_out       BIGINT NOT NULL DEFAULT 0,
	fees             BIGINT NOT NULL DEFAULT 0,
	cash_component   BIGINT NOT NULL DEFAULT 0,
	submitted_at     TIMESTAMPTZ NOT NULL,
	delivered_at     TIMESTAMPTZ,
	attested_at      TIMESTAMPTZ,
	closed_at        TIMESTAMPTZ,
	expires_at       TIMESTAMPTZ NOT NULL,
	close_reason     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_creation_requests_status ON creation_requests (status);
CREATE INDEX IF NOT EXISTS idx_creation_requests_epoch  ON creation_requests (epoch_id);
CREATE INDEX IF NOT EXISTS idx_creation_requests_expiry ON creation_requests (expires_at);
`

// Connect opens a postgres pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// EnsureSchema applies the DDL.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}
