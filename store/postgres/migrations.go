package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the settlement store.
var Migrations = migrate.NewGroup("settlement")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_settlement_accounts",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS settlement_accounts (
    id         TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS settlement_accounts`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_settlement_requests",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS settlement_requests (
    account_id      TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    amount          NUMERIC NOT NULL CHECK (amount > 0),
    expires_at      TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (account_id, idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_settlement_requests_expires ON settlement_requests (expires_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS settlement_requests`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_settlement_pending_amounts",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS settlement_pending_amounts (
    seq              BIGSERIAL PRIMARY KEY,
    id               TEXT NOT NULL UNIQUE,
    account_id       TEXT NOT NULL,
    amount           NUMERIC NOT NULL CHECK (amount > 0),
    lease_id         TEXT NOT NULL DEFAULT '',
    lease_expires_at TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_settlement_pending_account ON settlement_pending_amounts (account_id, seq);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS settlement_pending_amounts`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_settlement_credits",
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS settlement_credits (
    id            TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL,
    amount        NUMERIC NOT NULL CHECK (amount > 0),
    attempts      INTEGER NOT NULL DEFAULT 0,
    next_retry_at TIMESTAMPTZ NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_settlement_credits_retry ON settlement_credits (next_retry_at, id);
CREATE INDEX IF NOT EXISTS idx_settlement_credits_account ON settlement_credits (account_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS settlement_credits`)
				return err
			},
		},
	)
}
