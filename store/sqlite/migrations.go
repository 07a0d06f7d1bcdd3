package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the settlement store (SQLite).
var Migrations = migrate.NewGroup("settlement")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_settlement_accounts",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				return execAll(ctx, exec, `
CREATE TABLE IF NOT EXISTS settlement_accounts (
    id         TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`)
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				return execAll(ctx, exec, `DROP TABLE IF EXISTS settlement_accounts`)
			},
		},
		&migrate.Migration{
			Name:    "create_settlement_requests",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				return execAll(ctx, exec, `
CREATE TABLE IF NOT EXISTS settlement_requests (
    account_id      TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    amount          TEXT NOT NULL,
    expires_at      INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    PRIMARY KEY (account_id, idempotency_key)
)`,
					`CREATE INDEX IF NOT EXISTS idx_settlement_requests_expires ON settlement_requests (expires_at)`,
				)
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				return execAll(ctx, exec, `DROP TABLE IF EXISTS settlement_requests`)
			},
		},
		&migrate.Migration{
			Name:    "create_settlement_pending_amounts",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				return execAll(ctx, exec, `
CREATE TABLE IF NOT EXISTS settlement_pending_amounts (
    seq              INTEGER PRIMARY KEY AUTOINCREMENT,
    id               TEXT NOT NULL UNIQUE,
    account_id       TEXT NOT NULL,
    amount           TEXT NOT NULL,
    lease_id         TEXT NOT NULL DEFAULT '',
    lease_expires_at INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
)`,
					`CREATE INDEX IF NOT EXISTS idx_settlement_pending_account ON settlement_pending_amounts (account_id, seq)`,
				)
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				return execAll(ctx, exec, `DROP TABLE IF EXISTS settlement_pending_amounts`)
			},
		},
		&migrate.Migration{
			Name:    "create_settlement_credits",
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				return execAll(ctx, exec, `
CREATE TABLE IF NOT EXISTS settlement_credits (
    id            TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL,
    amount        TEXT NOT NULL,
    attempts      INTEGER NOT NULL DEFAULT 0,
    next_retry_at INTEGER NOT NULL,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
)`,
					`CREATE INDEX IF NOT EXISTS idx_settlement_credits_retry ON settlement_credits (next_retry_at, id)`,
					`CREATE INDEX IF NOT EXISTS idx_settlement_credits_account ON settlement_credits (account_id)`,
				)
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				return execAll(ctx, exec, `DROP TABLE IF EXISTS settlement_credits`)
			},
		},
	)
}

// execAll runs each statement in order; SQLite executes one statement per call.
func execAll(ctx context.Context, exec migrate.Executor, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := exec.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
