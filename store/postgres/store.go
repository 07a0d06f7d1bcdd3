// Package postgres implements store.Store on PostgreSQL through grove and
// pgdriver.
//
// Every operation that touches an account's queue first takes a row lock on
// the account (SELECT ... FOR UPDATE), so concurrent callers on the same
// account are serialised inside the database. Credit claims use
// FOR UPDATE SKIP LOCKED so several coordinators can drain the retry index
// without blocking on each other.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate" // registers the "pg" migration executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/account"
	"github.com/xraph/settlement/credit"
	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/internal/codec"
	"github.com/xraph/settlement/queue"
	sstore "github.com/xraph/settlement/store"
)

// compile-time interface check
var _ sstore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// Open connects a pgdriver pool to dsn and wraps it in a grove handle.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pgdb := pgdriver.New()
	if err := pgdb.Open(ctx, dsn); err != nil {
		return nil, fmt.Errorf("settlement/postgres: connect: %w", err)
	}
	db, err := grove.Open(pgdb)
	if err != nil {
		_ = pgdb.Close()
		return nil, fmt.Errorf("settlement/postgres: connect: %w", err)
	}
	return New(db), nil
}

// New creates a new PostgreSQL store backed by Grove.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("settlement/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("settlement/postgres: %w: %w", settlement.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, accountID string) (bool, error) {
	res, err := s.pg.Exec(ctx,
		`INSERT INTO settlement_accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, accountID)
	if err != nil {
		return false, fmt.Errorf("settlement/postgres: create account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (s *Store) AccountExists(ctx context.Context, accountID string) (bool, error) {
	var exists bool
	err := s.pg.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM settlement_accounts WHERE id = $1)`, accountID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("settlement/postgres: account exists: %w", err)
	}
	return exists, nil
}

func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	return s.withTx(ctx, func(tx driver.Tx) error {
		if err := lockAccount(ctx, tx, accountID); err != nil {
			if errors.Is(err, settlement.ErrAccountNotFound) {
				return nil
			}
			return err
		}
		for _, q := range []string{
			`DELETE FROM settlement_requests WHERE account_id = $1`,
			`DELETE FROM settlement_pending_amounts WHERE account_id = $1`,
			`DELETE FROM settlement_credits WHERE account_id = $1`,
			`DELETE FROM settlement_accounts WHERE id = $1`,
		} {
			if _, err := tx.Exec(ctx, q, accountID); err != nil {
				return fmt.Errorf("settlement/postgres: delete account: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListAccounts(ctx context.Context) ([]*account.Account, error) {
	var models []accountModel
	if err := s.pg.NewSelect(&models).OrderExpr("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("settlement/postgres: list accounts: %w", err)
	}

	result := make([]*account.Account, len(models))
	for i := range models {
		result[i] = fromAccountModel(&models[i])
	}
	return result, nil
}

// ==================== Queue Store ====================

func (s *Store) EnqueueIfAbsent(ctx context.Context, req *queue.Request, unitID id.AmountID) (decimal.Decimal, bool, error) {
	if !req.Amount.IsPositive() {
		return decimal.Zero, false, settlement.ErrInvalidAmount
	}

	var (
		queued decimal.Decimal
		isNew  bool
	)
	err := s.withTx(ctx, func(tx driver.Tx) error {
		if err := lockAccount(ctx, tx, req.AccountID); err != nil {
			return err
		}

		var (
			raw     string
			expires *time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT amount::text, expires_at FROM settlement_requests WHERE account_id = $1 AND idempotency_key = $2`,
			req.AccountID, req.IdempotencyKey).Scan(&raw, &expires)
		switch {
		case err == nil:
			existing := queue.Request{}
			if expires != nil {
				existing.ExpiresAt = *expires
			}
			if !existing.Expired(req.CreatedAt) {
				amount, err := codec.ParseAmount("settlement request", req.AccountID+":"+req.IdempotencyKey, raw)
				if err != nil {
					return err
				}
				_, err = tx.Exec(ctx, `
UPDATE settlement_requests SET expires_at = GREATEST(expires_at, $3), updated_at = $4
WHERE account_id = $1 AND idempotency_key = $2`,
					req.AccountID, req.IdempotencyKey, nullTime(req.ExpiresAt), req.CreatedAt)
				queued = amount
				return err
			}
		case !isNoRows(err):
			return err
		}

		if _, err := tx.Exec(ctx, `
INSERT INTO settlement_requests (account_id, idempotency_key, amount, expires_at, created_at, updated_at)
VALUES ($1, $2, $3::numeric, $4, $5, $5)
ON CONFLICT (account_id, idempotency_key) DO UPDATE SET
    amount = EXCLUDED.amount,
    expires_at = EXCLUDED.expires_at,
    created_at = EXCLUDED.created_at,
    updated_at = EXCLUDED.updated_at`,
			req.AccountID, req.IdempotencyKey, codec.FormatAmount(req.Amount), nullTime(req.ExpiresAt), req.CreatedAt,
		); err != nil {
			return err
		}
		if err := insertPending(ctx, tx, unitID, req.AccountID, req.Amount, req.CreatedAt); err != nil {
			return err
		}
		queued, isNew = req.Amount, true
		return nil
	})
	if err != nil {
		return decimal.Zero, false, err
	}
	return queued, isNew, nil
}

func (s *Store) LeaseAvailable(ctx context.Context, accountID string, leaseID id.LeaseID, now, expiresAt time.Time) (*queue.Lease, error) {
	lease := &queue.Lease{ID: leaseID, AccountID: accountID, ExpiresAt: expiresAt}
	err := s.withTx(ctx, func(tx driver.Tx) error {
		if err := lockAccount(ctx, tx, accountID); err != nil {
			return err
		}

		// RETURNING order is unspecified; the CTE restores queue order.
		rows, err := tx.Query(ctx, `
WITH leased AS (
    UPDATE settlement_pending_amounts SET lease_id = $2, lease_expires_at = $3, updated_at = $4
    WHERE account_id = $1 AND (lease_id = '' OR lease_expires_at <= $4)
    RETURNING seq, id, amount::text AS amount, created_at
)
SELECT id, amount, created_at FROM leased ORDER BY seq`,
			accountID, leaseID.String(), expiresAt, now)
		if err != nil {
			return err
		}

		type leasedRow struct {
			id        string
			amount    string
			createdAt time.Time
		}
		leased, err := collectRows(rows, func(rows driver.Rows) (leasedRow, error) {
			var r leasedRow
			err := rows.Scan(&r.id, &r.amount, &r.createdAt)
			return r, err
		})
		if err != nil {
			return err
		}

		for _, r := range leased {
			unitID, err := codec.ParseID("pending amount", r.id, r.id, id.PrefixAmount)
			if err != nil {
				return err
			}
			amount, err := codec.ParseAmount("pending amount", r.id, r.amount)
			if err != nil {
				return err
			}
			unit := queue.PendingAmount{
				ID:             unitID,
				AccountID:      accountID,
				Amount:         amount,
				LeaseID:        leaseID,
				LeaseExpiresAt: expiresAt,
			}
			unit.CreatedAt = r.createdAt.UTC()
			unit.Touch(now)
			lease.Amounts = append(lease.Amounts, unit)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (s *Store) CommitLease(ctx context.Context, lease *queue.Lease, now time.Time) error {
	if lease.Empty() {
		return nil
	}

	ids := lease.AmountIDs()
	return s.withTx(ctx, func(tx driver.Tx) error {
		if err := lockAccount(ctx, tx, lease.AccountID); err != nil {
			return err
		}
		res, err := tx.Exec(ctx, `
DELETE FROM settlement_pending_amounts
WHERE account_id = $1 AND lease_id = $2 AND lease_expires_at > $3 AND id = ANY($4)`,
			lease.AccountID, lease.ID.String(), now, ids)
		if err != nil {
			return fmt.Errorf("settlement/postgres: commit lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != int64(len(ids)) {
			return settlement.ErrLeaseExpired
		}
		return nil
	})
}

func (s *Store) RequeueAmount(ctx context.Context, unit *queue.PendingAmount) error {
	if !unit.Amount.IsPositive() {
		return settlement.ErrInvalidAmount
	}
	return s.withTx(ctx, func(tx driver.Tx) error {
		if err := lockAccount(ctx, tx, unit.AccountID); err != nil {
			return err
		}
		return insertPending(ctx, tx, unit.ID, unit.AccountID, unit.Amount, unit.CreatedAt)
	})
}

func (s *Store) PurgeRequests(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.pg.Exec(ctx,
		`DELETE FROM settlement_requests WHERE expires_at IS NOT NULL AND expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("settlement/postgres: purge requests: %w", err)
	}
	return res.RowsAffected()
}

// ==================== Credit Store ====================

func (s *Store) AddCredit(ctx context.Context, c *credit.Credit) error {
	if !c.Amount.IsPositive() {
		return settlement.ErrInvalidAmount
	}
	return s.withTx(ctx, func(tx driver.Tx) error {
		if err := lockAccount(ctx, tx, c.AccountID); err != nil {
			return err
		}
		created := c.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		_, err := tx.Exec(ctx, `
INSERT INTO settlement_credits (id, account_id, amount, attempts, next_retry_at, created_at, updated_at)
VALUES ($1, $2, $3::numeric, $4, $5, $6, $6)`,
			c.ID.String(), c.AccountID, codec.FormatAmount(c.Amount), c.Attempts, c.NextRetryAt, created)
		if err != nil {
			return fmt.Errorf("settlement/postgres: add credit: %w", err)
		}
		return nil
	})
}

func (s *Store) NextRetryableCredit(ctx context.Context, now time.Time, visibility time.Duration) (*credit.Credit, error) {
	var claimed *credit.Credit
	err := s.withTx(ctx, func(tx driver.Tx) error {
		var (
			rawID, accountID, rawAmount string
			attempts                    int
			createdAt                   time.Time
		)
		err := tx.QueryRow(ctx, `
SELECT id, account_id, amount::text, attempts, created_at FROM settlement_credits
WHERE next_retry_at <= $1
ORDER BY next_retry_at, id
LIMIT 1
FOR UPDATE SKIP LOCKED`, now).Scan(&rawID, &accountID, &rawAmount, &attempts, &createdAt)
		if isNoRows(err) {
			return settlement.ErrNoCreditReady
		}
		if err != nil {
			return err
		}

		creditID, err := codec.ParseID("credit", rawID, rawID, id.PrefixCredit)
		if err != nil {
			return err
		}
		amount, err := codec.ParseAmount("credit", rawID, rawAmount)
		if err != nil {
			return err
		}
		c := &credit.Credit{
			ID:          creditID,
			AccountID:   accountID,
			Amount:      amount,
			Attempts:    attempts + 1,
			NextRetryAt: now.Add(visibility),
		}
		c.CreatedAt = createdAt.UTC()
		c.Touch(now)

		if _, err := tx.Exec(ctx,
			`UPDATE settlement_credits SET attempts = $2, next_retry_at = $3, updated_at = $4 WHERE id = $1`,
			rawID, c.Attempts, c.NextRetryAt, now); err != nil {
			return err
		}
		claimed = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) ScheduleRetry(ctx context.Context, c *credit.Credit) error {
	res, err := s.pg.Exec(ctx,
		`UPDATE settlement_credits SET attempts = $2, next_retry_at = $3, updated_at = NOW() WHERE id = $1`,
		c.ID.String(), c.Attempts, c.NextRetryAt)
	if err != nil {
		return fmt.Errorf("settlement/postgres: schedule retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return settlement.ErrCreditNotFound
	}
	return nil
}

func (s *Store) FinalizeCredit(ctx context.Context, accountID string, creditID id.CreditID) error {
	_, err := s.pg.Exec(ctx,
		`DELETE FROM settlement_credits WHERE id = $1 AND account_id = $2`, creditID.String(), accountID)
	if err != nil {
		return fmt.Errorf("settlement/postgres: finalize credit: %w", err)
	}
	return nil
}

// ==================== Helpers ====================

func (s *Store) withTx(ctx context.Context, fn func(tx driver.Tx) error) error {
	gtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settlement/postgres: begin: %w", err)
	}
	tx, ok := gtx.Raw().(driver.Tx)
	if !ok {
		_ = gtx.Rollback()
		return fmt.Errorf("settlement/postgres: begin: unexpected transaction type %T", gtx.Raw())
	}
	if err := fn(tx); err != nil {
		_ = gtx.Rollback()
		return err
	}
	if err := gtx.Commit(); err != nil {
		return fmt.Errorf("settlement/postgres: %w: %w", settlement.ErrTransactionFailed, err)
	}
	return nil
}

// collectRows scans every row with fn and closes rows.
func collectRows[T any](rows driver.Rows, fn func(driver.Rows) (T, error)) ([]T, error) {
	defer func() { _ = rows.Close() }()

	var out []T
	for rows.Next() {
		v, err := fn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// lockAccount takes the per-account row lock for the rest of the transaction.
func lockAccount(ctx context.Context, tx driver.Tx, accountID string) error {
	var locked string
	err := tx.QueryRow(ctx,
		`SELECT id FROM settlement_accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&locked)
	if isNoRows(err) {
		return settlement.ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("settlement/postgres: lock account: %w", err)
	}
	return nil
}

func insertPending(ctx context.Context, tx driver.Tx, unitID id.AmountID, accountID string, amount decimal.Decimal, createdAt time.Time) error {
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := tx.Exec(ctx, `
INSERT INTO settlement_pending_amounts (id, account_id, amount, created_at, updated_at)
VALUES ($1, $2, $3::numeric, $4, $4)`,
		unitID.String(), accountID, codec.FormatAmount(amount), createdAt)
	if err != nil {
		return fmt.Errorf("settlement/postgres: insert pending amount: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// isNoRows matches both database/sql and pgx no-row sentinels.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}
