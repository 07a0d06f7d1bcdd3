// Package sqlite implements store.Store on SQLite through grove and the
// pure-Go sqlitedriver. Open pins the pool to a single connection so every
// transaction is serialised by the database handle.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate" // registers the "sqlite" migration executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/account"
	"github.com/xraph/settlement/credit"
	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/internal/codec"
	"github.com/xraph/settlement/queue"
	sstore "github.com/xraph/settlement/store"
	"github.com/xraph/settlement/types"
)

// compile-time interface check
var _ sstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// Open opens a SQLite database at dsn, e.g. "file:settlement.db?_pragma=busy_timeout(5000)".
func Open(ctx context.Context, dsn string) (*Store, error) {
	sdb := sqlitedriver.New()
	if err := sdb.Open(ctx, dsn, driver.WithPoolSize(1)); err != nil {
		return nil, fmt.Errorf("settlement/sqlite: open: %w", err)
	}
	db, err := grove.Open(sdb)
	if err != nil {
		_ = sdb.Close()
		return nil, fmt.Errorf("settlement/sqlite: open: %w", err)
	}
	return New(db), nil
}

// New creates a store on an open grove handle. The handle should be opened
// with driver.WithPoolSize(1); a wider pool lets concurrent transactions
// fail with SQLITE_BUSY.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("settlement/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("settlement/sqlite: %w: %w", settlement.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, accountID string) (bool, error) {
	ts := time.Now().UnixMilli()
	res, err := s.sdb.Exec(ctx,
		`INSERT INTO settlement_accounts (id, created_at, updated_at) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		accountID, ts, ts)
	if err != nil {
		return false, fmt.Errorf("settlement/sqlite: create account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (s *Store) AccountExists(ctx context.Context, accountID string) (bool, error) {
	return accountExists(ctx, s.sdb, accountID)
}

func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	return s.withTx(ctx, func(tx driver.Tx) error {
		for _, q := range []string{
			`DELETE FROM settlement_requests WHERE account_id = ?`,
			`DELETE FROM settlement_pending_amounts WHERE account_id = ?`,
			`DELETE FROM settlement_credits WHERE account_id = ?`,
			`DELETE FROM settlement_accounts WHERE id = ?`,
		} {
			if _, err := tx.Exec(ctx, q, accountID); err != nil {
				return fmt.Errorf("settlement/sqlite: delete account: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListAccounts(ctx context.Context) ([]*account.Account, error) {
	var models []accountModel
	if err := s.sdb.NewSelect(&models).OrderExpr("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("settlement/sqlite: list accounts: %w", err)
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
		if err := requireAccount(ctx, tx, req.AccountID); err != nil {
			return err
		}

		var (
			raw     string
			expires int64
		)
		err := tx.QueryRow(ctx,
			`SELECT amount, expires_at FROM settlement_requests WHERE account_id = ? AND idempotency_key = ?`,
			req.AccountID, req.IdempotencyKey).Scan(&raw, &expires)
		switch {
		case err == nil:
			existing := queue.Request{ExpiresAt: codec.FromMillis(expires)}
			if !existing.Expired(req.CreatedAt) {
				amount, err := codec.ParseAmount("settlement request", req.AccountID+":"+req.IdempotencyKey, raw)
				if err != nil {
					return err
				}
				_, err = tx.Exec(ctx,
					`UPDATE settlement_requests SET expires_at = MAX(expires_at, ?), updated_at = ? WHERE account_id = ? AND idempotency_key = ?`,
					codec.Millis(req.ExpiresAt), codec.Millis(req.CreatedAt), req.AccountID, req.IdempotencyKey)
				queued = amount
				return err
			}
		case !isNoRows(err):
			return err
		}

		if _, err := tx.Exec(ctx, `
INSERT INTO settlement_requests (account_id, idempotency_key, amount, expires_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (account_id, idempotency_key) DO UPDATE SET
    amount = excluded.amount,
    expires_at = excluded.expires_at,
    created_at = excluded.created_at,
    updated_at = excluded.updated_at`,
			req.AccountID, req.IdempotencyKey, codec.FormatAmount(req.Amount),
			codec.Millis(req.ExpiresAt), codec.Millis(req.CreatedAt), codec.Millis(req.CreatedAt),
		); err != nil {
			return err
		}
		if err := insertPending(ctx, tx, &queue.PendingAmount{
			Entity:    req.Entity,
			ID:        unitID,
			AccountID: req.AccountID,
			Amount:    req.Amount,
		}); err != nil {
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
		if err := requireAccount(ctx, tx, accountID); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
SELECT id, amount, created_at, updated_at FROM settlement_pending_amounts
WHERE account_id = ? AND (lease_id = '' OR lease_expires_at <= ?)
ORDER BY seq`, accountID, codec.Millis(now))
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				rawID, rawAmount     string
				createdAt, updatedAt int64
			)
			if err := rows.Scan(&rawID, &rawAmount, &createdAt, &updatedAt); err != nil {
				return err
			}
			unitID, err := codec.ParseID("pending amount", rawID, rawID, id.PrefixAmount)
			if err != nil {
				return err
			}
			amount, err := codec.ParseAmount("pending amount", rawID, rawAmount)
			if err != nil {
				return err
			}
			unit := queue.PendingAmount{
				Entity:         types.Entity{CreatedAt: codec.FromMillis(createdAt), UpdatedAt: codec.FromMillis(updatedAt)},
				ID:             unitID,
				AccountID:      accountID,
				Amount:         amount,
				LeaseID:        leaseID,
				LeaseExpiresAt: expiresAt,
			}
			unit.Touch(now)
			lease.Amounts = append(lease.Amounts, unit)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if lease.Empty() {
			return nil
		}

		_, err = tx.Exec(ctx, `
UPDATE settlement_pending_amounts SET lease_id = ?, lease_expires_at = ?, updated_at = ?
WHERE account_id = ? AND (lease_id = '' OR lease_expires_at <= ?)`,
			leaseID.String(), codec.Millis(expiresAt), codec.Millis(now), accountID, codec.Millis(now))
		return err
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
	args := make([]any, 0, len(ids)+3)
	args = append(args, lease.AccountID, lease.ID.String(), codec.Millis(now))
	for _, unitID := range ids {
		args = append(args, unitID)
	}
	query := `DELETE FROM settlement_pending_amounts
WHERE account_id = ? AND lease_id = ? AND lease_expires_at > ? AND id IN (` + placeholders(len(ids)) + `)`

	return s.withTx(ctx, func(tx driver.Tx) error {
		res, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("settlement/sqlite: commit lease: %w", err)
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
		if err := requireAccount(ctx, tx, unit.AccountID); err != nil {
			return err
		}
		return insertPending(ctx, tx, unit)
	})
}

func (s *Store) PurgeRequests(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.sdb.Exec(ctx,
		`DELETE FROM settlement_requests WHERE expires_at > 0 AND expires_at <= ?`, codec.Millis(before))
	if err != nil {
		return 0, fmt.Errorf("settlement/sqlite: purge requests: %w", err)
	}
	return res.RowsAffected()
}

// ==================== Credit Store ====================

func (s *Store) AddCredit(ctx context.Context, c *credit.Credit) error {
	if !c.Amount.IsPositive() {
		return settlement.ErrInvalidAmount
	}
	return s.withTx(ctx, func(tx driver.Tx) error {
		if err := requireAccount(ctx, tx, c.AccountID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
INSERT INTO settlement_credits (id, account_id, amount, attempts, next_retry_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID.String(), c.AccountID, codec.FormatAmount(c.Amount), c.Attempts,
			codec.Millis(c.NextRetryAt), codec.Millis(c.CreatedAt), codec.Millis(c.UpdatedAt))
		if err != nil {
			return fmt.Errorf("settlement/sqlite: add credit: %w", err)
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
			createdAt                   int64
		)
		err := tx.QueryRow(ctx, `
SELECT id, account_id, amount, attempts, created_at FROM settlement_credits
WHERE next_retry_at <= ?
ORDER BY next_retry_at, id
LIMIT 1`, codec.Millis(now)).Scan(&rawID, &accountID, &rawAmount, &attempts, &createdAt)
		if isNoRows(err) {
			return settlement.ErrNoCreditReady
		}
		if err != nil {
			return err
		}

		c, err := decodeCredit(rawID, accountID, rawAmount)
		if err != nil {
			return err
		}
		c.Attempts = attempts + 1
		c.NextRetryAt = now.Add(visibility)
		c.CreatedAt = codec.FromMillis(createdAt)
		c.Touch(now)

		if _, err := tx.Exec(ctx,
			`UPDATE settlement_credits SET attempts = ?, next_retry_at = ?, updated_at = ? WHERE id = ?`,
			c.Attempts, codec.Millis(c.NextRetryAt), codec.Millis(now), rawID); err != nil {
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
	res, err := s.sdb.Exec(ctx,
		`UPDATE settlement_credits SET attempts = ?, next_retry_at = ?, updated_at = ? WHERE id = ?`,
		c.Attempts, codec.Millis(c.NextRetryAt), time.Now().UnixMilli(), c.ID.String())
	if err != nil {
		return fmt.Errorf("settlement/sqlite: schedule retry: %w", err)
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
	_, err := s.sdb.Exec(ctx,
		`DELETE FROM settlement_credits WHERE id = ? AND account_id = ?`, creditID.String(), accountID)
	if err != nil {
		return fmt.Errorf("settlement/sqlite: finalize credit: %w", err)
	}
	return nil
}

// ==================== Helpers ====================

func (s *Store) withTx(ctx context.Context, fn func(tx driver.Tx) error) error {
	gtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settlement/sqlite: begin: %w", err)
	}
	tx, ok := gtx.Raw().(driver.Tx)
	if !ok {
		_ = gtx.Rollback()
		return fmt.Errorf("settlement/sqlite: begin: unexpected transaction type %T", gtx.Raw())
	}
	if err := fn(tx); err != nil {
		_ = gtx.Rollback()
		return err
	}
	if err := gtx.Commit(); err != nil {
		return fmt.Errorf("settlement/sqlite: %w: %w", settlement.ErrTransactionFailed, err)
	}
	return nil
}

type queryer interface {
	QueryRow(ctx context.Context, query string, args ...any) driver.Row
}

func accountExists(ctx context.Context, q queryer, accountID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM settlement_accounts WHERE id = ?)`, accountID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("settlement/sqlite: account exists: %w", err)
	}
	return exists, nil
}

func requireAccount(ctx context.Context, tx driver.Tx, accountID string) error {
	exists, err := accountExists(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if !exists {
		return settlement.ErrAccountNotFound
	}
	return nil
}

func insertPending(ctx context.Context, tx driver.Tx, unit *queue.PendingAmount) error {
	created := unit.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := tx.Exec(ctx, `
INSERT INTO settlement_pending_amounts (id, account_id, amount, lease_id, lease_expires_at, created_at, updated_at)
VALUES (?, ?, ?, '', 0, ?, ?)`,
		unit.ID.String(), unit.AccountID, codec.FormatAmount(unit.Amount), codec.Millis(created), codec.Millis(created))
	if err != nil {
		return fmt.Errorf("settlement/sqlite: insert pending amount: %w", err)
	}
	return nil
}

func decodeCredit(rawID, accountID, rawAmount string) (*credit.Credit, error) {
	creditID, err := codec.ParseID("credit", rawID, rawID, id.PrefixCredit)
	if err != nil {
		return nil, err
	}
	amount, err := codec.ParseAmount("credit", rawID, rawAmount)
	if err != nil {
		return nil, err
	}
	return &credit.Credit{ID: creditID, AccountID: accountID, Amount: amount}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
