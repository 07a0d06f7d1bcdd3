// Package store defines the transactional storage contract behind the
// settlement coordinator. Every method is one atomic operation in the
// backing store; the store is the only lock manager for account state.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/settlement/account"
	"github.com/xraph/settlement/credit"
	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/queue"
)

// Store is the unified storage interface for settlement state.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to avoid naming conflicts.
type Store interface {
	// Account methods
	CreateAccount(ctx context.Context, accountID string) (existed bool, err error)
	AccountExists(ctx context.Context, accountID string) (bool, error)
	DeleteAccount(ctx context.Context, accountID string) error
	ListAccounts(ctx context.Context) ([]*account.Account, error)

	// Outgoing queue methods
	EnqueueIfAbsent(ctx context.Context, req *queue.Request, unitID id.AmountID) (queued decimal.Decimal, isNew bool, err error)
	LeaseAvailable(ctx context.Context, accountID string, leaseID id.LeaseID, now, expiresAt time.Time) (*queue.Lease, error)
	CommitLease(ctx context.Context, lease *queue.Lease, now time.Time) error
	RequeueAmount(ctx context.Context, unit *queue.PendingAmount) error
	PurgeRequests(ctx context.Context, before time.Time) (int64, error)

	// Credit methods
	AddCredit(ctx context.Context, c *credit.Credit) error
	NextRetryableCredit(ctx context.Context, now time.Time, visibility time.Duration) (*credit.Credit, error)
	ScheduleRetry(ctx context.Context, c *credit.Credit) error
	FinalizeCredit(ctx context.Context, accountID string, creditID id.CreditID) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Compile-time checks that Store satisfies every sub-store contract.
var (
	_ account.Store = Store(nil)
	_ queue.Store   = Store(nil)
	_ credit.Store  = Store(nil)
)
