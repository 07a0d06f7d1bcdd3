package queue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/settlement/id"
)

// Store persists the outgoing settlement queue. Every method is a single
// atomic operation in the backing store.
type Store interface {
	// EnqueueIfAbsent records req and queues a pending unit with unitID for
	// its amount, unless a live record already exists for the key. In that
	// case the stored amount is returned with isNew=false and the record's
	// retention window is extended to req.ExpiresAt.
	EnqueueIfAbsent(ctx context.Context, req *Request, unitID id.AmountID) (queued decimal.Decimal, isNew bool, err error)

	// LeaseAvailable marks every leasable unit of the account with leaseID
	// until expiresAt and returns them. The lease is empty when nothing is queued.
	LeaseAvailable(ctx context.Context, accountID string, leaseID id.LeaseID, now, expiresAt time.Time) (*Lease, error)

	// CommitLease deletes exactly the leased units, or nothing if any of
	// them is gone, re-leased or past its expiry at now.
	CommitLease(ctx context.Context, lease *Lease, now time.Time) error

	// RequeueAmount queues a new unleased unit.
	RequeueAmount(ctx context.Context, unit *PendingAmount) error

	// PurgeRequests deletes request records that expired before the given time.
	PurgeRequests(ctx context.Context, before time.Time) (int64, error)
}
