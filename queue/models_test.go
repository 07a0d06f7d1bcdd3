package queue_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/queue"
)

func TestPendingAmountLeasable(t *testing.T) {
	now := time.Now()
	leaseID := id.NewLeaseID()

	unleased := &queue.PendingAmount{ID: id.NewAmountID()}
	assert.True(t, unleased.Leasable(now))
	assert.False(t, unleased.HeldBy(leaseID, now))

	held := &queue.PendingAmount{ID: id.NewAmountID(), LeaseID: leaseID, LeaseExpiresAt: now.Add(time.Second)}
	assert.False(t, held.Leasable(now))
	assert.True(t, held.HeldBy(leaseID, now))
	assert.False(t, held.HeldBy(id.NewLeaseID(), now))

	assert.True(t, held.Leasable(now.Add(time.Second)), "lease elapses at its expiry")
	assert.False(t, held.HeldBy(leaseID, now.Add(time.Second)))
}

func TestLeaseTotal(t *testing.T) {
	l := &queue.Lease{
		Amounts: []queue.PendingAmount{
			{ID: id.NewAmountID(), Amount: decimal.RequireFromString("2.393")},
			{ID: id.NewAmountID(), Amount: decimal.RequireFromString("4.9001")},
		},
	}
	assert.Equal(t, "7.2931", l.Total().String())
	assert.False(t, l.Empty())
	assert.Len(t, l.AmountIDs(), 2)

	empty := &queue.Lease{}
	assert.True(t, empty.Total().IsZero())
	assert.True(t, empty.Empty())
}

func TestRequestExpired(t *testing.T) {
	now := time.Now()
	r := &queue.Request{ExpiresAt: now.Add(time.Hour)}
	assert.False(t, r.Expired(now))
	assert.True(t, r.Expired(now.Add(time.Hour)))

	forever := &queue.Request{}
	assert.False(t, forever.Expired(now))
}
