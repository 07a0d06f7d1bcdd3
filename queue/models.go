// Package queue models outgoing settlements: idempotent settlement requests,
// the pending amount units they create and the leases that settle them.
package queue

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/types"
)

// Request is the deduplication record for one idempotency key. Its Amount
// never changes once written.
type Request struct {
	types.Entity

	AccountID      string          `json:"account_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Amount         decimal.Decimal `json:"amount"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Expired reports whether the record has passed its retention window.
func (r *Request) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// PendingAmount is one individually addressable unit of queued outgoing funds.
// LeaseID is nil while the unit is unleased.
type PendingAmount struct {
	types.Entity

	ID             id.AmountID     `json:"id"`
	AccountID      string          `json:"account_id"`
	Amount         decimal.Decimal `json:"amount"`
	LeaseID        id.LeaseID      `json:"lease_id"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at"`
}

// Leasable reports whether the unit is unleased or its lease has elapsed.
func (p *PendingAmount) Leasable(now time.Time) bool {
	return p.LeaseID.IsNil() || !now.Before(p.LeaseExpiresAt)
}

// HeldBy reports whether the unit is still held by the given lease at now.
func (p *PendingAmount) HeldBy(leaseID id.LeaseID, now time.Time) bool {
	return !p.LeaseID.IsNil() && p.LeaseID.String() == leaseID.String() && now.Before(p.LeaseExpiresAt)
}

// Lease is a time-bounded hold over a batch of pending amounts.
type Lease struct {
	ID        id.LeaseID      `json:"id"`
	AccountID string          `json:"account_id"`
	Amounts   []PendingAmount `json:"amounts"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Total sums the leased units.
func (l *Lease) Total() decimal.Decimal {
	total := decimal.Zero
	for i := range l.Amounts {
		total = total.Add(l.Amounts[i].Amount)
	}
	return total
}

// Empty reports whether the lease holds nothing.
func (l *Lease) Empty() bool {
	return len(l.Amounts) == 0
}

// AmountIDs returns the string IDs of the leased units.
func (l *Lease) AmountIDs() []string {
	ids := make([]string, len(l.Amounts))
	for i := range l.Amounts {
		ids[i] = l.Amounts[i].ID.String()
	}
	return ids
}
