package credit

import (
	"context"
	"time"

	"github.com/xraph/settlement/id"
)

// Store persists uncredited settlements and the global retry index.
type Store interface {
	// AddCredit persists c and indexes it for retry at c.NextRetryAt.
	AddCredit(ctx context.Context, c *Credit) error

	// NextRetryableCredit claims the credit with the earliest NextRetryAt
	// that is due at now: Attempts is incremented and NextRetryAt moves to
	// now+visibility so the claim lapses if the claimer crashes.
	NextRetryableCredit(ctx context.Context, now time.Time, visibility time.Duration) (*Credit, error)

	// ScheduleRetry persists c.Attempts and c.NextRetryAt and re-indexes c.
	ScheduleRetry(ctx context.Context, c *Credit) error

	// FinalizeCredit deletes the credit permanently.
	FinalizeCredit(ctx context.Context, accountID string, creditID id.CreditID) error
}
