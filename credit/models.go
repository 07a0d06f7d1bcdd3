// Package credit models incoming settlements that the connector has not yet
// acknowledged, and the backoff schedule used to retry notifying it.
package credit

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/types"
)

// Credit is an uncredited incoming settlement. It is deleted only once the
// connector acknowledges it.
type Credit struct {
	types.Entity

	ID          id.CreditID     `json:"id"`
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Attempts    int             `json:"attempts"`
	NextRetryAt time.Time       `json:"next_retry_at"`
}

// IdempotencyKey is the key the connector deduplicates notifications by.
func (c *Credit) IdempotencyKey() string {
	return c.ID.String()
}

// Due reports whether the credit is ready to be retried at now.
func (c *Credit) Due(now time.Time) bool {
	return !now.Before(c.NextRetryAt)
}
