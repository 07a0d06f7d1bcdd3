package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/settlement/credit"
	"github.com/xraph/settlement/engine"
	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/types"
)

// CreditSettlement records an incoming settlement from the account's peer and
// makes one attempt to credit it to the connector. If that attempt fails the
// credit stays queued and the credit loop retries it until acknowledged.
//
// The returned ID is the idempotency key the connector sees. A zero amount
// records nothing and returns id.Nil, but still runs the companion. If the
// companion succeeds and the credit cannot be recorded, the release set with
// engine.WithRelease runs before the error is returned.
func (c *Coordinator) CreditSettlement(ctx context.Context, accountID string, amount decimal.Decimal, opts ...engine.CreditOption) (id.CreditID, error) {
	o := engine.ApplyCreditOptions(opts...)

	if err := validateAccount(accountID); err != nil {
		return id.Nil, err
	}
	if amount.IsNegative() {
		return id.Nil, ValidationError{
			Field:   "amount",
			Message: "must not be negative",
			Err:     ErrInvalidAmount,
		}
	}

	exists, err := c.store.AccountExists(ctx, accountID)
	if err != nil {
		return id.Nil, err
	}
	if !exists {
		return id.Nil, ErrAccountNotFound
	}

	if o.Companion != nil {
		if err := o.Companion(ctx); err != nil {
			return id.Nil, err
		}
	}
	if amount.IsZero() {
		return id.Nil, nil
	}

	// The first attempt is made here, so hide the record from the credit
	// loop until that attempt has had time to finish.
	now := c.now()
	cr := &credit.Credit{
		Entity:      types.NewEntityAt(now),
		ID:          id.NewCreditID(),
		AccountID:   accountID,
		Amount:      amount,
		Attempts:    1,
		NextRetryAt: now.Add(c.claimVisibility()),
	}
	if err := c.store.AddCredit(ctx, cr); err != nil {
		c.releaseCompanion(ctx, accountID, o)
		return id.Nil, err
	}

	c.plugins.EmitCreditRecorded(ctx, cr)
	c.logger.Debug("incoming settlement recorded",
		"account", accountID,
		"credit", cr.ID.String(),
		"amount", amount.String(),
	)

	c.notifyCredit(context.WithoutCancel(ctx), cr)
	return cr.ID, nil
}

// releaseCompanion compensates a companion whose credit was not recorded.
func (c *Coordinator) releaseCompanion(ctx context.Context, accountID string, o engine.CreditOptions) {
	if o.Companion == nil || o.Release == nil {
		return
	}
	if err := o.Release(context.WithoutCancel(ctx)); err != nil {
		c.logger.Error("failed to release credit companion",
			"account", accountID,
			"error", err,
		)
	}
}

// notifyCredit makes one attempt to credit cr to the connector, then
// finalizes it or schedules the next attempt.
func (c *Coordinator) notifyCredit(ctx context.Context, cr *credit.Credit) {
	err := c.sendCredit(ctx, cr)
	if err == nil {
		if ferr := c.store.FinalizeCredit(ctx, cr.AccountID, cr.ID); ferr != nil {
			// The record reappears once its claim lapses; the connector
			// deduplicates the repeat by idempotency key.
			c.logger.Error("failed to finalize credited settlement",
				"account", cr.AccountID,
				"credit", cr.ID.String(),
				"error", ferr,
			)
			return
		}
		c.logger.Debug("incoming settlement credited",
			"account", cr.AccountID,
			"credit", cr.ID.String(),
			"attempts", cr.Attempts,
		)
		c.plugins.EmitCreditFinalized(ctx, cr)
		return
	}

	cr.NextRetryAt = c.retryPolicy.NextRetryAt(c.now(), cr.Attempts)
	cr.Touch(c.now())
	if serr := c.store.ScheduleRetry(ctx, cr); serr != nil {
		if errors.Is(serr, ErrCreditNotFound) {
			// Account deleted while the notification was in flight.
			return
		}
		c.logger.Error("failed to schedule credit retry",
			"account", cr.AccountID,
			"credit", cr.ID.String(),
			"error", serr,
		)
		return
	}

	c.logger.Warn("connector notification failed, will retry",
		"account", cr.AccountID,
		"credit", cr.ID.String(),
		"attempts", cr.Attempts,
		"next_retry_at", cr.NextRetryAt,
		"error", err,
	)
	c.plugins.EmitCreditRetryScheduled(ctx, cr, err)
}

func (c *Coordinator) sendCredit(ctx context.Context, cr *credit.Credit) error {
	if c.connector == nil {
		return ErrNotifierMissing
	}

	ctx, cancel := context.WithTimeout(ctx, c.notifyTimeout)
	defer cancel()

	return c.connector.CreditSettlement(ctx, cr.AccountID, cr.IdempotencyKey(), cr.Amount)
}

// claimVisibility is how long a claimed credit stays hidden from other
// claimers. It outlasts one notification so a live claim is never stolen.
func (c *Coordinator) claimVisibility() time.Duration {
	return 2 * c.notifyTimeout
}
