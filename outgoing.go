package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/settlement/engine"
	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/queue"
	"github.com/xraph/settlement/types"
)

// HandleSettlementRequest queues amount for settlement to the account's peer,
// exactly once per idempotency key. It returns the amount queued under the
// key, which differs from amount when the key was already used for another
// amount. A new request triggers a settlement attempt in the background.
func (c *Coordinator) HandleSettlementRequest(ctx context.Context, accountID, idempotencyKey string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validateAccount(accountID); err != nil {
		return decimal.Zero, err
	}
	if err := validateIdempotencyKey(idempotencyKey); err != nil {
		return decimal.Zero, err
	}
	if !amount.IsPositive() {
		return decimal.Zero, ValidationError{
			Field:   "amount",
			Message: "must be greater than zero",
			Err:     ErrInvalidAmount,
		}
	}

	now := c.now()
	req := &queue.Request{
		Entity:         types.NewEntityAt(now),
		AccountID:      accountID,
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
	}
	if c.requestRetention > 0 {
		req.ExpiresAt = req.CreatedAt.Add(c.requestRetention)
	}

	queued, isNew, err := c.store.EnqueueIfAbsent(ctx, req, id.NewAmountID())
	if err != nil {
		return decimal.Zero, err
	}

	if isNew {
		c.plugins.EmitSettlementQueued(ctx, accountID, idempotencyKey, queued)
		c.settleAsync(ctx, accountID)
	} else if !queued.Equal(amount) {
		c.logger.Warn("idempotency key reused with a different amount",
			"account", accountID,
			"idempotency_key", idempotencyKey,
			"queued", queued.String(),
			"requested", amount.String(),
		)
	}

	return queued, nil
}

// settleAsync runs TrySettle detached from the caller's cancellation. After
// Stop the queued funds are left for the next coordinator's sweep.
func (c *Coordinator) settleAsync(ctx context.Context, accountID string) {
	ctx = context.WithoutCancel(ctx)

	c.mu.RLock()
	select {
	case <-c.stopChan:
		c.mu.RUnlock()
		c.logger.Debug("coordinator stopped, settlement left queued", "account", accountID)
		return
	default:
	}
	c.settling.Add(1)
	c.mu.RUnlock()

	go func() {
		defer c.settling.Done()
		_ = c.TrySettle(ctx, accountID) //nolint:errcheck // logged and emitted by TrySettle
	}()
}

// TrySettle asks the engine to settle whatever is queued for the account.
// A failed attempt is not retried here: its lease expires and the funds are
// picked up by a later attempt.
func (c *Coordinator) TrySettle(ctx context.Context, accountID string) error {
	if err := validateAccount(accountID); err != nil {
		return err
	}

	eng := c.currentEngine()
	if eng == nil {
		c.logger.Warn("cannot settle: no settlement engine configured", "account", accountID)
		return ErrEngineNotConfigured
	}

	prepare := func(ctx context.Context, leaseDuration time.Duration) (decimal.Decimal, engine.CommitFunc, error) {
		return c.Prepare(ctx, accountID, leaseDuration)
	}

	if err := eng.Settle(ctx, accountID, prepare); err != nil {
		c.logger.Warn("settlement attempt failed",
			"account", accountID,
			"error", err,
		)
		c.plugins.EmitSettlementFailed(ctx, accountID, err)
		return err
	}
	return nil
}

// Prepare leases every available queued amount of the account for
// leaseDuration and returns their total with the commit for the lease.
// With nothing queued it returns zero and a commit that does nothing.
func (c *Coordinator) Prepare(ctx context.Context, accountID string, leaseDuration time.Duration) (decimal.Decimal, engine.CommitFunc, error) {
	if err := validateAccount(accountID); err != nil {
		return decimal.Zero, nil, err
	}
	if leaseDuration <= 0 {
		leaseDuration = c.leaseDuration
	}

	now := c.now()
	lease, err := c.store.LeaseAvailable(ctx, accountID, id.NewLeaseID(), now, now.Add(leaseDuration))
	if err != nil {
		return decimal.Zero, nil, err
	}

	if lease.Empty() {
		return decimal.Zero, noopCommit, nil
	}

	total := lease.Total()
	c.plugins.EmitSettlementPrepared(ctx, accountID, lease.ID.String(), total)

	commit := func(ctx context.Context) error {
		if err := c.store.CommitLease(ctx, lease, c.now()); err != nil {
			c.logger.Warn("settlement commit failed",
				"account", accountID,
				"lease", lease.ID.String(),
				"error", err,
			)
			return err
		}
		c.plugins.EmitSettlementCommitted(ctx, accountID, lease.ID.String(), total)
		return nil
	}
	return total, commit, nil
}

// RefundSettlement requeues the part of a committed settlement that could
// not be sent. A zero amount does nothing.
func (c *Coordinator) RefundSettlement(ctx context.Context, accountID string, amount decimal.Decimal) error {
	if err := validateAccount(accountID); err != nil {
		return err
	}
	if amount.IsNegative() {
		return ValidationError{
			Field:   "amount",
			Message: "must not be negative",
			Err:     ErrInvalidAmount,
		}
	}
	if amount.IsZero() {
		return nil
	}

	unit := &queue.PendingAmount{
		Entity:    types.NewEntityAt(c.now()),
		ID:        id.NewAmountID(),
		AccountID: accountID,
		Amount:    amount,
	}
	if err := c.store.RequeueAmount(ctx, unit); err != nil {
		return err
	}

	c.plugins.EmitSettlementRefunded(ctx, accountID, amount)
	return nil
}

func noopCommit(context.Context) error { return nil }
