package settlement

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// ──────────────────────────────────────────────────
// Credit retry loop
// ──────────────────────────────────────────────────

// creditWorker polls for credits whose retry is due and notifies the
// connector of each. Ready credits are drained back to back; the poll
// interval is only slept once nothing is ready. The store has no wakeup
// primitive, so this is a polling loop.
func (c *Coordinator) creditWorker(ctx context.Context) {
	defer c.wg.Done()

	notifiers := new(errgroup.Group)
	notifiers.SetLimit(c.notifyConcurrency)
	defer notifiers.Wait() //nolint:errcheck // notifiers never return errors

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-timer.C:
			c.drainCredits(ctx, notifiers)
			timer.Reset(c.pollInterval)
		}
	}
}

// drainCredits claims ready credits until none is left or the coordinator
// stops. Each claim is handed to a bounded notifier; when all notifiers are
// busy the loop waits for one to free up.
func (c *Coordinator) drainCredits(ctx context.Context, notifiers *errgroup.Group) {
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		cr, err := c.store.NextRetryableCredit(ctx, c.now(), c.claimVisibility())
		if errors.Is(err, ErrNoCreditReady) {
			return
		}
		if err != nil {
			c.logger.Error("failed to claim credit for retry", "error", err)
			return
		}

		notifiers.Go(func() error {
			c.notifyCredit(ctx, cr)
			return nil
		})
	}
}

// ──────────────────────────────────────────────────
// Request retention
// ──────────────────────────────────────────────────

func (c *Coordinator) purgeWorker(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.purgeRequests(ctx)
		}
	}
}

func (c *Coordinator) purgeRequests(ctx context.Context) {
	start := time.Now()

	n, err := c.store.PurgeRequests(ctx, c.now())
	if err != nil {
		c.logger.Error("failed to purge expired settlement requests", "error", err)
		return
	}

	elapsed := time.Since(start)
	if n > 0 {
		c.logger.Debug("purged expired settlement requests",
			"count", n,
			"elapsed", elapsed,
		)
	}
	c.plugins.EmitRequestsPurged(ctx, n, elapsed)
}

// ──────────────────────────────────────────────────
// Settle sweep
// ──────────────────────────────────────────────────

func (c *Coordinator) sweepWorker(ctx context.Context) {
	defer c.wg.Done()

	c.sweep(ctx)

	ticker := time.NewTicker(c.settleSweep)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep attempts a settlement for every account.
func (c *Coordinator) sweep(ctx context.Context) {
	if c.currentEngine() == nil {
		return
	}

	accounts, err := c.store.ListAccounts(ctx)
	if err != nil {
		c.logger.Error("settle sweep: failed to list accounts", "error", err)
		return
	}

	for _, a := range accounts {
		select {
		case <-c.stopChan:
			return
		default:
		}
		_ = c.TrySettle(ctx, a.ID) //nolint:errcheck // logged and emitted by TrySettle
	}
}
