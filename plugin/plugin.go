// Package plugin provides an extensible plugin system for the settlement
// coordinator. Plugins hook into account, settlement and credit lifecycle
// events to extend functionality.
package plugin

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/settlement/credit"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the coordinator starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, coordinator any) error
}

// OnShutdown is called when the coordinator stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Account lifecycle hooks
// ──────────────────────────────────────────────────

// OnAccountCreated is called when a new account is created.
type OnAccountCreated interface {
	Plugin
	OnAccountCreated(ctx context.Context, accountID string) error
}

// OnAccountDeleted is called after an account and its state are removed.
type OnAccountDeleted interface {
	Plugin
	OnAccountDeleted(ctx context.Context, accountID string) error
}

// ──────────────────────────────────────────────────
// Outgoing settlement hooks
// ──────────────────────────────────────────────────

// OnSettlementQueued is called when a new settlement request is queued.
// Repeated requests for the same idempotency key do not trigger it.
type OnSettlementQueued interface {
	Plugin
	OnSettlementQueued(ctx context.Context, accountID, idempotencyKey string, amount decimal.Decimal) error
}

// OnSettlementPrepared is called when queued amounts are leased to a
// settlement attempt.
type OnSettlementPrepared interface {
	Plugin
	OnSettlementPrepared(ctx context.Context, accountID, leaseID string, amount decimal.Decimal) error
}

// OnSettlementCommitted is called when a lease is committed.
type OnSettlementCommitted interface {
	Plugin
	OnSettlementCommitted(ctx context.Context, accountID, leaseID string, amount decimal.Decimal) error
}

// OnSettlementFailed is called when a settlement attempt fails.
type OnSettlementFailed interface {
	Plugin
	OnSettlementFailed(ctx context.Context, accountID string, err error) error
}

// OnSettlementRefunded is called when an unsettled remainder is requeued.
type OnSettlementRefunded interface {
	Plugin
	OnSettlementRefunded(ctx context.Context, accountID string, amount decimal.Decimal) error
}

// OnRequestsPurged is called after expired settlement requests are purged.
type OnRequestsPurged interface {
	Plugin
	OnRequestsPurged(ctx context.Context, count int64, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Incoming settlement hooks
// ──────────────────────────────────────────────────

// OnCreditRecorded is called when an incoming settlement is recorded.
type OnCreditRecorded interface {
	Plugin
	OnCreditRecorded(ctx context.Context, c *credit.Credit) error
}

// OnCreditFinalized is called once the connector acknowledged a credit.
type OnCreditFinalized interface {
	Plugin
	OnCreditFinalized(ctx context.Context, c *credit.Credit) error
}

// OnCreditRetryScheduled is called when notifying the connector failed
// and the credit was rescheduled.
type OnCreditRetryScheduled interface {
	Plugin
	OnCreditRetryScheduled(ctx context.Context, c *credit.Credit, err error) error
}
