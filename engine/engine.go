// Package engine defines the contract between the settlement coordinator and
// a ledger-specific settlement engine.
//
// An engine knows how to move value on one particular ledger. The coordinator
// owns everything else: queuing, leases, idempotency and crediting incoming
// settlements. Engines receive a Services value at construction and call back
// into it; optional capabilities are discovered by type assertion.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/settlement/id"
)

// CommitFunc makes a prepared settlement permanent. Call it immediately
// before sending value on the ledger; if it fails the funds were already
// reclaimed and the settlement must not be sent.
type CommitFunc func(ctx context.Context) error

// PrepareFunc leases every available queued amount for an account for
// leaseDuration. It returns the total leased and the commit for the lease.
// A zero total comes with a no-op commit.
type PrepareFunc func(ctx context.Context, leaseDuration time.Duration) (decimal.Decimal, CommitFunc, error)

// Engine performs outgoing settlements on a ledger.
type Engine interface {
	// Settle sends up to the prepared amount to the account's peer. Anything
	// leased but not settled should be handed back with RefundSettlement.
	Settle(ctx context.Context, accountID string, prepare PrepareFunc) error
}

// SettleFunc adapts a function to the Engine interface.
type SettleFunc func(ctx context.Context, accountID string, prepare PrepareFunc) error

// Settle calls f.
func (f SettleFunc) Settle(ctx context.Context, accountID string, prepare PrepareFunc) error {
	return f(ctx, accountID, prepare)
}

// ──────────────────────────────────────────────────
// Optional capabilities
// ──────────────────────────────────────────────────

// AccountSetup is implemented by engines that need to prepare an account
// before settling with it, e.g. by exchanging ledger addresses with the peer.
type AccountSetup interface {
	SetupAccount(ctx context.Context, accountID string) error
}

// AccountCloser is implemented by engines holding per-account state.
type AccountCloser interface {
	CloseAccount(ctx context.Context, accountID string) error
}

// MessageHandler is implemented by engines that talk to their peer engine.
// A nil response is sent back as an empty body.
type MessageHandler interface {
	HandleMessage(ctx context.Context, accountID string, message json.RawMessage) (json.RawMessage, error)
}

// Closer is implemented by engines holding connections that need releasing.
type Closer interface {
	Close(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Services
// ──────────────────────────────────────────────────

// Services is what the coordinator offers an engine.
type Services interface {
	// Prepare is the PrepareFunc for accountID.
	Prepare(ctx context.Context, accountID string, leaseDuration time.Duration) (decimal.Decimal, CommitFunc, error)

	// CreditSettlement records an incoming settlement and notifies the
	// connector until it is credited. The returned ID is the idempotency key
	// the connector sees.
	CreditSettlement(ctx context.Context, accountID string, amount decimal.Decimal, opts ...CreditOption) (id.CreditID, error)

	// RefundSettlement puts an amount back on the account's queue.
	RefundSettlement(ctx context.Context, accountID string, amount decimal.Decimal) error

	// SendMessage delivers a message to the account's peer engine and
	// returns its response.
	SendMessage(ctx context.Context, accountID string, message any) (json.RawMessage, error)
}

// Factory constructs an engine bound to the coordinator's services.
type Factory func(ctx context.Context, services Services) (Engine, error)

// CreditOptions holds per-call options for CreditSettlement.
type CreditOptions struct {
	// Companion runs before the credit is recorded. Engines use it to mark
	// the incoming ledger transaction as seen; an error aborts the credit.
	Companion func(ctx context.Context) error

	// Release undoes Companion when the credit cannot be recorded after
	// the companion succeeded, so the peer's retry is not rejected as seen.
	Release func(ctx context.Context) error
}

// CreditOption configures a CreditSettlement call.
type CreditOption func(*CreditOptions)

// WithCompanion sets a guard that runs before the credit is recorded.
func WithCompanion(fn func(ctx context.Context) error) CreditOption {
	return func(o *CreditOptions) { o.Companion = fn }
}

// WithRelease sets the compensation for the companion guard.
func WithRelease(fn func(ctx context.Context) error) CreditOption {
	return func(o *CreditOptions) { o.Release = fn }
}

// ApplyCreditOptions folds opts into a CreditOptions value.
func ApplyCreditOptions(opts ...CreditOption) CreditOptions {
	var o CreditOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
