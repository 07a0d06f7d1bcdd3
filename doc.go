// Package settlement coordinates settlement between an Interledger connector
// and a settlement engine.
//
// The coordinator sits between the two. Outgoing settlements requested by the
// connector are queued per account and handed to the engine in leases, so an
// amount is never settled twice and an amount whose settlement fails can be
// refunded back into the queue. Incoming settlements reported by the engine
// are recorded durably and credited to the connector with retries until it
// acknowledges them.
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/settlement"
//	    "github.com/xraph/settlement/connector"
//	    "github.com/xraph/settlement/store/postgres"
//	)
//
//	s, err := postgres.Open(ctx, databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	c := settlement.New(s, connector.NewClient(connector.Config{}),
//	    settlement.WithEngine(newEngine),
//	)
//	if err := c.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Stop()
//
// # Outgoing settlements
//
// HandleSettlementRequest queues an amount under an idempotency key. Replaying
// the same key returns the amount queued the first time. The engine's Settle
// is then called with a prepare function: prepare leases everything queued for
// the account and returns a commit function that removes the leased amounts
// once the engine has settled them.
//
//	err := c.TrySettle(ctx, "alice")
//
// An engine that settles less than it prepared refunds the rest:
//
//	err := c.RefundSettlement(ctx, "alice", leftover)
//
// # Incoming settlements
//
// CreditSettlement records an incoming settlement and notifies the connector.
// Failed notifications are retried in the background with exponential backoff
// until the connector acknowledges them.
//
//	creditID, err := c.CreditSettlement(ctx, "alice", amount)
//
// # Stores
//
// Accounts, queued amounts, leases and uncredited settlements live in a
// store.Store. Memory, SQLite, PostgreSQL, Redis and MongoDB backends are
// provided under store/.
//
// # Plugins
//
// Lifecycle events (accounts, queued, prepared, committed and refunded
// settlements, credited settlements) are delivered to registered plugins.
// See the plugin, observability and audit_hook packages.
package settlement
