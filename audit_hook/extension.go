// Package audithook bridges settlement lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import an
// audit backend directly. Callers inject a RecorderFunc adapter at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/xraph/settlement/credit"
	"github.com/xraph/settlement/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnAccountCreated       = (*Extension)(nil)
	_ plugin.OnAccountDeleted       = (*Extension)(nil)
	_ plugin.OnSettlementQueued     = (*Extension)(nil)
	_ plugin.OnSettlementPrepared   = (*Extension)(nil)
	_ plugin.OnSettlementCommitted  = (*Extension)(nil)
	_ plugin.OnSettlementFailed     = (*Extension)(nil)
	_ plugin.OnSettlementRefunded   = (*Extension)(nil)
	_ plugin.OnCreditRecorded       = (*Extension)(nil)
	_ plugin.OnCreditFinalized      = (*Extension)(nil)
	_ plugin.OnCreditRetryScheduled = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges settlement lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Account lifecycle hooks
// ──────────────────────────────────────────────────

// OnAccountCreated implements plugin.OnAccountCreated.
func (e *Extension) OnAccountCreated(ctx context.Context, accountID string) error {
	return e.record(ctx, ActionAccountCreated, SeverityInfo, OutcomeSuccess,
		ResourceAccount, accountID, CategoryAccount, nil,
	)
}

// OnAccountDeleted implements plugin.OnAccountDeleted.
func (e *Extension) OnAccountDeleted(ctx context.Context, accountID string) error {
	return e.record(ctx, ActionAccountDeleted, SeverityWarning, OutcomeSuccess,
		ResourceAccount, accountID, CategoryAccount, nil,
	)
}

// ──────────────────────────────────────────────────
// Outgoing settlement hooks
// ──────────────────────────────────────────────────

// OnSettlementQueued implements plugin.OnSettlementQueued.
func (e *Extension) OnSettlementQueued(ctx context.Context, accountID, idempotencyKey string, amount decimal.Decimal) error {
	return e.record(ctx, ActionSettlementQueued, SeverityInfo, OutcomeSuccess,
		ResourceSettlement, idempotencyKey, CategoryOutgoing, nil,
		"account_id", accountID,
		"amount", amount.String(),
	)
}

// OnSettlementPrepared implements plugin.OnSettlementPrepared.
func (e *Extension) OnSettlementPrepared(ctx context.Context, accountID, leaseID string, amount decimal.Decimal) error {
	return e.record(ctx, ActionSettlementPrepared, SeverityInfo, OutcomeSuccess,
		ResourceSettlement, leaseID, CategoryOutgoing, nil,
		"account_id", accountID,
		"amount", amount.String(),
	)
}

// OnSettlementCommitted implements plugin.OnSettlementCommitted.
func (e *Extension) OnSettlementCommitted(ctx context.Context, accountID, leaseID string, amount decimal.Decimal) error {
	return e.record(ctx, ActionSettlementCommitted, SeverityInfo, OutcomeSuccess,
		ResourceSettlement, leaseID, CategoryOutgoing, nil,
		"account_id", accountID,
		"amount", amount.String(),
	)
}

// OnSettlementFailed implements plugin.OnSettlementFailed.
func (e *Extension) OnSettlementFailed(ctx context.Context, accountID string, err error) error {
	return e.record(ctx, ActionSettlementFailed, SeverityError, OutcomeFailure,
		ResourceSettlement, "", CategoryOutgoing, err,
		"account_id", accountID,
	)
}

// OnSettlementRefunded implements plugin.OnSettlementRefunded.
func (e *Extension) OnSettlementRefunded(ctx context.Context, accountID string, amount decimal.Decimal) error {
	return e.record(ctx, ActionSettlementRefunded, SeverityWarning, OutcomePartial,
		ResourceSettlement, "", CategoryOutgoing, nil,
		"account_id", accountID,
		"amount", amount.String(),
	)
}

// ──────────────────────────────────────────────────
// Incoming settlement hooks
// ──────────────────────────────────────────────────

// OnCreditRecorded implements plugin.OnCreditRecorded.
func (e *Extension) OnCreditRecorded(ctx context.Context, c *credit.Credit) error {
	return e.record(ctx, ActionCreditRecorded, SeverityInfo, OutcomeSuccess,
		ResourceCredit, c.ID.String(), CategoryIncoming, nil,
		"account_id", c.AccountID,
		"amount", c.Amount.String(),
	)
}

// OnCreditFinalized implements plugin.OnCreditFinalized.
func (e *Extension) OnCreditFinalized(ctx context.Context, c *credit.Credit) error {
	return e.record(ctx, ActionCreditFinalized, SeverityInfo, OutcomeSuccess,
		ResourceCredit, c.ID.String(), CategoryIncoming, nil,
		"account_id", c.AccountID,
		"amount", c.Amount.String(),
		"attempts", c.Attempts,
	)
}

// OnCreditRetryScheduled implements plugin.OnCreditRetryScheduled.
func (e *Extension) OnCreditRetryScheduled(ctx context.Context, c *credit.Credit, err error) error {
	return e.record(ctx, ActionCreditRetryScheduled, SeverityWarning, OutcomeFailure,
		ResourceCredit, c.ID.String(), CategoryIncoming, err,
		"account_id", c.AccountID,
		"attempts", c.Attempts,
		"next_retry_at", c.NextRetryAt,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
