// Package observability provides a metrics plugin for the settlement
// coordinator that records lifecycle event counts through a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/settlement/credit"
	"github.com/xraph/settlement/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnInit                 = (*MetricsExtension)(nil)
	_ plugin.OnAccountCreated       = (*MetricsExtension)(nil)
	_ plugin.OnAccountDeleted       = (*MetricsExtension)(nil)
	_ plugin.OnSettlementQueued     = (*MetricsExtension)(nil)
	_ plugin.OnSettlementPrepared   = (*MetricsExtension)(nil)
	_ plugin.OnSettlementCommitted  = (*MetricsExtension)(nil)
	_ plugin.OnSettlementFailed     = (*MetricsExtension)(nil)
	_ plugin.OnSettlementRefunded   = (*MetricsExtension)(nil)
	_ plugin.OnRequestsPurged       = (*MetricsExtension)(nil)
	_ plugin.OnCreditRecorded       = (*MetricsExtension)(nil)
	_ plugin.OnCreditFinalized      = (*MetricsExtension)(nil)
	_ plugin.OnCreditRetryScheduled = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide settlement metrics.
// Register it as a coordinator plugin to track them automatically.
type MetricsExtension struct {
	factory MetricFactory

	// Account metrics
	AccountCreated Counter
	AccountDeleted Counter

	// Outgoing settlement metrics
	SettlementQueued    Counter
	SettlementPrepared  Counter
	SettlementCommitted Counter
	SettlementFailed    Counter
	SettlementRefunded  Counter
	QueuedAmount        Histogram
	CommittedAmount     Histogram

	// Retention metrics
	RequestsPurged Counter
	PurgeLatency   Histogram

	// Incoming settlement metrics
	CreditRecorded       Counter
	CreditFinalized      Counter
	CreditRetryScheduled Counter
	CreditAttempts       Histogram
	CreditLatency        Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		AccountCreated: factory.Counter("settlement.account.created"),
		AccountDeleted: factory.Counter("settlement.account.deleted"),

		SettlementQueued:    factory.Counter("settlement.outgoing.queued"),
		SettlementPrepared:  factory.Counter("settlement.outgoing.prepared"),
		SettlementCommitted: factory.Counter("settlement.outgoing.committed"),
		SettlementFailed:    factory.Counter("settlement.outgoing.failed"),
		SettlementRefunded:  factory.Counter("settlement.outgoing.refunded"),
		QueuedAmount:        factory.Histogram("settlement.outgoing.queued_amount"),
		CommittedAmount:     factory.Histogram("settlement.outgoing.committed_amount"),

		RequestsPurged: factory.Counter("settlement.requests.purged"),
		PurgeLatency:   factory.Histogram("settlement.requests.purge.latency_ms"),

		CreditRecorded:       factory.Counter("settlement.incoming.recorded"),
		CreditFinalized:      factory.Counter("settlement.incoming.finalized"),
		CreditRetryScheduled: factory.Counter("settlement.incoming.retry_scheduled"),
		CreditAttempts:       factory.Histogram("settlement.incoming.attempts"),
		CreditLatency:        factory.Histogram("settlement.incoming.latency_ms"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Account lifecycle hooks
// ──────────────────────────────────────────────────

// OnAccountCreated implements plugin.OnAccountCreated.
func (m *MetricsExtension) OnAccountCreated(_ context.Context, _ string) error {
	m.AccountCreated.Inc()
	return nil
}

// OnAccountDeleted implements plugin.OnAccountDeleted.
func (m *MetricsExtension) OnAccountDeleted(_ context.Context, _ string) error {
	m.AccountDeleted.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Outgoing settlement hooks
// ──────────────────────────────────────────────────

// OnSettlementQueued implements plugin.OnSettlementQueued.
func (m *MetricsExtension) OnSettlementQueued(_ context.Context, _, _ string, amount decimal.Decimal) error {
	m.SettlementQueued.Inc()
	m.QueuedAmount.Observe(amount.InexactFloat64())
	return nil
}

// OnSettlementPrepared implements plugin.OnSettlementPrepared.
func (m *MetricsExtension) OnSettlementPrepared(_ context.Context, _, _ string, _ decimal.Decimal) error {
	m.SettlementPrepared.Inc()
	return nil
}

// OnSettlementCommitted implements plugin.OnSettlementCommitted.
func (m *MetricsExtension) OnSettlementCommitted(_ context.Context, _, _ string, amount decimal.Decimal) error {
	m.SettlementCommitted.Inc()
	m.CommittedAmount.Observe(amount.InexactFloat64())
	return nil
}

// OnSettlementFailed implements plugin.OnSettlementFailed.
func (m *MetricsExtension) OnSettlementFailed(_ context.Context, _ string, _ error) error {
	m.SettlementFailed.Inc()
	return nil
}

// OnSettlementRefunded implements plugin.OnSettlementRefunded.
func (m *MetricsExtension) OnSettlementRefunded(_ context.Context, _ string, _ decimal.Decimal) error {
	m.SettlementRefunded.Inc()
	return nil
}

// OnRequestsPurged implements plugin.OnRequestsPurged.
func (m *MetricsExtension) OnRequestsPurged(_ context.Context, count int64, elapsed time.Duration) error {
	m.RequestsPurged.Add(float64(count))
	m.PurgeLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// ──────────────────────────────────────────────────
// Incoming settlement hooks
// ──────────────────────────────────────────────────

// OnCreditRecorded implements plugin.OnCreditRecorded.
func (m *MetricsExtension) OnCreditRecorded(_ context.Context, _ *credit.Credit) error {
	m.CreditRecorded.Inc()
	return nil
}

// OnCreditFinalized implements plugin.OnCreditFinalized.
func (m *MetricsExtension) OnCreditFinalized(_ context.Context, c *credit.Credit) error {
	m.CreditFinalized.Inc()
	m.CreditAttempts.Observe(float64(c.Attempts))
	m.CreditLatency.Observe(float64(time.Since(c.CreatedAt).Milliseconds()))
	return nil
}

// OnCreditRetryScheduled implements plugin.OnCreditRetryScheduled.
func (m *MetricsExtension) OnCreditRetryScheduled(_ context.Context, _ *credit.Credit, _ error) error {
	m.CreditRetryScheduled.Inc()
	return nil
}
