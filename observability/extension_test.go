package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/settlement/credit"
	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/observability"
	"github.com/xraph/settlement/types"
)

func TestMetricsExtensionCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))
	ctx := context.Background()

	require.NoError(t, m.OnAccountCreated(ctx, "alice"))
	require.NoError(t, m.OnSettlementQueued(ctx, "alice", "k1", decimal.RequireFromString("4.682")))
	require.NoError(t, m.OnSettlementQueued(ctx, "alice", "k2", decimal.NewFromInt(1)))
	require.NoError(t, m.OnSettlementFailed(ctx, "alice", errors.New("ledger down")))
	require.NoError(t, m.OnRequestsPurged(ctx, 3, time.Millisecond))

	c := &credit.Credit{Entity: types.NewEntity(), ID: id.NewCreditID(), AccountID: "alice", Attempts: 3}
	require.NoError(t, m.OnCreditRetryScheduled(ctx, c, errors.New("503")))
	require.NoError(t, m.OnCreditFinalized(ctx, c))

	assert.InDelta(t, 1, testutil.ToFloat64(m.AccountCreated.(prometheus.Counter)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.SettlementQueued.(prometheus.Counter)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SettlementFailed.(prometheus.Counter)), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.RequestsPurged.(prometheus.Counter)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CreditRetryScheduled.(prometheus.Counter)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CreditFinalized.(prometheus.Counter)), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "settlement_outgoing_queued_total")
	assert.Contains(t, names, "settlement_incoming_attempts")
}

func TestPrometheusFactoryReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := observability.NewPrometheusFactory(reg)

	a := f.Counter("settlement.test")
	b := f.Counter("settlement.test")
	a.Inc()
	b.Inc()

	assert.InDelta(t, 2, testutil.ToFloat64(a.(prometheus.Counter)), 0)
}
