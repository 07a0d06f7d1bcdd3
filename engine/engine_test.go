package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/settlement/engine"
)

func TestSettleFunc(t *testing.T) {
	var got string
	var e engine.Engine = engine.SettleFunc(func(ctx context.Context, accountID string, prepare engine.PrepareFunc) error {
		got = accountID
		amount, commit, err := prepare(ctx, time.Second)
		require.NoError(t, err)
		assert.True(t, amount.Equal(decimal.NewFromInt(3)))
		return commit(ctx)
	})

	prepare := func(_ context.Context, _ time.Duration) (decimal.Decimal, engine.CommitFunc, error) {
		return decimal.NewFromInt(3), func(context.Context) error { return nil }, nil
	}
	require.NoError(t, e.Settle(context.Background(), "alice", prepare))
	assert.Equal(t, "alice", got)
}

func TestApplyCreditOptions(t *testing.T) {
	o := engine.ApplyCreditOptions()
	assert.Nil(t, o.Companion)
	assert.Nil(t, o.Release)

	errSeen := errors.New("already credited")
	o = engine.ApplyCreditOptions(engine.WithCompanion(func(context.Context) error { return errSeen }))
	require.NotNil(t, o.Companion)
	assert.ErrorIs(t, o.Companion(context.Background()), errSeen)

	released := false
	o = engine.ApplyCreditOptions(engine.WithRelease(func(context.Context) error {
		released = true
		return nil
	}))
	require.NotNil(t, o.Release)
	require.NoError(t, o.Release(context.Background()))
	assert.True(t, released)
}
