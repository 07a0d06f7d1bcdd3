package settlement_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/engine"
	"github.com/xraph/settlement/store/memory"
)

// TestDocumentationExamples verifies that the examples in the package
// documentation behave as described.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		var (
			mu      sync.Mutex
			settled decimal.Decimal
		)
		newEngine := func(context.Context, engine.Services) (engine.Engine, error) {
			return engine.SettleFunc(func(ctx context.Context, _ string, prepare engine.PrepareFunc) error {
				amount, commit, err := prepare(ctx, 0)
				if err != nil {
					return err
				}
				mu.Lock()
				settled = settled.Add(amount)
				mu.Unlock()
				return commit(ctx)
			}), nil
		}

		c := settlement.New(memory.New(), nil,
			settlement.WithEngine(newEngine),
			settlement.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		)

		ctx := context.Background()
		require.NoError(t, c.Start(ctx))

		_, err := c.CreateAccount(ctx, "alice")
		require.NoError(t, err)

		queued, err := c.HandleSettlementRequest(ctx, "alice", "K1", decimal.RequireFromString("4.682"))
		require.NoError(t, err)
		assert.Equal(t, "4.682", queued.String())

		// Stop waits for the settlement triggered by the request.
		require.NoError(t, c.Stop())

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "4.682", settled.String())
	})

	t.Run("QuantityExamples", func(t *testing.T) {
		amount, err := settlement.ParseAmount("4.682")
		require.NoError(t, err)

		q, err := settlement.ToQuantity(amount)
		require.NoError(t, err)
		assert.Equal(t, settlement.Quantity{Amount: "4682", Scale: 3}, q)

		back, err := settlement.FromQuantity(settlement.Quantity{Amount: "468200000", Scale: 8})
		require.NoError(t, err)
		assert.True(t, back.Equal(amount))
	})
}
