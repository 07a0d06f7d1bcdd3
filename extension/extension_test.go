package extension

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/store/memory"
)

type countingStore struct {
	*memory.Store
	migrations atomic.Int32
}

func (s *countingStore) Migrate(context.Context) error {
	s.migrations.Add(1)
	return nil
}

// flakyConnector fails the first credit and accepts the rest.
type flakyConnector struct {
	mu    sync.Mutex
	calls int
}

func (c *flakyConnector) CreditSettlement(context.Context, string, string, decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls == 1 {
		return errors.New("connector unavailable")
	}
	return nil
}

func (c *flakyConnector) SendMessage(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (c *flakyConnector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestCoordinator(t *testing.T, opts ...Option) (*Extension, *countingStore, *flakyConnector) {
	t.Helper()
	s := &countingStore{Store: memory.New()}
	conn := &flakyConnector{}
	e := New(append([]Option{WithStore(s), WithConnector(conn)}, opts...)...)
	e.config.PollInterval = 5 * time.Millisecond
	e.config.NotifyTimeout = 50 * time.Millisecond
	e.config = mergeWithDefaults(e.config)
	e.coordinator = settlement.New(e.store, e.connector, e.buildCoordinatorOpts()...)
	return e, s, conn
}

func TestDisableMigrateKeepsCreditLoop(t *testing.T) {
	e, s, conn := newTestCoordinator(t, WithDisableMigrate())
	ctx := context.Background()
	c := e.Coordinator()

	_, err := c.CreateAccount(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))

	_, err = c.CreditSettlement(ctx, "alice", decimal.RequireFromString("1.5"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return conn.Calls() >= 2 }, 10*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())
	assert.Zero(t, s.migrations.Load())
}

func TestMigrateRunsByDefault(t *testing.T) {
	e, s, _ := newTestCoordinator(t)
	c := e.Coordinator()

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop())
	assert.Equal(t, int32(1), s.migrations.Load())
}
