package settlement_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/connector"
	"github.com/xraph/settlement/credit"
	"github.com/xraph/settlement/engine"
	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/quantity"
	"github.com/xraph/settlement/store/memory"
)

// ──────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────

type creditCall struct {
	accountID      string
	idempotencyKey string
	amount         decimal.Decimal
}

type fakeConnector struct {
	mu       sync.Mutex
	calls    []creditCall
	failures int // fail this many credit calls before succeeding
	messages []json.RawMessage
	reply    json.RawMessage
}

func (f *fakeConnector) CreditSettlement(_ context.Context, accountID, key string, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, creditCall{accountID, key, amount})
	if f.failures > 0 {
		f.failures--
		return errors.New("connector unavailable")
	}
	return nil
}

func (f *fakeConnector) SendMessage(_ context.Context, _ string, message json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return f.reply, nil
}

func (f *fakeConnector) Calls() []creditCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]creditCall(nil), f.calls...)
}

type fakeEngine struct {
	settle func(ctx context.Context, accountID string, prepare engine.PrepareFunc) error
	calls  atomic.Int32

	mu      sync.Mutex
	setup   []string
	closed  []string
	settled []string
}

func (e *fakeEngine) Settle(ctx context.Context, accountID string, prepare engine.PrepareFunc) error {
	e.calls.Add(1)
	e.mu.Lock()
	e.settled = append(e.settled, accountID)
	e.mu.Unlock()
	if e.settle == nil {
		return nil
	}
	return e.settle(ctx, accountID, prepare)
}

func (e *fakeEngine) SetupAccount(_ context.Context, accountID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setup = append(e.setup, accountID)
	return nil
}

func (e *fakeEngine) CloseAccount(_ context.Context, accountID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = append(e.closed, accountID)
	return nil
}

func (e *fakeEngine) HandleMessage(_ context.Context, _ string, message json.RawMessage) (json.RawMessage, error) {
	return message, nil
}

func (e *fakeEngine) Settled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.settled...)
}

type queuedCounter struct {
	queued atomic.Int32
}

func (q *queuedCounter) Name() string { return "queued-counter" }

func (q *queuedCounter) OnSettlementQueued(context.Context, string, string, decimal.Decimal) error {
	q.queued.Add(1)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCoordinator(t *testing.T, conn *fakeConnector, opts ...settlement.Option) (*settlement.Coordinator, *memory.Store) {
	t.Helper()
	s := memory.New()
	opts = append([]settlement.Option{settlement.WithLogger(quietLogger())}, opts...)

	// A nil *fakeConnector must become a nil interface.
	var cn connector.Connector
	if conn != nil {
		cn = conn
	}
	return settlement.New(s, cn, opts...), s
}

func mustCreate(t *testing.T, c *settlement.Coordinator, accountID string) {
	t.Helper()
	_, err := c.CreateAccount(context.Background(), accountID)
	require.NoError(t, err)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ──────────────────────────────────────────────────
// Accounts
// ──────────────────────────────────────────────────

func TestCreateAccountIsIdempotent(t *testing.T) {
	c, _ := newCoordinator(t, nil)
	eng := &fakeEngine{}
	c.SetEngine(eng)
	ctx := context.Background()

	existed, err := c.CreateAccount(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, existed)

	existed, err = c.CreateAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, existed)

	ok, err := c.AccountExists(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"alice", "alice"}, eng.setup)
}

func TestAccountKeyValidation(t *testing.T) {
	c, _ := newCoordinator(t, nil)
	ctx := context.Background()

	for _, bad := range []string{"", "a:b", "tab\there", string(make([]byte, 256))} {
		_, err := c.CreateAccount(ctx, bad)
		assert.ErrorIs(t, err, settlement.ErrInvalidAccount, "%q", bad)
		assert.True(t, settlement.IsValidation(err))
	}
}

func TestDeleteAccountRemovesState(t *testing.T) {
	c, s := newCoordinator(t, &fakeConnector{failures: 1})
	eng := &fakeEngine{}
	c.SetEngine(eng)
	ctx := context.Background()
	mustCreate(t, c, "alice")

	_, err := c.HandleSettlementRequest(ctx, "alice", "k1", dec("1"))
	require.NoError(t, err)
	_, err = c.CreditSettlement(ctx, "alice", dec("2"))
	require.NoError(t, err)

	require.NoError(t, c.DeleteAccount(ctx, "alice"))
	assert.Equal(t, []string{"alice"}, eng.closed)

	ok, err := c.AccountExists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.NextRetryableCredit(ctx, time.Now().Add(24*time.Hour), time.Second)
	assert.ErrorIs(t, err, settlement.ErrNoCreditReady)

	_, err = c.HandleSettlementRequest(ctx, "alice", "k2", dec("1"))
	assert.ErrorIs(t, err, settlement.ErrAccountNotFound)
}

// ──────────────────────────────────────────────────
// Outgoing settlements
// ──────────────────────────────────────────────────

func TestHandleSettlementRequestIdempotency(t *testing.T) {
	c, _ := newCoordinator(t, nil)
	ctx := context.Background()
	mustCreate(t, c, "alice")

	first, err := quantity.FromQuantity(quantity.Quantity{Amount: "468200000", Scale: 8})
	require.NoError(t, err)

	queued, err := c.HandleSettlementRequest(ctx, "alice", "K1", first)
	require.NoError(t, err)
	assert.Equal(t, "4.682", queued.String())

	queued, err = c.HandleSettlementRequest(ctx, "alice", "K1", dec("100"))
	require.NoError(t, err)
	assert.Equal(t, "4.682", queued.String())

	amount, _, err := c.Prepare(ctx, "alice", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "4.682", amount.String())
}

func TestHandleSettlementRequestValidation(t *testing.T) {
	c, _ := newCoordinator(t, nil)
	ctx := context.Background()
	mustCreate(t, c, "alice")

	_, err := c.HandleSettlementRequest(ctx, "alice", "K1", decimal.Zero)
	assert.ErrorIs(t, err, settlement.ErrInvalidAmount)

	_, err = c.HandleSettlementRequest(ctx, "alice", "K1", dec("-1"))
	assert.ErrorIs(t, err, settlement.ErrInvalidAmount)

	_, err = c.HandleSettlementRequest(ctx, "alice", "bad:key", dec("1"))
	assert.ErrorIs(t, err, settlement.ErrInvalidIdempotencyKey)

	_, err = c.HandleSettlementRequest(ctx, "nobody", "K1", dec("1"))
	assert.ErrorIs(t, err, settlement.ErrAccountNotFound)

	amount, _, err := c.Prepare(ctx, "alice", time.Second)
	require.NoError(t, err)
	assert.True(t, amount.IsZero())
}

func TestConcurrentRequestsTriggerOneSettlement(t *testing.T) {
	counter := &queuedCounter{}
	c, _ := newCoordinator(t, nil, settlement.WithPlugin(counter))
	eng := &fakeEngine{}
	c.SetEngine(eng)
	ctx := context.Background()
	mustCreate(t, c, "alice")

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queued, err := c.HandleSettlementRequest(ctx, "alice", "K", dec("3.21"))
			assert.NoError(t, err)
			assert.Equal(t, "3.21", queued.String())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), counter.queued.Load())
	require.Eventually(t, func() bool { return eng.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	amount, _, err := c.Prepare(ctx, "alice", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "3.21", amount.String())
}

func TestPartialSettlementRefund(t *testing.T) {
	c, _ := newCoordinator(t, nil)
	ctx := context.Background()
	mustCreate(t, c, "alice")

	_, err := c.HandleSettlementRequest(ctx, "alice", "K1", dec("3.6"))
	require.NoError(t, err)

	amount, commit, err := c.Prepare(ctx, "alice", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "3.6", amount.String())
	require.NoError(t, commit(ctx))

	settled := dec("1.207")
	require.NoError(t, c.RefundSettlement(ctx, "alice", amount.Sub(settled)))

	_, err = c.HandleSettlementRequest(ctx, "alice", "K2", dec("4.9001"))
	require.NoError(t, err)

	amount, _, err = c.Prepare(ctx, "alice", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "7.2931", amount.String())
}

func TestRefundSettlementZeroIsNoop(t *testing.T) {
	c, _ := newCoordinator(t, nil)
	ctx := context.Background()

	// The account does not exist; a zero refund never reaches the store.
	require.NoError(t, c.RefundSettlement(ctx, "alice", decimal.Zero))
	assert.ErrorIs(t, c.RefundSettlement(ctx, "alice", dec("-0.1")), settlement.ErrInvalidAmount)
	assert.ErrorIs(t, c.RefundSettlement(ctx, "alice", dec("1")), settlement.ErrAccountNotFound)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, _ := newCoordinator(t, nil, settlement.WithClock(clk.Now))
	ctx := context.Background()
	mustCreate(t, c, "alice")

	_, err := c.HandleSettlementRequest(ctx, "alice", "K1", dec("5"))
	require.NoError(t, err)

	leased, staleCommit, err := c.Prepare(ctx, "alice", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "5", leased.String())

	// No double lease while the first lease is live.
	again, _, err := c.Prepare(ctx, "alice", time.Second)
	require.NoError(t, err)
	assert.True(t, again.IsZero())

	clk.Advance(time.Second)

	reclaimed, commit, err := c.Prepare(ctx, "alice", time.Second)
	require.NoError(t, err)
	assert.True(t, leased.Equal(reclaimed))

	assert.ErrorIs(t, staleCommit(ctx), settlement.ErrLeaseExpired)
	require.NoError(t, commit(ctx))

	left, _, err := c.Prepare(ctx, "alice", time.Second)
	require.NoError(t, err)
	assert.True(t, left.IsZero())
}

func TestConcurrentPrepareNeverDoubleLeases(t *testing.T) {
	c, _ := newCoordinator(t, nil)
	ctx := context.Background()
	mustCreate(t, c, "alice")

	for i, amount := range []string{"1.5", "2.25", "0.001", "7"} {
		_, err := c.HandleSettlementRequest(ctx, "alice", string(rune('a'+i)), dec(amount))
		require.NoError(t, err)
	}

	var (
		mu    sync.Mutex
		total = decimal.Zero
		wg    sync.WaitGroup
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			amount, _, err := c.Prepare(ctx, "alice", time.Minute)
			assert.NoError(t, err)
			mu.Lock()
			total = total.Add(amount)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, "10.751", total.String())
}

func TestTrySettleCommitsThroughEngine(t *testing.T) {
	c, _ := newCoordinator(t, nil)
	done := make(chan decimal.Decimal, 1)
	c.SetEngine(&fakeEngine{
		settle: func(ctx context.Context, _ string, prepare engine.PrepareFunc) error {
			amount, commit, err := prepare(ctx, time.Second)
			if err != nil {
				return err
			}
			if err := commit(ctx); err != nil {
				return err
			}
			done <- amount
			return nil
		},
	})
	ctx := context.Background()
	mustCreate(t, c, "alice")

	_, err := c.HandleSettlementRequest(ctx, "alice", "K1", dec("12.5"))
	require.NoError(t, err)

	select {
	case amount := <-done:
		assert.Equal(t, "12.5", amount.String())
	case <-time.After(time.Second):
		t.Fatal("settlement was not attempted")
	}

	left, _, err := c.Prepare(ctx, "alice", time.Second)
	require.NoError(t, err)
	assert.True(t, left.IsZero())
}

func TestTrySettleWithoutEngine(t *testing.T) {
	c, _ := newCoordinator(t, nil)
	err := c.TrySettle(context.Background(), "alice")
	assert.ErrorIs(t, err, settlement.ErrEngineNotConfigured)
}

// ──────────────────────────────────────────────────
// Incoming settlements
// ──────────────────────────────────────────────────

func fastRetries() settlement.Option {
	return settlement.WithRetryPolicy(credit.RetryPolicy{
		MinDelay:   time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2,
	})
}

func TestCreditSettlementNotifiesOnce(t *testing.T) {
	conn := &fakeConnector{}
	c, s := newCoordinator(t, conn)
	ctx := context.Background()
	mustCreate(t, c, "alice")

	creditID, err := c.CreditSettlement(ctx, "alice", dec("5.0"))
	require.NoError(t, err)
	assert.False(t, creditID.IsNil())

	calls := conn.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "alice", calls[0].accountID)
	assert.Equal(t, creditID.String(), calls[0].idempotencyKey)
	assert.Equal(t, "5", calls[0].amount.String())

	_, err = s.NextRetryableCredit(ctx, time.Now().Add(24*time.Hour), time.Second)
	assert.ErrorIs(t, err, settlement.ErrNoCreditReady)
}

func TestCreditRetriedUntilAcknowledged(t *testing.T) {
	conn := &fakeConnector{failures: 2}
	c, s := newCoordinator(t, conn,
		settlement.WithPollInterval(5*time.Millisecond),
		settlement.WithNotifyTimeout(50*time.Millisecond),
		fastRetries(),
	)
	ctx := context.Background()
	mustCreate(t, c, "alice")
	require.NoError(t, c.Start(ctx))

	creditID, err := c.CreditSettlement(ctx, "alice", dec("5.0"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(conn.Calls()) >= 3 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())

	calls := conn.Calls()
	require.Len(t, calls, 3)
	for _, call := range calls {
		assert.Equal(t, creditID.String(), call.idempotencyKey)
	}

	_, err = s.NextRetryableCredit(ctx, time.Now().Add(24*time.Hour), time.Second)
	assert.ErrorIs(t, err, settlement.ErrNoCreditReady)
}

func TestCreditStaysQueuedWithoutConnector(t *testing.T) {
	c, s := newCoordinator(t, nil, fastRetries())
	ctx := context.Background()
	mustCreate(t, c, "alice")

	creditID, err := c.CreditSettlement(ctx, "alice", dec("1"))
	require.NoError(t, err)

	cr, err := s.NextRetryableCredit(ctx, time.Now().Add(time.Minute), time.Second)
	require.NoError(t, err)
	assert.Equal(t, creditID.String(), cr.ID.String())
	assert.Equal(t, 2, cr.Attempts)
}

func TestCreditSettlementZeroRunsCompanion(t *testing.T) {
	conn := &fakeConnector{}
	c, _ := newCoordinator(t, conn)
	ctx := context.Background()
	mustCreate(t, c, "alice")

	ran := false
	creditID, err := c.CreditSettlement(ctx, "alice", decimal.Zero, engine.WithCompanion(func(context.Context) error {
		ran = true
		return nil
	}))
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, creditID.IsNil())
	assert.Empty(t, conn.Calls())
}

func TestCreditSettlementUnknownAccountSkipsCompanion(t *testing.T) {
	conn := &fakeConnector{}
	c, _ := newCoordinator(t, conn)
	ctx := context.Background()

	for _, amount := range []decimal.Decimal{decimal.Zero, dec("1")} {
		ran := false
		creditID, err := c.CreditSettlement(ctx, "alice", amount, engine.WithCompanion(func(context.Context) error {
			ran = true
			return nil
		}))
		assert.ErrorIs(t, err, settlement.ErrAccountNotFound, amount.String())
		assert.False(t, ran, amount.String())
		assert.True(t, creditID.IsNil(), amount.String())
	}
	assert.Empty(t, conn.Calls())
}

// failingCreditStore rejects every credit write.
type failingCreditStore struct {
	*memory.Store
	err error
}

func (s *failingCreditStore) AddCredit(context.Context, *credit.Credit) error { return s.err }

func TestCreditSettlementReleasesCompanionWhenRecordFails(t *testing.T) {
	conn := &fakeConnector{}
	writeErr := errors.New("disk full")
	s := &failingCreditStore{Store: memory.New(), err: writeErr}
	c := settlement.New(s, conn, settlement.WithLogger(quietLogger()))
	ctx := context.Background()
	mustCreate(t, c, "alice")

	var guarded, released bool
	creditID, err := c.CreditSettlement(ctx, "alice", dec("3"),
		engine.WithCompanion(func(context.Context) error {
			guarded = true
			return nil
		}),
		engine.WithRelease(func(context.Context) error {
			released = true
			return nil
		}),
	)
	require.ErrorIs(t, err, writeErr)
	assert.True(t, creditID.IsNil())
	assert.True(t, guarded)
	assert.True(t, released)
	assert.Empty(t, conn.Calls())
}

func TestCreditSettlementKeepsCompanionWhenRecorded(t *testing.T) {
	conn := &fakeConnector{}
	c, _ := newCoordinator(t, conn)
	ctx := context.Background()
	mustCreate(t, c, "alice")

	released := false
	_, err := c.CreditSettlement(ctx, "alice", dec("3"),
		engine.WithCompanion(func(context.Context) error { return nil }),
		engine.WithRelease(func(context.Context) error {
			released = true
			return nil
		}),
	)
	require.NoError(t, err)
	assert.False(t, released)
	assert.Len(t, conn.Calls(), 1)
}

func TestCreditSettlementCompanionAborts(t *testing.T) {
	conn := &fakeConnector{}
	c, _ := newCoordinator(t, conn)
	ctx := context.Background()
	mustCreate(t, c, "alice")

	seen := errors.New("already credited")
	creditID, err := c.CreditSettlement(ctx, "alice", dec("1"), engine.WithCompanion(func(context.Context) error {
		return seen
	}))
	assert.ErrorIs(t, err, seen)
	assert.Equal(t, id.Nil, creditID)
	assert.Empty(t, conn.Calls())
}

func TestCreditSettlementValidation(t *testing.T) {
	c, _ := newCoordinator(t, &fakeConnector{})
	ctx := context.Background()

	_, err := c.CreditSettlement(ctx, "alice", dec("-1"))
	assert.ErrorIs(t, err, settlement.ErrInvalidAmount)

	_, err = c.CreditSettlement(ctx, "a:b", dec("1"))
	assert.ErrorIs(t, err, settlement.ErrInvalidAccount)

	_, err = c.CreditSettlement(ctx, "alice", dec("1"))
	assert.ErrorIs(t, err, settlement.ErrAccountNotFound)
}

// ──────────────────────────────────────────────────
// Lifecycle & messaging
// ──────────────────────────────────────────────────

func TestStartBuildsEngineFromFactory(t *testing.T) {
	eng := &fakeEngine{}
	var services engine.Services
	c, _ := newCoordinator(t, nil, settlement.WithEngine(func(_ context.Context, s engine.Services) (engine.Engine, error) {
		services = s
		return eng, nil
	}))
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	assert.ErrorIs(t, c.Start(ctx), settlement.ErrAlreadyStarted)
	assert.Same(t, c, services)
	require.NoError(t, c.Stop())
}

func TestStartFailsWhenFactoryFails(t *testing.T) {
	c, _ := newCoordinator(t, nil, settlement.WithEngine(func(context.Context, engine.Services) (engine.Engine, error) {
		return nil, errors.New("no ledger")
	}))
	require.Error(t, c.Start(context.Background()))
}

func TestStartCanBeRetriedAfterFactoryFails(t *testing.T) {
	eng := &fakeEngine{}
	attempts := 0
	c, _ := newCoordinator(t, nil, settlement.WithEngine(func(context.Context, engine.Services) (engine.Engine, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("ledger not ready")
		}
		return eng, nil
	}))
	ctx := context.Background()

	require.Error(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, 2, attempts)
	require.NoError(t, c.Stop())
}

// migrateCountingStore fails the first migrations and counts every call.
type migrateCountingStore struct {
	*memory.Store
	failures int
	calls    int
}

func (s *migrateCountingStore) Migrate(context.Context) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("schema locked")
	}
	return nil
}

func TestStartCanBeRetriedAfterMigrateFails(t *testing.T) {
	s := &migrateCountingStore{Store: memory.New(), failures: 1}
	c := settlement.New(s, nil, settlement.WithLogger(quietLogger()))
	ctx := context.Background()

	require.Error(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, 2, s.calls)
	require.NoError(t, c.Stop())
}

func TestWithoutMigrateStillRunsCreditLoop(t *testing.T) {
	s := &migrateCountingStore{Store: memory.New(), failures: 1}
	conn := &fakeConnector{failures: 1}
	c := settlement.New(s, conn,
		settlement.WithLogger(quietLogger()),
		settlement.WithoutMigrate(),
		settlement.WithPollInterval(5*time.Millisecond),
		settlement.WithNotifyTimeout(50*time.Millisecond),
		fastRetries(),
	)
	ctx := context.Background()
	mustCreate(t, c, "alice")
	require.NoError(t, c.Start(ctx))
	assert.Zero(t, s.calls)

	_, err := c.CreditSettlement(ctx, "alice", dec("2"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(conn.Calls()) >= 2 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())
}

func TestRequestAfterStopStaysQueued(t *testing.T) {
	eng := &fakeEngine{}
	c, s := newCoordinator(t, nil)
	ctx := context.Background()
	mustCreate(t, c, "alice")
	c.SetEngine(eng)

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop())

	queued, err := c.HandleSettlementRequest(ctx, "alice", "k1", dec("4"))
	require.NoError(t, err)
	assert.Equal(t, "4", queued.String())
	assert.Zero(t, eng.calls.Load())

	lease, err := s.LeaseAvailable(ctx, "alice", id.NewLeaseID(), time.Now(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "4", lease.Total().String())
}

func TestSettleSweepOnStart(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newCoordinator(t, nil, settlement.WithSettleSweep(time.Hour))
	ctx := context.Background()
	mustCreate(t, c, "alice")
	mustCreate(t, c, "bob")

	c.SetEngine(eng)
	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool { return len(eng.Settled()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())

	assert.ElementsMatch(t, []string{"alice", "bob"}, eng.Settled())
}

func TestMessages(t *testing.T) {
	conn := &fakeConnector{reply: json.RawMessage(`{"ok":true}`)}
	c, _ := newCoordinator(t, conn)
	ctx := context.Background()

	_, err := c.HandleMessage(ctx, "alice", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, settlement.ErrMessagesUnsupported)

	c.SetEngine(&fakeEngine{})
	reply, err := c.HandleMessage(ctx, "alice", json.RawMessage(`{"ping":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ping":1}`, string(reply))

	reply, err = c.SendMessage(ctx, "alice", map[string]string{"type": "paychan"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(reply))
	require.Len(t, conn.messages, 1)
	assert.JSONEq(t, `{"type":"paychan"}`, string(conn.messages[0]))
}

func TestSendMessageWithoutConnector(t *testing.T) {
	c, _ := newCoordinator(t, nil)
	_, err := c.SendMessage(context.Background(), "alice", "hi")
	assert.ErrorIs(t, err, settlement.ErrNotifierMissing)
}
