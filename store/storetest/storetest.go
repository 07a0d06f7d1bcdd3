// Package storetest is a conformance suite for store.Store implementations.
// Every backend runs the same scenarios so the coordinator can rely on
// identical atomicity guarantees regardless of where state lives.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/credit"
	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/queue"
	"github.com/xraph/settlement/store"
	"github.com/xraph/settlement/types"
)

// Factory returns an empty, migrated store. It is called once per scenario.
type Factory func(t *testing.T) store.Store

// Run executes the full suite against the stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	scenarios := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Accounts", testAccounts},
		{"DeleteAccountRemovesState", testDeleteAccountRemovesState},
		{"EnqueueIdempotent", testEnqueueIdempotent},
		{"EnqueueRejects", testEnqueueRejects},
		{"ConcurrentEnqueueSameKey", testConcurrentEnqueueSameKey},
		{"LeaseExcludesLeasedUnits", testLeaseExcludesLeasedUnits},
		{"ConcurrentLeaseNoDoubleLease", testConcurrentLease},
		{"LeaseExpiryConservesFunds", testLeaseExpiryConservesFunds},
		{"CommitLeaseOnce", testCommitLeaseOnce},
		{"PartialSettlementRequeue", testPartialSettlementRequeue},
		{"RequestRetention", testRequestRetention},
		{"CreditClaimAndFinalize", testCreditClaimAndFinalize},
		{"CreditOrdering", testCreditOrdering},
		{"CreditRejects", testCreditRejects},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			s := newStore(t)
			require.NoError(t, s.Ping(context.Background()))
			sc.fn(t, s)
		})
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "expected amount %s, got %s", want, got.String())
}

func newAccount(t *testing.T, s store.Store) string {
	t.Helper()
	accountID := id.NewAccountID().String()
	existed, err := s.CreateAccount(context.Background(), accountID)
	require.NoError(t, err)
	require.False(t, existed)
	return accountID
}

func request(accountID, key, amount string, at time.Time, retention time.Duration) *queue.Request {
	return &queue.Request{
		Entity:         types.NewEntityAt(at),
		AccountID:      accountID,
		IdempotencyKey: key,
		Amount:         dec(amount),
		ExpiresAt:      at.Add(retention),
	}
}

func enqueue(t *testing.T, s store.Store, accountID, key, amount string, at time.Time) (decimal.Decimal, bool) {
	t.Helper()
	queued, isNew, err := s.EnqueueIfAbsent(context.Background(), request(accountID, key, amount, at, 24*time.Hour), id.NewAmountID())
	require.NoError(t, err)
	return queued, isNew
}

func lease(t *testing.T, s store.Store, accountID string, at time.Time, d time.Duration) *queue.Lease {
	t.Helper()
	l, err := s.LeaseAvailable(context.Background(), accountID, id.NewLeaseID(), at, at.Add(d))
	require.NoError(t, err)
	require.NotNil(t, l)
	return l
}

func testAccounts(t *testing.T, s store.Store) {
	ctx := context.Background()

	exists, err := s.AccountExists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, exists)

	existed, err := s.CreateAccount(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, existed)

	existed, err = s.CreateAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = s.CreateAccount(ctx, "bob")
	require.NoError(t, err)

	exists, err = s.AccountExists(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, exists)

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
		assert.False(t, a.CreatedAt.IsZero())
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, ids)

	require.NoError(t, s.DeleteAccount(ctx, "alice"))
	exists, err = s.AccountExists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting a missing account is not an error.
	require.NoError(t, s.DeleteAccount(ctx, "alice"))
}

func testDeleteAccountRemovesState(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := now()
	accountID := newAccount(t, s)

	enqueue(t, s, accountID, "k1", "1.5", at)
	require.NoError(t, s.AddCredit(ctx, &credit.Credit{
		Entity:      types.NewEntityAt(at),
		ID:          id.NewCreditID(),
		AccountID:   accountID,
		Amount:      dec("5"),
		NextRetryAt: at,
	}))

	require.NoError(t, s.DeleteAccount(ctx, accountID))

	_, _, err := s.EnqueueIfAbsent(ctx, request(accountID, "k1", "2", at, time.Hour), id.NewAmountID())
	require.ErrorIs(t, err, settlement.ErrAccountNotFound)

	_, err = s.NextRetryableCredit(ctx, at.Add(time.Second), time.Minute)
	require.ErrorIs(t, err, settlement.ErrNoCreditReady)

	// A recreated account starts from scratch.
	existed, err := s.CreateAccount(ctx, accountID)
	require.NoError(t, err)
	assert.False(t, existed)

	l := lease(t, s, accountID, at, time.Second)
	assert.True(t, l.Empty())

	queued, isNew := enqueue(t, s, accountID, "k1", "2", at)
	assert.True(t, isNew)
	requireAmount(t, "2", queued)
}

func testEnqueueIdempotent(t *testing.T, s store.Store) {
	at := now()
	accountID := newAccount(t, s)

	queued, isNew := enqueue(t, s, accountID, "K1", "4.682", at)
	assert.True(t, isNew)
	requireAmount(t, "4.682", queued)

	queued, isNew = enqueue(t, s, accountID, "K1", "9", at.Add(time.Millisecond))
	assert.False(t, isNew)
	requireAmount(t, "4.682", queued)

	// Keys are scoped per account.
	other := newAccount(t, s)
	queued, isNew = enqueue(t, s, other, "K1", "9", at)
	assert.True(t, isNew)
	requireAmount(t, "9", queued)

	l := lease(t, s, accountID, at, time.Second)
	requireAmount(t, "4.682", l.Total())
	assert.Len(t, l.Amounts, 1)
}

func testEnqueueRejects(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := now()
	accountID := newAccount(t, s)

	_, _, err := s.EnqueueIfAbsent(ctx, request("missing", "k", "1", at, time.Hour), id.NewAmountID())
	require.ErrorIs(t, err, settlement.ErrAccountNotFound)

	_, _, err = s.EnqueueIfAbsent(ctx, request(accountID, "k", "0", at, time.Hour), id.NewAmountID())
	require.ErrorIs(t, err, settlement.ErrInvalidAmount)

	_, _, err = s.EnqueueIfAbsent(ctx, request(accountID, "k", "-1", at, time.Hour), id.NewAmountID())
	require.ErrorIs(t, err, settlement.ErrInvalidAmount)

	_, err = s.LeaseAvailable(ctx, "missing", id.NewLeaseID(), at, at.Add(time.Second))
	require.ErrorIs(t, err, settlement.ErrAccountNotFound)

	l := lease(t, s, accountID, at, time.Second)
	assert.True(t, l.Empty(), "rejected requests must not queue funds")
}

func testConcurrentEnqueueSameKey(t *testing.T, s store.Store) {
	at := now()
	accountID := newAccount(t, s)

	const callers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		newHits int
		errs    []error
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queued, isNew, err := s.EnqueueIfAbsent(context.Background(),
				request(accountID, "K", "3.21", at, time.Hour), id.NewAmountID())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if !queued.Equal(dec("3.21")) {
				errs = append(errs, assert.AnError)
			}
			if isNew {
				newHits++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, newHits)

	l := lease(t, s, accountID, at, time.Second)
	requireAmount(t, "3.21", l.Total())
}

func testLeaseExcludesLeasedUnits(t *testing.T, s store.Store) {
	at := now()
	accountID := newAccount(t, s)

	enqueue(t, s, accountID, "a", "1", at)
	enqueue(t, s, accountID, "b", "2.5", at)

	first := lease(t, s, accountID, at, time.Minute)
	requireAmount(t, "3.5", first.Total())
	assert.Len(t, first.Amounts, 2)
	for _, unit := range first.Amounts {
		assert.Equal(t, first.ID.String(), unit.LeaseID.String())
	}

	second := lease(t, s, accountID, at.Add(time.Second), time.Minute)
	assert.True(t, second.Empty())
	assert.True(t, second.Total().IsZero())

	// Units queued after the first lease are leasable.
	enqueue(t, s, accountID, "c", "0.25", at.Add(time.Second))
	third := lease(t, s, accountID, at.Add(2*time.Second), time.Minute)
	requireAmount(t, "0.25", third.Total())

	require.NoError(t, s.CommitLease(context.Background(), first, at.Add(3*time.Second)))
	require.NoError(t, s.CommitLease(context.Background(), third, at.Add(3*time.Second)))
}

func testConcurrentLease(t *testing.T, s store.Store) {
	at := now()
	accountID := newAccount(t, s)

	enqueue(t, s, accountID, "a", "1.1", at)
	enqueue(t, s, accountID, "b", "2.2", at)
	enqueue(t, s, accountID, "c", "3.3", at)

	const callers = 10
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		total  = decimal.Zero
		leased = map[string]int{}
		errs   []error
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := s.LeaseAvailable(context.Background(), accountID, id.NewLeaseID(), at, at.Add(time.Minute))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			total = total.Add(l.Total())
			for _, unitID := range l.AmountIDs() {
				leased[unitID]++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	requireAmount(t, "6.6", total)
	assert.Len(t, leased, 3)
	for unitID, n := range leased {
		assert.Equal(t, 1, n, "unit %s leased more than once", unitID)
	}
}

func testLeaseExpiryConservesFunds(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := now()
	accountID := newAccount(t, s)

	enqueue(t, s, accountID, "a", "3.6", at)

	abandoned := lease(t, s, accountID, at, time.Second)
	requireAmount(t, "3.6", abandoned.Total())

	// Still held before expiry.
	assert.True(t, lease(t, s, accountID, at.Add(500*time.Millisecond), time.Second).Empty())

	// After expiry the same funds are leasable again, exactly once.
	retry := lease(t, s, accountID, at.Add(2*time.Second), time.Second)
	requireAmount(t, "3.6", retry.Total())

	// The abandoned holder can no longer commit.
	require.ErrorIs(t, s.CommitLease(ctx, abandoned, at.Add(2*time.Second)), settlement.ErrLeaseExpired)

	require.NoError(t, s.CommitLease(ctx, retry, at.Add(2500*time.Millisecond)))
	assert.True(t, lease(t, s, accountID, at.Add(10*time.Second), time.Second).Empty())
}

func testCommitLeaseOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := now()
	accountID := newAccount(t, s)

	enqueue(t, s, accountID, "a", "1", at)
	l := lease(t, s, accountID, at, time.Second)

	// Committing after the lease elapsed fails and deletes nothing.
	require.ErrorIs(t, s.CommitLease(ctx, l, at.Add(time.Second)), settlement.ErrLeaseExpired)
	again := lease(t, s, accountID, at.Add(time.Second), time.Second)
	requireAmount(t, "1", again.Total())

	require.NoError(t, s.CommitLease(ctx, again, at.Add(1500*time.Millisecond)))
	require.ErrorIs(t, s.CommitLease(ctx, again, at.Add(1500*time.Millisecond)), settlement.ErrLeaseExpired)

	// An empty lease commits trivially.
	empty := lease(t, s, accountID, at.Add(2*time.Second), time.Second)
	require.True(t, empty.Empty())
	require.NoError(t, s.CommitLease(ctx, empty, at.Add(2*time.Second)))
}

func testPartialSettlementRequeue(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := now()
	accountID := newAccount(t, s)

	enqueue(t, s, accountID, "a", "3.6", at)
	l := lease(t, s, accountID, at, time.Second)
	requireAmount(t, "3.6", l.Total())
	require.NoError(t, s.CommitLease(ctx, l, at.Add(100*time.Millisecond)))

	// Only 1.207 was settled; the remainder goes back on the queue.
	require.NoError(t, s.RequeueAmount(ctx, &queue.PendingAmount{
		Entity:    types.NewEntityAt(at),
		ID:        id.NewAmountID(),
		AccountID: accountID,
		Amount:    dec("3.6").Sub(dec("1.207")),
	}))
	enqueue(t, s, accountID, "b", "4.9001", at.Add(200*time.Millisecond))

	next := lease(t, s, accountID, at.Add(300*time.Millisecond), time.Second)
	requireAmount(t, "7.2931", next.Total())
	assert.Len(t, next.Amounts, 2)

	err := s.RequeueAmount(ctx, &queue.PendingAmount{ID: id.NewAmountID(), AccountID: "missing", Amount: dec("1")})
	require.ErrorIs(t, err, settlement.ErrAccountNotFound)
}

func testRequestRetention(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := now()
	accountID := newAccount(t, s)

	_, isNew, err := s.EnqueueIfAbsent(ctx, request(accountID, "k", "1", at, time.Hour), id.NewAmountID())
	require.NoError(t, err)
	require.True(t, isNew)

	// A repeat inside the window extends it.
	queued, isNew, err := s.EnqueueIfAbsent(ctx, request(accountID, "k", "2", at.Add(30*time.Minute), time.Hour), id.NewAmountID())
	require.NoError(t, err)
	require.False(t, isNew)
	requireAmount(t, "1", queued)

	queued, isNew, err = s.EnqueueIfAbsent(ctx, request(accountID, "k", "3", at.Add(80*time.Minute), time.Hour), id.NewAmountID())
	require.NoError(t, err)
	require.False(t, isNew)
	requireAmount(t, "1", queued)

	// Past the extended window the key is treated as unseen.
	queued, isNew, err = s.EnqueueIfAbsent(ctx, request(accountID, "k", "4", at.Add(3*time.Hour), time.Hour), id.NewAmountID())
	require.NoError(t, err)
	require.True(t, isNew)
	requireAmount(t, "4", queued)

	_, isNew, err = s.EnqueueIfAbsent(ctx, request(accountID, "other", "5", at, time.Hour), id.NewAmountID())
	require.NoError(t, err)
	require.True(t, isNew)

	purged, err := s.PurgeRequests(ctx, at.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, isNew, err = s.EnqueueIfAbsent(ctx, request(accountID, "other", "6", at.Add(time.Minute), time.Hour), id.NewAmountID())
	require.NoError(t, err)
	assert.True(t, isNew, "purged key must be accepted again")

	_, isNew, err = s.EnqueueIfAbsent(ctx, request(accountID, "k", "7", at.Add(3*time.Hour), time.Hour), id.NewAmountID())
	require.NoError(t, err)
	assert.False(t, isNew, "unexpired key must survive the purge")

	l := lease(t, s, accountID, at.Add(3*time.Hour), time.Second)
	requireAmount(t, "16", l.Total())
}

func testCreditClaimAndFinalize(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := now()
	accountID := newAccount(t, s)

	c := &credit.Credit{
		Entity:      types.NewEntityAt(at),
		ID:          id.NewCreditID(),
		AccountID:   accountID,
		Amount:      dec("5.0"),
		NextRetryAt: at,
	}
	require.NoError(t, s.AddCredit(ctx, c))

	claimed, err := s.NextRetryableCredit(ctx, at, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, c.ID.String(), claimed.ID.String())
	assert.Equal(t, accountID, claimed.AccountID)
	assert.Equal(t, 1, claimed.Attempts)
	requireAmount(t, "5", claimed.Amount)
	assert.True(t, claimed.NextRetryAt.Equal(at.Add(time.Minute)))

	// The claim hides the record until its visibility window lapses.
	_, err = s.NextRetryableCredit(ctx, at.Add(time.Second), time.Minute)
	require.ErrorIs(t, err, settlement.ErrNoCreditReady)

	reclaimed, err := s.NextRetryableCredit(ctx, at.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed.Attempts)

	reclaimed.NextRetryAt = at.Add(5 * time.Minute)
	require.NoError(t, s.ScheduleRetry(ctx, reclaimed))

	_, err = s.NextRetryableCredit(ctx, at.Add(4*time.Minute), time.Minute)
	require.ErrorIs(t, err, settlement.ErrNoCreditReady)

	third, err := s.NextRetryableCredit(ctx, at.Add(5*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, third.Attempts)

	require.NoError(t, s.FinalizeCredit(ctx, accountID, third.ID))
	_, err = s.NextRetryableCredit(ctx, at.Add(24*time.Hour), time.Minute)
	require.ErrorIs(t, err, settlement.ErrNoCreditReady)

	// Finalizing twice is harmless; rescheduling a finalized credit is not.
	require.NoError(t, s.FinalizeCredit(ctx, accountID, third.ID))
	require.ErrorIs(t, s.ScheduleRetry(ctx, third), settlement.ErrCreditNotFound)
}

func testCreditOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := now()
	accountID := newAccount(t, s)

	later := &credit.Credit{ID: id.NewCreditID(), AccountID: accountID, Amount: dec("1"), NextRetryAt: at.Add(2 * time.Millisecond)}
	sooner := &credit.Credit{ID: id.NewCreditID(), AccountID: accountID, Amount: dec("2"), NextRetryAt: at.Add(time.Millisecond)}
	future := &credit.Credit{ID: id.NewCreditID(), AccountID: accountID, Amount: dec("3"), NextRetryAt: at.Add(time.Hour)}
	for _, c := range []*credit.Credit{later, sooner, future} {
		c.Entity = types.NewEntityAt(at)
		require.NoError(t, s.AddCredit(ctx, c))
	}

	_, err := s.NextRetryableCredit(ctx, at, time.Minute)
	require.ErrorIs(t, err, settlement.ErrNoCreditReady, "head is not yet due")

	first, err := s.NextRetryableCredit(ctx, at.Add(10*time.Millisecond), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, sooner.ID.String(), first.ID.String())

	second, err := s.NextRetryableCredit(ctx, at.Add(10*time.Millisecond), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, later.ID.String(), second.ID.String())

	_, err = s.NextRetryableCredit(ctx, at.Add(10*time.Millisecond), time.Minute)
	require.ErrorIs(t, err, settlement.ErrNoCreditReady)
}

func testCreditRejects(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := now()
	accountID := newAccount(t, s)

	err := s.AddCredit(ctx, &credit.Credit{ID: id.NewCreditID(), AccountID: accountID, Amount: dec("-1"), NextRetryAt: at})
	require.ErrorIs(t, err, settlement.ErrInvalidAmount)

	err = s.AddCredit(ctx, &credit.Credit{ID: id.NewCreditID(), AccountID: "missing", Amount: dec("1"), NextRetryAt: at})
	require.ErrorIs(t, err, settlement.ErrAccountNotFound)

	_, err = s.NextRetryableCredit(ctx, at.Add(time.Hour), time.Minute)
	require.ErrorIs(t, err, settlement.ErrNoCreditReady)
}
