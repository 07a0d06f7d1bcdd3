// Package memory implements store.Store in process memory. A single mutex
// serialises every operation, which makes each one trivially atomic. It is
// intended for tests, development and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/account"
	"github.com/xraph/settlement/credit"
	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/queue"
	sstore "github.com/xraph/settlement/store"
	"github.com/xraph/settlement/types"
)

// compile-time interface check
var _ sstore.Store = (*Store)(nil)

// Store is an in-memory settlement store.
type Store struct {
	mu sync.Mutex

	accounts map[string]*account.Account

	// requests is keyed by account, then idempotency key.
	requests map[string]map[string]*queue.Request

	// pending holds each account's units in insertion order.
	pending map[string][]*queue.PendingAmount

	credits map[string]*credit.Credit
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		accounts: make(map[string]*account.Account),
		requests: make(map[string]map[string]*queue.Request),
		pending:  make(map[string][]*queue.PendingAmount),
		credits:  make(map[string]*credit.Credit),
	}
}

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

// ==================== Account Store ====================

func (s *Store) CreateAccount(_ context.Context, accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; ok {
		return true, nil
	}
	s.accounts[accountID] = &account.Account{Entity: types.NewEntity(), ID: accountID}
	return false, nil
}

func (s *Store) AccountExists(_ context.Context, accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.accounts[accountID]
	return ok, nil
}

func (s *Store) DeleteAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accounts, accountID)
	delete(s.requests, accountID)
	delete(s.pending, accountID)
	for key, c := range s.credits {
		if c.AccountID == accountID {
			delete(s.credits, key)
		}
	}
	return nil
}

func (s *Store) ListAccounts(_ context.Context) ([]*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*account.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ==================== Queue Store ====================

func (s *Store) EnqueueIfAbsent(_ context.Context, req *queue.Request, unitID id.AmountID) (decimal.Decimal, bool, error) {
	if !req.Amount.IsPositive() {
		return decimal.Zero, false, settlement.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[req.AccountID]; !ok {
		return decimal.Zero, false, settlement.ErrAccountNotFound
	}

	byKey := s.requests[req.AccountID]
	if byKey == nil {
		byKey = make(map[string]*queue.Request)
		s.requests[req.AccountID] = byKey
	}

	if existing, ok := byKey[req.IdempotencyKey]; ok && !existing.Expired(req.CreatedAt) {
		if req.ExpiresAt.After(existing.ExpiresAt) {
			existing.ExpiresAt = req.ExpiresAt
		}
		existing.Touch(req.CreatedAt)
		return existing.Amount, false, nil
	}

	stored := *req
	byKey[req.IdempotencyKey] = &stored
	s.pending[req.AccountID] = append(s.pending[req.AccountID], &queue.PendingAmount{
		Entity:    req.Entity,
		ID:        unitID,
		AccountID: req.AccountID,
		Amount:    req.Amount,
	})
	return req.Amount, true, nil
}

func (s *Store) LeaseAvailable(_ context.Context, accountID string, leaseID id.LeaseID, now, expiresAt time.Time) (*queue.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, settlement.ErrAccountNotFound
	}

	lease := &queue.Lease{ID: leaseID, AccountID: accountID, ExpiresAt: expiresAt}
	for _, unit := range s.pending[accountID] {
		if !unit.Leasable(now) {
			continue
		}
		unit.LeaseID = leaseID
		unit.LeaseExpiresAt = expiresAt
		lease.Amounts = append(lease.Amounts, *unit)
	}
	return lease, nil
}

func (s *Store) CommitLease(_ context.Context, lease *queue.Lease, now time.Time) error {
	if lease.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	units := s.pending[lease.AccountID]
	leased := make(map[string]struct{}, len(lease.Amounts))
	for _, key := range lease.AmountIDs() {
		leased[key] = struct{}{}
	}

	held := 0
	for _, unit := range units {
		if _, ok := leased[unit.ID.String()]; ok && unit.HeldBy(lease.ID, now) {
			held++
		}
	}
	if held != len(leased) {
		return settlement.ErrLeaseExpired
	}

	kept := units[:0]
	for _, unit := range units {
		if _, ok := leased[unit.ID.String()]; !ok {
			kept = append(kept, unit)
		}
	}
	s.pending[lease.AccountID] = kept
	return nil
}

func (s *Store) RequeueAmount(_ context.Context, unit *queue.PendingAmount) error {
	if !unit.Amount.IsPositive() {
		return settlement.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[unit.AccountID]; !ok {
		return settlement.ErrAccountNotFound
	}

	cp := *unit
	cp.LeaseID = id.Nil
	cp.LeaseExpiresAt = time.Time{}
	s.pending[unit.AccountID] = append(s.pending[unit.AccountID], &cp)
	return nil
}

func (s *Store) PurgeRequests(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for accountID, byKey := range s.requests {
		for key, req := range byKey {
			if req.Expired(before) {
				delete(byKey, key)
				n++
			}
		}
		if len(byKey) == 0 {
			delete(s.requests, accountID)
		}
	}
	return n, nil
}

// ==================== Credit Store ====================

func (s *Store) AddCredit(_ context.Context, c *credit.Credit) error {
	if !c.Amount.IsPositive() {
		return settlement.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[c.AccountID]; !ok {
		return settlement.ErrAccountNotFound
	}

	cp := *c
	s.credits[c.ID.String()] = &cp
	return nil
}

func (s *Store) NextRetryableCredit(_ context.Context, now time.Time, visibility time.Duration) (*credit.Credit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var head *credit.Credit
	for _, c := range s.credits {
		if head == nil || c.NextRetryAt.Before(head.NextRetryAt) ||
			(c.NextRetryAt.Equal(head.NextRetryAt) && c.ID.String() < head.ID.String()) {
			head = c
		}
	}
	if head == nil || !head.Due(now) {
		return nil, settlement.ErrNoCreditReady
	}

	head.Attempts++
	head.NextRetryAt = now.Add(visibility)
	head.Touch(now)

	cp := *head
	return &cp, nil
}

func (s *Store) ScheduleRetry(_ context.Context, c *credit.Credit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.credits[c.ID.String()]
	if !ok {
		return settlement.ErrCreditNotFound
	}
	stored.Attempts = c.Attempts
	stored.NextRetryAt = c.NextRetryAt
	stored.Touch(time.Now())
	return nil
}

func (s *Store) FinalizeCredit(_ context.Context, accountID string, creditID id.CreditID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.credits[creditID.String()]; ok && c.AccountID == accountID {
		delete(s.credits, creditID.String())
	}
	return nil
}
