package mongo

import (
	"time"

	"github.com/xraph/settlement/account"
	"github.com/xraph/settlement/credit"
	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/internal/codec"
	"github.com/xraph/settlement/queue"
	"github.com/xraph/settlement/types"
)

// ==================== Account models ====================

// accountModel doubles as the per-account lock: every transaction that
// touches the account's queue bumps Seq first.
type accountModel struct {
	ID        string    `bson:"_id"`
	Seq       int64     `bson:"seq"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func fromAccountModel(m *accountModel) *account.Account {
	return &account.Account{
		Entity: types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:     m.ID,
	}
}

// ==================== Queue models ====================

type requestModel struct {
	ID             string    `bson:"_id"`
	AccountID      string    `bson:"account_id"`
	IdempotencyKey string    `bson:"idempotency_key"`
	Amount         string    `bson:"amount"`
	ExpiresAt      time.Time `bson:"expires_at"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func requestDocID(accountID, key string) string {
	return accountID + ":" + key
}

func toRequestModel(r *queue.Request) *requestModel {
	return &requestModel{
		ID:             requestDocID(r.AccountID, r.IdempotencyKey),
		AccountID:      r.AccountID,
		IdempotencyKey: r.IdempotencyKey,
		Amount:         codec.FormatAmount(r.Amount),
		ExpiresAt:      r.ExpiresAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.CreatedAt,
	}
}

type pendingModel struct {
	ID             string    `bson:"_id"`
	AccountID      string    `bson:"account_id"`
	Seq            int64     `bson:"seq"`
	Amount         string    `bson:"amount"`
	LeaseID        string    `bson:"lease_id"`
	LeaseExpiresAt time.Time `bson:"lease_expires_at"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func toPendingModel(p *queue.PendingAmount, seq int64) *pendingModel {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return &pendingModel{
		ID:        p.ID.String(),
		AccountID: p.AccountID,
		Seq:       seq,
		Amount:    codec.FormatAmount(p.Amount),
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func fromPendingModel(m *pendingModel) (*queue.PendingAmount, error) {
	unitID, err := codec.ParseID("pending amount", m.ID, m.ID, id.PrefixAmount)
	if err != nil {
		return nil, err
	}
	leaseID, err := codec.ParseOptionalID("pending amount", m.ID, m.LeaseID, id.PrefixLease)
	if err != nil {
		return nil, err
	}
	amount, err := codec.ParseAmount("pending amount", m.ID, m.Amount)
	if err != nil {
		return nil, err
	}
	return &queue.PendingAmount{
		Entity:         types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:             unitID,
		AccountID:      m.AccountID,
		Amount:         amount,
		LeaseID:        leaseID,
		LeaseExpiresAt: m.LeaseExpiresAt.UTC(),
	}, nil
}

// ==================== Credit models ====================

type creditModel struct {
	ID          string    `bson:"_id"`
	AccountID   string    `bson:"account_id"`
	Amount      string    `bson:"amount"`
	Attempts    int       `bson:"attempts"`
	NextRetryAt time.Time `bson:"next_retry_at"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func toCreditModel(c *credit.Credit) *creditModel {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return &creditModel{
		ID:          c.ID.String(),
		AccountID:   c.AccountID,
		Amount:      codec.FormatAmount(c.Amount),
		Attempts:    c.Attempts,
		NextRetryAt: c.NextRetryAt,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func fromCreditModel(m *creditModel) (*credit.Credit, error) {
	creditID, err := codec.ParseID("credit", m.ID, m.ID, id.PrefixCredit)
	if err != nil {
		return nil, err
	}
	amount, err := codec.ParseAmount("credit", m.ID, m.Amount)
	if err != nil {
		return nil, err
	}
	return &credit.Credit{
		Entity:      types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:          creditID,
		AccountID:   m.AccountID,
		Amount:      amount,
		Attempts:    m.Attempts,
		NextRetryAt: m.NextRetryAt.UTC(),
	}, nil
}
