// Package mongo implements store.Store on MongoDB through grove and
// mongodriver. Multi-document operations run inside session transactions, so
// the deployment must be a replica set or sharded cluster.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/account"
	"github.com/xraph/settlement/credit"
	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/internal/codec"
	"github.com/xraph/settlement/queue"
	sstore "github.com/xraph/settlement/store"
)

// Collection name constants.
const (
	colAccounts = "settlement_accounts"
	colRequests = "settlement_requests"
	colPending  = "settlement_pending_amounts"
	colCredits  = "settlement_credits"
)

// compile-time interface check
var _ sstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// Open connects to uri, e.g. mongodb://localhost:27017/settlement?replicaSet=rs0.
// The database is taken from the URI path.
func Open(ctx context.Context, uri string) (*Store, error) {
	mdb := mongodriver.New()
	if err := mdb.Open(ctx, uri); err != nil {
		return nil, fmt.Errorf("settlement/mongo: connect: %w", err)
	}
	db, err := grove.Open(mdb)
	if err != nil {
		_ = mdb.Close()
		return nil, fmt.Errorf("settlement/mongo: connect: %w", err)
	}
	s := New(db)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("settlement/mongo: ping: %w", err)
	}
	return s, nil
}

// New creates a new MongoDB store backed by Grove.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Database returns the mongo database holding the settlement collections.
func (s *Store) Database() *mongo.Database {
	return s.mdb.Collection(colAccounts).Database()
}

// Migrate creates indexes for all settlement collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("settlement/mongo: %w: %s indexes: %w", settlement.ErrMigrationFailed, col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, accountID string) (bool, error) {
	ts := time.Now().UTC()
	_, err := s.mdb.Collection(colAccounts).InsertOne(ctx, &accountModel{ID: accountID, CreatedAt: ts, UpdatedAt: ts})
	if mongo.IsDuplicateKeyError(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("settlement/mongo: create account: %w", err)
	}
	return false, nil
}

func (s *Store) AccountExists(ctx context.Context, accountID string) (bool, error) {
	n, err := s.mdb.Collection(colAccounts).CountDocuments(ctx, bson.M{"_id": accountID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("settlement/mongo: account exists: %w", err)
	}
	return n > 0, nil
}

func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	return s.withTx(ctx, func(ctx context.Context) error {
		if _, err := s.mdb.Collection(colAccounts).DeleteOne(ctx, bson.M{"_id": accountID}); err != nil {
			return err
		}
		for _, col := range []string{colRequests, colPending, colCredits} {
			if _, err := s.mdb.Collection(col).DeleteMany(ctx, bson.M{"account_id": accountID}); err != nil {
				return fmt.Errorf("settlement/mongo: delete account: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListAccounts(ctx context.Context) ([]*account.Account, error) {
	cur, err := s.mdb.Collection(colAccounts).Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("settlement/mongo: list accounts: %w", err)
	}
	var models []accountModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("settlement/mongo: list accounts: %w", err)
	}

	result := make([]*account.Account, len(models))
	for i := range models {
		result[i] = fromAccountModel(&models[i])
	}
	return result, nil
}

// ==================== Queue Store ====================

func (s *Store) EnqueueIfAbsent(ctx context.Context, req *queue.Request, unitID id.AmountID) (decimal.Decimal, bool, error) {
	if !req.Amount.IsPositive() {
		return decimal.Zero, false, settlement.ErrInvalidAmount
	}

	var (
		queued decimal.Decimal
		isNew  bool
	)
	err := s.withTx(ctx, func(ctx context.Context) error {
		seq, err := s.lockAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}

		docID := requestDocID(req.AccountID, req.IdempotencyKey)
		var existing requestModel
		err = s.mdb.Collection(colRequests).FindOne(ctx, bson.M{"_id": docID}).Decode(&existing)
		switch {
		case err == nil:
			prior := queue.Request{ExpiresAt: existing.ExpiresAt}
			if !prior.Expired(req.CreatedAt) {
				amount, err := codec.ParseAmount("settlement request", docID, existing.Amount)
				if err != nil {
					return err
				}
				_, err = s.mdb.Collection(colRequests).UpdateOne(ctx, bson.M{"_id": docID}, bson.M{
					"$max": bson.M{"expires_at": req.ExpiresAt},
					"$set": bson.M{"updated_at": req.CreatedAt},
				})
				queued, isNew = amount, false
				return err
			}
		case !errors.Is(err, mongo.ErrNoDocuments):
			return err
		}

		if _, err := s.mdb.Collection(colRequests).ReplaceOne(ctx, bson.M{"_id": docID},
			toRequestModel(req), options.Replace().SetUpsert(true)); err != nil {
			return err
		}
		unit := &queue.PendingAmount{Entity: req.Entity, ID: unitID, AccountID: req.AccountID, Amount: req.Amount}
		if _, err := s.mdb.Collection(colPending).InsertOne(ctx, toPendingModel(unit, seq)); err != nil {
			return err
		}
		queued, isNew = req.Amount, true
		return nil
	})
	if err != nil {
		return decimal.Zero, false, err
	}
	return queued, isNew, nil
}

func (s *Store) LeaseAvailable(ctx context.Context, accountID string, leaseID id.LeaseID, now, expiresAt time.Time) (*queue.Lease, error) {
	var lease *queue.Lease
	err := s.withTx(ctx, func(ctx context.Context) error {
		if _, err := s.lockAccount(ctx, accountID); err != nil {
			return err
		}
		lease = &queue.Lease{ID: leaseID, AccountID: accountID, ExpiresAt: expiresAt}

		filter := bson.M{
			"account_id": accountID,
			"$or": bson.A{
				bson.M{"lease_id": ""},
				bson.M{"lease_expires_at": bson.M{"$lte": now}},
			},
		}
		cur, err := s.mdb.Collection(colPending).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
		if err != nil {
			return err
		}
		var models []pendingModel
		if err := cur.All(ctx, &models); err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}

		ids := make(bson.A, 0, len(models))
		for i := range models {
			unit, err := fromPendingModel(&models[i])
			if err != nil {
				return err
			}
			unit.LeaseID = leaseID
			unit.LeaseExpiresAt = expiresAt
			unit.Touch(now)
			lease.Amounts = append(lease.Amounts, *unit)
			ids = append(ids, models[i].ID)
		}

		_, err = s.mdb.Collection(colPending).UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, bson.M{
			"$set": bson.M{"lease_id": leaseID.String(), "lease_expires_at": expiresAt, "updated_at": now},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (s *Store) CommitLease(ctx context.Context, lease *queue.Lease, now time.Time) error {
	if lease.Empty() {
		return nil
	}

	ids := lease.AmountIDs()
	return s.withTx(ctx, func(ctx context.Context) error {
		if _, err := s.lockAccount(ctx, lease.AccountID); err != nil {
			return err
		}
		res, err := s.mdb.Collection(colPending).DeleteMany(ctx, bson.M{
			"_id":              bson.M{"$in": ids},
			"account_id":       lease.AccountID,
			"lease_id":         lease.ID.String(),
			"lease_expires_at": bson.M{"$gt": now},
		})
		if err != nil {
			return fmt.Errorf("settlement/mongo: commit lease: %w", err)
		}
		if res.DeletedCount != int64(len(ids)) {
			return settlement.ErrLeaseExpired
		}
		return nil
	})
}

func (s *Store) RequeueAmount(ctx context.Context, unit *queue.PendingAmount) error {
	if !unit.Amount.IsPositive() {
		return settlement.ErrInvalidAmount
	}
	return s.withTx(ctx, func(ctx context.Context) error {
		seq, err := s.lockAccount(ctx, unit.AccountID)
		if err != nil {
			return err
		}
		_, err = s.mdb.Collection(colPending).InsertOne(ctx, toPendingModel(unit, seq))
		return err
	})
}

func (s *Store) PurgeRequests(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.mdb.Collection(colRequests).DeleteMany(ctx, bson.M{
		"expires_at": bson.M{"$gt": time.Time{}, "$lte": before},
	})
	if err != nil {
		return 0, fmt.Errorf("settlement/mongo: purge requests: %w", err)
	}
	return res.DeletedCount, nil
}

// ==================== Credit Store ====================

func (s *Store) AddCredit(ctx context.Context, c *credit.Credit) error {
	if !c.Amount.IsPositive() {
		return settlement.ErrInvalidAmount
	}
	return s.withTx(ctx, func(ctx context.Context) error {
		if _, err := s.lockAccount(ctx, c.AccountID); err != nil {
			return err
		}
		if _, err := s.mdb.Collection(colCredits).InsertOne(ctx, toCreditModel(c)); err != nil {
			return fmt.Errorf("settlement/mongo: add credit: %w", err)
		}
		return nil
	})
}

func (s *Store) NextRetryableCredit(ctx context.Context, now time.Time, visibility time.Duration) (*credit.Credit, error) {
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "next_retry_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var m creditModel
	err := s.mdb.Collection(colCredits).FindOneAndUpdate(ctx,
		bson.M{"next_retry_at": bson.M{"$lte": now}},
		bson.M{
			"$inc": bson.M{"attempts": 1},
			"$set": bson.M{"next_retry_at": now.Add(visibility), "updated_at": now},
		},
		opts,
	).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, settlement.ErrNoCreditReady
	}
	if err != nil {
		return nil, fmt.Errorf("settlement/mongo: claim credit: %w", err)
	}
	return fromCreditModel(&m)
}

func (s *Store) ScheduleRetry(ctx context.Context, c *credit.Credit) error {
	res, err := s.mdb.Collection(colCredits).UpdateOne(ctx, bson.M{"_id": c.ID.String()}, bson.M{
		"$set": bson.M{"attempts": c.Attempts, "next_retry_at": c.NextRetryAt, "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("settlement/mongo: schedule retry: %w", err)
	}
	if res.MatchedCount == 0 {
		return settlement.ErrCreditNotFound
	}
	return nil
}

func (s *Store) FinalizeCredit(ctx context.Context, accountID string, creditID id.CreditID) error {
	_, err := s.mdb.Collection(colCredits).DeleteOne(ctx, bson.M{"_id": creditID.String(), "account_id": accountID})
	if err != nil {
		return fmt.Errorf("settlement/mongo: finalize credit: %w", err)
	}
	return nil
}

// ==================== Helpers ====================

func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.Database().Client().StartSession()
	if err != nil {
		return fmt.Errorf("settlement/mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// lockAccount bumps the account's sequence inside the current transaction.
// The write makes concurrent transactions on the same account conflict, and
// the driver retries the loser. The returned value orders pending units.
func (s *Store) lockAccount(ctx context.Context, accountID string) (int64, error) {
	var m accountModel
	err := s.mdb.Collection(colAccounts).FindOneAndUpdate(ctx,
		bson.M{"_id": accountID},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, settlement.ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return m.Seq, nil
}

// migrationIndexes returns the index definitions for all settlement collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colRequests: {
			{Keys: bson.D{{Key: "account_id", Value: 1}}},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		},
		colPending: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "seq", Value: 1}}},
		},
		colCredits: {
			{Keys: bson.D{{Key: "next_retry_at", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "account_id", Value: 1}}},
		},
	}
}
