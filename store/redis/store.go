// Package redis implements store.Store on Redis with go-redis.
//
// Key layout:
//
//	accounts                                         SET of account IDs
//	accounts:{id}:meta                               HASH created_at, updated_at
//	accounts:{id}:settlement-requests:{key}          HASH amount, expires_at; PEXPIREAT expires_at
//	accounts:{id}:pending-settlements                ZSET unit IDs scored by lease expiry (0 = unleased)
//	accounts:{id}:pending-settlements:{unit}         HASH amount, lease_id, created_at
//	accounts:{id}:settlement-credits:{credit}        HASH amount, num_attempts, next_retry_timestamp
//	pending-settlement-credits                       ZSET credit keys scored by next retry
//
// Amounts are stored as exact decimal strings and all timestamps as Unix
// milliseconds. Multi-key operations run as optimistic WATCH/MULTI
// transactions that are retried when a watched key changes underneath them.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/account"
	"github.com/xraph/settlement/credit"
	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/internal/codec"
	"github.com/xraph/settlement/queue"
	sstore "github.com/xraph/settlement/store"
)

// compile-time interface check
var _ sstore.Store = (*Store)(nil)

const (
	accountsKey      = "accounts"
	accountKeyPrefix = "accounts:"
	creditIndexKey   = "pending-settlement-credits"
	requestScanMatch = "accounts:*:settlement-requests:*"
	scanCount        = 500
	globSpecialChars = `*?[]\`

	// maxTxAttempts bounds optimistic retries of one operation.
	maxTxAttempts = 100
)

// errStaleIndexEntry reports a credit index entry without a record.
var errStaleIndexEntry = errors.New("settlement/redis: stale credit index entry")

// Store implements store.Store using Redis.
type Store struct {
	client goredis.UniversalClient
}

// Open connects to the Redis server at url, e.g. "redis://localhost:6379/0".
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("settlement/redis: parse url: %w", err)
	}
	s := New(goredis.NewClient(opts))
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("settlement/redis: ping: %w", err)
	}
	return s, nil
}

// New wraps an existing client.
func New(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

// Client returns the underlying client for direct access.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Migrate is a no-op: Redis needs no schema.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("settlement/redis: %w: %w", settlement.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks server connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, accountID string) (bool, error) {
	ts := time.Now().UnixMilli()
	var added *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		added = pipe.SAdd(ctx, accountsKey, accountID)
		pipe.HSetNX(ctx, metaKey(accountID), "created_at", ts)
		pipe.HSet(ctx, metaKey(accountID), "updated_at", ts)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("settlement/redis: create account: %w", err)
	}
	return added.Val() == 0, nil
}

func (s *Store) AccountExists(ctx context.Context, accountID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, accountsKey, accountID).Result()
	if err != nil {
		return false, fmt.Errorf("settlement/redis: account exists: %w", err)
	}
	return ok, nil
}

// DeleteAccount removes the account and every key namespaced under it. The
// transaction watches the account's queue and the global credit index, so a
// concurrent enqueue or credit forces a rescan.
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	pattern := accountKeyPrefix + escapeGlob(accountID) + ":*"
	creditPrefix := accountKeyPrefix + accountID + ":settlement-credits:"

	err := s.atomically(ctx, func(tx *goredis.Tx) error {
		var keys []string
		iter := tx.Scan(ctx, 0, pattern, scanCount).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return err
		}

		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.SRem(ctx, accountsKey, accountID)
			for _, key := range keys {
				if strings.HasPrefix(key, creditPrefix) {
					pipe.ZRem(ctx, creditIndexKey, key)
				}
				pipe.Del(ctx, key)
			}
			return nil
		})
		return err
	}, metaKey(accountID), pendingKey(accountID), creditIndexKey)
	if err != nil {
		return fmt.Errorf("settlement/redis: delete account: %w", err)
	}
	return nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]*account.Account, error) {
	ids, err := s.client.SMembers(ctx, accountsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("settlement/redis: list accounts: %w", err)
	}
	sort.Strings(ids)

	cmds := make([]*goredis.SliceCmd, len(ids))
	if _, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, accountID := range ids {
			cmds[i] = pipe.HMGet(ctx, metaKey(accountID), "created_at", "updated_at")
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("settlement/redis: list accounts: %w", err)
	}

	result := make([]*account.Account, 0, len(ids))
	for i, accountID := range ids {
		a := &account.Account{ID: accountID}
		vals := cmds[i].Val()
		a.CreatedAt = codec.FromMillis(parseMillis(vals[0]))
		a.UpdatedAt = codec.FromMillis(parseMillis(vals[1]))
		result = append(result, a)
	}
	return result, nil
}

// ==================== Queue Store ====================

func (s *Store) EnqueueIfAbsent(ctx context.Context, req *queue.Request, unitID id.AmountID) (decimal.Decimal, bool, error) {
	if !req.Amount.IsPositive() {
		return decimal.Zero, false, settlement.ErrInvalidAmount
	}

	reqKey := requestKey(req.AccountID, req.IdempotencyKey)
	amount := codec.FormatAmount(req.Amount)
	now := codec.Millis(req.CreatedAt)
	expires := codec.Millis(req.ExpiresAt)

	var (
		queued string
		isNew  bool
	)
	err := s.atomically(ctx, func(tx *goredis.Tx) error {
		queued, isNew = "", false

		if err := requireAccount(ctx, tx, req.AccountID); err != nil {
			return err
		}

		existing, err := tx.HMGet(ctx, reqKey, "amount", "expires_at").Result()
		if err != nil {
			return err
		}
		if raw, ok := existing[0].(string); ok {
			prev := parseMillis(existing[1])
			if prev == 0 || now < prev {
				queued = raw
				_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
					pipe.HSet(ctx, reqKey, "updated_at", now)
					if expires > prev {
						pipe.HSet(ctx, reqKey, "expires_at", expires)
						pipe.PExpireAt(ctx, reqKey, req.ExpiresAt)
					}
					return nil
				})
				return err
			}
		}

		queued, isNew = amount, true
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, reqKey)
			pipe.HSet(ctx, reqKey, "amount", amount, "expires_at", expires, "created_at", now, "updated_at", now)
			if expires > 0 {
				pipe.PExpireAt(ctx, reqKey, req.ExpiresAt)
			}
			pipe.HSet(ctx, unitKey(req.AccountID, unitID.String()), "amount", amount, "lease_id", "", "created_at", now)
			pipe.ZAdd(ctx, pendingKey(req.AccountID), goredis.Z{Score: 0, Member: unitID.String()})
			return nil
		})
		return err
	}, metaKey(req.AccountID), reqKey)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("settlement/redis: enqueue: %w", err)
	}

	parsed, err := codec.ParseAmount("settlement request", req.AccountID+":"+req.IdempotencyKey, queued)
	if err != nil {
		return decimal.Zero, false, err
	}
	return parsed, isNew, nil
}

// LeaseAvailable marks every unit scored at or below now with the lease.
// Unleased units score 0 and leased units score their lease expiry.
func (s *Store) LeaseAvailable(ctx context.Context, accountID string, leaseID id.LeaseID, now, expiresAt time.Time) (*queue.Lease, error) {
	pending := pendingKey(accountID)

	var lease *queue.Lease
	err := s.atomically(ctx, func(tx *goredis.Tx) error {
		lease = &queue.Lease{ID: leaseID, AccountID: accountID, ExpiresAt: expiresAt}

		if err := requireAccount(ctx, tx, accountID); err != nil {
			return err
		}

		ids, err := tx.ZRangeByScore(ctx, pending, &goredis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(codec.Millis(now), 10),
		}).Result()
		if err != nil {
			return err
		}

		for _, rawID := range ids {
			fields, err := tx.HMGet(ctx, unitKey(accountID, rawID), "amount", "created_at").Result()
			if err != nil {
				return err
			}
			unit, err := parseUnit(accountID, rawID, fields)
			if err != nil {
				return err
			}
			unit.LeaseID = leaseID
			unit.LeaseExpiresAt = expiresAt
			unit.Touch(now)
			lease.Amounts = append(lease.Amounts, unit)
		}
		if lease.Empty() {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			score := float64(codec.Millis(expiresAt))
			for _, unit := range lease.Amounts {
				pipe.ZAdd(ctx, pending, goredis.Z{Score: score, Member: unit.ID.String()})
				pipe.HSet(ctx, unitKey(accountID, unit.ID.String()), "lease_id", leaseID.String())
			}
			return nil
		})
		return err
	}, metaKey(accountID), pending)
	if err != nil {
		if errors.Is(err, settlement.ErrAccountNotFound) || errors.Is(err, settlement.ErrCorrupted) {
			return nil, err
		}
		return nil, fmt.Errorf("settlement/redis: lease: %w", err)
	}
	return lease, nil
}

// CommitLease deletes the leased units only if every one of them still
// carries the lease and the lease has not expired.
func (s *Store) CommitLease(ctx context.Context, lease *queue.Lease, now time.Time) error {
	if lease.Empty() {
		return nil
	}

	pending := pendingKey(lease.AccountID)
	ids := lease.AmountIDs()
	nowMillis := float64(codec.Millis(now))

	err := s.atomically(ctx, func(tx *goredis.Tx) error {
		for _, unitID := range ids {
			score, err := tx.ZScore(ctx, pending, unitID).Result()
			if errors.Is(err, goredis.Nil) || (err == nil && score <= nowMillis) {
				return settlement.ErrLeaseExpired
			}
			if err != nil {
				return err
			}
			holder, err := tx.HGet(ctx, unitKey(lease.AccountID, unitID), "lease_id").Result()
			if errors.Is(err, goredis.Nil) || (err == nil && holder != lease.ID.String()) {
				return settlement.ErrLeaseExpired
			}
			if err != nil {
				return err
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, unitID := range ids {
				pipe.ZRem(ctx, pending, unitID)
				pipe.Del(ctx, unitKey(lease.AccountID, unitID))
			}
			return nil
		})
		return err
	}, pending)
	if errors.Is(err, settlement.ErrLeaseExpired) {
		return err
	}
	if err != nil {
		return fmt.Errorf("settlement/redis: commit lease: %w", err)
	}
	return nil
}

func (s *Store) RequeueAmount(ctx context.Context, unit *queue.PendingAmount) error {
	if !unit.Amount.IsPositive() {
		return settlement.ErrInvalidAmount
	}
	created := unit.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	err := s.atomically(ctx, func(tx *goredis.Tx) error {
		if err := requireAccount(ctx, tx, unit.AccountID); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, unitKey(unit.AccountID, unit.ID.String()),
				"amount", codec.FormatAmount(unit.Amount), "lease_id", "", "created_at", codec.Millis(created))
			pipe.ZAdd(ctx, pendingKey(unit.AccountID), goredis.Z{Score: 0, Member: unit.ID.String()})
			return nil
		})
		return err
	}, metaKey(unit.AccountID))
	if err != nil {
		return fmt.Errorf("settlement/redis: requeue: %w", err)
	}
	return nil
}

// PurgeRequests removes request records whose retention elapsed at or before
// before. Redis usually expires them first through their key TTL.
func (s *Store) PurgeRequests(ctx context.Context, before time.Time) (int64, error) {
	cutoff := codec.Millis(before)

	var purged int64
	iter := s.client.Scan(ctx, 0, requestScanMatch, scanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		err := s.atomically(ctx, func(tx *goredis.Tx) error {
			raw, err := tx.HGet(ctx, key, "expires_at").Result()
			if errors.Is(err, goredis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			expires := parseMillis(raw)
			if expires == 0 || expires > cutoff {
				return nil
			}
			if _, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			}); err != nil {
				return err
			}
			purged++
			return nil
		}, key)
		if err != nil {
			return purged, fmt.Errorf("settlement/redis: purge requests: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("settlement/redis: purge requests: %w", err)
	}
	return purged, nil
}

// ==================== Credit Store ====================

func (s *Store) AddCredit(ctx context.Context, c *credit.Credit) error {
	if !c.Amount.IsPositive() {
		return settlement.ErrInvalidAmount
	}
	created := codec.Millis(c.CreatedAt)
	if c.CreatedAt.IsZero() {
		created = time.Now().UnixMilli()
	}
	key := creditKey(c.AccountID, c.ID)

	err := s.atomically(ctx, func(tx *goredis.Tx) error {
		if err := requireAccount(ctx, tx, c.AccountID); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"account_id", c.AccountID,
				"id", c.ID.String(),
				"amount", codec.FormatAmount(c.Amount),
				"num_attempts", c.Attempts,
				"next_retry_timestamp", codec.Millis(c.NextRetryAt),
				"created_at", created,
				"updated_at", created,
			)
			pipe.ZAdd(ctx, creditIndexKey, goredis.Z{Score: float64(codec.Millis(c.NextRetryAt)), Member: key})
			return nil
		})
		return err
	}, metaKey(c.AccountID))
	if err != nil {
		return fmt.Errorf("settlement/redis: add credit: %w", err)
	}
	return nil
}

// NextRetryableCredit claims the earliest due credit: its attempt count is
// incremented and it is hidden until now+visibility. Index entries whose
// record is gone are dropped along the way.
func (s *Store) NextRetryableCredit(ctx context.Context, now time.Time, visibility time.Duration) (*credit.Credit, error) {
	visibleAt := now.Add(visibility)
	maxScore := strconv.FormatInt(codec.Millis(now), 10)

	for {
		var claimed *credit.Credit
		err := s.atomically(ctx, func(tx *goredis.Tx) error {
			claimed = nil

			head, err := tx.ZRangeByScore(ctx, creditIndexKey, &goredis.ZRangeBy{
				Min:   "-inf",
				Max:   maxScore,
				Count: 1,
			}).Result()
			if err != nil {
				return err
			}
			if len(head) == 0 {
				return settlement.ErrNoCreditReady
			}
			key := head[0]

			fields, err := tx.HMGet(ctx, key, "account_id", "id", "amount", "num_attempts", "created_at").Result()
			if err != nil {
				return err
			}
			if fields[1] == nil {
				_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
					pipe.ZRem(ctx, creditIndexKey, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errStaleIndexEntry
			}

			c, err := parseCredit(key, fields)
			if err != nil {
				return err
			}
			c.Attempts++
			c.NextRetryAt = visibleAt
			c.Touch(now)

			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.HSet(ctx, key,
					"num_attempts", c.Attempts,
					"next_retry_timestamp", codec.Millis(visibleAt),
					"updated_at", codec.Millis(now),
				)
				pipe.ZAdd(ctx, creditIndexKey, goredis.Z{Score: float64(codec.Millis(visibleAt)), Member: key})
				return nil
			})
			if err != nil {
				return err
			}
			claimed = c
			return nil
		}, creditIndexKey)

		switch {
		case errors.Is(err, errStaleIndexEntry):
			continue
		case errors.Is(err, settlement.ErrNoCreditReady), errors.Is(err, settlement.ErrCorrupted):
			return nil, err
		case err != nil:
			return nil, fmt.Errorf("settlement/redis: claim credit: %w", err)
		}
		return claimed, nil
	}
}

func (s *Store) ScheduleRetry(ctx context.Context, c *credit.Credit) error {
	key := creditKey(c.AccountID, c.ID)

	err := s.atomically(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return settlement.ErrCreditNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"num_attempts", c.Attempts,
				"next_retry_timestamp", codec.Millis(c.NextRetryAt),
				"updated_at", time.Now().UnixMilli(),
			)
			pipe.ZAdd(ctx, creditIndexKey, goredis.Z{Score: float64(codec.Millis(c.NextRetryAt)), Member: key})
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("settlement/redis: schedule retry: %w", err)
	}
	return nil
}

func (s *Store) FinalizeCredit(ctx context.Context, accountID string, creditID id.CreditID) error {
	key := creditKey(accountID, creditID)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, creditIndexKey, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("settlement/redis: finalize credit: %w", err)
	}
	return nil
}

// ==================== Transactions ====================

// atomically runs fn as an optimistic transaction over the watched keys,
// retrying while another client modifies them first.
func (s *Store) atomically(ctx context.Context, fn func(*goredis.Tx) error, keys ...string) error {
	for range maxTxAttempts {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return settlement.ErrTransactionFailed
}

func requireAccount(ctx context.Context, tx *goredis.Tx, accountID string) error {
	n, err := tx.Exists(ctx, metaKey(accountID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return settlement.ErrAccountNotFound
	}
	return nil
}

func parseUnit(accountID, rawID string, fields []any) (queue.PendingAmount, error) {
	unitID, err := codec.ParseID("pending amount", rawID, rawID, id.PrefixAmount)
	if err != nil {
		return queue.PendingAmount{}, err
	}
	rawAmount, _ := fields[0].(string)
	amount, err := codec.ParseAmount("pending amount", rawID, rawAmount)
	if err != nil {
		return queue.PendingAmount{}, err
	}
	unit := queue.PendingAmount{
		ID:        unitID,
		AccountID: accountID,
		Amount:    amount,
	}
	unit.CreatedAt = codec.FromMillis(parseMillis(fields[1]))
	return unit, nil
}

func parseCredit(key string, fields []any) (*credit.Credit, error) {
	accountID, _ := fields[0].(string)
	rawID, _ := fields[1].(string)
	rawAmount, _ := fields[2].(string)
	rawAttempts, _ := fields[3].(string)

	creditID, err := codec.ParseID("credit", key, rawID, id.PrefixCredit)
	if err != nil {
		return nil, err
	}
	amount, err := codec.ParseAmount("credit", key, rawAmount)
	if err != nil {
		return nil, err
	}
	if accountID == "" {
		return nil, settlement.CorruptedError("credit", key, errors.New("missing account_id"))
	}
	attempts, err := strconv.Atoi(rawAttempts)
	if err != nil {
		return nil, settlement.CorruptedError("credit", key, err)
	}

	c := &credit.Credit{
		ID:        creditID,
		AccountID: accountID,
		Amount:    amount,
		Attempts:  attempts,
	}
	c.CreatedAt = codec.FromMillis(parseMillis(fields[4]))
	return c, nil
}

// ==================== Helpers ====================

func metaKey(accountID string) string {
	return accountKeyPrefix + accountID + ":meta"
}

func requestKey(accountID, idempotencyKey string) string {
	return accountKeyPrefix + accountID + ":settlement-requests:" + idempotencyKey
}

func pendingKey(accountID string) string {
	return accountKeyPrefix + accountID + ":pending-settlements"
}

func unitKey(accountID, unitID string) string {
	return pendingKey(accountID) + ":" + unitID
}

func creditKey(accountID string, creditID id.CreditID) string {
	return accountKeyPrefix + accountID + ":settlement-credits:" + creditID.String()
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, globSpecialChars) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(globSpecialChars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseMillis(v any) int64 {
	str, _ := v.(string)
	ms, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}
