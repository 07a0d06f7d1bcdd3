package redis_test

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/xraph/settlement/store"
	sredis "github.com/xraph/settlement/store/redis"
	"github.com/xraph/settlement/store/storetest"
)

// Set SETTLEMENT_REDIS_ADDR to run these tests, e.g.
//
//	docker run --rm -d -p 6379:6379 redis:7
//	SETTLEMENT_REDIS_ADDR=localhost:6379 go test ./store/redis/...
//
// They use database 15 and flush it before every scenario. The stores job in
// .github/workflows/test.yml runs them against a Redis service.
func newStore(t *testing.T) store.Store {
	t.Helper()
	addr := os.Getenv("SETTLEMENT_REDIS_ADDR")
	if addr == "" {
		t.Skip("SETTLEMENT_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	require.NoError(t, client.FlushDB(ctx).Err())

	s := sredis.New(client)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, newStore)
}

func TestAccountKeyWithGlobCharacters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.CreateAccount(ctx, "a*")
	require.NoError(t, err)
	_, err = s.CreateAccount(ctx, "ab")
	require.NoError(t, err)

	require.NoError(t, s.DeleteAccount(ctx, "a*"))

	exists, err := s.AccountExists(ctx, "ab")
	require.NoError(t, err)
	require.True(t, exists)
	n, err := s.(*sredis.Store).Client().Exists(ctx, "accounts:ab:meta").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
