package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/store"
	"github.com/xraph/settlement/store/sqlite"
	"github.com/xraph/settlement/store/storetest"
)

func newStore(t *testing.T) store.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "settlement.db") + "?_pragma=busy_timeout(5000)"
	s, err := sqlite.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, newStore)
}

func TestMigrateIdempotent(t *testing.T) {
	s := newStore(t).(*sqlite.Store)
	require.NoError(t, s.Migrate(context.Background()))

	var n int
	row := sqlitedriver.Unwrap(s.DB()).QueryRow(context.Background(),
		`SELECT COUNT(*) FROM grove_migrations WHERE "group" = ?`, sqlite.Migrations.Name())
	require.NoError(t, row.Scan(&n))
	require.Equal(t, len(sqlite.Migrations.Migrations()), n)
}

func TestCorruptedAmount(t *testing.T) {
	ctx := context.Background()
	s := newStore(t).(*sqlite.Store)

	_, err := s.CreateAccount(ctx, "alice")
	require.NoError(t, err)
	_, err = sqlitedriver.Unwrap(s.DB()).Exec(ctx, `INSERT INTO settlement_pending_amounts (id, account_id, amount, created_at, updated_at) VALUES ('amt_01h2xcejqtf2nbrexx3vqjhp41', 'alice', 'NaN', 1, 1)`)
	require.NoError(t, err)

	_, err = s.LeaseAvailable(ctx, "alice", id.NewLeaseID(), time.Now(), time.Now().Add(time.Second))
	require.ErrorIs(t, err, settlement.ErrCorrupted)
}
