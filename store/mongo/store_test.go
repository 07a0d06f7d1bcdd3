package mongo_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xraph/settlement/store"
	"github.com/xraph/settlement/store/mongo"
	"github.com/xraph/settlement/store/storetest"
)

// Set SETTLEMENT_MONGO_URI to a replica set database, e.g.
// mongodb://localhost:27017/settlement_test?replicaSet=rs0, to run these
// tests. The database is dropped before every scenario.
func newStore(t *testing.T) store.Store {
	t.Helper()
	uri := os.Getenv("SETTLEMENT_MONGO_URI")
	if uri == "" {
		t.Skip("SETTLEMENT_MONGO_URI not set")
	}

	ctx := context.Background()
	s, err := mongo.Open(ctx, uri)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Database().Drop(ctx))
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, newStore)
}
