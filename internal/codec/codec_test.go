package codec_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/internal/codec"
)

func TestParseAmount(t *testing.T) {
	d, err := codec.ParseAmount("pending amount", "k", "2.393")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("2.393")))

	for _, raw := range []string{"NaN", "Infinity", "-1", "", "abc"} {
		_, err := codec.ParseAmount("pending amount", "k", raw)
		assert.ErrorIs(t, err, settlement.ErrCorrupted, raw)
	}
}

func TestFormatAmountRoundTrip(t *testing.T) {
	d := decimal.RequireFromString("12345678901234567890.000000000000000001")
	got, err := codec.ParseAmount("credit", "k", codec.FormatAmount(d))
	require.NoError(t, err)
	assert.True(t, d.Equal(got))
}

func TestParseID(t *testing.T) {
	cid := id.NewCreditID()
	got, err := codec.ParseID("credit", "k", cid.String(), id.PrefixCredit)
	require.NoError(t, err)
	assert.Equal(t, cid.String(), got.String())

	_, err = codec.ParseID("credit", "k", id.NewLeaseID().String(), id.PrefixCredit)
	assert.ErrorIs(t, err, settlement.ErrCorrupted)

	empty, err := codec.ParseOptionalID("pending amount", "k", "", id.PrefixLease)
	require.NoError(t, err)
	assert.True(t, empty.IsNil())
}

func TestMillis(t *testing.T) {
	assert.Equal(t, int64(0), codec.Millis(time.Time{}))
	assert.True(t, codec.FromMillis(0).IsZero())

	at := time.UnixMilli(1_700_000_000_123)
	assert.True(t, codec.FromMillis(codec.Millis(at)).Equal(at))
}
