// Package codec converts settlement values to and from their persisted
// encodings and validates everything read back from a store.
package codec

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/quantity"
)

// FormatAmount encodes an amount as an exact decimal string.
func FormatAmount(d decimal.Decimal) string {
	return d.String()
}

// ParseAmount decodes a stored amount. Anything that is not a finite,
// non-negative decimal is reported as corruption, never coerced.
func ParseAmount(record, key, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, settlement.CorruptedError(record, key, err)
	}
	if !quantity.IsValidAmount(d) {
		return decimal.Zero, settlement.CorruptedError(record, key, nil)
	}
	return d, nil
}

// ParseID decodes a stored identifier with the expected prefix.
func ParseID(record, key, raw string, prefix id.Prefix) (id.ID, error) {
	parsed, err := id.ParseWithPrefix(raw, prefix)
	if err != nil {
		return id.Nil, settlement.CorruptedError(record, key, err)
	}
	return parsed, nil
}

// ParseOptionalID decodes an identifier that may be stored as "".
func ParseOptionalID(record, key, raw string, prefix id.Prefix) (id.ID, error) {
	if raw == "" {
		return id.Nil, nil
	}
	return ParseID(record, key, raw, prefix)
}

// Millis encodes t as Unix milliseconds; the zero time encodes as 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis decodes Unix milliseconds; 0 decodes as the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
