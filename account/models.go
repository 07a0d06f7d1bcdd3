// Package account defines settlement accounts and the rules for the keys
// that address them.
package account

import (
	"strings"

	"github.com/xraph/settlement/types"
)

// Delimiter separates namespace segments in store keys. Account IDs and
// idempotency keys must never contain it.
const Delimiter = ":"

// MaxKeyLength bounds account IDs and idempotency keys.
const MaxKeyLength = 255

// Account is a peer relationship that settlements are queued and credited against.
type Account struct {
	types.Entity

	ID string `json:"id"`
}

// IsSafeKey reports whether s can be used as an account ID or idempotency
// key without escaping its store namespace.
func IsSafeKey(s string) bool {
	if s == "" || len(s) > MaxKeyLength {
		return false
	}
	if strings.Contains(s, Delimiter) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return false
		}
	}
	return true
}
