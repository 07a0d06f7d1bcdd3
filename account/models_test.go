package account_test

import (
	"strings"
	"testing"

	"github.com/xraph/settlement/account"
)

func TestIsSafeKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"alice", true},
		{"acct_01h2xcejqtf2nbrexx3vqjhp41", true},
		{"e2c6b9a4-0f2e-4cc4-b0d1-4a2a4f5a4b8e", true},
		{"", false},
		{"alice:bob", false},
		{":", false},
		{"tab\there", false},
		{"new\nline", false},
		{strings.Repeat("a", account.MaxKeyLength), true},
		{strings.Repeat("a", account.MaxKeyLength+1), false},
	}

	for _, tt := range tests {
		if got := account.IsSafeKey(tt.key); got != tt.want {
			t.Errorf("IsSafeKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
