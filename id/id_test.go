package id_test

import (
	"strings"
	"testing"

	"github.com/xraph/settlement/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"AccountID", id.NewAccountID, "acct_"},
		{"AmountID", id.NewAmountID, "amt_"},
		{"LeaseID", id.NewLeaseID, "lease_"},
		{"CreditID", id.NewCreditID, "cred_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"AccountID", id.NewAccountID, id.ParseAccountID},
		{"AmountID", id.NewAmountID, id.ParseAmountID},
		{"LeaseID", id.NewLeaseID, id.ParseLeaseID},
		{"CreditID", id.NewCreditID, id.ParseCreditID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"ParseAccountID rejects amt_", id.NewAmountID().String(), id.ParseAccountID},
		{"ParseAmountID rejects lease_", id.NewLeaseID().String(), id.ParseAmountID},
		{"ParseLeaseID rejects cred_", id.NewCreditID().String(), id.ParseLeaseID},
		{"ParseCreditID rejects acct_", id.NewAccountID().String(), id.ParseCreditID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.parseFn(tt.input); err == nil {
				t.Errorf("expected error for cross-type parse of %q, got nil", tt.input)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{"", "cred", "cred_", "not an id", "cred_0000"} {
		if _, err := id.Parse(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
	if i.Prefix() != "" {
		t.Errorf("expected empty prefix, got %q", i.Prefix())
	}
}

func TestMarshalUnmarshalText(t *testing.T) {
	original := id.NewCreditID()
	data, err := original.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}

	var restored id.ID
	if unmarshalErr := restored.UnmarshalText(data); unmarshalErr != nil {
		t.Fatalf("UnmarshalText failed: %v", unmarshalErr)
	}
	if restored.String() != original.String() {
		t.Errorf("mismatch: %q != %q", restored.String(), original.String())
	}

	var restored2 id.ID
	if err := restored2.UnmarshalText(nil); err != nil {
		t.Fatalf("UnmarshalText(nil) failed: %v", err)
	}
	if !restored2.IsNil() {
		t.Error("expected nil after unmarshal of empty text")
	}
}

func TestValueScan(t *testing.T) {
	original := id.NewAmountID()
	val, err := original.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	var scanned id.ID
	if scanErr := scanned.Scan(val); scanErr != nil {
		t.Fatalf("Scan failed: %v", scanErr)
	}
	if scanned.String() != original.String() {
		t.Errorf("mismatch: %q != %q", scanned.String(), original.String())
	}

	var scanned2 id.ID
	if err := scanned2.Scan([]byte(original.String())); err != nil {
		t.Fatalf("Scan([]byte) failed: %v", err)
	}
	if scanned2.String() != original.String() {
		t.Errorf("mismatch: %q != %q", scanned2.String(), original.String())
	}

	var scanned3 id.ID
	if err := scanned3.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) failed: %v", err)
	}
	if !scanned3.IsNil() {
		t.Error("expected nil after scan of nil")
	}

	if err := scanned3.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}

func TestUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 100)
	for range 100 {
		s := id.NewLeaseID().String()
		if _, dup := seen[s]; dup {
			t.Fatalf("NewLeaseID() returned a duplicate: %q", s)
		}
		seen[s] = struct{}{}
	}
}
