// Package quantity implements the arbitrary-precision amount encoding used
// on the wire between connectors and settlement engines.
//
// A Quantity is the JSON object {"amount":"<digits>","scale":<0-255>} and
// represents amount * 10^-scale in the standard unit of an asset. Amounts are
// handled internally as shopspring decimals so no value is ever rounded
// through a float.
package quantity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxScale is the largest scale a Quantity may carry.
const MaxScale = 255

var (
	// ErrInvalidQuantity is returned when a Quantity violates the wire contract.
	ErrInvalidQuantity = errors.New("quantity: invalid quantity")

	// ErrInvalidAmount is returned for amounts that are negative, NaN or infinite.
	ErrInvalidAmount = errors.New("quantity: invalid amount")

	// ErrScaleOverflow is returned when an amount needs more than MaxScale decimal places.
	ErrScaleOverflow = errors.New("quantity: scale exceeds 255")
)

var bigTen = big.NewInt(10)

// Quantity is an amount denominated in some unit of a single fungible asset.
type Quantity struct {
	// Amount is a non-negative integer encoded as decimal digits.
	Amount string `json:"amount"`
	// Scale is the difference in orders of magnitude between the standard
	// unit and the fractional unit Amount is expressed in.
	Scale int `json:"scale"`
}

// New builds a Quantity and validates it.
func New(amount string, scale int) (Quantity, error) {
	q := Quantity{Amount: amount, Scale: scale}
	if err := q.Validate(); err != nil {
		return Quantity{}, err
	}
	return q, nil
}

// Validate checks the Quantity against the wire contract.
func (q Quantity) Validate() error {
	if q.Scale < 0 || q.Scale > MaxScale {
		return fmt.Errorf("%w: scale %d out of range [0,%d]", ErrInvalidQuantity, q.Scale, MaxScale)
	}
	if !isCanonicalDigits(q.Amount) {
		return fmt.Errorf("%w: amount %q is not a canonical non-negative integer", ErrInvalidQuantity, q.Amount)
	}
	return nil
}

// Decimal converts the Quantity to an exact decimal.
func (q Quantity) Decimal() (decimal.Decimal, error) {
	return FromQuantity(q)
}

// String renders the Quantity in standard units, e.g. "4.682".
func (q Quantity) String() string {
	d, err := FromQuantity(q)
	if err != nil {
		return fmt.Sprintf("invalid(%s@%d)", q.Amount, q.Scale)
	}
	return d.String()
}

// UnmarshalJSON decodes a Quantity strictly: the amount must be a JSON string
// and the scale a JSON integer. Anything else is rejected.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount *json.RawMessage `json:"amount"`
		Scale  *json.RawMessage `json:"scale"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuantity, err)
	}
	if raw.Amount == nil || raw.Scale == nil {
		return fmt.Errorf("%w: amount and scale are required", ErrInvalidQuantity)
	}

	var amount string
	if err := json.Unmarshal(*raw.Amount, &amount); err != nil {
		return fmt.Errorf("%w: amount must be a string", ErrInvalidQuantity)
	}

	scale, err := decodeScale(*raw.Scale)
	if err != nil {
		return err
	}

	parsed := Quantity{Amount: amount, Scale: scale}
	if err := parsed.Validate(); err != nil {
		return err
	}
	*q = parsed
	return nil
}

// FromQuantity computes amount * 10^-scale exactly.
func FromQuantity(q Quantity) (decimal.Decimal, error) {
	if err := q.Validate(); err != nil {
		return decimal.Decimal{}, err
	}
	coef, ok := new(big.Int).SetString(q.Amount, 10)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: amount %q", ErrInvalidQuantity, q.Amount)
	}
	return decimal.NewFromBigInt(coef, int32(-q.Scale)), nil
}

// ToQuantity encodes a valid amount with the smallest scale that represents
// it exactly.
func ToQuantity(amount decimal.Decimal) (Quantity, error) {
	if !IsValidAmount(amount) {
		return Quantity{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}

	coef := new(big.Int).Set(amount.Coefficient())
	exp := int(amount.Exponent())

	if coef.Sign() == 0 {
		return Quantity{Amount: "0", Scale: 0}, nil
	}

	// Positive exponents fold into the coefficient.
	if exp > 0 {
		coef.Mul(coef, new(big.Int).Exp(bigTen, big.NewInt(int64(exp)), nil))
		exp = 0
	}

	// Strip insignificant trailing zeros so scale counts significant places.
	rem := new(big.Int)
	for exp < 0 {
		quo, r := new(big.Int).QuoRem(coef, bigTen, rem)
		if r.Sign() != 0 {
			break
		}
		coef = quo
		exp++
	}

	scale := -exp
	if scale > MaxScale {
		return Quantity{}, fmt.Errorf("%w: %d decimal places", ErrScaleOverflow, scale)
	}
	return Quantity{Amount: coef.String(), Scale: scale}, nil
}

// MustToQuantity is like ToQuantity but panics on error.
func MustToQuantity(amount decimal.Decimal) Quantity {
	q, err := ToQuantity(amount)
	if err != nil {
		panic(err)
	}
	return q
}

// IsQuantity reports whether v is a valid Quantity. It accepts Quantity
// values, decoded JSON objects (map[string]any) and raw JSON documents.
func IsQuantity(v any) bool {
	switch o := v.(type) {
	case Quantity:
		return o.Validate() == nil
	case *Quantity:
		return o != nil && o.Validate() == nil
	case json.RawMessage:
		return isQuantityJSON(o)
	case []byte:
		return isQuantityJSON(o)
	case map[string]any:
		return isQuantityMap(o)
	default:
		return false
	}
}

// IsValidAmount reports whether d is a non-negative amount. Decimals are
// always finite, so only the sign needs checking.
func IsValidAmount(d decimal.Decimal) bool {
	return d.Sign() >= 0
}

// AmountFromFloat converts a float to a decimal, rejecting NaN, infinities
// and negative values.
func AmountFromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrInvalidAmount, f)
	}
	return decimal.NewFromFloat(f), nil
}

// ParseAmount parses a decimal string such as "4.682", rejecting negative
// values and the textual forms of NaN and infinity.
func ParseAmount(s string) (decimal.Decimal, error) {
	switch strings.ToLower(strings.TrimLeft(strings.TrimSpace(s), "+-")) {
	case "nan", "inf", "infinity":
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	if !IsValidAmount(d) {
		return decimal.Decimal{}, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	return d, nil
}

// MustParseAmount is like ParseAmount but panics on error. Use for literals.
func MustParseAmount(s string) decimal.Decimal {
	d, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return d
}

func isQuantityJSON(data []byte) bool {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return false
	}
	var q Quantity
	return json.Unmarshal(data, &q) == nil
}

func isQuantityMap(m map[string]any) bool {
	if m == nil {
		return false
	}
	amount, ok := m["amount"].(string)
	if !ok {
		return false
	}

	var scale float64
	switch s := m["scale"].(type) {
	case float64:
		scale = s
	case int:
		scale = float64(s)
	case int64:
		scale = float64(s)
	case json.Number:
		f, err := s.Float64()
		if err != nil {
			return false
		}
		scale = f
	default:
		return false
	}
	if scale != math.Trunc(scale) || scale < 0 || scale > MaxScale {
		return false
	}
	return isCanonicalDigits(amount)
}

func decodeScale(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' {
		return 0, fmt.Errorf("%w: scale must be a number", ErrInvalidQuantity)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("%w: scale must be a number", ErrInvalidQuantity)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: scale %v is not an integer", ErrInvalidQuantity, f)
	}
	if f < 0 || f > MaxScale {
		return 0, fmt.Errorf("%w: scale %v out of range [0,%d]", ErrInvalidQuantity, f, MaxScale)
	}
	return int(f), nil
}

// isCanonicalDigits matches ^\d+$ without a redundant leading zero.
func isCanonicalDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s == "0" || s[0] != '0'
}
