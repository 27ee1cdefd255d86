// Package amount implements the fixed-point currency amounts used
// throughout the merchant backend: contract terms, coin contributions,
// wire fees and refunds are all expressed as an Amount rather than a
// floating point number, so that summation never drifts.
package amount

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FractionalDigits is the number of units making up a whole currency unit.
// 1 Amount unit == 1e8 fractional units, matching the wire format this
// backend exchanges with exchanges and wallets.
const FractionalDigits = 100_000_000

// maxValue bounds Value so Value*FractionalDigits+Fraction never overflows
// the uint64 arithmetic used internally.
const maxValue = (1<<64-1)/FractionalDigits - 1

// Amount is a non-negative quantity of a named currency.
type Amount struct {
	Currency string
	Value    uint64
	Fraction uint32 // 0 <= Fraction < FractionalDigits
}

// Zero returns the zero amount in the given currency.
func Zero(currency string) Amount {
	return Amount{Currency: currency}
}

// Parse reads the canonical "CUR:V.ffff" representation, e.g. "EUR:5.50".
func Parse(s string) (Amount, error) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return Amount{}, fmt.Errorf("amount: malformed %q: missing currency separator", s)
	}
	cur, rest := s[:colon], s[colon+1:]
	if cur == "" {
		return Amount{}, fmt.Errorf("amount: malformed %q: empty currency", s)
	}
	dot := strings.IndexByte(rest, '.')
	var intPart, fracPart string
	if dot < 0 {
		intPart = rest
	} else {
		intPart, fracPart = rest[:dot], rest[dot+1:]
	}
	val, err := strconv.ParseUint(intPart, 10, 64)
	if err != nil {
		return Amount{}, fmt.Errorf("amount: malformed value in %q: %w", s, err)
	}
	if val > maxValue {
		return Amount{}, fmt.Errorf("amount: value %d exceeds maximum", val)
	}
	var frac uint32
	if fracPart != "" {
		if len(fracPart) > 8 {
			fracPart = fracPart[:8]
		}
		for len(fracPart) < 8 {
			fracPart += "0"
		}
		f, err := strconv.ParseUint(fracPart, 10, 32)
		if err != nil {
			return Amount{}, fmt.Errorf("amount: malformed fraction in %q: %w", s, err)
		}
		frac = uint32(f)
	}
	return Amount{Currency: cur, Value: val, Fraction: frac}, nil
}

// String renders the canonical representation, trimming trailing zeros
// from the fractional part but keeping at least one digit when non-zero.
func (a Amount) String() string {
	if a.Fraction == 0 {
		return fmt.Sprintf("%s:%d", a.Currency, a.Value)
	}
	frac := fmt.Sprintf("%08d", a.Fraction)
	frac = strings.TrimRight(frac, "0")
	return fmt.Sprintf("%s:%d.%s", a.Currency, a.Value, frac)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// normalize carries fractional overflow into the integer part.
func normalize(value uint64, frac uint64) (Amount, error) {
	value += frac / FractionalDigits
	if value > maxValue {
		return Amount{}, fmt.Errorf("amount: overflow")
	}
	return Amount{Value: value, Fraction: uint32(frac % FractionalDigits)}, nil
}

// Add returns a+b. Both must share a currency.
func Add(a, b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, fmt.Errorf("amount: currency mismatch %q vs %q", a.Currency, b.Currency)
	}
	r, err := normalize(a.Value+b.Value, uint64(a.Fraction)+uint64(b.Fraction))
	if err != nil {
		return Amount{}, err
	}
	r.Currency = a.Currency
	return r, nil
}

// Sub returns a-b, or an error if b > a.
func Sub(a, b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, fmt.Errorf("amount: currency mismatch %q vs %q", a.Currency, b.Currency)
	}
	if Cmp(a, b) < 0 {
		return Amount{}, fmt.Errorf("amount: %s is less than %s", a, b)
	}
	av := a.Value*FractionalDigits + uint64(a.Fraction)
	bv := b.Value*FractionalDigits + uint64(b.Fraction)
	d := av - bv
	return Amount{Currency: a.Currency, Value: d / FractionalDigits, Fraction: uint32(d % FractionalDigits)}, nil
}

// SaturatingSub returns max(0, a-b); unlike Sub it never errors on
// insufficient value, matching the "wire_fee_excess = max(0, ...)" and
// similar clamped computations in the payment-sufficiency algorithm.
func SaturatingSub(a, b Amount) Amount {
	r, err := Sub(a, b)
	if err != nil {
		return Zero(a.Currency)
	}
	return r
}

// DivInt performs integer division of a by a positive divisor, matching
// the "integer-division semantics" the spec calls for when dividing a
// wire-fee excess by the contract's wire_fee_amortization.
func DivInt(a Amount, divisor uint64) (Amount, error) {
	if divisor == 0 {
		return Amount{}, fmt.Errorf("amount: division by zero")
	}
	total := a.Value*FractionalDigits + uint64(a.Fraction)
	q := total / divisor
	return Amount{Currency: a.Currency, Value: q / FractionalDigits, Fraction: uint32(q % FractionalDigits)}, nil
}

// Cmp returns -1, 0 or 1 comparing a and b. Amounts of different
// currencies compare unequal in an arbitrary but stable order; callers
// needing a currency-mismatch error should check Currency first.
func Cmp(a, b Amount) int {
	if a.Currency != b.Currency {
		if a.Currency < b.Currency {
			return -1
		}
		return 1
	}
	av := a.Value*FractionalDigits + uint64(a.Fraction)
	bv := b.Value*FractionalDigits + uint64(b.Fraction)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether a is exactly zero.
func (a Amount) IsZero() bool { return a.Value == 0 && a.Fraction == 0 }

// Sum adds a sequence of amounts, all of which must share a currency.
// Sum of an empty slice returns the zero amount in the given currency.
func Sum(currency string, amounts []Amount) (Amount, error) {
	total := Zero(currency)
	var err error
	for _, a := range amounts {
		total, err = Add(total, a)
		if err != nil {
			return Amount{}, err
		}
	}
	return total, nil
}
