// Package money holds the currency amount used by billing. Amounts are fixed-point
// decimals; rounding to cents happens only when a caller asks for it.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits a finalized amount carries.
const Places = 2

// Amount is a currency value. The zero value is 0.
type Amount struct {
	d decimal.Decimal
}

var Zero = Amount{}

func New(d decimal.Decimal) Amount {
	return Amount{d: d}
}

func FromCents(cents int64) Amount {
	return Amount{d: decimal.New(cents, -Places)}
}

// Parse reads a decimal string such as "10.005". It never goes through float64.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Amount{d: d}, nil
}

func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Decimal() decimal.Decimal { return a.d }

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }

func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

// Mul scales the amount by a dimensionless factor (a quantity or a rate).
func (a Amount) Mul(factor decimal.Decimal) Amount { return Amount{d: a.d.Mul(factor)} }

// Round rounds half-up to Places. shopspring rounds half away from zero, which is
// half-up for the non-negative values billing produces.
func (a Amount) Round() Amount { return Amount{d: a.d.Round(Places)} }

// ClampZero returns the amount, or zero when it is negative.
func (a Amount) ClampZero() Amount {
	if a.d.IsNegative() {
		return Zero
	}
	return a
}

func (a Amount) IsNegative() bool { return a.d.IsNegative() }

func (a Amount) IsPositive() bool { return a.d.IsPositive() }

func (a Amount) IsZero() bool { return a.d.IsZero() }

func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }

// Cents returns the amount in minor units after rounding.
func (a Amount) Cents() int64 {
	return a.d.Round(Places).Shift(Places).IntPart()
}

// String formats with exactly two fractional digits.
func (a Amount) String() string { return a.d.StringFixed(Places) }

func Sum(amounts ...Amount) Amount {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

func Max(a, b Amount) Amount {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// MarshalJSON writes the amount as a quoted decimal string so clients never parse
// currency through a binary float.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted strings and bare JSON numbers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	a.d = d
	return nil
}

func (a Amount) Value() (driver.Value, error) {
	return a.d.Value()
}

func (a *Amount) Scan(value any) error {
	return a.d.Scan(value)
}
