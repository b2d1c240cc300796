package billing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"vetclinic/backend/internal/money"
)

// Input bounds. Money digits match the NUMERIC(14,2) storage columns; the scale
// limit keeps Round from rescaling by an attacker-chosen power of ten.
const (
	MaxAmountDigits   = 12
	MaxQuantityDigits = 6
	MaxInputScale     = 6
)

var (
	hundred     = decimal.NewFromInt(100)
	amountLimit = decimal.New(1, MaxAmountDigits)
)

// withinBounds reports whether d has at most intDigits digits before the point and
// at most scale after it. It reads the exponent and coefficient only, so it is
// cheap even for values like 1e2000000000.
func withinBounds(d decimal.Decimal, intDigits int, scale int) bool {
	exp := int64(d.Exponent())
	if exp < int64(-scale) {
		return false
	}
	if d.IsZero() {
		return true
	}
	if d.Coefficient().BitLen() > 4*(intDigits+scale) {
		return false
	}
	return int64(d.NumDigits())+exp <= int64(intDigits)
}

func checkAmountBounds(field string, a money.Amount, scale int) error {
	if !withinBounds(a.Decimal(), MaxAmountDigits, scale) {
		return inputError(field, nil, fmt.Sprintf("must be below 10^%d with at most %d decimal places", MaxAmountDigits, scale))
	}
	return nil
}

// LineItem is one billable quantity x price x tax entry.
type LineItem struct {
	Description string          `json:"description,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   money.Amount    `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
}

// NewLineItem validates untrusted input before it reaches the calculator. Unlike
// ComputeTotals it also rejects a zero quantity: a zero-count line is never billable.
func NewLineItem(description string, quantity decimal.Decimal, unitPrice money.Amount, taxRate decimal.Decimal) (LineItem, error) {
	item := LineItem{
		Description: description,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		TaxRate:     taxRate,
	}
	if err := item.check("line_item"); err != nil {
		return LineItem{}, err
	}
	return item, nil
}

// CheckLineItems applies the NewLineItem rules to a decoded request body, naming the
// offending element by index.
func CheckLineItems(items []LineItem) error {
	for i, item := range items {
		if err := item.check(fmt.Sprintf("line_items[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

// Amount is quantity x unit price, unrounded.
func (l LineItem) Amount() money.Amount {
	return l.UnitPrice.Mul(l.Quantity)
}

func (l LineItem) check(prefix string) error {
	if err := l.validate(prefix); err != nil {
		return err
	}
	if !l.Quantity.IsPositive() {
		return inputError(prefix+".quantity", l.Quantity, "must be positive")
	}
	return nil
}

func (l LineItem) validate(prefix string) error {
	if !withinBounds(l.Quantity, MaxQuantityDigits, MaxInputScale) {
		return inputError(prefix+".quantity", nil, fmt.Sprintf("must be below 10^%d with at most %d decimal places", MaxQuantityDigits, MaxInputScale))
	}
	if err := checkAmountBounds(prefix+".unit_price", l.UnitPrice, MaxInputScale); err != nil {
		return err
	}
	if !withinBounds(l.TaxRate, 3, MaxInputScale) {
		return inputError(prefix+".tax_rate", nil, "must be between 0 and 100")
	}
	if l.Quantity.IsNegative() {
		return inputError(prefix+".quantity", l.Quantity, "must not be negative")
	}
	if l.UnitPrice.IsNegative() {
		return inputError(prefix+".unit_price", l.UnitPrice.Decimal(), "must not be negative")
	}
	if l.TaxRate.IsNegative() || l.TaxRate.GreaterThan(hundred) {
		return inputError(prefix+".tax_rate", l.TaxRate, "must be between 0 and 100")
	}
	return nil
}

// Snapshot is the monetary state stored on an invoice.
type Snapshot struct {
	Subtotal money.Amount `json:"subtotal"`
	Tax      money.Amount `json:"tax"`
	Discount money.Amount `json:"discount"`
	Total    money.Amount `json:"total"`
}

func (s Snapshot) Equal(o Snapshot) bool {
	return s.Subtotal.Equal(o.Subtotal) &&
		s.Tax.Equal(o.Tax) &&
		s.Discount.Equal(o.Discount) &&
		s.Total.Equal(o.Total)
}

// ComputeTotals is the single source of truth for an invoice's monetary fields.
//
// Sums are accumulated at full precision; each component is rounded half-up to cents
// exactly once when it is finalized, and the total is derived from the rounded
// components so that total == max(0, subtotal + tax - discount) holds to the cent.
func ComputeTotals(items []LineItem, discount money.Amount) (Snapshot, error) {
	if err := checkAmountBounds("discount", discount, MaxInputScale); err != nil {
		return Snapshot{}, err
	}
	if discount.IsNegative() {
		return Snapshot{}, inputError("discount", discount.Decimal(), "must not be negative")
	}

	subtotal := money.Zero
	tax := money.Zero
	for i, item := range items {
		if err := item.validate(fmt.Sprintf("line_items[%d]", i)); err != nil {
			return Snapshot{}, err
		}
		line := item.Amount()
		subtotal = subtotal.Add(line)
		tax = tax.Add(line.Mul(item.TaxRate.Shift(-2)))
	}

	snap := Snapshot{
		Subtotal: subtotal.Round(),
		Tax:      tax.Round(),
		Discount: discount.Round(),
	}
	snap.Total = snap.Subtotal.Add(snap.Tax).Sub(snap.Discount).ClampZero()
	for _, c := range []struct {
		field  string
		amount money.Amount
	}{
		{"subtotal", snap.Subtotal},
		{"tax", snap.Tax},
		{"discount", snap.Discount},
		{"total", snap.Total},
	} {
		if c.amount.Decimal().Abs().GreaterThanOrEqual(amountLimit) {
			return Snapshot{}, inputError(c.field, nil, fmt.Sprintf("must be below 10^%d", MaxAmountDigits))
		}
	}
	return snap, nil
}
