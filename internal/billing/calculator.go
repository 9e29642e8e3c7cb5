// Package billing turns elapsed session time into money.
//
// All arithmetic is fixed-point. Intermediate values keep full precision; rounding to
// cents (half-up) happens once, when a Breakdown is produced.
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultTaxRate is the current product policy (18%).
var DefaultTaxRate = decimal.RequireFromString("0.18")

// DefaultDueDays is the payment term added to the generation date.
const DefaultDueDays = 15

const centPlaces = 2

// Breakdown is the result of one computation.
type Breakdown struct {
	ElapsedSeconds int64
	BilledMinutes  int64
	RatePerMinute  decimal.Decimal
	Multiplier     decimal.Decimal
	TaxRate        decimal.Decimal
	Subtotal       decimal.Decimal
	Tax            decimal.Decimal
	Total          decimal.Decimal
}

// Calculator computes subtotal, tax and total for a fixed tax rate.
type Calculator struct {
	taxRate decimal.Decimal
}

// NewCalculator returns a calculator for taxRate, which must be in [0, 1].
func NewCalculator(taxRate decimal.Decimal) (*Calculator, error) {
	if taxRate.IsNegative() || taxRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("tax rate %s out of range [0, 1]", taxRate)
	}
	return &Calculator{taxRate: taxRate}, nil
}

// TaxRate returns the configured tax rate.
func (c *Calculator) TaxRate() decimal.Decimal {
	return c.taxRate
}

// BilledMinutes is ceil(elapsedSeconds / 60). Non-positive input bills nothing.
func BilledMinutes(elapsedSeconds int64) int64 {
	if elapsedSeconds <= 0 {
		return 0
	}
	return (elapsedSeconds + 59) / 60
}

// Compute returns the rounded breakdown for the given inputs.
func (c *Calculator) Compute(elapsedSeconds int64, rate, multiplier decimal.Decimal) Breakdown {
	minutes := BilledMinutes(elapsedSeconds)

	subtotal := decimal.NewFromInt(minutes).Mul(rate).Mul(multiplier)
	tax := subtotal.Mul(c.taxRate)
	total := subtotal.Add(tax)

	return Breakdown{
		ElapsedSeconds: elapsedSeconds,
		BilledMinutes:  minutes,
		RatePerMinute:  rate,
		Multiplier:     multiplier,
		TaxRate:        c.taxRate,
		Subtotal:       roundCents(subtotal),
		Tax:            roundCents(tax),
		Total:          roundCents(total),
	}
}

// roundCents rounds half away from zero, which is half-up for the non-negative
// amounts billed here.
func roundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(centPlaces)
}

// FormatMoney renders an amount with exactly two decimals.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(centPlaces)
}
