// Package money provides shared amount parsing, rounding and formatting.
//
// Settlement amounts carry 6 decimal places (micro-units: 1 unit =
// 1,000,000 micro-units). Arithmetic is done on decimal.Decimal and rounded
// back to micro-unit precision at every stored boundary.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

const Decimals = 6

var hundred = decimal.NewFromInt(100)

// Parse converts a decimal string (e.g. "1.50") to a Decimal.
// Returns (zero, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - More than 6 fractional digits are rejected
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, true
	}
	if strings.HasPrefix(s, "-") {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if d.Exponent() < -Decimals && !d.Equal(Round(d)) {
		return decimal.Zero, false
	}
	return d, true
}

// Round rounds to micro-unit precision (half away from zero).
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Decimals)
}

// Percent returns round(amount * percent / 100) at micro-unit precision.
func Percent(amount, percent decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(percent).Div(hundred))
}

// Format renders an amount with exactly 6 decimal places (e.g. "1.500000").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Decimals)
}
