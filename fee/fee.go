// Package fee computes rental fees.
package fee

import (
	"time"

	"github.com/shopspring/decimal"
)

// Places is the number of decimal places a fee is rounded to.
const Places = 2

var nanosPerHour = decimal.NewFromInt(int64(time.Hour))

// Max is the largest fee a rental can store, NUMERIC(10,2).
var Max = decimal.RequireFromString("99999999.99")

// Compute returns the fee for renting for d at hourlyRate. Hours are
// fractional, not truncated, and the result is rounded half-to-even to cents
// (0.005 -> 0.00, 0.015 -> 0.02). d must not be negative.
func Compute(d time.Duration, hourlyRate decimal.Decimal) decimal.Decimal {
	if d <= 0 {
		return decimal.Zero.Round(Places)
	}
	return hourlyRate.Mul(decimal.NewFromInt(int64(d))).Div(nanosPerHour).RoundBank(Places)
}
