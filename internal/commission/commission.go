// Package commission computes the platform's cut of a payment.
package commission

import "github.com/shopspring/decimal"

var (
	DefaultRate = decimal.RequireFromString("0.10")
	DefaultCap  = decimal.NewFromInt(10000)
)

// Calculator applies a flat rate capped at an absolute amount.
type Calculator struct {
	Rate decimal.Decimal
	Cap  decimal.Decimal
}

// NewCalculator builds a calculator from configured floats, falling back to
// the defaults for non-positive values.
func NewCalculator(rate, maxFee float64) Calculator {
	c := Calculator{Rate: DefaultRate, Cap: DefaultCap}
	if rate > 0 {
		c.Rate = decimal.NewFromFloat(rate)
	}
	if maxFee > 0 {
		c.Cap = decimal.NewFromFloat(maxFee)
	}
	return c
}

// Calculate returns min(amount * rate, cap) rounded to two places.
// Negative amounts yield zero.
func (c Calculator) Calculate(amount decimal.Decimal) decimal.Decimal {
	if amount.Sign() <= 0 {
		return decimal.Zero
	}
	fee := amount.Mul(c.Rate)
	if fee.GreaterThan(c.Cap) {
		fee = c.Cap
	}
	return fee.Round(2)
}
