package commission

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCalculate(t *testing.T) {
	calc := NewCalculator(0, 0)

	tests := []struct {
		amount string
		want   string
	}{
		{"50000", "5000"},
		{"100000", "10000"},
		{"250000", "10000"},
		{"0", "0"},
		{"-300", "0"},
		{"1234.56", "123.46"},
	}

	for _, tc := range tests {
		got := calc.Calculate(decimal.RequireFromString(tc.amount))
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)), "amount %s: got %s want %s", tc.amount, got, tc.want)
	}
}

func TestNewCalculatorOverrides(t *testing.T) {
	calc := NewCalculator(0.05, 2000)

	assert.True(t, calc.Calculate(decimal.NewFromInt(10000)).Equal(decimal.NewFromInt(500)))
	assert.True(t, calc.Calculate(decimal.NewFromInt(100000)).Equal(decimal.NewFromInt(2000)))
}

func TestCommissionNeverExceedsCap(t *testing.T) {
	calc := NewCalculator(0, 0)
	for _, n := range []int64{1, 99999, 100001, 5_000_000} {
		fee := calc.Calculate(decimal.NewFromInt(n))
		assert.False(t, fee.GreaterThan(DefaultCap))
		assert.False(t, fee.IsNegative())
	}
}
