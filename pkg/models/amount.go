package models

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is the number of base-unit digits in one whole unit.
const DefaultDecimals int32 = 8

var ErrInvalidAmount = errors.New("invalid amount")

// ParseAmount converts a decimal string such as "0.5" into base units.
func ParseAmount(s string, decimals int32) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	units := d.Shift(decimals)
	if !units.Equal(units.Truncate(0)) {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, decimals)
	}
	if units.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, fmt.Errorf("%w: overflow", ErrInvalidAmount)
	}
	return units.IntPart(), nil
}

// FormatAmount renders base units as a decimal string.
func FormatAmount(units int64, decimals int32) string {
	return decimal.New(units, -decimals).StringFixed(decimals)
}
