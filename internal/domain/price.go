package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PricePlaces is the number of fractional digits a price may carry.
const PricePlaces = 4

// ParsePrice parses a decimal price string. The price must be positive
// and carry at most PricePlaces fractional digits.
func ParsePrice(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Message: fmt.Sprintf("invalid price %q", s)}
	}
	if err := ValidatePrice(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// ValidatePrice checks an already decoded price.
func ValidatePrice(d decimal.Decimal) error {
	if !d.IsPositive() {
		return &ValidationError{Message: "price must be > 0"}
	}
	if !d.Equal(d.Truncate(PricePlaces)) {
		return &ValidationError{Message: fmt.Sprintf("price must have at most %d decimal places", PricePlaces)}
	}
	return nil
}

// MaxPrice returns the larger of a and b.
func MaxPrice(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Notional returns amount * price.
func Notional(amount int64, price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(amount))
}
