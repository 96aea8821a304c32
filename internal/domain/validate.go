package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidateQuantity rejects non-positive quantities as invariant violations.
func ValidateQuantity(qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: %w: %d", ErrInvariant, ErrInvalidQuantity, qty)
	}
	return nil
}

// ValidateAmount rejects negative money amounts as invariant violations.
func ValidateAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %w: %s", ErrInvariant, ErrInvalidAmount, amount)
	}
	return nil
}
