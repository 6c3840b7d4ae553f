package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrUserNotFound is returned for ledger operations on an unknown user.
var ErrUserNotFound = errors.New("user not found")

// ErrPricingUnavailable is returned when no active default pricing tier
// exists for a provider. This is a fatal configuration error; cost is never
// silently defaulted.
var ErrPricingUnavailable = errors.New("pricing unavailable")

// InsufficientCreditsError is returned when a deduction would overdraw the
// balance. It carries the figures the caller surfaces to the user.
type InsufficientCreditsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %s, available %s, shortfall %s",
		e.Required, e.Available, e.Shortfall)
}
