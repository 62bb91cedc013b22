/*
errors.go - Error taxonomy of the credit engine

PURPOSE:
  Every failure an Engine operation can report, in one place. Callers
  branch with errors.Is against the sentinels; the structured types carry
  the numbers a UI needs to explain the refusal.

ERROR CATEGORIES:
  1. Business refusals - ineligible, insufficient credit, frozen, bad input
  2. Lookups - profile or product missing
  3. Contention - lock timeout or lost optimistic version check

USAGE:
  res, err := engine.UseCreditForPurchase(ctx, farmerID, productID, qty, actor)
  var short *credit.InsufficientCreditError
  if errors.As(err, &short) {
      fmt.Println("short by", short.Shortfall())
  }

SEE ALSO:
  - engine.go: Produces these errors
  - retry.go: Retries contention errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package credit

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrIneligible          = errors.New("farmer is not eligible for credit")
	ErrInsufficientCredit  = errors.New("insufficient credit balance")
	ErrFrozenAccount       = errors.New("credit line is frozen")
	ErrProductNotFound     = errors.New("product not found")
	ErrInvalidLimit        = errors.New("credit limit must be greater than zero")
	ErrConcurrencyConflict = errors.New("concurrent credit operation in progress")
	ErrProfileNotFound     = errors.New("credit profile not found")

	// ErrProductNotCreditEligible is returned for products the cooperative
	// does not sell on credit.
	ErrProductNotCreditEligible = errors.New("product is not eligible for credit purchase")

	// ErrInvalidAmount covers non-positive quantities and repayments that
	// exceed what is owed.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidTransaction is returned when a transaction row fails Validate.
	ErrInvalidTransaction = errors.New("invalid credit transaction")

	// ErrInvariantViolation means an operation would leave the profile out of
	// bounds. It indicates a bug, not bad input.
	ErrInvariantViolation = errors.New("credit profile invariant violated")

	// ErrConcurrentModification is returned by stores when the optimistic
	// version check on a profile write fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLockTimeout is returned by Locker implementations when the farmer
	// lock could not be acquired in time.
	ErrLockTimeout = errors.New("timed out acquiring farmer lock")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// IneligibleError explains why a grant was refused.
type IneligibleError struct {
	FarmerID       FarmerID
	Reason         string
	CurrentBalance decimal.Decimal
	Eligible       decimal.Decimal
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("not eligible for credit: %s", e.Reason)
}

func (e *IneligibleError) Unwrap() error { return ErrIneligible }

// InsufficientCreditError provides details about a purchase that exceeds
// the balance.
type InsufficientCreditError struct {
	FarmerID  FarmerID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit: available KES %s, requested KES %s",
		FormatKES(e.Available), FormatKES(e.Requested))
}

func (e *InsufficientCreditError) Unwrap() error { return ErrInsufficientCredit }

// Shortfall is how much more credit the purchase would need.
func (e *InsufficientCreditError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

type FrozenAccountError struct {
	FarmerID FarmerID
	Reason   string
}

func (e *FrozenAccountError) Error() string {
	if e.Reason == "" {
		return "credit line is frozen"
	}
	return fmt.Sprintf("credit line is frozen: %s", e.Reason)
}

func (e *FrozenAccountError) Unwrap() error { return ErrFrozenAccount }

type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return "product not found"
}

func (e *ProductNotFoundError) Unwrap() error { return ErrProductNotFound }

type InvalidLimitError struct {
	Requested decimal.Decimal
}

func (e *InvalidLimitError) Error() string {
	return fmt.Sprintf("invalid credit limit KES %s: must be greater than zero", FormatKES(e.Requested))
}

func (e *InvalidLimitError) Unwrap() error { return ErrInvalidLimit }

// ConcurrencyConflictError is returned when another operation on the same
// farmer held the lock too long or committed first.
type ConcurrencyConflictError struct {
	FarmerID FarmerID
	Cause    error
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("another credit operation is in progress for this farmer: %v", e.Cause)
	}
	return "another credit operation is in progress for this farmer"
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

type ProfileNotFoundError struct {
	FarmerID FarmerID
}

func (e *ProfileNotFoundError) Error() string {
	return "credit profile not found"
}

func (e *ProfileNotFoundError) Unwrap() error { return ErrProfileNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLockTimeout)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrIneligible) ||
		errors.Is(err, ErrInsufficientCredit) ||
		errors.Is(err, ErrFrozenAccount) ||
		errors.Is(err, ErrInvalidLimit) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrProductNotCreditEligible)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProfileNotFound) ||
		errors.Is(err, ErrProductNotFound)
}
