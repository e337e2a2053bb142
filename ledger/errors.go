/*
errors.go - Centralized error taxonomy for the transfer engine

PURPOSE:
  Every way a transfer can be rejected or fail has a distinct error value,
  so callers can tell retryable failures from terminal ones. A single
  generic error type cannot express that distinction.

ERROR CATEGORIES:
  1. Validation errors - rejected before any balance mutation, no ledger
     record is written (ErrInvalidAmount .. ErrInsufficientFunds)
  2. Retryable errors - the whole call is safe to repeat
     (ErrTransferTimeout, ErrStorageConflict)
  3. Commit faults - a FAILED ledger record exists for reconciliation
     (ErrStorageFault); never retried automatically

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) {
      var ife *ledger.InsufficientFundsError
      errors.As(err, &ife) // carries Available and Requested
  }

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned when the amount is non-positive or has
	// more than two fractional digits. Rejected before any I/O.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrSameAccount is returned when source and destination are the same
	// account. Rejected before any I/O.
	ErrSameAccount = errors.New("source and destination are the same account")

	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountNotActive is returned when either account is BLOCKED or
	// EXPIRED.
	ErrAccountNotActive = errors.New("account not active")

	// ErrAccountExpired is returned when either card is past its expiry date.
	ErrAccountExpired = errors.New("account expired")

	// ErrInsufficientFunds is returned when the source balance does not cover
	// the amount. Wrapped by InsufficientFundsError with the figures.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrTransferTimeout is returned when the account locks could not be
	// acquired within the bounded wait. Safe to retry the whole call.
	ErrTransferTimeout = errors.New("transfer timed out waiting for account locks")

	// ErrStorageConflict is returned when an optimistic version check fails
	// inside the atomic unit. Safe to retry the whole call.
	ErrStorageConflict = errors.New("storage conflict")

	// ErrStorageFault is returned when durability fails mid-commit. The
	// transfer is recorded as FAILED; wrapped by StorageFaultError carrying
	// the record ID so the caller can reconcile. Never retried automatically.
	ErrStorageFault = errors.New("storage fault")

	// ErrTransferNotFound is returned by lookups for an unknown transfer ID.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrStatusFinal is returned when a store is asked to move a transfer
	// out of a terminal status.
	ErrStatusFinal = errors.New("transfer status is final")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError carries the figures clients display.
type InsufficientFundsError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s: available %s, requested %s",
		e.AccountID, e.Available.StringFixed(MoneyScale), e.Requested.StringFixed(MoneyScale))
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// StorageFaultError references the FAILED ledger record written for a
// mid-commit fault.
type StorageFaultError struct {
	RecordID TransferID
	Cause    error
}

func (e *StorageFaultError) Error() string {
	return fmt.Sprintf("transfer %s failed during commit: %v", e.RecordID, e.Cause)
}

func (e *StorageFaultError) Unwrap() error {
	return ErrStorageFault
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if repeating the whole call might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransferTimeout) ||
		errors.Is(err, ErrStorageConflict)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrSameAccount) ||
		errors.Is(err, ErrAccountNotActive) ||
		errors.Is(err, ErrAccountExpired) ||
		errors.Is(err, ErrInsufficientFunds)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrTransferNotFound)
}
