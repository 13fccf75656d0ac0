/*
errors.go - Centralized error types for metering

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers (HTTP handlers, the dispatcher) map these to responses and
  retry decisions with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Business rule errors - Insufficient credits, unknown usage kind
  2. Store errors - Transaction conflicts, unavailable backing store
  3. Lookup errors - Missing accounts

SEE ALSO:
  - service.go: Returns these errors
  - store/sqlite/ledger.go: Maps SQLite failures onto them
*/
package metering

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientCredits is returned when a debit would drive the balance
	// below zero. Nothing is written. Never retried.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrMeteringUnavailable is returned when the backing store could not
	// complete the transaction after the bounded number of retries.
	ErrMeteringUnavailable = errors.New("metering unavailable")

	// ErrConcurrentModification is returned by stores when the transaction
	// could not be acquired (busy database, optimistic conflict).
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateExternalRef is returned by stores when an entry with the same
	// external reference already exists.
	ErrDuplicateExternalRef = errors.New("duplicate external reference")

	// ErrAccountNotFound is returned when the user has no account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when opening an account twice.
	ErrAccountExists = errors.New("account already exists")

	// ErrUnknownUsageKind is returned by Quote for kinds missing from the pricing table.
	ErrUnknownUsageKind = errors.New("unknown usage kind")

	// ErrInvalidAmount is returned for negative usage or zero credit grants.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidEntryType is returned when an admin write uses a usage entry type.
	ErrInvalidEntryType = errors.New("invalid entry type")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditsError provides details about a balance shortage.
type InsufficientCreditsError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: available %d, requested %d, shortfall %d",
		e.UserID, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientCreditsError) Shortfall() int64 {
	return e.Requested - e.Available
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrMeteringUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrUnknownUsageKind) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidEntryType) ||
		errors.Is(err, ErrAccountExists) ||
		errors.Is(err, ErrDuplicateExternalRef)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}
