package queue

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrStorageUnavailable is returned when the backing store cannot be
	// reached. Callers retry with backoff; the message is never dropped.
	ErrStorageUnavailable = errors.New("queue storage unavailable")

	// ErrDuplicateMessage is returned by Enqueue when an entry with the same
	// id already exists. Expected for redelivered webhooks.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrEntryNotFound is returned for operations on an unknown id.
	ErrEntryNotFound = errors.New("queue entry not found")

	// ErrInvalidEnvelope is returned when an envelope is missing required fields.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrClaimLost is returned by Ack, Nack and DeadLetter when the caller's
	// claim token no longer matches the entry: the visibility timeout
	// expired and the entry was reclaimed or claimed by another consumer.
	// The entry is left unchanged.
	ErrClaimLost = errors.New("claim lost")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue closed")
)

// InvalidEnvelopeError names the failed check.
type InvalidEnvelopeError struct {
	Reason string
}

func (e *InvalidEnvelopeError) Error() string {
	return fmt.Sprintf("invalid envelope: %s", e.Reason)
}

func (e *InvalidEnvelopeError) Unwrap() error {
	return ErrInvalidEnvelope
}

func invalid(reason string) error {
	return &InvalidEnvelopeError{Reason: reason}
}

// Unavailable wraps a driver error as ErrStorageUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
