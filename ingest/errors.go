package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/warp/inbound-engine/queue"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMalformedPayload is returned when a webhook body cannot be
	// normalized. Not retried; the provider gets a 400.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrInvalidSignature is returned when signature verification fails.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrUnknownProvider is returned for a provider with no normalizer.
	ErrUnknownProvider = errors.New("unknown provider")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MalformedPayloadError names what was wrong with the body.
type MalformedPayloadError struct {
	Provider string
	// Index is the position of the offending event in the batch, or -1.
	Index  int
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	msg := fmt.Sprintf("malformed %s payload", e.Provider)
	if e.Index >= 0 {
		msg += fmt.Sprintf(" (event %d)", e.Index)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedPayloadError) Unwrap() error {
	return ErrMalformedPayload
}

func malformed(provider string, index int, reason string, err error) error {
	return &MalformedPayloadError{Provider: provider, Index: index, Reason: reason, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the request should not be retried as is.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrUnknownProvider)
}

// IsRetryable returns true if the provider should redeliver later.
func IsRetryable(err error) bool {
	return errors.Is(err, queue.ErrStorageUnavailable)
}

// HTTPStatus maps an Ingest error to the status returned to the provider.
// Providers redeliver on 5xx and give up on 4xx.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, ErrMalformedPayload):
		return http.StatusBadRequest
	case IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
