package model

import "errors"

// Auth errors.
var (
	ErrUnauthorized = errors.New("credential required")
	ErrForbidden    = errors.New("invalid credential")
)

// Validation errors.
var (
	ErrMissingBody   = errors.New("missing body")
	ErrMalformedJSON = errors.New("invalid JSON")
)

// ErrSecretUnavailable means the shared secret could not be obtained.
var ErrSecretUnavailable = errors.New("secret unavailable")

// ErrObjectNotFound is returned by stores that can read objects back.
var ErrObjectNotFound = errors.New("object not found")

// Delivery and buffering errors.
var (
	ErrDeliveryExhausted = errors.New("delivery retries exhausted")
	ErrQueueFull         = errors.New("delivery queue full")
	ErrClosed            = errors.New("buffer closed")
)

// TransientError marks a failure that may succeed when retried
// (network faults, throttling, 5xx responses).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
