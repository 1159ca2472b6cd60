package registrar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors shared across packages. Match with errors.Is.
var (
	ErrNotFound                 = errors.New("not found")
	ErrInvalidArgument          = errors.New("invalid argument")
	ErrInvalidTransition        = errors.New("invalid status transition")
	ErrQuotaExceeded            = errors.New("quota exceeded")
	ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")
	ErrPaymentRequired          = errors.New("payment required")
	ErrUnsupportedSite          = errors.New("unsupported site")
	ErrUnsupportedFormat        = errors.New("unsupported file format")
	ErrValidationFailed         = errors.New("validation failed")
	ErrAmountMismatch           = errors.New("amount mismatch")
	ErrGateway                  = errors.New("payment gateway error")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrJobActive                = errors.New("job is active")
	ErrQueueFull                = errors.New("queue full")
	ErrConflict                 = errors.New("conflict")
)

// TransitionError reports an illegal state change.
type TransitionError struct {
	Kind string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Kind, e.From, e.To)
}

// Is matches ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// QuotaError describes a denied admission.
type QuotaError struct {
	Feature   Feature
	Limit     int
	Current   int
	Requested int
	// Concurrency is set when the denial came from a concurrent-work cap.
	Concurrency bool
}

func (e *QuotaError) Error() string {
	if e.Concurrency {
		return fmt.Sprintf("%s limit reached: %d of %d in use", e.Feature, e.Current, e.Limit)
	}
	return fmt.Sprintf("%s limit reached: used %d of %d, requested %d", e.Feature, e.Current, e.Limit, e.Requested)
}

// Is matches ErrQuotaExceeded or ErrConcurrencyLimitExceeded.
func (e *QuotaError) Is(target error) bool {
	if e.Concurrency {
		return target == ErrConcurrencyLimitExceeded
	}
	return target == ErrQuotaExceeded
}

// TransientError marks a failure worth retrying.
type TransientError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// MissingIDsError lists ids that were not found or not owned by the caller.
type MissingIDsError struct {
	IDs []string
}

func (e *MissingIDsError) Error() string {
	return fmt.Sprintf("products not found: %s", strings.Join(e.IDs, ", "))
}

// Is matches ErrNotFound.
func (e *MissingIDsError) Is(target error) bool {
	return target == ErrNotFound
}

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
