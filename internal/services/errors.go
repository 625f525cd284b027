package services

import (
	"errors"
	"fmt"

	"gotow/internal/repositories/interfaces"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrInvalidState     = errors.New("operation not allowed in current request state")
	ErrAlreadyAccepted  = errors.New("request already accepted")
	ErrDuplicateQuote   = errors.New("driver already quoted this request")
	ErrQuoteNotFound    = errors.New("driver has not quoted this request")
	ErrForbidden        = errors.New("caller may not perform this operation")
	ErrStoreUnavailable = errors.New("request store unavailable")
	ErrRequestNotFound  = errors.New("request not found")
	ErrDriverBusy       = errors.New("driver is serving another request")
)

// storeError maps repository failures onto the service taxonomy.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrRequestNotFound)
	case errors.Is(err, interfaces.ErrStoreUnavailable):
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// validationError wraps field-level details so callers can match
// ErrValidation and still reach the details with errors.As.
type validationError struct {
	cause error
}

func (e *validationError) Error() string {
	return fmt.Sprintf("%s: %v", ErrValidation, e.cause)
}

func (e *validationError) Unwrap() []error {
	return []error{ErrValidation, e.cause}
}

func newValidationError(cause error) error {
	return &validationError{cause: cause}
}
