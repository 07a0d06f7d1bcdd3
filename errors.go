package settlement

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// Validation errors
	ErrInvalidAccount        = errors.New("settlement: invalid account id")
	ErrInvalidIdempotencyKey = errors.New("settlement: invalid idempotency key")
	ErrInvalidAmount         = errors.New("settlement: invalid amount")

	// Account errors
	ErrAccountNotFound = errors.New("settlement: account not found")

	// Outgoing settlement errors
	ErrLeaseExpired        = errors.New("settlement: lease expired or already committed")
	ErrEngineNotConfigured = errors.New("settlement: no settlement engine configured")
	ErrMessagesUnsupported = errors.New("settlement: engine does not handle messages")

	// Incoming settlement errors
	ErrNoCreditReady   = errors.New("settlement: no credit ready for retry")
	ErrCreditNotFound  = errors.New("settlement: credit not found")
	ErrNotifierMissing = errors.New("settlement: no connector configured")

	// Store errors
	ErrCorrupted         = errors.New("settlement: stored record failed validation")
	ErrStoreClosed       = errors.New("settlement: store is closed")
	ErrTransactionFailed = errors.New("settlement: transaction failed")
	ErrMigrationFailed   = errors.New("settlement: migration failed")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("settlement: coordinator already started")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("settlement: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap returns the sentinel the failure is classified under.
func (e ValidationError) Unwrap() error { return e.Err }

// CorruptedError reports a stored record that failed post-read validation.
func CorruptedError(record, key string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrCorrupted, record, key, cause)
	}
	return fmt.Errorf("%w: %s %q", ErrCorrupted, record, key)
}

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "settlement: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("settlement: %d errors occurred", len(e.Errors))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// IsValidation returns true if the error was caused by invalid input.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrInvalidAccount) ||
		errors.Is(err, ErrInvalidIdempotencyKey) ||
		errors.Is(err, ErrInvalidAmount)
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrCreditNotFound)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionFailed) ||
		errors.Is(err, ErrLeaseExpired)
}
