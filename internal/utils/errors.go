package utils

import (
	"fmt"
	"time"
)

// ValidationError represents an error occurring during record validation.
// It is always scoped to a single record and never aborts a collection run.
type ValidationError struct {
	Field   string
	Message string
}

// Error returns the error message string.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %q: %s", e.Field, e.Message)
	}
	return e.Message
}

// NewValidationError creates a new ValidationError with a specific message.
func NewValidationError(message string) error {
	return &ValidationError{Message: message}
}

// NewValidationErrorf creates a new ValidationError with a formatted message.
func NewValidationErrorf(format string, args ...interface{}) error {
	return NewValidationError(fmt.Sprintf(format, args...))
}

// NewFieldValidationError creates a ValidationError carrying the offending field.
func NewFieldValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// TransportError represents a network-level failure talking to the upstream
// provider: timeouts, connection resets, 5xx responses. Transport errors are
// absorbed by the circuit breaker and retried on the next scheduled run.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error during %s (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a TransportError for the given operation.
func NewTransportError(op string, statusCode int, err error) error {
	return &TransportError{Op: op, StatusCode: statusCode, Err: err}
}

// RateLimitError represents a 429 from the provider or a locally enforced
// daily cap. Until carries the instant after which requests may resume;
// RetryAfter carries the provider hint when one was present.
type RateLimitError struct {
	Resource   string
	Until      time.Time
	RetryAfter time.Duration
	Daily      bool
}

func (e *RateLimitError) Error() string {
	if e.Daily {
		return fmt.Sprintf("daily request limit reached for %s, resets at %s", e.Resource, e.Until.Format(time.RFC3339))
	}
	return fmt.Sprintf("rate limit active for %s until %s", e.Resource, e.Until.Format(time.RFC3339))
}

// NewRateLimitError creates a RateLimitError for a backoff window.
func NewRateLimitError(resource string, until time.Time, retryAfter time.Duration) error {
	return &RateLimitError{Resource: resource, Until: until, RetryAfter: retryAfter}
}

// NewDailyLimitError creates a RateLimitError for an exhausted daily cap.
func NewDailyLimitError(resource string, resetsAt time.Time) error {
	return &RateLimitError{Resource: resource, Until: resetsAt, Daily: true}
}

// IntegrityError represents a storage constraint violation other than the
// expected dedup conflict, e.g. a missing foreign key after discovery.
// Integrity errors are per-record: the record is skipped and logged.
type IntegrityError struct {
	Table string
	Key   string
	Err   error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s (%s): %v", e.Table, e.Key, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// NewIntegrityError wraps a constraint violation on the given table and key.
func NewIntegrityError(table, key string, err error) error {
	return &IntegrityError{Table: table, Key: key, Err: err}
}

// ConfigurationError represents an invalid configuration value detected at
// load or reload time. The loader substitutes a safe default and logs loudly;
// configuration errors never surface mid-run.
type ConfigurationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s=%v: %s", e.Field, e.Value, e.Message)
}

// NewConfigurationError creates a ConfigurationError for a named field.
func NewConfigurationError(field string, value interface{}, message string) error {
	return &ConfigurationError{Field: field, Value: value, Message: message}
}
