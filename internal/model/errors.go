package model

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNotViable marks a contract that cannot produce a return figure
	// (premium too small or strike not above premium). Batch operations drop it.
	ErrNotViable = errors.New("contract not viable for return calculation")

	// ErrInvalidInput is the cause behind every ValidationError raised for malformed numbers.
	ErrInvalidInput = errors.New("invalid input")
)

// ValidationError reports caller input that the analytics engine refuses to compute on.
type ValidationError struct {
	Field  string
	Value  float64
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// NewValidationError builds a ValidationError caused by ErrInvalidInput.
func NewValidationError(field string, value float64, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RequireFinite returns a ValidationError when v is NaN or infinite.
func RequireFinite(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return NewValidationError(field, v, "must be finite")
	}
	return nil
}

// RequirePositive returns a ValidationError unless v is finite and strictly positive.
func RequirePositive(field string, v float64) error {
	if err := RequireFinite(field, v); err != nil {
		return err
	}
	if v <= 0 {
		return NewValidationError(field, v, "must be positive")
	}
	return nil
}

// Sanitize replaces NaN and infinities with zero.
func Sanitize(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
