package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is returned when the record store cannot be read or written.
	ErrStoreUnavailable = errors.New("record store unavailable")
	// ErrSendFailure wraps a per-message delivery error.
	ErrSendFailure = errors.New("send failure")
	// ErrConfiguration is matched by every ConfigurationError.
	ErrConfiguration = errors.New("invalid configuration")
)

// ConfigurationError reports a single invalid option.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// RequirePositive returns a ConfigurationError when v is not positive.
func RequirePositive(field string, v int) error {
	if v <= 0 {
		return &ConfigurationError{Field: field, Reason: fmt.Sprintf("must be positive, got %d", v)}
	}
	return nil
}

// StoreError wraps err so that it matches ErrStoreUnavailable.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
