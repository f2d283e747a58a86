package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrMandateNotActive       = errors.New("mandate not active")
	ErrDuplicateActiveMandate = errors.New("an active mandate already exists for payer and bank identifier")
	ErrInvalidMandate         = errors.New("invalid mandate")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrAlreadyClaimed         = errors.New("invoice already claimed")
	ErrNotClaimed             = errors.New("invoice not claimed by batch")
	ErrDuplicateBatch         = errors.New("batch already exists for scheduling window")
	ErrConcurrencyConflict    = errors.New("concurrency conflict")
	ErrSequenceConflict       = errors.New("sequence conflict")
	// ErrMandateInUse: the mandate has provisional usages in another open batch.
	ErrMandateInUse = errors.New("mandate in use by another open batch")
	ErrCoverageGap            = errors.New("coverage gap")
	ErrConfiguration          = errors.New("invalid configuration")
)

// ConfigurationError describes an invalid configuration value.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// IsTransient reports whether the operation may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
