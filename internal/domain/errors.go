package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	// ErrForbidden is a validation failure caused by the actor, not the input.
	ErrForbidden = fmt.Errorf("%w: forbidden", ErrValidation)
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	ErrStoreUnavailable  = errors.New("durable store unavailable")
	ErrCacheUnavailable  = errors.New("cache unavailable")
	ErrNotifyUnavailable = errors.New("notifier unavailable")
)

// Invalid returns a validation error carrying a reason.
func Invalid(reason string) error {
	return &reasonError{kind: ErrValidation, reason: reason}
}

// Forbidden returns an authorization error carrying a reason.
func Forbidden(reason string) error {
	return &reasonError{kind: ErrForbidden, reason: reason}
}

type reasonError struct {
	kind   error
	reason string
}

func (e *reasonError) Error() string { return e.reason }
func (e *reasonError) Unwrap() error { return e.kind }
