package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrValidation      = errors.New("validation failed")
	ErrConflict        = errors.New("conflict")
	ErrAlreadyExists   = errors.New("already exists")
	ErrAlreadyOnTarget = errors.New("already on target")
)

// ValidationError describes malformed client input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid is shorthand for a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Conflict reasons.
const (
	ReasonVersionMismatch        = "version_mismatch"
	ReasonConcurrentModification = "concurrent_modification"
	ReasonEmptyStash             = "empty_stash"
)

// ConflictError is returned when a write lost against another writer or the
// caller's expected version is stale. ServerVersion is the authoritative
// version at the time of the failure so the client can reload and retry.
type ConflictError struct {
	ServerVersion int64
	// YourVersion is the version the caller sent, nil if it sent none.
	YourVersion *int64
	Reason      string
}

func (e *ConflictError) Error() string {
	switch e.Reason {
	case ReasonEmptyStash:
		return "main stash is empty while live content is not; refusing to switch"
	case ReasonConcurrentModification:
		return fmt.Sprintf("prototype was modified concurrently (server version %d)", e.ServerVersion)
	}
	if e.YourVersion != nil {
		return fmt.Sprintf("version conflict: server has %d, you have %d", e.ServerVersion, *e.YourVersion)
	}
	return fmt.Sprintf("version conflict: server has %d", e.ServerVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// AsConflict unwraps a *ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
