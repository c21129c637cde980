package security

import (
	"errors"
	"fmt"

	"github.com/dshills/mercury/internal/plugin/manifest"
)

// Permission errors.
var (
	// ErrPermissionDenied is returned when a declared permission is rejected.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnknownPermissionType is returned for a permission type with no checker.
	ErrUnknownPermissionType = errors.New("unknown permission type")

	// ErrGrantNotFound is returned when a grant id does not exist.
	ErrGrantNotFound = errors.New("permission grant not found")

	// ErrGrantNotPending is returned when approving or denying a settled grant.
	ErrGrantNotPending = errors.New("permission grant is not pending")
)

// DeniedError describes a rejected permission declaration.
type DeniedError struct {
	Permission manifest.Permission
	Reason     string
	Err        error
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission %s denied: %s", e.Permission, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *DeniedError) Unwrap() error {
	return e.Err
}

// Is reports true for ErrPermissionDenied regardless of the cause.
func (e *DeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}

func deny(p manifest.Permission, err error) *DeniedError {
	return &DeniedError{Permission: p, Reason: err.Error(), Err: err}
}
