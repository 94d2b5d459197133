// Package errors provides error handling for cadent.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllDetails  = crdb.GetAllDetails
	GetAllHints    = crdb.GetAllHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace

// Common sentinel errors for use across cadent.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")

	// ErrInvalidTransition indicates a job state transition that the
	// lifecycle state machine does not permit (e.g., cancelling a job
	// that is already processing)
	ErrInvalidTransition = New("invalid state transition")

	// ErrUnknownJobType indicates a job whose type has no registered handler
	ErrUnknownJobType = New("unknown job type")

	// ErrInvalidGrant indicates the provider rejected a refresh token.
	// The credential cannot be refreshed again; the owner must reauthorize.
	ErrInvalidGrant = New("invalid grant")

	// ErrReauthRequired indicates a revoked credential: reauthorization
	// by the owner is required before the (owner, provider) pair can be
	// used again. Never retried.
	ErrReauthRequired = New("reauthorization required")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidTransitionError checks if an error is or wraps ErrInvalidTransition.
func IsInvalidTransitionError(err error) bool {
	return err != nil && Is(err, ErrInvalidTransition)
}

// IsReauthRequiredError checks if an error is or wraps ErrReauthRequired.
// Callers use this to route credentials to a "needs operator attention"
// path instead of a retry path.
func IsReauthRequiredError(err error) bool {
	return err != nil && Is(err, ErrReauthRequired)
}

// IsInvalidGrantError checks if an error is or wraps ErrInvalidGrant.
func IsInvalidGrantError(err error) bool {
	return err != nil && Is(err, ErrInvalidGrant)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
