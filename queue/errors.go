package queue

import (
	"context"
	"fmt"

	"github.com/emberworks/cadent/errors"
)

// ErrorKind classifies a job failure for the retry policy.
//
// The scheduler's retry-or-terminal decision depends only on the kind:
// transient failures consume one attempt and are rescheduled with
// backoff, permanent and auth failures are terminal on first sight.
type ErrorKind string

const (
	// ErrorKindTransient covers network failures, timeouts, and rate
	// limits: conditions expected to clear on their own.
	ErrorKindTransient ErrorKind = "transient"

	// ErrorKindPermanent covers malformed payloads, unknown job types,
	// and business-rule rejections: retrying cannot help.
	ErrorKindPermanent ErrorKind = "permanent"

	// ErrorKindAuth covers unrefreshable or revoked credentials. The
	// job fails terminally and carries a reauthorization marker so the
	// owning collaborator can surface it to its user.
	ErrorKindAuth ErrorKind = "auth"
)

// JobError is the structured failure record stored in a job's last_error
// column. It is a value, not an exception: handlers return it (or any
// error, which gets classified) and the scheduler applies policy to it.
type JobError struct {
	Kind         ErrorKind `json:"kind"`
	Message      string    `json:"message"`
	Detail       string    `json:"detail,omitempty"`
	ReauthNeeded bool      `json:"reauth_needed,omitempty"`
}

// Error implements the error interface
func (e *JobError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the scheduler may consume an attempt and
// reschedule, as opposed to failing the job terminally.
func (e *JobError) Retryable() bool {
	return e.Kind == ErrorKindTransient
}

// Transient wraps an error as a retryable job failure
func Transient(err error) *JobError {
	return &JobError{Kind: ErrorKindTransient, Message: err.Error()}
}

// Transientf creates a retryable job failure with a formatted message
func Transientf(format string, args ...interface{}) *JobError {
	return &JobError{Kind: ErrorKindTransient, Message: fmt.Sprintf(format, args...)}
}

// Permanent wraps an error as a terminal job failure
func Permanent(err error) *JobError {
	return &JobError{Kind: ErrorKindPermanent, Message: err.Error()}
}

// Permanentf creates a terminal job failure with a formatted message
func Permanentf(format string, args ...interface{}) *JobError {
	return &JobError{Kind: ErrorKindPermanent, Message: fmt.Sprintf(format, args...)}
}

// Auth wraps an error as a terminal authorization failure. The stored
// record carries the reauthorization marker.
func Auth(err error) *JobError {
	return &JobError{Kind: ErrorKindAuth, Message: err.Error(), ReauthNeeded: true}
}

// Classify maps an arbitrary handler error onto the taxonomy.
//
// Explicit *JobError values pass through untouched so handlers stay in
// control of their own classification. Everything else is mapped by
// sentinel: auth sentinels to auth, unknown-job-type to permanent,
// context deadline to transient (a timeout), and any unrecognized error
// to transient, which errs on the side of retrying.
func Classify(err error) *JobError {
	if err == nil {
		return nil
	}

	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr
	}

	switch {
	case errors.Is(err, errors.ErrReauthRequired), errors.Is(err, errors.ErrInvalidGrant):
		return Auth(err)
	case errors.Is(err, errors.ErrUnknownJobType):
		return Permanent(err)
	case errors.Is(err, context.DeadlineExceeded):
		return &JobError{Kind: ErrorKindTransient, Message: "handler timed out", Detail: err.Error()}
	default:
		return Transient(err)
	}
}
