// Package errs defines the typed error taxonomy shared by the sync engine
// and the control API.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Well-known error codes recorded on failed sync logs.
const (
	// CodeCancelled marks a log failed by a cooperative cancel request
	CodeCancelled = "cancelled"

	// CodeStalled marks a log failed by the staleness sweep
	CodeStalled = "stalled"

	// CodeNetwork is a transient network/timeout failure from the fetch client
	CodeNetwork = "network"

	// CodeRateLimited is a transient rate-limit rejection from the fetch client
	CodeRateLimited = "rate-limited"

	// CodeUpstream is a transient 5xx-equivalent failure from the fetch client
	CodeUpstream = "upstream"

	// CodeAuth is a permanent authentication/authorization failure
	CodeAuth = "auth"

	// CodeMalformed is a permanent malformed-data validation failure
	CodeMalformed = "malformed-data"
)

// ValidationError indicates a malformed request. Never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidation creates a ValidationError.
func NewValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ConflictError indicates the at-most-one-active-job invariant would be
// violated. Callers should poll and retry.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// NewConflict creates a ConflictError.
func NewConflict(format string, args ...any) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError indicates an unknown job, log, or entity.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// NewNotFound creates a NotFoundError.
func NewNotFound(format string, args ...any) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// InvalidStateError indicates an operation that is not legal in the target's
// current state, e.g. retrying an entity that already has an active job.
type InvalidStateError struct {
	Message string
}

func (e *InvalidStateError) Error() string { return e.Message }

// NewInvalidState creates an InvalidStateError.
func NewInvalidState(format string, args ...any) *InvalidStateError {
	return &InvalidStateError{Message: fmt.Sprintf(format, args...)}
}

// FetchError is a classified failure from the fetch collaborator. Transient
// fetch errors are retried per the retry policy; permanent ones are not.
type FetchError struct {
	Code      string
	Message   string
	Friendly  string
	Transient bool
	Err       error
}

func (e *FetchError) Error() string { return e.Message }

func (e *FetchError) Unwrap() error { return e.Err }

// FriendlyMessage returns the operator-facing description. Permanent fetch
// errors always carry one; for others it falls back to the raw message.
func (e *FetchError) FriendlyMessage() string {
	if e.Friendly != "" {
		return e.Friendly
	}
	return e.Message
}

// NewTransientFetch wraps err as a retryable fetch failure.
func NewTransientFetch(code string, err error) *FetchError {
	return &FetchError{
		Code:      code,
		Message:   err.Error(),
		Transient: true,
		Err:       err,
	}
}

// NewPermanentFetch wraps err as a non-retryable fetch failure. The friendly
// string is required because the raw error is usually an internal detail.
func NewPermanentFetch(code, friendly string, err error) *FetchError {
	return &FetchError{
		Code:     code,
		Message:  err.Error(),
		Friendly: friendly,
		Err:      err,
	}
}

// NewStalled builds the failure recorded when the staleness sweep reclaims a
// job with no progress updates. Treated as transient.
func NewStalled(jobID string) *FetchError {
	return &FetchError{
		Code:      CodeStalled,
		Message:   fmt.Sprintf("job %s made no progress within the staleness window", jobID),
		Friendly:  "The sync stopped reporting progress and was restarted automatically.",
		Transient: true,
	}
}

// IsTransient reports whether err is a fetch failure eligible for retry.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return false
}

// Code extracts the error code from a classified fetch failure, or returns
// fallback for anything else.
func Code(err error, fallback string) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fallback
}

// HTTPStatus maps a typed error to its control-API status code.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		conflict   *ConflictError
		notFound   *NotFoundError
		invalid    *InvalidStateError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &invalid):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
