package types

import (
	"errors"
	"fmt"
)

// The error taxonomy below is what the HTTP layer maps to status codes:
// NotFound 404, InvalidState/Conflict/Policy 409, RateLimited/QueueFull 429,
// Validation 422, Query 500. Services return these for caller mistakes and
// wrap everything else with context.

// NotFoundError reports a missing job, thumbnail, or WAL maintenance row.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// NewNotFound builds a NotFoundError with a formatted message.
func NewNotFound(format string, args ...any) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports an illegal state-machine edge.
type InvalidStateError struct {
	Message string
}

func (e *InvalidStateError) Error() string { return e.Message }

// NewInvalidState builds an InvalidStateError with a formatted message.
func NewInvalidState(format string, args ...any) *InvalidStateError {
	return &InvalidStateError{Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports contention: admission mutex, wrong worker, or an
// expired lease.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// NewConflict builds a ConflictError with a formatted message.
func NewConflict(format string, args ...any) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// PolicyError reports a request refused by configuration: dry-run gates,
// disabled real delete, disabled truncate, unsupported media, path escapes.
type PolicyError struct {
	Message string
}

func (e *PolicyError) Error() string { return e.Message }

// NewPolicy builds a PolicyError with a formatted message.
func NewPolicy(format string, args ...any) *PolicyError {
	return &PolicyError{Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports malformed input: bad cursors, out-of-range
// progress, blank worker ids, unknown modes.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidation builds a ValidationError with a formatted message.
func NewValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// QueueFullError reports that thumbnail admission lost the capacity race.
type QueueFullError struct {
	Message string
}

func (e *QueueFullError) Error() string { return e.Message }

// NewQueueFull builds a QueueFullError with a formatted message.
func NewQueueFull(format string, args ...any) *QueueFullError {
	return &QueueFullError{Message: fmt.Sprintf(format, args...)}
}

// RateLimitedError reports a WAL checkpoint refused by the minimum-interval
// policy. RetryAfterSeconds is surfaced in the message and usable for a
// Retry-After header.
type RateLimitedError struct {
	Message           string
	RetryAfterSeconds int64
}

func (e *RateLimitedError) Error() string { return e.Message }

// NewRateLimited builds a RateLimitedError for a checkpoint attempt that
// must wait another waitSeconds.
func NewRateLimited(waitSeconds int64) *RateLimitedError {
	return &RateLimitedError{
		Message:           fmt.Sprintf("WAL checkpoint is rate-limited by policy, retry after %d seconds", waitSeconds),
		RetryAfterSeconds: waitSeconds,
	}
}

// QueryError reports corrupt data discovered during a read, e.g. an unknown
// hash algorithm string inside duplicate group rows.
type QueryError struct {
	Message string
}

func (e *QueryError) Error() string { return e.Message }

// NewQueryError builds a QueryError with a formatted message.
func NewQueryError(format string, args ...any) *QueryError {
	return &QueryError{Message: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsPolicy reports whether err is a PolicyError.
func IsPolicy(err error) bool {
	var target *PolicyError
	return errors.As(err, &target)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsQueueFull reports whether err is a QueueFullError.
func IsQueueFull(err error) bool {
	var target *QueueFullError
	return errors.As(err, &target)
}

// IsRateLimited reports whether err is a RateLimitedError.
func IsRateLimited(err error) bool {
	var target *RateLimitedError
	return errors.As(err, &target)
}

// IsQueryError reports whether err is a QueryError.
func IsQueryError(err error) bool {
	var target *QueryError
	return errors.As(err, &target)
}
