package retry

import (
	stderrors "errors"
	"fmt"
)

// Reason classifies a failed Result.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonRetryable is an expected transient failure.
	ReasonRetryable
	// ReasonFatal is serious but still retried until the limit is reached.
	ReasonFatal
	// ReasonUnrecoverable is never retried.
	ReasonUnrecoverable
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRetryable:
		return "retryable"
	case ReasonFatal:
		return "fatal"
	case ReasonUnrecoverable:
		return "unrecoverable"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Result is what a stage returns: a value or a classified failure.
type Result[T any] struct {
	value      T
	reason     Reason
	message    string
	cause      error
	stateCount *int
}

func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

func Retryable[T any](format string, args ...any) Result[T] {
	return failure[T](ReasonRetryable, format, args...)
}

func Fatal[T any](format string, args ...any) Result[T] {
	return failure[T](ReasonFatal, format, args...)
}

func Unrecoverable[T any](format string, args ...any) Result[T] {
	return failure[T](ReasonUnrecoverable, format, args...)
}

func failure[T any](reason Reason, format string, args ...any) Result[T] {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return Result[T]{reason: reason, message: msg}
}

// FromError adapts a Go (value, error) pair. Errors marked with Permanent
// and unrecoverable StateErrors become unrecoverable; any other error is
// retryable.
func FromError[T any](v T, err error) Result[T] {
	if err == nil {
		return Ok(v)
	}
	reason := ReasonRetryable
	var perm *permanentError
	if stderrors.As(err, &perm) || IsUnrecoverable(err) {
		reason = ReasonUnrecoverable
	}
	r := Result[T]{reason: reason, message: err.Error(), cause: err}
	if se, ok := AsStateError(err); ok {
		r.message = se.Message
		r = r.WithStateCount(se.StateCount)
	}
	return r
}

// WithCause attaches the underlying error to a failed result.
func (r Result[T]) WithCause(err error) Result[T] {
	r.cause = err
	return r
}

// WithStateCount pins the attempt count used for the retry limit check.
// Without it the count of the entity handed to the stage is used.
func (r Result[T]) WithStateCount(n int) Result[T] {
	r.stateCount = &n
	return r
}

func (r Result[T]) Succeeded() bool { return r.reason == ReasonNone }
func (r Result[T]) Value() T        { return r.value }
func (r Result[T]) Reason() Reason  { return r.reason }
func (r Result[T]) Message() string { return r.message }
func (r Result[T]) Cause() error    { return r.cause }

// Permanent marks err as unrecoverable for FromError and SyncErr stages.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }
