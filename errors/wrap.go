package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil. A structured error keeps its code;
// context errors become TIMEOUT or CANCELED; anything else is INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var se *Error
	if errors.As(err, &se) {
		wrapped := &Error{
			code:      se.code,
			category:  se.category,
			message:   message,
			cause:     err,
			metadata:  se.Metadata(),
			retryable: se.retryable,
			timestamp: se.timestamp,
			identity:  se.identity,
			peer:      se.peer,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// As extracts the structured error from an error chain, or nil.
func As(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	return Code(err) == code && code != ""
}

// IsRetryable checks if an error is retryable. Unstructured errors are not.
func IsRetryable(err error) bool {
	if se := As(err); se != nil {
		return se.Retryable()
	}
	return false
}

// Code extracts the error code from an error, if available.
// Returns empty string if err is not a structured error.
func Code(err error) ErrorCode {
	if se := As(err); se != nil {
		return se.code
	}
	return ""
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
