package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: call timeouts, unreachable hosts or peers.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: bad credentials, unknown identities, name collisions.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates an exhausted budget or capacity.
	// Examples: restart attempts used up, no free connection slots.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
// Resource errors are not retryable here: an exhausted restart budget stays
// exhausted until the component re-registers.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes used across the registry.
const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Call deadline exceeded, outcome unknown
	ErrCodeUnreachable ErrorCode = "UNREACHABLE" // Host or peer not contactable

	// Permanent errors
	ErrCodeAccessDenied        ErrorCode = "ACCESS_DENIED"        // Bad credential or unauthorized registry
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"            // Unknown identity, type or host
	ErrCodeAlreadyExists       ErrorCode = "ALREADY_EXISTS"       // Name collision
	ErrCodeMalformedConstraint ErrorCode = "MALFORMED_CONSTRAINT" // Constraint list cannot be parsed
	ErrCodeInvalidInput        ErrorCode = "INVALID_INPUT"        // Malformed request
	ErrCodeMethodNotFound      ErrorCode = "METHOD_NOT_FOUND"     // No method matches name and arguments
	ErrCodeCallFailed          ErrorCode = "CALL_FAILED"          // Remote method returned an error
	ErrCodeCanceled            ErrorCode = "CANCELED"             // Operation was canceled
	ErrCodeClosed              ErrorCode = "CLOSED"               // Component already closed

	// Resource errors
	ErrCodeExhausted ErrorCode = "EXHAUSTED" // Recovery attempts or capacity exhausted

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnreachable:
		return CategoryTransient

	case ErrCodeAccessDenied, ErrCodeNotFound, ErrCodeAlreadyExists,
		ErrCodeMalformedConstraint, ErrCodeInvalidInput, ErrCodeMethodNotFound,
		ErrCodeCallFailed, ErrCodeCanceled, ErrCodeClosed:
		return CategoryPermanent

	case ErrCodeExhausted:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:             "call timed out, outcome unknown",
	ErrCodeUnreachable:         "host or peer unreachable",
	ErrCodeAccessDenied:        "access denied",
	ErrCodeNotFound:            "not found",
	ErrCodeAlreadyExists:       "name already in use",
	ErrCodeMalformedConstraint: "malformed constraint",
	ErrCodeInvalidInput:        "invalid input",
	ErrCodeMethodNotFound:      "method not found",
	ErrCodeCallFailed:          "remote call failed",
	ErrCodeCanceled:            "operation canceled",
	ErrCodeClosed:              "closed",
	ErrCodeExhausted:           "attempts exhausted",
	ErrCodeInternal:            "internal error",
	ErrCodePanic:               "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
