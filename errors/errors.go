package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Error is a structured registry error. It carries a code that survives a
// round trip through the call dispatcher, so a caller can test for
// ALREADY_EXISTS or ACCESS_DENIED raised on a remote registry.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on category
	timestamp time.Time
	identity  string // component identity the error concerns
	peer      string // remote registry or handle involved, if any
}

var (
	_ error            = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable reports whether the operation may succeed on retry.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// Identity returns the component identity the error concerns, if set.
func (e *Error) Identity() string {
	return e.identity
}

// Peer returns the remote peer involved, if set.
func (e *Error) Peer() string {
	return e.peer
}

type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp string            `json:"timestamp,omitempty"`
	Identity  string            `json:"identity,omitempty"`
	Peer      string            `json:"peer,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		Identity:  e.identity,
		Peer:      e.peer,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	if e.category == "" {
		e.category = j.Code.DefaultCategory()
	}
	e.message = j.Message
	e.metadata = j.Metadata
	e.identity = j.Identity
	e.peer = j.Peer
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithIdentity records the component identity the error concerns.
func WithIdentity(id string) Option {
	return func(e *Error) {
		e.identity = id
	}
}

// WithPeer records the remote peer involved.
func WithPeer(peer string) Option {
	return func(e *Error) {
		e.peer = peer
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

func AccessDenied(message string, opts ...Option) *Error {
	return New(ErrCodeAccessDenied, message, opts...)
}

func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

func AlreadyExists(message string, opts ...Option) *Error {
	return New(ErrCodeAlreadyExists, message, opts...)
}

// Timeout creates a timeout error. A timeout never means the remote side
// effect did not happen.
func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

func Unreachable(message string, opts ...Option) *Error {
	return New(ErrCodeUnreachable, message, opts...)
}

func Exhausted(message string, opts ...Option) *Error {
	return New(ErrCodeExhausted, message, opts...)
}

func MalformedConstraint(message string, opts ...Option) *Error {
	return New(ErrCodeMalformedConstraint, message, opts...)
}

func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// MethodNotFound reports a method that could not be resolved for the given
// argument shape.
func MethodNotFound(method, signature string) *Error {
	return New(ErrCodeMethodNotFound, fmt.Sprintf("no method %s%s", method, signature),
		WithMetadata("method", method))
}

func Closed(what string) *Error {
	return New(ErrCodeClosed, what+" closed")
}

func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
