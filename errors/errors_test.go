package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// ============================================================================
// 1. Creation and categories
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		wantCategory ErrorCategory
		wantRetry    bool
	}{
		{"timeout", ErrCodeTimeout, CategoryTransient, true},
		{"unreachable", ErrCodeUnreachable, CategoryTransient, true},
		{"access_denied", ErrCodeAccessDenied, CategoryPermanent, false},
		{"already_exists", ErrCodeAlreadyExists, CategoryPermanent, false},
		{"malformed", ErrCodeMalformedConstraint, CategoryPermanent, false},
		{"exhausted", ErrCodeExhausted, CategoryResource, false},
		{"internal", ErrCodeInternal, CategoryInternal, false},
		{"unknown", ErrorCode("BOGUS"), CategoryInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom")
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Retryable() != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", err.Retryable(), tt.wantRetry)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err  *Error
		code ErrorCode
	}{
		{AccessDenied("x"), ErrCodeAccessDenied},
		{NotFound("x"), ErrCodeNotFound},
		{AlreadyExists("x"), ErrCodeAlreadyExists},
		{Timeout("x"), ErrCodeTimeout},
		{Unreachable("x"), ErrCodeUnreachable},
		{Exhausted("x"), ErrCodeExhausted},
		{MalformedConstraint("x"), ErrCodeMalformedConstraint},
		{InvalidInput("x"), ErrCodeInvalidInput},
		{MethodNotFound("ping", "(string)"), ErrCodeMethodNotFound},
		{Closed("bus"), ErrCodeClosed},
		{Internal("x"), ErrCodeInternal},
	}
	for _, tt := range tests {
		if tt.err.Code() != tt.code {
			t.Errorf("constructor produced %v, want %v", tt.err.Code(), tt.code)
		}
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeAlreadyExists, WithIdentity("Foo/A"))
	if err.Error() != "name already in use" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.Identity() != "Foo/A" {
		t.Errorf("Identity() = %q", err.Identity())
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := Timeout("probe", WithRetryable(false))
	if err.Retryable() {
		t.Error("override should make timeout non-retryable")
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := NotFound("x", WithMetadata("host", "h1"))
	m := err.Metadata()
	m["host"] = "changed"
	if err.Metadata()["host"] != "h1" {
		t.Error("Metadata() must return a copy")
	}
}

// ============================================================================
// 2. Wrapping and inspection
// ============================================================================

func TestWrapPreservesCode(t *testing.T) {
	base := AlreadyExists("Foo/A taken", WithPeer("registry.b"))
	wrapped := Wrap(base, "register")
	if !Is(wrapped, ErrCodeAlreadyExists) {
		t.Fatal("wrapped error lost its code")
	}
	if wrapped.Peer() != "registry.b" {
		t.Errorf("Peer() = %q", wrapped.Peer())
	}
	if !errors.Is(wrapped, base) {
		t.Error("errors.Is should find the base error")
	}
}

func TestWrapContextErrors(t *testing.T) {
	if Code(Wrap(context.DeadlineExceeded, "call")) != ErrCodeTimeout {
		t.Error("deadline exceeded should map to TIMEOUT")
	}
	if Code(Wrap(context.Canceled, "call")) != ErrCodeCanceled {
		t.Error("canceled should map to CANCELED")
	}
	if Code(Wrap(fmt.Errorf("plain"), "call")) != ErrCodeInternal {
		t.Error("plain error should map to INTERNAL")
	}
	if Wrap(nil, "nothing") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestWrapWithCode(t *testing.T) {
	err := WrapWithCode(fmt.Errorf("dial tcp: refused"), ErrCodeUnreachable, "peer down")
	if !Is(err, ErrCodeUnreachable) || !IsRetryable(err) {
		t.Errorf("unexpected %v", err)
	}
	if WrapWithCode(nil, ErrCodeUnreachable, "x") != nil {
		t.Error("nil in, nil out")
	}
}

func TestInspectPlainError(t *testing.T) {
	plain := fmt.Errorf("plain")
	if Code(plain) != "" || Is(plain, "") || IsRetryable(plain) || As(plain) != nil {
		t.Error("plain errors carry no structure")
	}
	wrapped := fmt.Errorf("outer: %w", NotFound("Foo/A"))
	if !Is(wrapped, ErrCodeNotFound) {
		t.Error("Is should see through fmt wrapping")
	}
}

// ============================================================================
// 3. Wire round trip
// ============================================================================

func TestJSONRoundTrip(t *testing.T) {
	orig := AccessDenied("bad password", WithIdentity("Foo/A"), WithCause(fmt.Errorf("mismatch")))
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatal(err)
	}
	var got Error
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Code() != ErrCodeAccessDenied || got.Identity() != "Foo/A" {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.Error() != "bad password: mismatch" {
		t.Errorf("Error() = %q", got.Error())
	}
}

func TestUnmarshalDefaultsCategory(t *testing.T) {
	var got Error
	if err := json.Unmarshal([]byte(`{"code":"UNREACHABLE","message":"x","retryable":true}`), &got); err != nil {
		t.Fatal(err)
	}
	if got.Category() != CategoryTransient {
		t.Errorf("Category() = %v", got.Category())
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("nil panic value should give nil")
	}
	err := RecoverPanic("kaboom")
	if err.Code() != ErrCodePanic || err.Error() != "kaboom" {
		t.Errorf("unexpected %v", err)
	}
}
