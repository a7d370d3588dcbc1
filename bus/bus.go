// Package bus provides the message bus the registry and its components talk
// over. Component handles are bus subjects; dispatcher calls are
// request/reply exchanges; heartbeats are plain publishes.
package bus

import (
	"context"
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrNoResponders   = errors.New("no responders")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte

	// Reply is the reply subject for request/reply pattern.
	// Empty for regular pub/sub messages.
	Reply string
}

// MessageBus provides pub/sub and request/reply messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to a subject. The subject may use
	// the wildcards "*" (one token) and ">" (remaining tokens).
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe creates a queue subscription.
	// Messages are load-balanced across queue members.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Request sends a request and waits for a single reply until ctx is done.
	// Returns ErrTimeout when the ctx deadline passes, ErrNoResponders when
	// nobody listens on subject.
	Request(ctx context.Context, subject string, data []byte) (*Message, error)

	// Close shuts down the bus connection.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks that a subscription subject is well formed:
// non-empty dot-separated tokens without whitespace, "*" and ">" only as
// whole tokens, and ">" only last.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		switch {
		case tok == "":
			return ErrInvalidSubject
		case tok == ">" && i != len(tokens)-1:
			return ErrInvalidSubject
		case tok != "*" && tok != ">" && strings.ContainsAny(tok, "*>"):
			return ErrInvalidSubject
		}
	}
	return nil
}

// ValidatePublishSubject checks a concrete subject: valid and wildcard free.
func ValidatePublishSubject(subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if strings.ContainsAny(subject, "*>") {
		return ErrInvalidSubject
	}
	return nil
}

// SubjectMatches reports whether subject is matched by pattern using the
// NATS wildcard rules.
func SubjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// Token makes s safe to use as a single subject token.
func Token(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
