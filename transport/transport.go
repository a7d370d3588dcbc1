package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Common errors.
var (
	ErrClosed      = errors.New("transport closed")
	ErrSendTimeout = errors.New("send timeout")
)

// Transport provides bidirectional JSON-RPC message passing.
type Transport interface {
	// Recv returns channel for incoming messages.
	// Channel is closed when transport shuts down.
	Recv() <-chan *InboundMessage

	// Send queues a message for delivery.
	// Returns ErrClosed if transport is closed.
	Send(msg *OutboundMessage) error

	// Run starts the transport, blocks until ctx cancelled or error.
	// Returns nil on graceful shutdown, error otherwise.
	Run(ctx context.Context) error

	// Close initiates graceful shutdown.
	// Drains pending sends before returning.
	Close() error
}

// InboundMessage wraps an incoming JSON-RPC message. Exactly one of
// Request, Response and Notification is set.
type InboundMessage struct {
	// Request is set if this is a call expecting a reply (has ID and method).
	Request *Request

	// Response is set if this is a reply to one of our requests.
	Response *Response

	// Notification is set if this is a notification (no ID).
	Notification *Notification

	// Raw contains the original bytes.
	Raw json.RawMessage
}

// OutboundMessage wraps an outgoing JSON-RPC message.
type OutboundMessage struct {
	// Request is set when calling the remote side.
	Request *Request

	// Response is set when replying to a request.
	Response *Response

	// Notification is set when sending an unsolicited notification.
	Notification *Notification
}

// ParseInbound parses raw JSON into an InboundMessage.
func ParseInbound(data []byte) (*InboundMessage, error) {
	var raw struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}

	if raw.JSONRPC != Version {
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be 2.0"}
	}

	msg := &InboundMessage{Raw: data}
	hasID := len(raw.ID) > 0 && string(raw.ID) != "null"

	switch {
	case raw.Method == "":
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
		}
		msg.Response = &resp
	case hasID:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
		}
		msg.Request = &req
	default:
		var notif Notification
		if err := json.Unmarshal(data, &notif); err != nil {
			return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
		}
		msg.Notification = &notif
	}

	return msg, nil
}

// MarshalOutbound serializes an OutboundMessage to JSON.
func MarshalOutbound(msg *OutboundMessage) ([]byte, error) {
	switch {
	case msg.Request != nil:
		return json.Marshal(msg.Request)
	case msg.Response != nil:
		return json.Marshal(msg.Response)
	case msg.Notification != nil:
		return json.Marshal(msg.Notification)
	}
	return nil, errors.New("empty outbound message")
}

// Config holds common transport configuration.
type Config struct {
	// RecvBufferSize is the size of the receive channel buffer.
	// Default: 100
	RecvBufferSize int

	// SendBufferSize is the size of the internal send buffer.
	// Default: 100
	SendBufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecvBufferSize: 100,
		SendBufferSize: 100,
	}
}
