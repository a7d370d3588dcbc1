package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/compreg/bus"
	"github.com/vinayprograms/compreg/logging"
	"github.com/vinayprograms/compreg/registry"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// SubjectPrefix is the subject prefix for heartbeat messages.
const SubjectPrefix = "heartbeat."

// Heartbeat is a single liveness signal from a component.
type Heartbeat struct {
	// Identity of the sending component.
	Identity registry.Identity `json:"identity"`

	// Timestamp when the heartbeat was generated.
	Timestamp time.Time `json:"timestamp"`

	// Snapshot is the component's self-reported state.
	Snapshot registry.Snapshot `json:"snapshot"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal deserializes a heartbeat from JSON.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	if h.Identity.IsZero() {
		return nil, errors.New("heartbeat without identity")
	}
	return &h, nil
}

// Subject returns the subject a heartbeat for id is published on.
func Subject(registryName string, id registry.Identity) string {
	return SubjectPrefix + bus.Token(registryName) + "." + id.Token()
}

// Wildcard returns the subject pattern matching every heartbeat for
// registryName.
func Wildcard(registryName string) string {
	return SubjectPrefix + bus.Token(registryName) + ".>"
}

// Sink receives decoded heartbeats.
type Sink interface {
	UpdateHeartbeat(ctx context.Context, id registry.Identity, snap registry.Snapshot) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, id registry.Identity, snap registry.Snapshot) error

// UpdateHeartbeat implements Sink.
func (f SinkFunc) UpdateHeartbeat(ctx context.Context, id registry.Identity, snap registry.Snapshot) error {
	return f(ctx, id, snap)
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus is the message bus for publishing heartbeats.
	Bus bus.MessageBus

	// Registry is the name of the registry the component registered with.
	Registry string

	// Identity of this component.
	Identity registry.Identity

	// Interval between heartbeats. It should match the heartbeat period
	// the component registered with.
	// Default: 5 seconds
	Interval time.Duration

	// Logger for publish failures. Default: no-op
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil || c.Registry == "" || c.Identity.Type == "" || c.Identity.Name == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval: 5 * time.Second,
	}
}

// ListenerConfig configures a heartbeat listener.
type ListenerConfig struct {
	// Bus is the message bus for subscribing to heartbeats.
	Bus bus.MessageBus

	// Registry is the name of the receiving registry.
	Registry string

	// Sink receives every decoded heartbeat.
	Sink Sink

	// Timeout bounds each Sink call.
	// Default: 5 seconds
	Timeout time.Duration

	// Logger for rejected heartbeats. Default: no-op
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *ListenerConfig) Validate() error {
	if c.Bus == nil || c.Registry == "" || c.Sink == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultListenerConfig returns configuration with sensible defaults.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		Timeout: 5 * time.Second,
	}
}
