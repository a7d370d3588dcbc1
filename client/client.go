// Package client is the component side of the registry protocol: a typed
// wrapper over a dispatcher aimed at one registry handle.
//
// The same client works over the message bus, where the registry can call
// the component back, and over a WebSocket connection to the daemon's /rpc
// endpoint, which carries calls to the registry only.
package client

import (
	"context"
	"io"
	"time"

	"github.com/vinayprograms/compreg/bus"
	"github.com/vinayprograms/compreg/constraint"
	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/registrar"
	"github.com/vinayprograms/compreg/registry"
	"github.com/vinayprograms/compreg/transport"
)

// Config configures a Client.
type Config struct {
	// Registry is the handle of the registry to talk to.
	Registry dispatch.Handle

	// Timeout bounds each call. Zero blocks until the context ends.
	Timeout time.Duration
}

// Client calls one registry.
type Client struct {
	disp    *dispatch.Dispatcher
	target  dispatch.Handle
	timeout time.Duration
	closer  io.Closer
}

// New creates a client that calls through d.
func New(d *dispatch.Dispatcher, cfg Config) (*Client, error) {
	if d == nil {
		return nil, errors.InvalidInput("client needs a dispatcher")
	}
	if err := cfg.Registry.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout < 0 {
		return nil, errors.InvalidInput("client timeout must not be negative")
	}
	return &Client{disp: d, target: cfg.Registry, timeout: cfg.Timeout}, nil
}

// NewBus creates a client that calls over b.
func NewBus(b bus.MessageBus, cfg Config) (*Client, error) {
	d := dispatch.New(dispatch.NewBusTransport(b), registrar.NewMethodTable(), dispatch.DefaultConfig())
	return New(d, cfg)
}

// DialWebSocket connects to a registry daemon's /rpc endpoint. The handle
// in cfg only labels calls; the connection itself selects the registry.
func DialWebSocket(ctx context.Context, url string, cfg Config, ws transport.WebSocketConfig) (*Client, error) {
	if cfg.Registry == "" {
		cfg.Registry = "registry.ws"
	}
	conn, err := transport.Dial(ctx, url, ws)
	if err != nil {
		return nil, err
	}
	d := dispatch.New(conn, registrar.NewMethodTable(), dispatch.DefaultConfig())
	c, err := New(d, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.closer = conn
	return c, nil
}

// Registry returns the target handle.
func (c *Client) Registry() dispatch.Handle { return c.target }

// Close releases the underlying connection, if the client owns one.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (c *Client) call(ctx context.Context, method string, out any, args ...any) error {
	return c.disp.CallInto(ctx, c.timeout, method, c.target, out, args...)
}

// Ping checks that the registry answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, registrar.MethodPing, nil)
}

// Register admits rec and returns the identity it was stored under. An
// empty name asks the registry to generate one. A non-empty password is
// required later to deregister or reconfigure the component.
func (c *Client) Register(ctx context.Context, rec *registry.Record, password string) (registry.Identity, error) {
	var id registry.Identity
	err := c.call(ctx, registrar.MethodRegister, &id, rec, password)
	return id, err
}

// Deregister removes id.
func (c *Client) Deregister(ctx context.Context, id registry.Identity, password string) error {
	return c.call(ctx, registrar.MethodDeregister, nil, id, password)
}

// UpdateHeartbeat reports id alive with its current state.
func (c *Client) UpdateHeartbeat(ctx context.Context, id registry.Identity, snap registry.Snapshot) error {
	return c.call(ctx, registrar.MethodUpdateHeartbeat, nil, id, snap)
}

// RequestConnection returns the least loaded live component matching req
// anywhere in the federation, or nil when none does.
func (c *Client) RequestConnection(ctx context.Context, req registry.ConnectionRequest) (*registry.Record, error) {
	var rec *registry.Record
	err := c.call(ctx, registrar.MethodRequestConnection, &rec, req, true)
	return rec, err
}

// RequestConnections returns every live component matching req.
func (c *Client) RequestConnections(ctx context.Context, req registry.ConnectionRequest) ([]*registry.Record, error) {
	var recs []*registry.Record
	err := c.call(ctx, registrar.MethodRequestConnections, &recs, req, true)
	return recs, err
}

// GetAllApplicableComponents returns every component matching cons,
// ignoring connection limits and access lists.
func (c *Client) GetAllApplicableComponents(ctx context.Context, cons constraint.List) ([]*registry.Record, error) {
	var recs []*registry.Record
	err := c.call(ctx, registrar.MethodGetAllApplicableComponents, &recs, cons, true)
	return recs, err
}

// RequestComponentList returns every visible identity in the federation.
func (c *Client) RequestComponentList(ctx context.Context) ([]registry.Identity, error) {
	var ids []registry.Identity
	err := c.call(ctx, registrar.MethodRequestComponentList, &ids, true)
	return ids, err
}

// RequestState returns the recovery state of id.
func (c *Client) RequestState(ctx context.Context, id registry.Identity) (registry.RecoveryState, error) {
	var st registry.RecoveryState
	err := c.call(ctx, registrar.MethodRequestState, &st, id, true)
	return st, err
}

// RequestNewComponentNotification asks for a newComponent call on handle
// whenever a component matching cons registers.
func (c *Client) RequestNewComponentNotification(ctx context.Context, subscriber registry.Identity, handle dispatch.Handle, cons constraint.List) error {
	return c.call(ctx, registrar.MethodRequestNewComponentNotification, nil, subscriber, handle, cons, true)
}

// SetRecoveryMultiplier changes how many missed heartbeats id may have
// before it is probed. The registry's own identity changes the default.
func (c *Client) SetRecoveryMultiplier(ctx context.Context, id registry.Identity, password string, multiplier int) error {
	return c.call(ctx, registrar.MethodSetRecoveryMultiplier, nil, id, password, multiplier)
}

// SetLogLevel changes the log level across the federation.
func (c *Client) SetLogLevel(ctx context.Context, level string) error {
	return c.call(ctx, registrar.MethodSetLogLevel, nil, level, true)
}

// IsUsed reports whether id is claimed in the registry's own table.
func (c *Client) IsUsed(ctx context.Context, id registry.Identity) (bool, error) {
	var used bool
	err := c.call(ctx, registrar.MethodIsUsed, &used, id)
	return used, err
}

// ShutdownComponent asks the registry to stop id.
func (c *Client) ShutdownComponent(ctx context.Context, id registry.Identity, password string) error {
	return c.call(ctx, registrar.MethodShutdownComponent, nil, id, password)
}

// ShutdownAll stops every component in the federation. user must be an
// administrator.
func (c *Client) ShutdownAll(ctx context.Context, user, secret string) error {
	return c.call(ctx, registrar.MethodShutdownAll, nil, user, secret, true)
}

// ShutdownRegistry stops the registry itself.
func (c *Client) ShutdownRegistry(ctx context.Context, user, secret string) error {
	return c.call(ctx, registrar.MethodShutdownRegistry, nil, user, secret)
}
