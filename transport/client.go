package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
)

// Client issues JSON-RPC calls over a Transport and matches replies to
// requests by ID. It implements dispatch.Transport, so a Dispatcher can
// call the registry over a WebSocket; the target handle is ignored because
// the connection has a single peer.
type Client struct {
	t       Transport
	id      atomic.Int64
	cancel  context.CancelFunc
	closing atomic.Bool

	mu      sync.Mutex
	pending map[int64]chan *Response
	done    chan struct{}
	err     error
}

var _ dispatch.Transport = (*Client)(nil)

// NewClient starts t and returns a client for it. The client owns t.
func NewClient(t Transport) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		t:       t,
		cancel:  cancel,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}

	runErr := make(chan error, 1)
	go func() { runErr <- t.Run(ctx) }()
	go c.readResponses(runErr)
	return c
}

// Dial connects to a registry WebSocket endpoint.
func Dial(ctx context.Context, url string, cfg WebSocketConfig) (*Client, error) {
	t, err := DialWebSocket(ctx, url, cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(t), nil
}

// Invoke implements dispatch.Transport.
func (c *Client) Invoke(ctx context.Context, _ dispatch.Handle, method string, args []json.RawMessage) (json.RawMessage, error) {
	return c.Call(ctx, method, args...)
}

// Call sends a request and waits for its reply.
func (c *Client) Call(ctx context.Context, method string, args ...json.RawMessage) (json.RawMessage, error) {
	params, err := encodeParams(args)
	if err != nil {
		return nil, errors.Wrap(err, "encode params of "+method)
	}

	id := c.id.Add(1)
	respCh := make(chan *Response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := &Request{JSONRPC: Version, ID: id, Method: method, Params: params}
	if err := c.t.Send(&OutboundMessage{Request: req}); err != nil {
		return nil, errors.Unreachable("send "+method, errors.WithCause(err))
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error.Err()
		}
		return resp.Result, nil
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), method+" aborted")
	}
}

// Notify sends a notification; the remote side runs method and discards
// its result.
func (c *Client) Notify(method string, args ...json.RawMessage) error {
	params, err := encodeParams(args)
	if err != nil {
		return errors.Wrap(err, "encode params of "+method)
	}
	n := &Notification{JSONRPC: Version, Method: method}
	if params != nil {
		n.Params = params
	}
	if err := c.t.Send(&OutboundMessage{Notification: n}); err != nil {
		return errors.Unreachable("send "+method, errors.WithCause(err))
	}
	return nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down. Outstanding calls fail with CLOSED.
func (c *Client) Close() error {
	c.closing.Store(true)
	c.cancel()
	<-c.done
	return nil
}

func (c *Client) readResponses(runErr <-chan error) {
	for msg := range c.t.Recv() {
		if msg.Response == nil {
			continue
		}
		id, ok := responseID(msg.Response.ID)
		if !ok {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		c.mu.Unlock()

		if ok {
			ch <- msg.Response
		}
	}

	err := <-runErr
	c.mu.Lock()
	switch {
	case c.closing.Load():
		c.err = errors.Closed("rpc client")
	case err != nil && !stderrors.Is(err, context.Canceled):
		c.err = errors.Unreachable("connection lost", errors.WithCause(err))
	default:
		c.err = errors.Unreachable("connection closed by peer")
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func encodeParams(args []json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return json.Marshal(args)
}

// responseID recovers the numeric id the client assigned. Decoded JSON
// numbers arrive as float64.
func responseID(v interface{}) (int64, bool) {
	switch id := v.(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	case json.Number:
		n, err := id.Int64()
		return n, err == nil
	}
	return 0, false
}
