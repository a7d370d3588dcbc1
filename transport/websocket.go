package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/compreg/errors"
)

// WebSocketTransport implements Transport over WebSocket. The same type
// serves both ends: the registry wraps accepted connections and components
// wrap dialed ones.
type WebSocketTransport struct {
	conn   *websocket.Conn
	config WebSocketConfig

	recv   chan *InboundMessage
	send   chan *OutboundMessage
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// WebSocketConfig holds WebSocket transport configuration.
type WebSocketConfig struct {
	Config

	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// ReadTimeout for read operations (0 = no timeout). Each pong extends
	// the deadline, so it should exceed PingInterval.
	ReadTimeout time.Duration

	// MaxMessageSize limits incoming message size.
	MaxMessageSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    0,
		MaxMessageSize: 1024 * 1024, // 1MB
		PingInterval:   30 * time.Second,
	}
}

// NewWebSocketTransport creates a transport from an existing connection.
func NewWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketTransport {
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = DefaultConfig().RecvBufferSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultConfig().SendBufferSize
	}

	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	if cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		})
	}

	return &WebSocketTransport{
		conn:   conn,
		config: cfg,
		recv:   make(chan *InboundMessage, cfg.RecvBufferSize),
		send:   make(chan *OutboundMessage, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
}

// DialWebSocket connects to a registry endpoint such as
// "ws://host:8470/rpc".
func DialWebSocket(ctx context.Context, url string, cfg WebSocketConfig) (*WebSocketTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, errors.Unreachable("dial "+url, errors.WithPeer(url), errors.WithCause(err))
	}
	return NewWebSocketTransport(conn, cfg), nil
}

// NewWebSocketUpgrader creates an upgrader for accepting WebSocket connections.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// Recv returns the channel for incoming messages.
func (t *WebSocketTransport) Recv() <-chan *InboundMessage {
	return t.recv
}

// Send queues a message for delivery.
func (t *WebSocketTransport) Send(msg *OutboundMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Run starts the transport, blocking until ctx is cancelled or the peer
// goes away. A peer disconnect is a graceful shutdown.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	readDone := make(chan struct{})
	go func() {
		defer wg.Done()
		defer close(readDone)
		t.readLoop(ctx)
	}()

	go func() {
		defer wg.Done()
		t.writeLoop(ctx)
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-readDone:
	case <-t.done:
	}

	t.Close()
	wg.Wait()

	return err
}

// Close initiates graceful shutdown.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.mu.Unlock()

	return t.conn.Close()
}

// readLoop reads WebSocket messages and sends to recv channel.
func (t *WebSocketTransport) readLoop(ctx context.Context) {
	defer close(t.recv)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, parseErr := ParseInbound(data)
		if parseErr != nil {
			t.sendParseError(parseErr)
			continue
		}

		select {
		case t.recv <- msg:
		case <-ctx.Done():
			return
		case <-t.done:
			return
		}
	}
}

// writeLoop reads from send channel and writes to WebSocket.
func (t *WebSocketTransport) writeLoop(ctx context.Context) {
	var ping <-chan time.Time
	if t.config.PingInterval > 0 {
		ticker := time.NewTicker(t.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			t.drainSendQueue()
			return
		case <-t.done:
			t.drainSendQueue()
			return
		case <-ping:
			t.writePing()
		case msg := <-t.send:
			t.writeMessage(msg)
		}
	}
}

// writePing sends a WebSocket ping frame.
func (t *WebSocketTransport) writePing() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

// drainSendQueue writes remaining messages before shutdown.
func (t *WebSocketTransport) drainSendQueue() {
	for {
		select {
		case msg := <-t.send:
			t.writeRaw(msg)
		default:
			return
		}
	}
}

// writeMessage serializes and writes a single message.
func (t *WebSocketTransport) writeMessage(msg *OutboundMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.write(msg)
}

// writeRaw writes during shutdown, when closed is already set but the
// connection may still accept frames.
func (t *WebSocketTransport) writeRaw(msg *OutboundMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.write(msg)
}

func (t *WebSocketTransport) write(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		return
	}
	if t.config.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	t.conn.WriteMessage(websocket.TextMessage, data)
}

// sendParseError sends an error response for parse failures.
func (t *WebSocketTransport) sendParseError(parseErr error) {
	rpcErr, ok := parseErr.(*Error)
	if !ok {
		rpcErr = &Error{Code: ParseError, Message: "Parse error", Data: parseErr.Error()}
	}

	t.Send(&OutboundMessage{
		Response: &Response{
			JSONRPC: Version,
			ID:      nil,
			Error:   rpcErr,
		},
	})
}
