package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/logging"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// MaxConcurrent bounds in-flight calls per connection.
	// Default: 16
	MaxConcurrent int

	// CallTimeout bounds each call (0 = none).
	CallTimeout time.Duration

	// WebSocket configures accepted connections.
	WebSocket WebSocketConfig

	Logger *logging.Logger
}

// DefaultServerConfig returns configuration with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConcurrent: 16,
		WebSocket:     DefaultWebSocketConfig(),
	}
}

// Server answers JSON-RPC requests by calling a dispatch.Service. Request
// params are the method's positional arguments; notifications run the
// method and discard its result.
type Server struct {
	svc      dispatch.Service
	cfg      ServerConfig
	log      *logging.Logger
	upgrader *websocket.Upgrader

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server for svc.
func NewServer(svc dispatch.Service, cfg ServerConfig) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultServerConfig().MaxConcurrent
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		svc:      svc,
		cfg:      cfg,
		log:      log.WithComponent("rpc"),
		upgrader: NewWebSocketUpgrader(),
		base:     base,
		cancel:   cancel,
	}
}

// ServeHTTP upgrades the request to a WebSocket and serves it until the
// peer disconnects or the server closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", map[string]interface{}{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.base)
	defer cancel()

	s.log.Debug("connection opened", map[string]interface{}{"remote": r.RemoteAddr})
	if err := s.ServeTransport(ctx, NewWebSocketTransport(conn, s.cfg.WebSocket)); err != nil {
		s.log.Warn("connection ended", map[string]interface{}{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}
	s.log.Debug("connection closed", map[string]interface{}{"remote": r.RemoteAddr})
}

// ServeTransport runs t and answers its messages until t shuts down.
func (s *Server) ServeTransport(ctx context.Context, t Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- t.Run(ctx) }()

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrent)

	for msg := range t.Recv() {
		switch {
		case msg.Request != nil:
			req := msg.Request
			g.Go(func() error {
				resp := s.handle(ctx, req)
				if err := t.Send(&OutboundMessage{Response: resp}); err != nil {
					s.log.Debug("reply dropped", map[string]interface{}{
						"method": req.Method,
						"error":  err.Error(),
					})
				}
				return nil
			})
		case msg.Notification != nil:
			n := msg.Notification
			g.Go(func() error {
				s.notify(ctx, n)
				return nil
			})
		}
	}

	g.Wait()
	cancel()
	err := <-runErr
	if err != nil && !stderrors.Is(err, context.Canceled) && !stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// Close ends every served connection and waits for them to finish.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Server) handle(ctx context.Context, req *Request) *Response {
	resp := &Response{JSONRPC: Version, ID: req.ID}

	args, err := req.Args()
	if err != nil {
		resp.Error = err.(*Error)
		return resp
	}

	if s.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := dispatch.ServeCall(ctx, s.svc, req.Method, args)
	if err != nil {
		resp.Error = FromError(err)
		s.log.Debug("call failed", map[string]interface{}{
			"method":   req.Method,
			"code":     string(errors.Code(err)),
			"duration": time.Since(start).String(),
		})
		return resp
	}
	if result == nil {
		result = []byte("null")
	}
	resp.Result = result
	return resp
}

func (s *Server) notify(ctx context.Context, n *Notification) {
	req := &Request{JSONRPC: Version, Method: n.Method}
	if n.Params != nil {
		raw, err := json.Marshal(n.Params)
		if err != nil {
			return
		}
		req.Params = raw
	}
	args, err := req.Args()
	if err != nil {
		return
	}
	if _, err := dispatch.ServeCall(ctx, s.svc, n.Method, args); err != nil {
		s.log.Debug("notification failed", map[string]interface{}{
			"method": n.Method,
			"error":  err.Error(),
		})
	}
}
