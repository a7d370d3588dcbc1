package httpapi

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/logging"
	"github.com/vinayprograms/compreg/registry"
	"github.com/vinayprograms/compreg/telemetry"
)

// Registry is the part of the registrar the HTTP surface reads.
type Registry interface {
	Self() *registry.Record
	Table() *registry.Table
	Peers() []registry.Identity
	RequestState(ctx context.Context, id registry.Identity, forwardable bool) (registry.RecoveryState, error)
	SetLogLevel(ctx context.Context, level string, forwardable bool) error
}

// Config configures the HTTP server.
type Config struct {
	Addr        string
	ReadTimeout time.Duration
	Logger      *logging.Logger
}

// Server serves the router on a listener.
type Server struct {
	srv *http.Server
	log *logging.Logger
}

// NewServer builds a server for reg. rpc, when non-nil, is mounted at
// /rpc.
func NewServer(reg Registry, rpc http.Handler, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	log := cfg.Logger.WithComponent("http")
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(reg, rpc, log),
			ReadHeaderTimeout: cfg.ReadTimeout,
		},
		log: log,
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe blocks until the server stops. A graceful Shutdown
// returns nil.
func (s *Server) ListenAndServe() error {
	s.log.Info("http listening", map[string]interface{}{"addr": s.srv.Addr})
	if err := s.srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// NewRouter wires the routes onto a fresh gin engine.
func NewRouter(reg Registry, rpc http.Handler, log *logging.Logger) *gin.Engine {
	if log == nil {
		log = logging.Nop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(log))

	r.GET("/healthz", healthz(reg))
	r.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	if rpc != nil {
		r.GET("/rpc", gin.WrapH(rpc))
	}

	api := r.Group("/api")
	api.GET("/components", listComponents(reg))
	api.GET("/components/:type/:name/state", componentState(reg))
	api.GET("/peers", listPeers(reg))
	api.PUT("/log-level", setLogLevel(reg))
	return r
}

// quietPaths are scraped often and logged at Debug.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// RequestLogger logs each request and counts it by route and status.
func RequestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		telemetry.ObserveHTTP(route, c.Writer.Status())

		fields := map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}
		if quietPaths[route] {
			log.Debug("request", fields)
			return
		}
		log.Info("request", fields)
	}
}

func healthz(reg Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		self := reg.Self()
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"registry":   self.Identity.Name,
			"host":       self.Host,
			"components": reg.Table().Len(),
			"peers":      len(reg.Peers()),
		})
	}
}

// listComponents returns the local table. Query parameters type, name,
// host and group narrow the result; registries are included only with
// registries=true.
func listComponents(reg Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		typ := c.Query("type")
		name := c.Query("name")
		host := c.Query("host")
		group := c.Query("group")
		withRegistries := c.Query("registries") == "true"

		out := make([]*registry.Record, 0)
		for _, rec := range reg.Table().Records() {
			if rec.IsRegistry && !withRegistries {
				continue
			}
			if typ != "" && rec.Identity.Type != typ {
				continue
			}
			if name != "" && rec.Identity.Name != name {
				continue
			}
			if host != "" && rec.Host != host {
				continue
			}
			if group != "" && !rec.InGroup(group) {
				continue
			}
			out = append(out, rec)
		}
		c.JSON(http.StatusOK, out)
	}
}

func componentState(reg Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := registry.Identity{Type: c.Param("type"), Name: c.Param("name")}
		state, err := reg.RequestState(c.Request.Context(), id, true)
		if err != nil {
			abort(c, err)
			return
		}
		status := http.StatusOK
		if state == registry.RecoveryNonexistent {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"identity": id, "state": state})
	}
}

func listPeers(reg Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		peers := reg.Peers()
		if peers == nil {
			peers = []registry.Identity{}
		}
		c.JSON(http.StatusOK, peers)
	}
}

type logLevelRequest struct {
	Level string `json:"level" binding:"required"`
}

func setLogLevel(reg Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req logLevelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "bad log level request"))
			return
		}
		if _, ok := logging.ParseLevel(req.Level); !ok {
			abort(c, errors.InvalidInput("unknown log level: "+req.Level))
			return
		}
		if err := reg.SetLogLevel(c.Request.Context(), req.Level, true); err != nil {
			abort(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func abort(c *gin.Context, err error) {
	e := errors.As(err)
	if e == nil {
		e = errors.Wrap(err, "request failed")
	}
	c.AbortWithStatusJSON(StatusOf(err), gin.H{"error": e})
}

// StatusOf maps a registry error to an HTTP status.
func StatusOf(err error) int {
	switch errors.Code(err) {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput, errors.ErrCodeMalformedConstraint:
		return http.StatusBadRequest
	case errors.ErrCodeAccessDenied:
		return http.StatusForbidden
	case errors.ErrCodeAlreadyExists:
		return http.StatusConflict
	case errors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrCodeUnreachable, errors.ErrCodeCallFailed:
		return http.StatusBadGateway
	case errors.ErrCodeClosed, errors.ErrCodeExhausted:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
