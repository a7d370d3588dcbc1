package shutdown

import (
	"context"
	"time"

	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/logging"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.Closed("registry daemon")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.Timeout("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.Internal("one or more shutdown handlers failed")
)

// Phases of a registry daemon shutdown. Lower phases run first; handlers
// sharing a phase run concurrently.
const (
	// PhaseIngress stops every listener so no new calls arrive.
	PhaseIngress = 10

	// PhaseRegistry stops the reaper, cancels recovery jobs and withdraws
	// presence.
	PhaseRegistry = 20

	// PhaseLocks releases held recovery locks so a peer can take over.
	PhaseLocks = 30

	// PhaseBackends closes the state store and lock backends.
	PhaseBackends = 40

	// PhaseBus closes the message bus after the stores built on its
	// connection.
	PhaseBus = 45

	// PhaseTelemetry flushes traces last so earlier phases are recorded.
	PhaseTelemetry = 50
)

// Handler is implemented by daemon parts that need an orderly stop.
type Handler interface {
	// OnShutdown is called when shutdown is initiated. ctx is cancelled when
	// the shutdown timeout is reached.
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult contains the result of a single handler's shutdown.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result contains the complete shutdown result.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is the overall error (nil if all handlers succeeded).
	Err error
}

// Failed returns true if any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// Timeout bounds a shutdown started by a signal or by Request.
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is assigned to handlers registered without a phase.
	// Default: PhaseBackends
	DefaultPhase int

	// ContinueOnError runs later phases even if a handler fails.
	// Default: true
	ContinueOnError bool

	// Logger records each handler's outcome. Default: no-op.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout < 0 {
		return errors.InvalidInput("shutdown timeout must not be negative")
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    PhaseBackends,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
