package recovery

import (
	"context"
	"time"

	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/registry"
)

// RecoveryJob asks the controller to relaunch one component.
type RecoveryJob struct {
	// Identity of the failed component.
	Identity registry.Identity

	// AttemptsLeft is the restart budget at the time of failure.
	AttemptsLeft int

	// Record is the component's record when it was declared down. Its
	// host, launch spec and required devices drive the relaunch, and its
	// generation tells a re-registration apart from the failed instance.
	Record *registry.Record
}

// Result describes a finished job.
type Result struct {
	Identity registry.Identity

	// State is the final recovery state: OK, UNRECOVERABLE or NONEXISTENT.
	// It is empty when the job was cancelled.
	State registry.RecoveryState

	// Attempts is how many launch attempts were made.
	Attempts int

	// Remaining is the budget left when the job finished.
	Remaining int

	// Err is the last attempt failure, or the cancellation cause.
	Err error
}

// Target is the registry side of recovery.
type Target interface {
	// Hide performs phase-one deregistration of id.
	Hide(ctx context.Context, id registry.Identity) error

	// SetRecoveryState records the state and remaining restart budget of
	// the failed record and notifies interested components.
	SetRecoveryState(ctx context.Context, id registry.Identity, state registry.RecoveryState, remaining int)

	// Reregistered reports whether id registered again with a record newer
	// than generation gen.
	Reregistered(id registry.Identity, gen uint64) bool
}

// Config configures a Controller.
type Config struct {
	// Workers bounds concurrently running jobs. Default: 4
	Workers int

	// Backoff is the fixed delay between launch attempts. Default: 5s
	Backoff time.Duration

	// ReregisterTimeout is how long a launched component has to register
	// again before the attempt counts as failed. Default: 30s
	ReregisterTimeout time.Duration

	// LockRetry is the delay between lock acquisition attempts.
	// Default: 1s
	LockRetry time.Duration

	// PollInterval is how often re-registration is checked. Default: 100ms
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		Backoff:           5 * time.Second,
		ReregisterTimeout: 30 * time.Second,
		LockRetry:         time.Second,
		PollInterval:      100 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return errors.InvalidInput("recovery workers must be positive")
	}
	if c.Backoff < 0 || c.ReregisterTimeout <= 0 || c.LockRetry <= 0 || c.PollInterval <= 0 {
		return errors.InvalidInput("recovery durations must be positive")
	}
	return nil
}

// LockName is the cross-process lock guarding relaunch of id on host.
func LockName(host string, id registry.Identity) string {
	return "recovery/" + host + "/" + id.String()
}
