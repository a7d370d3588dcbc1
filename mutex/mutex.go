// Package mutex provides named cross-process mutual exclusion.
//
// Recovery uses it to make sure only one registry in a federation relaunches
// a failed component at a time. Acquisition never blocks: TryAcquire
// reports false when another holder owns the name, and the caller decides
// when to retry.
//
// Two backends are provided. StoreMutex keeps locks in a state.StateStore
// (NATS JetStream KV in production, memory in tests) and refreshes their
// TTL while held, so a crashed holder's lock expires. PostgresMutex uses
// session advisory locks, which the server drops with the session.
package mutex

import (
	"context"
	"time"

	"github.com/vinayprograms/compreg/errors"
)

// Mutex is a named, non-blocking cross-process lock.
type Mutex interface {
	// TryAcquire takes name if it is free. It returns false, nil when
	// another holder owns it.
	TryAcquire(ctx context.Context, name string) (bool, error)

	// Release gives up name. Releasing a name not held is a no-op.
	Release(ctx context.Context, name string) error

	// Close releases every held name.
	Close() error
}

// Config configures a StoreMutex.
type Config struct {
	// TTL is how long a lock survives without refresh. Default: 30s
	TTL time.Duration

	// RefreshInterval is how often held locks are refreshed. Default: TTL/3
	RefreshInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{TTL: 30 * time.Second}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.TTL <= 0 {
		return errors.InvalidInput("mutex ttl must be positive")
	}
	if c.RefreshInterval < 0 || (c.RefreshInterval > 0 && c.RefreshInterval >= c.TTL) {
		return errors.InvalidInput("mutex refresh interval must be shorter than ttl")
	}
	return nil
}
