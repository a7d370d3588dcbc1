// Package presence records which registries are alive.
//
// A registry announces itself when it starts and confirms its entry on
// every reaper cycle. Confirm failing means the registry can no longer prove
// it exists; the registrar treats that as fatal. Other registries list the
// directory at startup to find peers to federate with.
//
// StoreDirectory keeps entries in a state.StateStore with an expiry carried
// in the entry itself. EtcdDirectory binds each entry to an etcd lease.
package presence

import (
	stderrors "errors"
	"time"

	"github.com/vinayprograms/compreg/dispatch"
)

// ErrLost is returned by Confirm when this registry's entry is gone or
// owned by another instance.
var ErrLost = stderrors.New("presence entry lost")

// Entry is one registry's presence record.
type Entry struct {
	Name     string          `json:"name"`
	Instance string          `json:"instance"`
	Handle   dispatch.Handle `json:"handle"`
	Host     string          `json:"host"`
	Started  time.Time       `json:"started"`
	Expires  time.Time       `json:"expires,omitempty"`
}

// Config configures a directory.
type Config struct {
	// TTL is how long an unconfirmed entry survives. Default: 15s
	TTL time.Duration

	// Prefix namespaces the keys. Default: "presence"
	Prefix string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{TTL: 15 * time.Second, Prefix: "presence"}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.Prefix == "" {
		c.Prefix = def.Prefix
	}
	return c
}
