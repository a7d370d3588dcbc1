package registrar

import (
	"time"

	"github.com/vinayprograms/compreg/credentials"
	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/hosts"
	"github.com/vinayprograms/compreg/launcher"
	"github.com/vinayprograms/compreg/logging"
	"github.com/vinayprograms/compreg/mutex"
	"github.com/vinayprograms/compreg/presence"
	"github.com/vinayprograms/compreg/recovery"
	"github.com/vinayprograms/compreg/registry"
)

// RegistryType is the component type registries register under.
const RegistryType = "Registry"

// ExitPresenceLost is the process exit code used when the registry can no
// longer confirm its own presence.
const ExitPresenceLost = 3

// HandlePrefix is the subject prefix of registry endpoints.
const HandlePrefix = "registry."

// Config configures a Registrar.
type Config struct {
	// Name of this registry, unique in the federation.
	Name string

	// Host this registry runs on.
	Host string

	// Handle this registry is served on. Default: "registry.<name>"
	Handle dispatch.Handle

	// HeartbeatPeriod of the heartbeats this registry sends its peers.
	// Default: 5s
	HeartbeatPeriod time.Duration

	// FederationToken, when set, must be presented by registries joining
	// the federation.
	FederationToken string

	// RecoveryMultiplier is given to records registering without one.
	// Default: registry.DefaultRecoveryMultiplier
	RecoveryMultiplier int

	// ProbeTimeout bounds the reaper's direct liveness probe. Default: 1s
	ProbeTimeout time.Duration

	// FederationTimeout bounds calls to peer registries. Default: 5s
	FederationTimeout time.Duration

	// MinReaperPeriod is the shortest reaper period. Default: 1s
	MinReaperPeriod time.Duration

	// Recovery configures the recovery controller.
	Recovery recovery.Config

	// Now supplies the clock. Default: time.Now
	Now func() time.Time

	// Logger. Default: no-op
	Logger *logging.Logger

	// OnFatal is called when the registry must terminate. Default: log
	// and os.Exit(code).
	OnFatal func(code int, err error)

	// OnShutdown is called by an authorized shutdownRegistry request.
	OnShutdown func()
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatPeriod:    5 * time.Second,
		RecoveryMultiplier: registry.DefaultRecoveryMultiplier,
		ProbeTimeout:       time.Second,
		FederationTimeout:  5 * time.Second,
		MinReaperPeriod:    time.Second,
		Recovery:           recovery.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Handle == "" && c.Name != "" {
		c.Handle = dispatch.Handle(HandlePrefix + c.Name)
	}
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = def.HeartbeatPeriod
	}
	if c.RecoveryMultiplier < 1 {
		c.RecoveryMultiplier = def.RecoveryMultiplier
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.FederationTimeout <= 0 {
		c.FederationTimeout = def.FederationTimeout
	}
	if c.MinReaperPeriod <= 0 {
		c.MinReaperPeriod = def.MinReaperPeriod
	}
	if c.Recovery == (recovery.Config{}) {
		c.Recovery = def.Recovery
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.InvalidInput("registry name is required")
	}
	if c.Host == "" {
		return errors.InvalidInput("registry host is required")
	}
	if err := c.Handle.Validate(); err != nil {
		return err
	}
	return c.Recovery.Validate()
}

// Deps are the collaborators a Registrar uses.
type Deps struct {
	// Dispatcher carries every outbound call. Its method table must
	// include MethodSpecs.
	Dispatcher *dispatch.Dispatcher

	Credentials credentials.Store
	Hosts       hosts.Directory
	Starter     launcher.Starter
	Mutex       mutex.Mutex

	// Presence is optional. Without it the registry neither announces
	// itself nor bootstraps federation from the directory.
	Presence presence.Directory
}
