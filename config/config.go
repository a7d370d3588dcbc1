package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/compreg/bus"
	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/httpapi"
	"github.com/vinayprograms/compreg/launcher"
	"github.com/vinayprograms/compreg/logging"
	"github.com/vinayprograms/compreg/mutex"
	"github.com/vinayprograms/compreg/presence"
	"github.com/vinayprograms/compreg/recovery"
	"github.com/vinayprograms/compreg/registrar"
	"github.com/vinayprograms/compreg/state"
	"github.com/vinayprograms/compreg/telemetry"
	"github.com/vinayprograms/compreg/transport"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COMPREG_"

// Backend names shared by the presence and mutex sections.
const (
	BackendKV       = "kv"
	BackendMemory   = "memory"
	BackendEtcd     = "etcd"
	BackendPostgres = "postgres"
)

// Config is the registry daemon configuration.
type Config struct {
	Registry  RegistryConfig  `toml:"registry"`
	NATS      NATSConfig      `toml:"nats"`
	Presence  PresenceConfig  `toml:"presence"`
	Mutex     MutexConfig     `toml:"mutex"`
	Recovery  RecoveryConfig  `toml:"recovery"`
	HTTP      HTTPConfig      `toml:"http"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       logging.Config  `toml:"log"`
	Files     FilesConfig     `toml:"files"`
}

// RegistryConfig is the [registry] section.
type RegistryConfig struct {
	Name               string        `toml:"name"`
	Host               string        `toml:"host"`
	Handle             string        `toml:"handle"`
	FederationToken    string        `toml:"federation_token"`
	RecoveryMultiplier int           `toml:"recovery_multiplier"`
	HeartbeatPeriod    time.Duration `toml:"heartbeat_period"`
	ProbeTimeout       time.Duration `toml:"probe_timeout"`
	FederationTimeout  time.Duration `toml:"federation_timeout"`
	MinReaperPeriod    time.Duration `toml:"min_reaper_period"`
	ShutdownTimeout    time.Duration `toml:"shutdown_timeout"`
}

// NATSConfig is the [nats] section. An empty URL runs the daemon on an
// in-process bus, which only suits a single registry.
type NATSConfig struct {
	URL            string        `toml:"url"`
	Token          string        `toml:"token"`
	User           string        `toml:"user"`
	Password       string        `toml:"password"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	Bucket         string        `toml:"bucket"`
}

// PresenceConfig is the [presence] section.
type PresenceConfig struct {
	Backend     string        `toml:"backend"`
	TTL         time.Duration `toml:"ttl"`
	Prefix      string        `toml:"prefix"`
	Endpoints   []string      `toml:"endpoints"`
	DialTimeout time.Duration `toml:"dial_timeout"`
}

// MutexConfig is the [mutex] section.
type MutexConfig struct {
	Backend string        `toml:"backend"`
	DSN     string        `toml:"dsn"`
	TTL     time.Duration `toml:"ttl"`
}

// RecoveryConfig is the [recovery] section.
type RecoveryConfig struct {
	Workers           int           `toml:"workers"`
	Backoff           time.Duration `toml:"backoff"`
	ReregisterTimeout time.Duration `toml:"reregister_timeout"`
	LockRetry         time.Duration `toml:"lock_retry"`
	LaunchTimeout     time.Duration `toml:"launch_timeout"`
}

// HTTPConfig is the [http] section.
type HTTPConfig struct {
	Addr             string        `toml:"addr"`
	ReadTimeout      time.Duration `toml:"read_timeout"`
	RPCMaxConcurrent int           `toml:"rpc_max_concurrent"`
	RPCCallTimeout   time.Duration `toml:"rpc_call_timeout"`
}

// TelemetryConfig is the [telemetry] section. Tracing is off unless
// Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `toml:"endpoint"`
	Protocol    string `toml:"protocol"`
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
	Debug       bool   `toml:"debug"`
}

// FilesConfig is the [files] section.
type FilesConfig struct {
	Hosts       string `toml:"hosts"`
	Credentials string `toml:"credentials"`
}

// DefaultConfig returns the configuration used for anything a file or the
// environment leaves unset.
func DefaultConfig() Config {
	reg := registrar.DefaultConfig()
	rec := recovery.DefaultConfig()
	host, _ := os.Hostname()

	return Config{
		Registry: RegistryConfig{
			Name:               "registry",
			Host:               host,
			RecoveryMultiplier: reg.RecoveryMultiplier,
			HeartbeatPeriod:    reg.HeartbeatPeriod,
			ProbeTimeout:       reg.ProbeTimeout,
			FederationTimeout:  reg.FederationTimeout,
			MinReaperPeriod:    reg.MinReaperPeriod,
			ShutdownTimeout:    30 * time.Second,
		},
		NATS: NATSConfig{
			ConnectTimeout: bus.DefaultNATSConfig().ConnectTimeout,
			Bucket:         state.DefaultNATSStoreConfig().Bucket,
		},
		Presence: PresenceConfig{
			Backend:     BackendMemory,
			TTL:         presence.DefaultConfig().TTL,
			Prefix:      presence.DefaultConfig().Prefix,
			DialTimeout: 5 * time.Second,
		},
		Mutex: MutexConfig{
			Backend: BackendMemory,
			TTL:     mutex.DefaultConfig().TTL,
		},
		Recovery: RecoveryConfig{
			Workers:           rec.Workers,
			Backoff:           rec.Backoff,
			ReregisterTimeout: rec.ReregisterTimeout,
			LockRetry:         rec.LockRetry,
			LaunchTimeout:     30 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:             ":8470",
			ReadTimeout:      10 * time.Second,
			RPCMaxConcurrent: transport.DefaultServerConfig().MaxConcurrent,
		},
		Telemetry: TelemetryConfig{
			Protocol:    telemetry.ProtocolGRPC,
			ServiceName: telemetry.DefaultServiceName,
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads path (if not empty) over the defaults, applies COMPREG_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "read config "+path)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, errors.InvalidInput("unknown config keys in " + path + ": " + strings.Join(keys, ", "))
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Registry.Name == "" {
		return errors.InvalidInput("registry.name is required")
	}
	if c.Registry.Host == "" {
		return errors.InvalidInput("registry.host is required")
	}
	if c.Registry.RecoveryMultiplier < 1 {
		return errors.InvalidInput("registry.recovery_multiplier must be at least 1")
	}
	if c.Registry.HeartbeatPeriod <= 0 {
		return errors.InvalidInput("registry.heartbeat_period must be positive")
	}

	switch c.Presence.Backend {
	case BackendKV, BackendMemory:
	case BackendEtcd:
		if len(c.Presence.Endpoints) == 0 {
			return errors.InvalidInput("presence.endpoints required for the etcd backend")
		}
	default:
		return errors.Newf(errors.ErrCodeInvalidInput, "unknown presence backend %q", c.Presence.Backend)
	}

	switch c.Mutex.Backend {
	case BackendKV, BackendMemory:
	case BackendPostgres:
		if c.Mutex.DSN == "" {
			return errors.InvalidInput("mutex.dsn required for the postgres backend")
		}
	default:
		return errors.Newf(errors.ErrCodeInvalidInput, "unknown mutex backend %q", c.Mutex.Backend)
	}

	if c.NATS.URL == "" && (c.Presence.Backend == BackendKV || c.Mutex.Backend == BackendKV) {
		return errors.InvalidInput("the kv backend needs nats.url")
	}

	if c.Telemetry.Protocol != telemetry.ProtocolGRPC && c.Telemetry.Protocol != telemetry.ProtocolHTTP {
		return errors.Newf(errors.ErrCodeInvalidInput, "telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return errors.Newf(errors.ErrCodeInvalidInput, "unknown log level %q", c.Log.Level)
	}

	return c.RecoveryConfig().Validate()
}

// RegistrarConfig translates the [registry] and [recovery] sections.
func (c *Config) RegistrarConfig() registrar.Config {
	return registrar.Config{
		Name:               c.Registry.Name,
		Host:               c.Registry.Host,
		Handle:             dispatch.Handle(c.Registry.Handle),
		HeartbeatPeriod:    c.Registry.HeartbeatPeriod,
		FederationToken:    c.Registry.FederationToken,
		RecoveryMultiplier: c.Registry.RecoveryMultiplier,
		ProbeTimeout:       c.Registry.ProbeTimeout,
		FederationTimeout:  c.Registry.FederationTimeout,
		MinReaperPeriod:    c.Registry.MinReaperPeriod,
		Recovery:           c.RecoveryConfig(),
	}
}

// RecoveryConfig translates the [recovery] section.
func (c *Config) RecoveryConfig() recovery.Config {
	rc := recovery.DefaultConfig()
	rc.Workers = c.Recovery.Workers
	rc.Backoff = c.Recovery.Backoff
	rc.ReregisterTimeout = c.Recovery.ReregisterTimeout
	rc.LockRetry = c.Recovery.LockRetry
	return rc
}

// LauncherConfig translates the launch part of the [recovery] section.
func (c *Config) LauncherConfig() launcher.Config {
	lc := launcher.DefaultConfig()
	if c.Recovery.LaunchTimeout > 0 {
		lc.LaunchTimeout = c.Recovery.LaunchTimeout
	}
	return lc
}

// NATSBusConfig translates the [nats] section.
func (c *Config) NATSBusConfig() bus.NATSConfig {
	nc := bus.DefaultNATSConfig()
	nc.URL = c.NATS.URL
	nc.Name = "registrard-" + c.Registry.Name
	nc.Token = c.NATS.Token
	nc.User = c.NATS.User
	nc.Password = c.NATS.Password
	if c.NATS.ConnectTimeout > 0 {
		nc.ConnectTimeout = c.NATS.ConnectTimeout
	}
	return nc
}

// PresenceConfig translates the [presence] section.
func (c *Config) PresenceConfig() presence.Config {
	return presence.Config{TTL: c.Presence.TTL, Prefix: c.Presence.Prefix}
}

// EtcdConfig translates the etcd part of the [presence] section.
func (c *Config) EtcdConfig() presence.EtcdConfig {
	return presence.EtcdConfig{Endpoints: c.Presence.Endpoints, DialTimeout: c.Presence.DialTimeout}
}

// MutexConfig translates the [mutex] section.
func (c *Config) MutexConfig() mutex.Config {
	return mutex.Config{TTL: c.Mutex.TTL}
}

// ServerConfig translates the RPC part of the [http] section.
func (c *Config) ServerConfig() transport.ServerConfig {
	sc := transport.DefaultServerConfig()
	sc.MaxConcurrent = c.HTTP.RPCMaxConcurrent
	sc.CallTimeout = c.HTTP.RPCCallTimeout
	return sc
}

// APIConfig translates the listener part of the [http] section.
func (c *Config) APIConfig() httpapi.Config {
	return httpapi.Config{Addr: c.HTTP.Addr, ReadTimeout: c.HTTP.ReadTimeout}
}

// ProviderConfig translates the [telemetry] section.
func (c *Config) ProviderConfig(version string) telemetry.ProviderConfig {
	return telemetry.ProviderConfig{
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: version,
		InstanceID:     c.Registry.Name,
		Endpoint:       c.Telemetry.Endpoint,
		Protocol:       c.Telemetry.Protocol,
		Insecure:       c.Telemetry.Insecure,
		Debug:          c.Telemetry.Debug,
	}
}
