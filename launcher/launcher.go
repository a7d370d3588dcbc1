// Package launcher is the process-starter capability used by recovery.
//
// Each host runs an Agent serving on its launcher handle. The registry side
// talks to agents through BusStarter:
//
//	starter := launcher.NewBusStarter(dispatcher, launcher.DefaultConfig())
//	if starter.Reachable(ctx, host) && starter.HasCapabilities(ctx, host, rec.RequiredDevices) {
//	    err = starter.Launch(ctx, host, rec)
//	}
package launcher

import (
	"context"
	"time"

	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/hosts"
	"github.com/vinayprograms/compreg/registry"
)

// Launcher methods.
const (
	MethodLaunch     = "launch"
	MethodPing       = "ping"
	MethodHasDevices = "hasDevices"
)

// MethodSpecs describe the launcher agent surface.
var MethodSpecs = []dispatch.MethodSpec{
	{Name: MethodLaunch, Params: []dispatch.Kind{registry.KindRecord}},
	{Name: MethodPing},
	{Name: MethodHasDevices, Params: []dispatch.Kind{dispatch.KindStrings}},
}

// Starter launches components on hosts.
type Starter interface {
	// Launch starts the component described by rec on host. A nil error
	// means the host accepted the launch, not that the component is up.
	Launch(ctx context.Context, host *hosts.Descriptor, rec *registry.Record) error

	// Reachable reports whether host answers at all.
	Reachable(ctx context.Context, host *hosts.Descriptor) bool

	// HasCapabilities reports whether host offers every required device.
	HasCapabilities(ctx context.Context, host *hosts.Descriptor, devices []string) bool
}

// Config configures a BusStarter.
type Config struct {
	// LaunchTimeout bounds a launch request. Default: 30s
	LaunchTimeout time.Duration

	// ProbeTimeout bounds ping and capability queries. Default: 2s
	ProbeTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LaunchTimeout: 30 * time.Second,
		ProbeTimeout:  2 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.LaunchTimeout <= 0 || c.ProbeTimeout <= 0 {
		return errors.InvalidInput("launcher timeouts must be positive")
	}
	return nil
}

// BusStarter calls host launcher agents through the dispatcher.
type BusStarter struct {
	d   *dispatch.Dispatcher
	cfg Config
}

// NewBusStarter creates a starter using d.
func NewBusStarter(d *dispatch.Dispatcher, cfg Config) *BusStarter {
	def := DefaultConfig()
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = def.LaunchTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	return &BusStarter{d: d, cfg: cfg}
}

// Launch implements Starter.
func (s *BusStarter) Launch(ctx context.Context, host *hosts.Descriptor, rec *registry.Record) error {
	if rec.Launch == nil || rec.Launch.Command == "" {
		return errors.InvalidInput("no launch command for "+rec.Identity.String(),
			errors.WithIdentity(rec.Identity.String()))
	}
	_, err := s.d.Call(ctx, s.cfg.LaunchTimeout, MethodLaunch, host.Launcher, rec)
	return err
}

// Reachable implements Starter.
func (s *BusStarter) Reachable(ctx context.Context, host *hosts.Descriptor) bool {
	_, err := s.d.Call(ctx, s.cfg.ProbeTimeout, MethodPing, host.Launcher)
	return err == nil
}

// HasCapabilities implements Starter. The agent's own answer wins; when it
// cannot be asked, the directory's device list decides.
func (s *BusStarter) HasCapabilities(ctx context.Context, host *hosts.Descriptor, devices []string) bool {
	if len(devices) == 0 {
		return true
	}
	var ok bool
	if err := s.d.CallInto(ctx, s.cfg.ProbeTimeout, MethodHasDevices, host.Launcher, &ok, devices); err != nil {
		return host.HasDevices(devices)
	}
	return ok
}
