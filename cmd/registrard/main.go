// Command registrard runs one registry of a component federation.
//
// Usage:
//
//	registrard -config /etc/compreg/registrard.toml
//
// Every setting can also come from COMPREG_* environment variables; see
// package config.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/compreg/bus"
	"github.com/vinayprograms/compreg/config"
	"github.com/vinayprograms/compreg/credentials"
	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/heartbeat"
	"github.com/vinayprograms/compreg/hosts"
	"github.com/vinayprograms/compreg/httpapi"
	"github.com/vinayprograms/compreg/launcher"
	"github.com/vinayprograms/compreg/logging"
	"github.com/vinayprograms/compreg/mutex"
	"github.com/vinayprograms/compreg/presence"
	"github.com/vinayprograms/compreg/registrar"
	"github.com/vinayprograms/compreg/shutdown"
	"github.com/vinayprograms/compreg/state"
	"github.com/vinayprograms/compreg/telemetry"
	"github.com/vinayprograms/compreg/transport"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the TOML config file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	code, err := run(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "registrard: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

func run(configPath string) (int, error) {
	cfg := config.DefaultConfig()
	var err error
	if configPath != "" {
		var loaded *config.Config
		if loaded, err = config.Load(configPath); err == nil {
			cfg = *loaded
		}
	} else {
		if err = config.ApplyEnv(&cfg, os.LookupEnv); err == nil {
			err = cfg.Validate()
		}
	}
	if err != nil {
		return 2, err
	}

	log := logging.New(cfg.Log)
	ctx := context.Background()

	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout:         cfg.Registry.ShutdownTimeout,
		DefaultPhase:    shutdown.PhaseBackends,
		ContinueOnError: true,
		Logger:          log.WithComponent("shutdown"),
	})
	// The first failure wins; it is reported as the exit code.
	var exitCode atomic.Int32
	fail := func(code int, err error) {
		if exitCode.CompareAndSwap(0, int32(code)) {
			log.Error("registry terminating", map[string]interface{}{
				"code":  code,
				"error": err.Error(),
			})
		}
		coord.Request()
	}

	api, err := build(ctx, cfg, log, coord, fail)
	if err != nil {
		// Release whatever was built before the failure.
		_ = coord.Shutdown(ctx)
		return 1, err
	}

	coord.HandleSignals(ctx)

	var g errgroup.Group
	g.Go(func() error {
		if err := api.ListenAndServe(); err != nil {
			fail(1, err)
			return err
		}
		return nil
	})

	<-coord.Done()
	if err := g.Wait(); err != nil {
		return int(exitCode.Load()), err
	}
	if err := coord.Err(); err != nil {
		log.Warn("shutdown incomplete", map[string]interface{}{
			"failed": coord.Result().FailedHandlers(),
		})
		if exitCode.Load() == 0 {
			exitCode.Store(1)
		}
	}
	log.Info("registry stopped")
	return int(exitCode.Load()), nil
}

// build wires the daemon together, registering a shutdown handler for each
// resource as soon as it exists.
func build(ctx context.Context, cfg config.Config, log *logging.Logger, coord *shutdown.Coordinator, fail func(int, error)) (*httpapi.Server, error) {
	telemetry.SetBuildInfo(version)
	if cfg.Telemetry.Endpoint != "" {
		provider, err := telemetry.InitProvider(ctx, cfg.ProviderConfig(version))
		if err != nil {
			return nil, err
		}
		coord.RegisterFunc("telemetry", shutdown.PhaseTelemetry, provider.Shutdown)
	}

	b, err := openBus(cfg)
	if err != nil {
		return nil, err
	}
	coord.RegisterFunc("bus", shutdown.PhaseBus, func(context.Context) error { return b.Close() })

	var store state.StateStore
	if nb, ok := b.(*bus.NATSBus); ok && usesKV(cfg) {
		sc := state.DefaultNATSStoreConfig()
		sc.Conn = nb.Conn()
		if cfg.NATS.Bucket != "" {
			sc.Bucket = cfg.NATS.Bucket
		}
		store, err = state.NewNATSStore(ctx, sc)
		if err != nil {
			return nil, errors.Wrap(err, "open state bucket")
		}
	} else {
		store = state.NewMemoryStore()
	}
	coord.RegisterFunc("state", shutdown.PhaseBackends, func(context.Context) error { return store.Close() })

	dir, err := openPresence(cfg, store, coord)
	if err != nil {
		return nil, err
	}
	mu, err := openMutex(ctx, cfg, store, log, coord)
	if err != nil {
		return nil, err
	}
	coord.RegisterFunc("mutex", shutdown.PhaseLocks, func(context.Context) error { return mu.Close() })

	hostDir, err := openHosts(cfg)
	if err != nil {
		return nil, err
	}
	creds, err := openCredentials(cfg, log)
	if err != nil {
		return nil, err
	}

	disp := dispatch.New(dispatch.NewBusTransport(b), registrar.NewMethodTable(), dispatch.DefaultConfig())

	rc := cfg.RegistrarConfig()
	rc.Logger = log
	rc.OnFatal = fail
	rc.OnShutdown = coord.Request
	reg, err := registrar.New(rc, registrar.Deps{
		Dispatcher:  disp,
		Credentials: creds,
		Hosts:       hostDir,
		Starter:     launcher.NewBusStarter(disp, cfg.LauncherConfig()),
		Mutex:       mu,
		Presence:    dir,
	})
	if err != nil {
		return nil, err
	}

	ep, err := dispatch.Serve(b, reg.Self().Handle, reg, dispatch.EndpointConfig{Logger: log.WithComponent("endpoint")})
	if err != nil {
		return nil, err
	}
	coord.RegisterFunc("endpoint", shutdown.PhaseIngress, func(context.Context) error { return ep.Close() })

	hb, err := heartbeat.NewListener(heartbeat.ListenerConfig{
		Bus:      b,
		Registry: cfg.Registry.Name,
		Sink:     reg,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	if err := hb.Start(ctx); err != nil {
		return nil, err
	}
	coord.RegisterFunc("heartbeats", shutdown.PhaseIngress, func(context.Context) error { return hb.Stop() })

	if err := reg.Start(ctx); err != nil {
		return nil, err
	}
	coord.RegisterFunc("registrar", shutdown.PhaseRegistry, func(ctx context.Context) error {
		if err := reg.Stop(ctx); err != nil {
			return err
		}
		return disp.Wait(ctx)
	})

	sc := cfg.ServerConfig()
	sc.Logger = log
	rpc := transport.NewServer(reg, sc)
	ac := cfg.APIConfig()
	ac.Logger = log
	api := httpapi.NewServer(reg, rpc, ac)
	coord.RegisterFunc("http", shutdown.PhaseIngress, func(ctx context.Context) error {
		err := api.Shutdown(ctx)
		rpc.Close()
		return err
	})

	return api, nil
}

func usesKV(cfg config.Config) bool {
	return cfg.Presence.Backend == config.BackendKV || cfg.Mutex.Backend == config.BackendKV
}

func openBus(cfg config.Config) (bus.MessageBus, error) {
	if cfg.NATS.URL == "" {
		return bus.NewMemoryBus(bus.DefaultConfig()), nil
	}
	b, err := bus.NewNATSBus(cfg.NATSBusConfig())
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnreachable, "connect nats")
	}
	return b, nil
}

func openPresence(cfg config.Config, store state.StateStore, coord *shutdown.Coordinator) (presence.Directory, error) {
	switch cfg.Presence.Backend {
	case config.BackendEtcd:
		cli, err := presence.NewEtcdClient(cfg.EtcdConfig())
		if err != nil {
			return nil, err
		}
		coord.RegisterFunc("etcd", shutdown.PhaseBackends, func(context.Context) error { return cli.Close() })
		return presence.NewEtcdDirectory(cli, cfg.PresenceConfig()), nil
	default:
		return presence.NewStoreDirectory(store, cfg.PresenceConfig()), nil
	}
}

func openMutex(ctx context.Context, cfg config.Config, store state.StateStore, log *logging.Logger, coord *shutdown.Coordinator) (mutex.Mutex, error) {
	switch cfg.Mutex.Backend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Mutex.DSN)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeUnreachable, "connect postgres")
		}
		coord.RegisterFunc("postgres", shutdown.PhaseBackends, func(context.Context) error {
			pool.Close()
			return nil
		})
		return mutex.NewPostgresMutex(pool), nil
	default:
		return mutex.NewStoreMutex(store, cfg.MutexConfig(), log), nil
	}
}

func openHosts(cfg config.Config) (hosts.Directory, error) {
	if cfg.Files.Hosts == "" {
		return hosts.NewMemoryDirectory(hosts.Descriptor{ID: cfg.Registry.Host}), nil
	}
	return hosts.LoadFile(cfg.Files.Hosts)
}

func openCredentials(cfg config.Config, log *logging.Logger) (credentials.Store, error) {
	s := credentials.NewMemoryStore(credentials.MemoryConfig{})
	if cfg.Files.Credentials != "" {
		if err := credentials.LoadFile(cfg.Files.Credentials, s); err != nil {
			return nil, errors.Wrap(err, "load credentials")
		}
		return s, nil
	}
	path, err := credentials.Load(s)
	if err != nil {
		return nil, errors.Wrap(err, "load credentials")
	}
	if path == "" {
		log.Warn("no credentials file found; administrative calls will be refused")
	}
	return s, nil
}
