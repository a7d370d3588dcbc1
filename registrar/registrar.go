package registrar

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/compreg/constraint"
	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/logging"
	"github.com/vinayprograms/compreg/presence"
	"github.com/vinayprograms/compreg/recovery"
	"github.com/vinayprograms/compreg/registry"
	"github.com/vinayprograms/compreg/telemetry"
)

// subscription is one requestNewComponentNotification registration.
type subscription struct {
	handle      dispatch.Handle
	constraints constraint.List
}

// Registrar is one registry: it owns the registration table and runs the
// registration protocol, discovery, notification, federation and the
// liveness reaper over it.
//
// Lock order: regMu, then mu, then the table's own lock. Outbound calls
// are never made while mu is held.
type Registrar struct {
	cfg  Config
	deps Deps
	disp *dispatch.Dispatcher
	log  *logging.Logger
	self *registry.Record

	table    *registry.Table
	pending  *registry.PendingQueue
	recovery *recovery.Controller
	instance string

	// regMu serializes the admission steps of the registration protocol.
	regMu sync.Mutex
	seq   map[string]int

	mu           sync.Mutex
	subs         map[registry.Identity]subscription
	credentialed map[registry.Identity]bool
	logLevel     string
	logDirty     bool
	multiplier   int
	stopped      bool

	period   atomic.Int64
	periodCh chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	fatal   sync.Once
}

// New creates a registrar.
func New(cfg Config, deps Deps) (*Registrar, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Dispatcher == nil || deps.Credentials == nil || deps.Hosts == nil {
		return nil, errors.InvalidInput("registrar needs a dispatcher, credentials and hosts")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registrar{
		cfg:          cfg,
		deps:         deps,
		disp:         deps.Dispatcher,
		log:          cfg.Logger.WithComponent("registrar").With("registry", cfg.Name),
		table:        registry.NewTable(registry.TableConfig{Now: cfg.Now}),
		pending:      registry.NewPendingQueue(),
		instance:     uuid.NewString(),
		seq:          make(map[string]int),
		subs:         make(map[registry.Identity]subscription),
		credentialed: make(map[registry.Identity]bool),
		multiplier:   cfg.RecoveryMultiplier,
		periodCh:     make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
	r.self = &registry.Record{
		Identity:        registry.Identity{Type: RegistryType, Name: cfg.Name},
		Host:            cfg.Host,
		State:           registry.StateRun,
		RecoveryState:   registry.RecoveryOK,
		HeartbeatPeriod: cfg.HeartbeatPeriod,
		IsRegistry:      true,
		Handle:          cfg.Handle,
	}
	r.self.ApplyDefaults()

	if deps.Starter != nil && deps.Mutex != nil {
		ctrl, err := recovery.New(cfg.Recovery, recovery.Deps{
			Target:  recoveryTarget{r},
			Hosts:   deps.Hosts,
			Starter: deps.Starter,
			Mutex:   deps.Mutex,
			Logger:  cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		r.recovery = ctrl
	}

	r.recomputePeriod()
	return r, nil
}

// Self returns this registry's own record.
func (r *Registrar) Self() *registry.Record {
	return r.self.Clone()
}

// Table exposes the registration table for read-only use.
func (r *Registrar) Table() *registry.Table {
	return r.table
}

// Recovery returns the recovery controller, or nil when the registry was
// built without a process starter.
func (r *Registrar) Recovery() *recovery.Controller {
	return r.recovery
}

// Start announces presence, starts the recovery workers and the reaper,
// and joins the federation found in the presence directory.
func (r *Registrar) Start(ctx context.Context) error {
	if r.started.Swap(true) {
		return errors.Closed("registrar already started")
	}

	if p := r.deps.Presence; p != nil {
		err := p.Announce(ctx, presence.Entry{
			Name:     r.cfg.Name,
			Instance: r.instance,
			Handle:   r.cfg.Handle,
			Host:     r.cfg.Host,
		})
		if err != nil {
			return errors.Wrap(err, "announce registry presence")
		}
	}
	if r.recovery != nil {
		if err := r.recovery.Start(r.ctx); err != nil {
			return err
		}
	}

	r.goAsync(r.runReaper)
	r.goAsync(r.watchTable)
	r.goAsync(r.bootstrap)

	r.log.Info("registry started", map[string]interface{}{
		"handle": string(r.cfg.Handle),
		"host":   r.cfg.Host,
	})
	return nil
}

// Stop cancels background work, stops recovery and withdraws presence.
func (r *Registrar) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()
	if r.recovery != nil {
		r.recovery.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "registrar stop")
	}

	if p := r.deps.Presence; p != nil && r.started.Load() {
		if err := p.Withdraw(ctx, r.cfg.Name); err != nil {
			r.log.Warn("presence withdraw failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return r.table.Close()
}

// goAsync runs fn in a tracked goroutine bound to the registrar's lifetime.
func (r *Registrar) goAsync(fn func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
}

// after runs fn once d has elapsed, unless the registrar stops first.
func (r *Registrar) after(d time.Duration, fn func(ctx context.Context)) {
	r.goAsync(func(ctx context.Context) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			fn(ctx)
		}
	})
}

func (r *Registrar) die(code int, err error) {
	r.fatal.Do(func() {
		r.log.Error("registry terminating", map[string]interface{}{
			"code":  code,
			"error": err.Error(),
		})
		if r.cfg.OnFatal != nil {
			r.cfg.OnFatal(code, err)
			return
		}
		os.Exit(code)
	})
}

// peers returns the known peer registries, this registry excluded.
func (r *Registrar) peers() []*registry.Record {
	var out []*registry.Record
	for _, rec := range r.table.Registries() {
		if rec.Identity != r.self.Identity && rec.Handle != "" {
			out = append(out, rec)
		}
	}
	return out
}

// Peers returns the identities of the known peer registries.
func (r *Registrar) Peers() []registry.Identity {
	recs := r.peers()
	ids := make([]registry.Identity, len(recs))
	for i, rec := range recs {
		ids[i] = rec.Identity
	}
	return ids
}

func handlesOf(recs []*registry.Record) []dispatch.Handle {
	hs := make([]dispatch.Handle, len(recs))
	for i, rec := range recs {
		hs[i] = rec.Handle
	}
	return hs
}

// detach fires a call without waiting. Failures are logged by the
// dispatcher.
func (r *Registrar) detach(method string, target dispatch.Handle, args ...any) {
	if target == "" {
		return
	}
	if _, err := r.disp.Call(r.ctx, dispatch.Detached, method, target, args...); err != nil {
		r.log.Warn("call not dispatched", map[string]interface{}{
			"method": method,
			"target": string(target),
			"error":  err.Error(),
		})
	}
}

// ReaperPeriod is the current sampling period of the reaper.
func (r *Registrar) ReaperPeriod() time.Duration {
	return time.Duration(r.period.Load())
}

func (r *Registrar) recomputePeriod() {
	p := 2 * r.table.MaxHeartbeatPeriod()
	if p < r.cfg.MinReaperPeriod {
		p = r.cfg.MinReaperPeriod
	}
	if time.Duration(r.period.Swap(int64(p))) != p {
		telemetry.ReaperPeriod.Set(p.Seconds())
		select {
		case r.periodCh <- struct{}{}:
		default:
		}
	}
}
