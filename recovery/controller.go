package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/hosts"
	"github.com/vinayprograms/compreg/launcher"
	"github.com/vinayprograms/compreg/logging"
	"github.com/vinayprograms/compreg/mutex"
	"github.com/vinayprograms/compreg/registry"
	"github.com/vinayprograms/compreg/telemetry"
)

// Deps are the collaborators a Controller drives.
type Deps struct {
	Target  Target
	Hosts   hosts.Directory
	Starter launcher.Starter
	Mutex   mutex.Mutex
	Logger  *logging.Logger

	// OnResult, if set, is called after every job.
	OnResult func(Result)
}

type job struct {
	RecoveryJob
	ctx    context.Context
	cancel context.CancelFunc
}

// Controller runs recovery jobs on a bounded worker pool.
type Controller struct {
	cfg  Config
	deps Deps
	log  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	queue   []*job
	jobs    map[registry.Identity]*job
	started bool
	stopped bool
	wake    chan struct{}
}

// New creates a controller. Jobs submitted before Start wait in the queue.
func New(cfg Config, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Target == nil || deps.Hosts == nil || deps.Starter == nil || deps.Mutex == nil {
		return nil, errors.InvalidInput("recovery controller needs target, hosts, starter and mutex")
	}
	log := deps.Logger
	if log == nil {
		log = logging.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:    cfg,
		deps:   deps,
		log:    log.WithComponent("recovery"),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[registry.Identity]*job),
		wake:   make(chan struct{}, 1),
	}, nil
}

// Start launches the workers. Cancelling ctx stops the controller.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return errors.Closed("recovery controller already started")
	}
	c.started = true

	context.AfterFunc(ctx, c.cancel)

	g, gctx := errgroup.WithContext(c.ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			c.work(gctx)
			return nil
		})
	}
	c.group = g
	return nil
}

// Submit queues a job. It returns false when a job for the same identity
// is already queued or running, or the controller is stopped.
func (c *Controller) Submit(rj RecoveryJob) bool {
	if rj.Record == nil {
		return false
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	if _, dup := c.jobs[rj.Identity]; dup {
		c.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(c.ctx)
	j := &job{RecoveryJob: rj, ctx: ctx, cancel: cancel}
	c.jobs[rj.Identity] = j
	c.queue = append(c.queue, j)
	c.mu.Unlock()

	telemetry.RecoveryInFlight.Inc()
	c.signal()
	return true
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Cancel stops the job for id. The job releases its lock and leaves the
// recovery state as it was.
func (c *Controller) Cancel(id registry.Identity) bool {
	c.mu.Lock()
	j, ok := c.jobs[id]
	c.mu.Unlock()
	if ok {
		j.cancel()
	}
	return ok
}

// Active reports whether a job for id is queued or running.
func (c *Controller) Active(id registry.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.jobs[id]
	return ok
}

// Pending returns the number of queued or running jobs.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// Stop cancels every job and waits for the workers to exit.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	g := c.group
	c.mu.Unlock()

	c.cancel()
	if g != nil {
		return g.Wait()
	}
	return nil
}

func (c *Controller) work(ctx context.Context) {
	for {
		j, ok := c.next(ctx)
		if !ok {
			return
		}
		c.run(j)
	}
}

func (c *Controller) next(ctx context.Context) (*job, bool) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			j := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			more := len(c.queue) > 0
			c.mu.Unlock()
			if more {
				c.signal()
			}
			return j, true
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-c.wake:
		}
	}
}

func (c *Controller) run(j *job) {
	res := c.recover(j)

	c.mu.Lock()
	delete(c.jobs, j.Identity)
	c.mu.Unlock()
	j.cancel()

	outcome := string(res.State)
	if outcome == "" {
		outcome = "canceled"
	}
	telemetry.RecoveryInFlight.Dec()
	telemetry.RecoveryOutcomes.WithLabelValues(outcome).Inc()

	fields := map[string]interface{}{
		"identity":  j.Identity.String(),
		"outcome":   outcome,
		"attempts":  res.Attempts,
		"remaining": res.Remaining,
	}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
	}
	if res.State == registry.RecoveryUnrecoverable {
		c.log.Warn("recovery exhausted", fields)
	} else {
		c.log.Info("recovery finished", fields)
	}

	if c.deps.OnResult != nil {
		c.deps.OnResult(res)
	}
}

func (c *Controller) recover(j *job) (res Result) {
	id, rec := j.Identity, j.Record
	res = Result{Identity: id, Remaining: j.AttemptsLeft}

	ctx, span := telemetry.GetTracer().StartRecoverySpan(j.ctx, id.String(), rec.Host)
	defer func() {
		telemetry.GetTracer().EndRecoverySpan(span, telemetry.RecoverySpanOptions{
			Attempts:   res.Attempts,
			Remaining:  res.Remaining,
			FinalState: string(res.State),
		}, res.Err)
	}()

	if err := ctx.Err(); err != nil {
		res.Err = errors.Wrap(err, "recovery cancelled")
		return res
	}
	if err := c.deps.Target.Hide(ctx, id); err != nil {
		res.Err = err
		return res
	}

	lock := LockName(rec.Host, id)
	if err := c.acquire(ctx, lock); err != nil {
		res.Err = err
		return res
	}
	defer c.release(lock)

	if c.deps.Target.Reregistered(id, rec.Generation) {
		res.State = registry.RecoveryOK
		return res
	}

	if j.AttemptsLeft <= 0 {
		res.State = registry.RecoveryNonexistent
		res.Remaining = 0
		c.deps.Target.SetRecoveryState(ctx, id, registry.RecoveryNonexistent, 0)
		return res
	}

	left := j.AttemptsLeft
	c.deps.Target.SetRecoveryState(ctx, id, registry.RecoveryInRecovery, left)
	for left > 0 {
		if res.Attempts > 0 {
			if err := sleep(ctx, c.cfg.Backoff); err != nil {
				res.Err = err
				return res
			}
		}
		if c.deps.Target.Reregistered(id, rec.Generation) {
			res.State = registry.RecoveryOK
			res.Err = nil
			return res
		}

		left--
		res.Attempts++
		res.Remaining = left
		c.deps.Target.SetRecoveryState(ctx, id, registry.RecoveryInRecovery, left)

		err := c.attempt(ctx, rec)
		if err == nil {
			res.State = registry.RecoveryOK
			res.Err = nil
			return res
		}
		res.Err = err
		if ctx.Err() != nil {
			return res
		}
		c.log.Warn("relaunch attempt failed", map[string]interface{}{
			"identity":  id.String(),
			"host":      rec.Host,
			"attempt":   res.Attempts,
			"remaining": left,
			"error":     err.Error(),
		})
	}

	res.State = registry.RecoveryUnrecoverable
	res.Err = errors.Exhausted(fmt.Sprintf("%s: %d relaunch attempts failed", id, res.Attempts),
		errors.WithIdentity(id.String()), errors.WithCause(res.Err))
	c.deps.Target.SetRecoveryState(ctx, id, registry.RecoveryUnrecoverable, 0)
	return res
}

// attempt runs one relaunch: host checks, launch request, then waiting for
// the component to register again.
func (c *Controller) attempt(ctx context.Context, rec *registry.Record) error {
	host, err := c.deps.Hosts.Resolve(rec.Host)
	if err != nil {
		telemetry.RecoveryAttempts.WithLabelValues("unknown_host").Inc()
		return err
	}
	if !c.deps.Starter.Reachable(ctx, host) {
		telemetry.RecoveryAttempts.WithLabelValues("unreachable").Inc()
		return errors.Unreachable("host "+host.ID+" is unreachable", errors.WithPeer(host.ID))
	}
	if len(rec.RequiredDevices) > 0 && !c.deps.Starter.HasCapabilities(ctx, host, rec.RequiredDevices) {
		telemetry.RecoveryAttempts.WithLabelValues("incapable").Inc()
		return errors.Newf(errors.ErrCodeUnreachable, "host %s lacks devices %v", host.ID, rec.RequiredDevices)
	}
	if err := c.deps.Starter.Launch(ctx, host, rec); err != nil {
		telemetry.RecoveryAttempts.WithLabelValues("launch_failed").Inc()
		return err
	}
	if err := c.awaitRegistration(ctx, rec); err != nil {
		telemetry.RecoveryAttempts.WithLabelValues("no_registration").Inc()
		return err
	}
	telemetry.RecoveryAttempts.WithLabelValues("registered").Inc()
	return nil
}

func (c *Controller) awaitRegistration(ctx context.Context, rec *registry.Record) error {
	deadline := time.NewTimer(c.cfg.ReregisterTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()

	for {
		if c.deps.Target.Reregistered(rec.Identity, rec.Generation) {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "recovery cancelled")
		case <-deadline.C:
			return errors.Timeout(rec.Identity.String()+" did not register after launch",
				errors.WithIdentity(rec.Identity.String()))
		case <-poll.C:
		}
	}
}

func (c *Controller) acquire(ctx context.Context, name string) error {
	for {
		ok, err := c.deps.Mutex.TryAcquire(ctx, name)
		if err == nil && ok {
			return nil
		}
		if err != nil {
			c.log.Debug("recovery lock unavailable", map[string]interface{}{
				"lock":  name,
				"error": err.Error(),
			})
		}
		if err := sleep(ctx, c.cfg.LockRetry); err != nil {
			return err
		}
	}
}

func (c *Controller) release(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.deps.Mutex.Release(ctx, name); err != nil {
		c.log.Warn("recovery lock release failed", map[string]interface{}{
			"lock":  name,
			"error": err.Error(),
		})
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "recovery cancelled")
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "recovery cancelled")
	case <-t.C:
		return nil
	}
}
