package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/logging"
	"github.com/vinayprograms/compreg/telemetry"
)

// Timeout sentinels for Call and CallConcurrent.
const (
	Block    time.Duration = 0
	Detached time.Duration = -1
)

// maxFree caps the idle call units kept for reuse.
const maxFree = 1024

// Config configures a Dispatcher.
type Config struct {
	// DetachedTimeout caps how long a fire-and-forget call may run in the
	// background. Default: 30s
	DetachedTimeout time.Duration

	// Logger receives failures of detached calls. Default: no-op.
	Logger *logging.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DetachedTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DetachedTimeout <= 0 {
		return errors.InvalidInput("detached timeout must be positive")
	}
	return nil
}

// Result is the outcome of one target of a fan-out call.
type Result struct {
	Target Handle
	Value  json.RawMessage
	Err    error
}

// Decode unmarshals the result value into v, or returns the target's error.
func (r Result) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	return decode(r.Value, v)
}

// unit is one in-flight call. It is shared by the waiting caller and the
// goroutine running the call; whichever releases it last returns it to the
// free list.
type unit struct {
	refs   atomic.Int32
	target Handle
	method string
	args   []json.RawMessage
	result json.RawMessage
	err    error
	done   chan struct{}
}

// Dispatcher invokes methods on remote handles through a Transport.
type Dispatcher struct {
	transport Transport
	methods   *MethodTable
	cfg       Config
	log       *logging.Logger

	freeMu  sync.Mutex
	free    []*unit
	created int

	detached sync.WaitGroup
}

// New creates a dispatcher resolving calls against methods.
func New(t Transport, methods *MethodTable, cfg Config) *Dispatcher {
	if cfg.DetachedTimeout <= 0 {
		cfg.DetachedTimeout = DefaultConfig().DetachedTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Dispatcher{
		transport: t,
		methods:   methods,
		cfg:       cfg,
		log:       cfg.Logger.WithComponent("dispatch"),
	}
}

// Methods returns the method table calls are resolved against.
func (d *Dispatcher) Methods() *MethodTable {
	return d.methods
}

// Call invokes method on target. See the package documentation for the
// meaning of timeout. A detached call returns (nil, nil) once the call is
// validated and handed off.
func (d *Dispatcher) Call(ctx context.Context, timeout time.Duration, method string, target Handle, args ...any) (json.RawMessage, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	enc, err := d.prepare(method, args)
	if err != nil {
		return nil, err
	}
	return d.invoke(ctx, timeout, method, target, enc)
}

// CallInto is Call followed by decoding the result into out. out may be nil.
func (d *Dispatcher) CallInto(ctx context.Context, timeout time.Duration, method string, target Handle, out any, args ...any) error {
	v, err := d.Call(ctx, timeout, method, target, args...)
	if err != nil || out == nil || v == nil {
		return err
	}
	return decode(v, out)
}

// CallConcurrent invokes method on every target in parallel and returns one
// Result per target, in input order. Only validation failures (a bad target
// or an unresolvable method) are returned as the error; per-target failures
// are reported in the results.
func (d *Dispatcher) CallConcurrent(ctx context.Context, timeout time.Duration, method string, targets []Handle, args ...any) ([]Result, error) {
	for _, t := range targets {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	enc, err := d.prepare(method, args)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(targets))
	switch {
	case len(targets) == 0:
		return results, nil
	case len(targets) == 1:
		v, err := d.invoke(ctx, timeout, method, targets[0], enc)
		results[0] = Result{Target: targets[0], Value: v, Err: err}
		return results, nil
	case timeout < 0:
		for i, t := range targets {
			d.detach(ctx, method, t, enc)
			results[i].Target = t
		}
		return results, nil
	}

	start := time.Now()
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartCallSpan(ctx, method)

	var (
		cctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		cctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	units := make([]*unit, len(targets))
	for i, t := range targets {
		u := d.acquire(t, method, enc)
		units[i] = u
		go d.run(cctx, u)
	}

	failed := 0
	for i, u := range units {
		results[i] = d.await(ctx, cctx, u)
		if results[i].Err != nil {
			failed++
		}
		telemetry.ObserveCall(method, outcome(results[i].Err), time.Since(start))
	}

	var spanErr error
	if failed > 0 {
		spanErr = errors.Newf(errors.ErrCodeCallFailed, "%d of %d targets failed", failed, len(targets))
	}
	tracer.EndCallSpan(span, telemetry.CallSpanOptions{
		Method: method,
		Mode:   mode(timeout),
		Fanout: len(targets),
	}, spanErr)
	return results, nil
}

// Wait blocks until all detached calls have finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnitsCreated reports how many call units have ever been allocated.
func (d *Dispatcher) UnitsCreated() int {
	d.freeMu.Lock()
	defer d.freeMu.Unlock()
	return d.created
}

func (d *Dispatcher) prepare(method string, args []any) ([]json.RawMessage, error) {
	_, resolved, err := d.methods.Resolve(method, args)
	if err != nil {
		return nil, err
	}
	enc := make([]json.RawMessage, len(resolved))
	for i, a := range resolved {
		raw, err := encodeArg(a)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "encode argument of "+method)
		}
		enc[i] = raw
	}
	return enc, nil
}

func (d *Dispatcher) invoke(ctx context.Context, timeout time.Duration, method string, target Handle, args []json.RawMessage) (json.RawMessage, error) {
	if timeout < 0 {
		d.detach(ctx, method, target, args)
		return nil, nil
	}

	start := time.Now()
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartCallSpan(ctx, method)

	var (
		v   json.RawMessage
		err error
	)
	if timeout == 0 {
		v, err = d.transport.Invoke(ctx, target, method, args)
	} else {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		u := d.acquire(target, method, args)
		go d.run(cctx, u)
		r := d.await(ctx, cctx, u)
		cancel()
		v, err = r.Value, r.Err
	}

	d.finish(span, method, target, timeout, args, start, err)
	return v, err
}

// await waits for u or for cctx to end, preferring a result that is
// already available, then releases the caller's reference.
func (d *Dispatcher) await(ctx, cctx context.Context, u *unit) Result {
	defer d.release(u)
	r := Result{Target: u.target}
	select {
	case <-u.done:
		r.Value, r.Err = u.result, u.err
		return r
	case <-cctx.Done():
	}
	select {
	case <-u.done:
		r.Value, r.Err = u.result, u.err
	default:
		r.Err = abandoned(ctx, u.method, u.target)
	}
	return r
}

func (d *Dispatcher) run(ctx context.Context, u *unit) {
	u.result, u.err = d.transport.Invoke(ctx, u.target, u.method, u.args)
	close(u.done)
	d.release(u)
}

func (d *Dispatcher) detach(ctx context.Context, method string, target Handle, args []json.RawMessage) {
	ctx = context.WithoutCancel(ctx)
	d.detached.Add(1)
	go func() {
		defer d.detached.Done()
		cctx, cancel := context.WithTimeout(ctx, d.cfg.DetachedTimeout)
		defer cancel()

		_, err := d.transport.Invoke(cctx, target, method, args)
		telemetry.ObserveCall(method, outcome(err), 0)
		if err != nil {
			d.log.Warn("detached call failed", map[string]interface{}{
				"method": method,
				"target": string(target),
				"error":  err,
			})
		}
	}()
}

func (d *Dispatcher) finish(span trace.Span, method string, target Handle, timeout time.Duration, args []json.RawMessage, start time.Time, err error) {
	telemetry.ObserveCall(method, outcome(err), time.Since(start))
	opts := telemetry.CallSpanOptions{
		Method: method,
		Target: string(target),
		Mode:   mode(timeout),
	}
	tracer := telemetry.GetTracer()
	if tracer.Debug() {
		for _, a := range args {
			opts.Args = append(opts.Args, string(a))
		}
	}
	tracer.EndCallSpan(span, opts, err)
}

func (d *Dispatcher) acquire(target Handle, method string, args []json.RawMessage) *unit {
	d.freeMu.Lock()
	var u *unit
	if n := len(d.free); n > 0 {
		u = d.free[n-1]
		d.free = d.free[:n-1]
	} else {
		u = &unit{}
		d.created++
	}
	d.freeMu.Unlock()

	u.target = target
	u.method = method
	u.args = args
	u.done = make(chan struct{})
	u.refs.Store(2)
	return u
}

func (d *Dispatcher) release(u *unit) {
	if u.refs.Add(-1) != 0 {
		return
	}
	u.target, u.method, u.args = "", "", nil
	u.result, u.err, u.done = nil, nil, nil

	d.freeMu.Lock()
	if len(d.free) < maxFree {
		d.free = append(d.free, u)
	}
	d.freeMu.Unlock()
}

func abandoned(ctx context.Context, method string, target Handle) error {
	if ctx.Err() == context.Canceled {
		return errors.New(errors.ErrCodeCanceled, method+" canceled", errors.WithPeer(string(target)))
	}
	return errors.Timeout(method+" timed out", errors.WithPeer(string(target)))
}

func encodeArg(a any) (json.RawMessage, error) {
	switch v := a.(type) {
	case json.RawMessage:
		return v, nil
	case time.Duration:
		return json.Marshal(float64(v) / float64(time.Millisecond))
	}
	return json.Marshal(a)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeCallFailed, "decode result")
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := errors.Code(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}

func mode(timeout time.Duration) string {
	switch {
	case timeout < 0:
		return "detached"
	case timeout == 0:
		return "blocking"
	}
	return "timed"
}
