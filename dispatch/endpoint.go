package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vinayprograms/compreg/bus"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/logging"
	"github.com/vinayprograms/compreg/telemetry"
)

// Service handles calls addressed to one handle.
type Service interface {
	Serve(ctx context.Context, method string, args Args) (any, error)
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, method string, args Args) (any, error)

// Serve implements Service.
func (f ServiceFunc) Serve(ctx context.Context, method string, args Args) (any, error) {
	return f(ctx, method, args)
}

// Args are the encoded arguments of an inbound call.
type Args []json.RawMessage

// Len returns the argument count.
func (a Args) Len() int { return len(a) }

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return errors.Newf(errors.ErrCodeInvalidInput, "missing argument %d", i)
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "bad argument")
	}
	return nil
}

// String decodes argument i as a string.
func (a Args) String(i int) (string, error) {
	var s string
	err := a.Decode(i, &s)
	return s, err
}

// Int decodes argument i as an integer.
func (a Args) Int(i int) (int, error) {
	var n int
	err := a.Decode(i, &n)
	return n, err
}

// Duration decodes argument i, sent as milliseconds.
func (a Args) Duration(i int) (time.Duration, error) {
	var ms float64
	if err := a.Decode(i, &ms); err != nil {
		return 0, err
	}
	return durationMillis(ms), nil
}

// IsNull reports whether argument i is absent or JSON null.
func (a Args) IsNull(i int) bool {
	return i >= len(a) || string(a[i]) == "null"
}

// EndpointConfig configures an Endpoint.
type EndpointConfig struct {
	// MaxInFlight bounds concurrently served calls. Default: 64
	MaxInFlight int

	// Logger receives serve failures. Default: no-op.
	Logger *logging.Logger
}

// Endpoint serves a Service on the bus subject of a handle.
type Endpoint struct {
	handle Handle
	svc    Service
	bus    bus.MessageBus
	sub    bus.Subscription
	sem    chan struct{}
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Serve subscribes svc to h on b and starts answering calls.
func Serve(b bus.MessageBus, h Handle, svc Service, cfg EndpointConfig) (*Endpoint, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	sub, err := b.Subscribe(string(h))
	if err != nil {
		return nil, errors.Wrap(err, "subscribe "+string(h))
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		handle: h,
		svc:    svc,
		bus:    b,
		sub:    sub,
		sem:    make(chan struct{}, cfg.MaxInFlight),
		log:    cfg.Logger.WithComponent("endpoint").With("handle", string(h)),
		ctx:    ctx,
		cancel: cancel,
	}
	e.wg.Add(1)
	go e.loop()
	return e, nil
}

// Handle returns the served handle.
func (e *Endpoint) Handle() Handle { return e.handle }

func (e *Endpoint) loop() {
	defer e.wg.Done()
	for msg := range e.sub.Messages() {
		select {
		case e.sem <- struct{}{}:
		case <-e.ctx.Done():
			return
		}
		e.wg.Add(1)
		go func(msg *bus.Message) {
			defer e.wg.Done()
			defer func() { <-e.sem }()
			e.serveMessage(msg)
		}(msg)
	}
}

func (e *Endpoint) serveMessage(msg *bus.Message) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		e.log.Warn("dropping malformed call", map[string]interface{}{"error": err})
		if msg.Reply != "" {
			e.reply(msg.Reply, Reply{Error: errors.InvalidInput("malformed call envelope")})
		}
		return
	}

	ctx := telemetry.ExtractContext(e.ctx, telemetry.MapCarrier(env.Trace))
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartServeSpan(ctx, env.Method, string(e.handle))

	result, err := ServeCall(ctx, e.svc, env.Method, env.Args)
	tracer.EndSpan(span, err)

	if msg.Reply == "" {
		if err != nil {
			e.log.Debug("one-way call failed", map[string]interface{}{"method": env.Method, "error": err})
		}
		return
	}

	r := Reply{ID: env.ID, Result: result}
	if err != nil {
		r.Result = nil
		r.Error = errors.As(err)
	}
	e.reply(msg.Reply, r)
}

func (e *Endpoint) reply(subject string, r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		e.log.Error("encode reply", map[string]interface{}{"error": err})
		return
	}
	if err := e.bus.Publish(subject, data); err != nil {
		e.log.Debug("reply not delivered", map[string]interface{}{"error": err})
	}
}

// Close stops serving and waits for in-flight calls to finish.
func (e *Endpoint) Close() error {
	var err error
	e.once.Do(func() {
		err = e.sub.Unsubscribe()
		e.cancel()
		e.wg.Wait()
	})
	return err
}
