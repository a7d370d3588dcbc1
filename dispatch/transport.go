package dispatch

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/compreg/bus"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/telemetry"
)

// Transport delivers one encoded call to a target and returns the encoded
// result. It honours ctx for cancellation and deadlines.
type Transport interface {
	Invoke(ctx context.Context, target Handle, method string, args []json.RawMessage) (json.RawMessage, error)
}

// Envelope is the wire form of a call.
type Envelope struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Trace  map[string]string `json:"trace,omitempty"`
}

// Reply is the wire form of a call result. Exactly one of Result and Error
// is meaningful.
type Reply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errors.Error   `json:"error,omitempty"`
}

// BusTransport sends calls as bus requests to the handle's subject.
type BusTransport struct {
	bus bus.MessageBus
}

// NewBusTransport creates a transport over b.
func NewBusTransport(b bus.MessageBus) *BusTransport {
	return &BusTransport{bus: b}
}

// Invoke implements Transport.
func (t *BusTransport) Invoke(ctx context.Context, target Handle, method string, args []json.RawMessage) (json.RawMessage, error) {
	env := Envelope{
		ID:     uuid.NewString(),
		Method: method,
		Args:   args,
		Trace:  telemetry.MapCarrier{},
	}
	telemetry.InjectContext(ctx, telemetry.MapCarrier(env.Trace))

	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encode call "+method)
	}

	msg, err := t.bus.Request(ctx, string(target), data)
	if err != nil {
		return nil, mapBusError(err, target, method)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, errors.New(errors.ErrCodeCallFailed, "malformed reply to "+method,
			errors.WithPeer(string(target)), errors.WithCause(err))
	}
	if reply.Error != nil {
		return nil, reply.Error
	}
	return reply.Result, nil
}

func mapBusError(err error, target Handle, method string) error {
	peer := errors.WithPeer(string(target))
	switch {
	case stderrors.Is(err, bus.ErrNoResponders):
		return errors.Unreachable("no endpoint for "+string(target), peer)
	case stderrors.Is(err, bus.ErrTimeout), stderrors.Is(err, context.DeadlineExceeded):
		return errors.Timeout(method+" timed out", peer)
	case stderrors.Is(err, context.Canceled):
		return errors.New(errors.ErrCodeCanceled, method+" canceled", peer)
	case stderrors.Is(err, bus.ErrClosed):
		return errors.Closed("bus")
	}
	return errors.New(errors.ErrCodeCallFailed, method+" failed", peer, errors.WithCause(err))
}

// LocalTransport calls services registered in the same process. It is used
// by tests and by a registry calling itself.
type LocalTransport struct {
	mu       sync.RWMutex
	services map[Handle]Service
	latency  time.Duration
}

// NewLocalTransport creates an empty in-process transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{services: make(map[Handle]Service)}
}

// Register serves svc under h, replacing any previous service.
func (t *LocalTransport) Register(h Handle, svc Service) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.services[h] = svc
}

// Unregister removes the service at h. Later calls to h are UNREACHABLE.
func (t *LocalTransport) Unregister(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.services, h)
}

// SetLatency delays every call by d before the service runs.
func (t *LocalTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Invoke implements Transport.
func (t *LocalTransport) Invoke(ctx context.Context, target Handle, method string, args []json.RawMessage) (json.RawMessage, error) {
	t.mu.RLock()
	svc, ok := t.services[target]
	latency := t.latency
	t.mu.RUnlock()
	if !ok {
		return nil, errors.Unreachable("no endpoint for "+string(target), errors.WithPeer(string(target)))
	}

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, mapBusError(ctx.Err(), target, method)
		}
	}

	result, err := ServeCall(ctx, svc, method, args)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ServeCall runs a service method, converting panics and unstructured
// errors into structured ones and encoding the result.
func ServeCall(ctx context.Context, svc Service, method string, args []json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()

	v, err := svc.Serve(ctx, method, Args(args))
	if err != nil {
		if se := errors.As(err); se != nil {
			return nil, se
		}
		if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Wrap(err, method+" aborted")
		}
		return nil, errors.New(errors.ErrCodeCallFailed, err.Error())
	}
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode result of "+method)
	}
	return data, nil
}
