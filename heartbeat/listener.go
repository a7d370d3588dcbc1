package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/compreg/bus"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/logging"
	"github.com/vinayprograms/compreg/registry"
)

// Listener receives heartbeats addressed to one registry and feeds them
// to a Sink.
type Listener struct {
	bus     bus.MessageBus
	subject string
	sink    Sink
	timeout time.Duration
	log     *logging.Logger

	mu       sync.RWMutex
	lastSeen map[registry.Identity]time.Time
	rejected map[registry.Identity]errors.ErrorCode

	running atomic.Bool
	sub     bus.Subscription
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewListener creates a heartbeat listener.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultListenerConfig().Timeout
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}

	return &Listener{
		bus:      cfg.Bus,
		subject:  Wildcard(cfg.Registry),
		sink:     cfg.Sink,
		timeout:  timeout,
		log:      log.WithComponent("heartbeat"),
		lastSeen: make(map[registry.Identity]time.Time),
		rejected: make(map[registry.Identity]errors.ErrorCode),
	}, nil
}

// Start subscribes and begins delivering heartbeats to the sink.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Swap(true) {
		return ErrAlreadyStarted
	}

	sub, err := l.bus.Subscribe(l.subject)
	if err != nil {
		l.running.Store(false)
		return err
	}
	l.sub = sub

	ctx, l.cancel = context.WithCancel(ctx)
	l.doneCh = make(chan struct{})
	go l.run(ctx)
	return nil
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-l.sub.Messages():
			if !ok {
				return
			}
			l.process(ctx, msg)
		}
	}
}

func (l *Listener) process(ctx context.Context, msg *bus.Message) {
	hb, err := Unmarshal(msg.Data)
	if err != nil {
		l.log.Debug("dropping malformed heartbeat", map[string]interface{}{
			"subject": msg.Subject,
			"error":   err.Error(),
		})
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	err = l.sink.UpdateHeartbeat(callCtx, hb.Identity, hb.Snapshot)
	cancel()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		code := errors.Code(err)
		if code == "" {
			code = errors.ErrCodeInternal
		}
		if l.rejected[hb.Identity] != code {
			l.log.Warn("heartbeat rejected", map[string]interface{}{
				"identity": hb.Identity.String(),
				"code":     string(code),
			})
		}
		l.rejected[hb.Identity] = code
		return
	}
	delete(l.rejected, hb.Identity)
	l.lastSeen[hb.Identity] = time.Now()
}

// LastSeen returns when the last accepted heartbeat from id arrived.
func (l *Listener) LastSeen(id registry.Identity) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.lastSeen[id]
	return t, ok
}

// Rejected returns the code of the last rejection for id, if its most
// recent heartbeat was rejected.
func (l *Listener) Rejected(id registry.Identity) (errors.ErrorCode, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	code, ok := l.rejected[id]
	return code, ok
}

// Stop unsubscribes and waits for in-flight delivery.
func (l *Listener) Stop() error {
	if !l.running.Swap(false) {
		return ErrNotStarted
	}
	l.sub.Unsubscribe()
	l.cancel()
	<-l.doneCh
	return nil
}
