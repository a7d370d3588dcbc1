package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/compreg/bus"
	"github.com/vinayprograms/compreg/logging"
	"github.com/vinayprograms/compreg/registry"
)

// BusSender sends heartbeats over a message bus.
type BusSender struct {
	bus      bus.MessageBus
	subject  string
	identity registry.Identity
	interval time.Duration
	log      *logging.Logger

	mu   sync.RWMutex
	snap registry.Snapshot

	sent    atomic.Int64
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBusSender creates a new heartbeat sender.
func NewBusSender(cfg SenderConfig) (*BusSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}

	return &BusSender{
		bus:      cfg.Bus,
		subject:  Subject(cfg.Registry, cfg.Identity),
		identity: cfg.Identity,
		interval: interval,
		log:      log.WithComponent("heartbeat"),
		snap:     registry.Snapshot{State: registry.StateRegister},
	}, nil
}

// Start begins sending heartbeats at the configured interval.
func (s *BusSender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *BusSender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.send()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.send()
		}
	}
}

func (s *BusSender) send() {
	hb := &Heartbeat{
		Identity:  s.identity,
		Timestamp: time.Now(),
		Snapshot:  s.Snapshot(),
	}
	data, err := hb.Marshal()
	if err == nil {
		err = s.bus.Publish(s.subject, data)
	}
	if err != nil {
		s.log.Warn("heartbeat publish failed", map[string]interface{}{
			"identity": s.identity.String(),
			"error":    err.Error(),
		})
		return
	}
	s.sent.Add(1)
}

// Snapshot returns a copy of the state reported in heartbeats.
func (s *BusSender) Snapshot() registry.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	snap.Peers = append([]registry.Identity(nil), s.snap.Peers...)
	snap.Clients = append([]registry.Identity(nil), s.snap.Clients...)
	return snap
}

// SetState updates the lifecycle state included in heartbeats.
func (s *BusSender) SetState(state registry.ComponentState) {
	s.mu.Lock()
	s.snap.State = state
	s.mu.Unlock()
}

// SetConnections updates the connection count.
func (s *BusSender) SetConnections(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	s.snap.CurrentConnections = n
	s.mu.Unlock()
}

// SetPeers replaces the components this one depends on.
func (s *BusSender) SetPeers(peers ...registry.Identity) {
	s.mu.Lock()
	s.snap.Peers = append([]registry.Identity(nil), peers...)
	s.mu.Unlock()
}

// SetClients replaces the components this one serves.
func (s *BusSender) SetClients(clients ...registry.Identity) {
	s.mu.Lock()
	s.snap.Clients = append([]registry.Identity(nil), clients...)
	s.mu.Unlock()
}

// Stop stops sending heartbeats.
func (s *BusSender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Sent returns how many heartbeats were published.
func (s *BusSender) Sent() int64 {
	return s.sent.Load()
}

// Identity returns the sender's identity.
func (s *BusSender) Identity() registry.Identity {
	return s.identity
}
