package mutex

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/logging"
	"github.com/vinayprograms/compreg/state"
)

const keyPrefix = "mutex."

// StoreMutex implements Mutex over state store locks.
type StoreMutex struct {
	store state.StateStore
	cfg   Config
	log   *logging.Logger

	mu   sync.Mutex
	held map[string]state.Lock

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewStoreMutex creates a mutex over store and starts its refresher.
func NewStoreMutex(store state.StateStore, cfg Config, log *logging.Logger) *StoreMutex {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = cfg.TTL / 3
	}
	if log == nil {
		log = logging.Nop()
	}
	m := &StoreMutex{
		store: store,
		cfg:   cfg,
		log:   log.WithComponent("mutex"),
		held:  make(map[string]state.Lock),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go m.refreshLoop()
	return m
}

// TryAcquire implements Mutex.
func (m *StoreMutex) TryAcquire(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[name]; ok {
		return true, nil
	}
	lock, err := m.store.Lock(ctx, keyPrefix+state.KeyToken(name), m.cfg.TTL)
	if stderrors.Is(err, state.ErrLockHeld) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "acquire "+name)
	}
	m.held[name] = lock
	return true, nil
}

// Release implements Mutex.
func (m *StoreMutex) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	lock, ok := m.held[name]
	delete(m.held, name)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	err := lock.Unlock(ctx)
	if err != nil && !stderrors.Is(err, state.ErrLockNotHeld) {
		return errors.Wrap(err, "release "+name)
	}
	return nil
}

// Held reports whether this process holds name.
func (m *StoreMutex) Held(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[name]
	return ok
}

// Close implements Mutex.
func (m *StoreMutex) Close() error {
	m.once.Do(func() {
		close(m.stop)
		<-m.done
	})

	m.mu.Lock()
	held := m.held
	m.held = make(map[string]state.Lock)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for name, lock := range held {
		if err := lock.Unlock(ctx); err != nil && !stderrors.Is(err, state.ErrLockNotHeld) {
			errs = append(errs, errors.Wrap(err, "release "+name))
		}
	}
	return errors.Join(errs...)
}

func (m *StoreMutex) refreshLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.refresh()
		}
	}
}

func (m *StoreMutex) refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefreshInterval)
	defer cancel()
	for name, lock := range m.held {
		if err := lock.Refresh(ctx); err != nil {
			m.log.Warn("lost mutex", map[string]interface{}{"name": name, "error": err})
			delete(m.held, name)
		}
	}
}
