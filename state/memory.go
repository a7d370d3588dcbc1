package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements StateStore using in-memory storage.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	revision uint64
	closed   atomic.Bool

	cleanupTicker *time.Ticker
	done          chan struct{}
}

type entry struct {
	value    []byte
	revision uint64
	modified time.Time
	expires  time.Time // Zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data:          make(map[string]*entry),
		cleanupTicker: time.NewTicker(time.Second),
		done:          make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
		}
	}
}

func (s *MemoryStore) lookup(key string) (*entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return e, nil
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	kv, err := s.GetKeyValue(ctx, key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full entry.
func (s *MemoryStore) GetKeyValue(_ context.Context, key string) (*KeyValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	val := make([]byte, len(e.value))
	copy(val, e.value)
	return &KeyValue{Key: key, Value: val, Revision: e.revision, Modified: e.modified}, nil
}

// Put stores a value with optional TTL.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, ttl)
	return nil
}

// put stores a copy of value. Caller holds s.mu.
func (s *MemoryStore) put(key string, value []byte, ttl time.Duration) uint64 {
	now := time.Now()
	s.revision++

	val := make([]byte, len(value))
	copy(val, value)

	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	s.data[key] = &entry{value: val, revision: s.revision, modified: now, expires: expires}
	return s.revision
}

// Delete removes a key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Keys returns all keys matching a pattern. Lock entries are never listed.
func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var keys []string
	for key, e := range s.data {
		if e.expired(now) || MatchPattern(lockPrefix+"*", key) {
			continue
		}
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Lock acquires a lock, taking over an expired one.
func (s *MemoryStore) Lock(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lockKey := lockPrefix + key
	now := time.Now()
	if e, ok := s.data[lockKey]; ok {
		if rec, ok := decodeLockRecord(e.value); ok && now.Before(rec.Expires) {
			return nil, ErrLockHeld
		}
	}

	l := &memoryLock{store: s, key: lockKey, owner: uuid.NewString(), ttl: ttl}
	s.put(lockKey, lockRecord{Owner: l.owner, Expires: now.Add(ttl)}.encode(), 0)
	return l, nil
}

// Close shuts down the store.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	s.cleanupTicker.Stop()

	s.mu.Lock()
	s.data = make(map[string]*entry)
	s.mu.Unlock()
	return nil
}

type memoryLock struct {
	store    *MemoryStore
	key      string
	owner    string
	ttl      time.Duration
	released atomic.Bool
}

// holds reports whether the stored record still belongs to l. Caller holds
// store.mu.
func (l *memoryLock) holds(now time.Time) bool {
	e, ok := l.store.data[l.key]
	if !ok {
		return false
	}
	rec, ok := decodeLockRecord(e.value)
	return ok && rec.Owner == l.owner && now.Before(rec.Expires)
}

func (l *memoryLock) Unlock(_ context.Context) error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	if e, ok := l.store.data[l.key]; ok {
		if rec, ok := decodeLockRecord(e.value); ok && rec.Owner == l.owner {
			delete(l.store.data, l.key)
			return nil
		}
	}
	return ErrLockNotHeld
}

func (l *memoryLock) Refresh(_ context.Context) error {
	if l.released.Load() {
		return ErrLockNotHeld
	}
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	now := time.Now()
	if !l.holds(now) {
		l.released.Store(true)
		return ErrLockExpired
	}
	l.store.put(l.key, lockRecord{Owner: l.owner, Expires: now.Add(l.ttl)}.encode(), 0)
	return nil
}

func (l *memoryLock) Key() string   { return l.key }
func (l *memoryLock) Owner() string { return l.owner }
