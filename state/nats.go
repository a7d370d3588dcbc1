package state

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements StateStore using NATS JetStream KV.
type NATSStore struct {
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn `toml:"-"`

	// Bucket is the KV bucket name.
	Bucket string `toml:"bucket"`

	// History is the number of revisions to keep per key.
	// Default: 1
	History int `toml:"history"`

	// MaxValueSize is the maximum value size in bytes.
	// Default: 64KB
	MaxValueSize int32 `toml:"max_value_size"`

	// OpTimeout bounds each KV round trip when the caller's context has no
	// earlier deadline.
	OpTimeout time.Duration `toml:"op_timeout"`
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "compreg",
		History:      1,
		MaxValueSize: 64 * 1024,
		OpTimeout:    5 * time.Second,
	}
}

// NewNATSStore creates the bucket if needed and returns a store on it.
func NewNATSStore(ctx context.Context, cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Bucket, err)
	}

	return &NATSStore{kv: kv, config: cfg}, nil
}

func (s *NATSStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.OpTimeout)
}

func (s *NATSStore) check(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Get retrieves a value by key.
func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	kv, err := s.GetKeyValue(ctx, key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full entry.
func (s *NATSStore) GetKeyValue(ctx context.Context, key string) (*KeyValue, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	e, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return &KeyValue{Key: e.Key(), Value: e.Value(), Revision: e.Revision(), Modified: e.Created()}, nil
}

// Put stores a value. NATS KV has no per-key TTL here; ttl is ignored.
func (s *NATSStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.check(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := s.check(key); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Keys returns all keys matching a pattern. Lock entries are never listed.
func (s *NATSStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		if MatchPattern(lockPrefix+"*", key) {
			continue
		}
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Lock acquires a lock with an atomic create, or takes over an expired one
// with a revision-checked update.
func (s *NATSStore) Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	l := &natsLock{store: s, key: lockPrefix + key, owner: uuid.NewString(), ttl: ttl}
	rec := lockRecord{Owner: l.owner, Expires: time.Now().Add(ttl)}.encode()

	rev, err := s.kv.Create(ctx, l.key, rec)
	if err == nil {
		l.revision = rev
		return l, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	e, err := s.kv.Get(ctx, l.key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrLockHeld // released between calls; let the caller retry
		}
		return nil, fmt.Errorf("check lock: %w", err)
	}
	if held, ok := decodeLockRecord(e.Value()); ok && time.Now().Before(held.Expires) {
		return nil, ErrLockHeld
	}

	rev, err = s.kv.Update(ctx, l.key, rec, e.Revision())
	if err != nil {
		return nil, ErrLockHeld
	}
	l.revision = rev
	return l, nil
}

// Close marks the store closed. The connection belongs to the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}

type natsLock struct {
	store    *NATSStore
	key      string
	owner    string
	ttl      time.Duration
	revision uint64
	released atomic.Bool
}

func (l *natsLock) Unlock(ctx context.Context) error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}
	ctx, cancel := l.store.opContext(ctx)
	defer cancel()

	err := l.store.kv.Delete(ctx, l.key, jetstream.LastRevision(l.revision))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return ErrLockNotHeld
	}
	return nil
}

func (l *natsLock) Refresh(ctx context.Context) error {
	if l.released.Load() {
		return ErrLockNotHeld
	}
	ctx, cancel := l.store.opContext(ctx)
	defer cancel()

	rec := lockRecord{Owner: l.owner, Expires: time.Now().Add(l.ttl)}.encode()
	rev, err := l.store.kv.Update(ctx, l.key, rec, l.revision)
	if err != nil {
		l.released.Store(true)
		return ErrLockExpired
	}
	l.revision = rev
	return nil
}

func (l *natsLock) Key() string   { return l.key }
func (l *natsLock) Owner() string { return l.owner }
