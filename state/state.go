package state

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound    = errors.New("key not found")
	ErrClosed      = errors.New("store closed")
	ErrLockHeld    = errors.New("lock already held")
	ErrLockNotHeld = errors.New("lock not held")
	ErrLockExpired = errors.New("lock expired")
	ErrInvalidKey  = errors.New("invalid key")
	ErrInvalidTTL  = errors.New("invalid TTL")
)

// lockPrefix namespaces lock entries away from ordinary keys.
const lockPrefix = "_lock."

// KeyValue is a stored entry with metadata.
type KeyValue struct {
	Key      string
	Value    []byte
	Revision uint64
	Modified time.Time
}

// StateStore is a shared key-value store with TTL'd locks. The registry uses
// it for its presence entry and for cross-registry recovery locks.
type StateStore interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetKeyValue retrieves the full entry.
	GetKeyValue(ctx context.Context, key string) (*KeyValue, error)

	// Put stores a value. A ttl of 0 never expires. Backends without per-key
	// expiry ignore ttl; callers that need staleness checks store their own
	// deadline in the value.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Returns nil if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys matching a pattern ("prefix.*" or exact).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Lock acquires an exclusive lock without blocking.
	// Returns ErrLockHeld if another owner holds an unexpired lock.
	Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// Lock represents an acquired lock.
type Lock interface {
	// Unlock releases the lock.
	// Returns ErrLockNotHeld if already released or taken over.
	Unlock(ctx context.Context) error

	// Refresh extends the lock TTL.
	// Returns ErrLockExpired if the lock expired or was taken over.
	Refresh(ctx context.Context) error

	// Key returns the lock key.
	Key() string

	// Owner returns the unique token of this holder.
	Owner() string
}

// lockRecord is the stored value of a lock entry.
type lockRecord struct {
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires"`
}

func (r lockRecord) encode() []byte {
	data, _ := json.Marshal(r)
	return data
}

func decodeLockRecord(data []byte) (lockRecord, bool) {
	var r lockRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return r, false
	}
	return r, true
}

// ValidateKey checks if a key is usable by every backend: non-empty, at
// most 1024 bytes, made of [-/_=.a-zA-Z0-9] and not starting or ending
// with a dot.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	for _, r := range key {
		if !keyRune(r) {
			return ErrInvalidKey
		}
	}
	return nil
}

// KeyToken maps s onto the key alphabet, replacing anything else with '_'.
// Dots are replaced too so the result is a single key segment.
func KeyToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		if keyRune(r) && r != '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func keyRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '/', r == '_', r == '=', r == '.':
		return true
	}
	return false
}

// ValidateTTL checks if a TTL is valid.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern checks if a key matches a pattern.
// Supports * wildcard at the end (e.g., "presence.*" matches "presence.r1").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}
