package state

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) StateStore) {
	ctx := context.Background()

	t.Run("get put delete", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "presence.r1")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Put(ctx, "presence.r1", []byte("v1"), 0))
		got, err := s.Get(ctx, "presence.r1")
		require.NoError(t, err)
		assert.Equal(t, "v1", string(got))

		require.NoError(t, s.Put(ctx, "presence.r1", []byte("v2"), 0))
		kv, err := s.GetKeyValue(ctx, "presence.r1")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(kv.Value))
		assert.NotZero(t, kv.Revision)

		require.NoError(t, s.Delete(ctx, "presence.r1"))
		require.NoError(t, s.Delete(ctx, "presence.r1"))
		_, err = s.Get(ctx, "presence.r1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("keys by prefix skip locks", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "presence.r1", []byte("a"), 0))
		require.NoError(t, s.Put(ctx, "presence.r2", []byte("b"), 0))
		require.NoError(t, s.Put(ctx, "other.x", []byte("c"), 0))
		_, err := s.Lock(ctx, "presence.lock", time.Minute)
		require.NoError(t, err)

		keys, err := s.Keys(ctx, "presence.*")
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, []string{"presence.r1", "presence.r2"}, keys)
	})

	t.Run("lock exclusive until unlock", func(t *testing.T) {
		s := newStore(t)
		l1, err := s.Lock(ctx, "recovery.h1.Foo.A", time.Minute)
		require.NoError(t, err)
		assert.NotEmpty(t, l1.Owner())

		_, err = s.Lock(ctx, "recovery.h1.Foo.A", time.Minute)
		assert.ErrorIs(t, err, ErrLockHeld)

		require.NoError(t, l1.Refresh(ctx))
		require.NoError(t, l1.Unlock(ctx))
		assert.ErrorIs(t, l1.Unlock(ctx), ErrLockNotHeld)

		l2, err := s.Lock(ctx, "recovery.h1.Foo.A", time.Minute)
		require.NoError(t, err)
		assert.NotEqual(t, l1.Owner(), l2.Owner())
	})

	t.Run("expired lock is taken over", func(t *testing.T) {
		s := newStore(t)
		old, err := s.Lock(ctx, "recovery.h1.Foo.B", 50*time.Millisecond)
		require.NoError(t, err)

		time.Sleep(80 * time.Millisecond)
		fresh, err := s.Lock(ctx, "recovery.h1.Foo.B", time.Minute)
		require.NoError(t, err)

		assert.ErrorIs(t, old.Refresh(ctx), ErrLockExpired)
		_, err = s.Lock(ctx, "recovery.h1.Foo.B", time.Minute)
		assert.ErrorIs(t, err, ErrLockHeld)
		require.NoError(t, fresh.Unlock(ctx))
	})

	t.Run("validation", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.Put(ctx, "", nil, 0), ErrInvalidKey)
		assert.ErrorIs(t, s.Put(ctx, "bad key", nil, 0), ErrInvalidKey)
		assert.ErrorIs(t, s.Put(ctx, "k", nil, -time.Second), ErrInvalidTTL)
		_, err := s.Lock(ctx, "k", 0)
		assert.ErrorIs(t, err, ErrInvalidTTL)
	})

	t.Run("closed", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		_, err := s.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, s.Put(ctx, "k", nil, 0), ErrClosed)
	})
}

// --- Unit Tests ---

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) StateStore {
		s := NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Put(ctx, "presence.r1", []byte("x"), 30*time.Millisecond))
	_, err := s.Get(ctx, "presence.r1")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, err = s.Get(ctx, "presence.r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key string
		ok  bool
	}{
		{"presence.r1", true},
		{"_lock.recovery.h-1.Foo.A", true},
		{"a/b=c", true},
		{"", false},
		{".lead", false},
		{"trail.", false},
		{"has space", false},
		{"colon:key", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, ValidateKey(tt.key) == nil, tt.key)
	}
}

func TestKeyToken(t *testing.T) {
	assert.Equal(t, "Foo_Bar", KeyToken("Foo.Bar"))
	assert.Equal(t, "host_1_8080", KeyToken("host 1:8080"))
	assert.Equal(t, "_", KeyToken(""))
}

func TestMatchPattern(t *testing.T) {
	assert.True(t, MatchPattern("*", "anything"))
	assert.True(t, MatchPattern("presence.*", "presence.r1"))
	assert.False(t, MatchPattern("presence.*", "other.r1"))
	assert.True(t, MatchPattern("exact", "exact"))
}
