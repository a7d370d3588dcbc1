package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/compreg/internal/natstest"
)

func newTestNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.URL = natstest.Run(t)
	cfg.MaxReconnects = 0
	b, err := NewNATSBus(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// --- Integration Tests ---

func TestNATSBus_PubSubWildcard(t *testing.T) {
	b := newTestNATSBus(t)

	sub, err := b.Subscribe("heartbeat.r1.>")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Conn().Flush())
	require.NoError(t, b.Publish("heartbeat.r1.Foo.A", []byte("beat")))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "beat", string(msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestNATSBus_RequestReply(t *testing.T) {
	b := newTestNATSBus(t)

	sub, err := b.Subscribe("svc.echo")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	go func() {
		for msg := range sub.Messages() {
			_ = b.Publish(msg.Reply, msg.Data)
		}
	}()
	require.NoError(t, b.Conn().Flush())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := b.Request(ctx, "svc.echo", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply.Data))
}

func TestNATSBus_NoResponders(t *testing.T) {
	b := newTestNATSBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := b.Request(ctx, "nobody.home", nil)
	assert.ErrorIs(t, err, ErrNoResponders)
}

func TestNATSBus_Timeout(t *testing.T) {
	b := newTestNATSBus(t)

	sub, err := b.Subscribe("svc.silent")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, b.Conn().Flush())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Request(ctx, "svc.silent", nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestNATSBus_InvalidSubject(t *testing.T) {
	b := newTestNATSBus(t)
	assert.ErrorIs(t, b.Publish("a.*", nil), ErrInvalidSubject)
	_, err := b.QueueSubscribe("a", "")
	assert.ErrorIs(t, err, ErrInvalidSubject)
}
