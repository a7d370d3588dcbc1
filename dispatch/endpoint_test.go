package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/compreg/bus"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/internal/natstest"
)

// --- Unit Tests ---

func TestArgs(t *testing.T) {
	args := Args{[]byte(`"s"`), []byte(`7`), []byte(`250`), []byte(`null`)}

	s, err := args.String(0)
	require.NoError(t, err)
	assert.Equal(t, "s", s)

	n, err := args.Int(1)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	d, err := args.Duration(2)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	assert.True(t, args.IsNull(3))
	assert.True(t, args.IsNull(9))
	assert.False(t, args.IsNull(0))

	_, err = args.String(9)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
	_, err = args.Int(0)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestServe_RejectsBadHandle(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	_, err := Serve(b, "", slowService(nil), EndpointConfig{})
	assert.Error(t, err)
}

// --- Integration Tests ---

func runEndpointSuite(t *testing.T, b bus.MessageBus) {
	ep, err := Serve(b, "component.Foo.A", slowService(nil), EndpointConfig{MaxInFlight: 4})
	require.NoError(t, err)
	defer ep.Close()
	assert.Equal(t, Handle("component.Foo.A"), ep.Handle())

	mt := NewMethodTable(
		MethodSpec{Name: "echo", Params: []Kind{KindString}},
		MethodSpec{Name: "sleep", Params: []Kind{KindDuration}},
		MethodSpec{Name: "fail"},
	)
	d := New(NewBusTransport(b), mt, DefaultConfig())
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		var out string
		require.NoError(t, d.CallInto(ctx, time.Second, "echo", "component.Foo.A", &out, "over the bus"))
		assert.Equal(t, "over the bus", out)
	})

	t.Run("error code survives", func(t *testing.T) {
		_, err := d.Call(ctx, time.Second, "fail", "component.Foo.A")
		assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
	})

	t.Run("no responder is unreachable", func(t *testing.T) {
		_, err := d.Call(ctx, time.Second, "echo", "component.Foo.Nobody", "x")
		assert.True(t, errors.Is(err, errors.ErrCodeUnreachable))
	})

	t.Run("timeout", func(t *testing.T) {
		start := time.Now()
		_, err := d.Call(ctx, 50*time.Millisecond, "sleep", "component.Foo.A", 5*time.Second)
		assert.True(t, errors.Is(err, errors.ErrCodeTimeout))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("fan-out", func(t *testing.T) {
		results, err := d.CallConcurrent(ctx, time.Second, "echo",
			[]Handle{"component.Foo.A", "component.Foo.Nobody", "component.Foo.A"}, "x")
		require.NoError(t, err)
		assert.NoError(t, results[0].Err)
		assert.True(t, errors.Is(results[1].Err, errors.ErrCodeUnreachable))
		assert.NoError(t, results[2].Err)
	})

	t.Run("closed endpoint is unreachable", func(t *testing.T) {
		other, err := Serve(b, "component.Foo.B", slowService(nil), EndpointConfig{})
		require.NoError(t, err)
		require.NoError(t, other.Close())
		_, err = d.Call(ctx, time.Second, "echo", "component.Foo.B", "x")
		assert.True(t, errors.Is(err, errors.ErrCodeUnreachable))
	})
}

func TestEndpoint_MemoryBus(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	runEndpointSuite(t, b)
}

func TestEndpoint_NATSBus(t *testing.T) {
	conn := natstest.Connect(t)
	b := bus.NewNATSBusFromConn(conn, bus.DefaultNATSConfig())
	defer b.Close()
	runEndpointSuite(t, b)
}
