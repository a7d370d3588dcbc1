// Package natstest runs an embedded JetStream-enabled NATS server for tests.
package natstest

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// Run starts an embedded server on a random port and returns its client URL.
// The server is shut down when the test finishes. Skipped in -short mode.
func Run(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}

	srv, err := server.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	require.Eventually(t, func() bool {
		return srv.JetStreamEnabled()
	}, 5*time.Second, 50*time.Millisecond, "embedded NATS server not ready for JetStream")

	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	return srv.ClientURL()
}

// Connect starts a server and returns a connection to it, closed on cleanup.
func Connect(t *testing.T) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(Run(t))
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}
