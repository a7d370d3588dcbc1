package state

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/compreg/internal/natstest"
)

// --- Integration Tests ---

func TestNATSStore(t *testing.T) {
	nc := natstest.Connect(t)

	runStoreSuite(t, func(t *testing.T) StateStore {
		bucket := "state_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
		s, err := NewNATSStore(context.Background(), NATSStoreConfig{Conn: nc, Bucket: bucket})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestNewNATSStore_NilConn(t *testing.T) {
	_, err := NewNATSStore(context.Background(), NATSStoreConfig{Bucket: "x"})
	require.Error(t, err)
}
