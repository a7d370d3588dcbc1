package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/compreg/errors"
)

// --- Unit Tests ---

func rec(typ, name string, ifaces ...string) *Record {
	r := &Record{
		Identity:          Identity{Type: typ, Name: name},
		Host:              "h1",
		Interfaces:        ifaces,
		HeartbeatPeriod:   time.Second,
		RemainingRestarts: 2,
	}
	r.ApplyDefaults()
	return r
}

func admit(t *testing.T, tbl *Table, r *Record) *Record {
	t.Helper()
	stored, err := tbl.Claim(r, false)
	require.NoError(t, err)
	require.NoError(t, tbl.IndexInterfaces(r.Identity))
	require.NoError(t, tbl.MarkHeartbeat(r.Identity))
	return stored
}

func TestIdentity(t *testing.T) {
	id := Identity{Type: "Foo", Name: "A.1"}
	assert.Equal(t, "Foo/A.1", id.String())
	assert.Equal(t, "Foo.A_1", id.Token())

	parsed, err := ParseIdentity("Foo/A.1")
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseIdentity("Foo")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
	assert.True(t, Identity{}.IsZero())
}

func TestComponentStateTransitions(t *testing.T) {
	tests := []struct {
		from, to ComponentState
		ok       bool
	}{
		{StateInit, StateRegister, true},
		{StateRegister, StateRun, true},
		{StateRun, StateSuspend, true},
		{StateSuspend, StateRun, true},
		{StateRun, StateInit, false},
		{StateShutdown, StateRun, false},
		{StateDeregister, StateDeregister, true},
		{StateRun, "BOGUS", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestRecoveryStatePredicates(t *testing.T) {
	notify := map[RecoveryState]bool{
		RecoveryOK: false, RecoveryUnknown: false, RecoveryDown: false,
		RecoveryInRecovery: true, RecoveryDelay: true,
		RecoveryUnrecoverable: true, RecoveryNonexistent: true,
	}
	for state, want := range notify {
		assert.Equal(t, want, state.ShouldNotify(), state)
		assert.True(t, state.Valid())
	}
	assert.True(t, RecoveryDelay.Live())
	assert.False(t, RecoveryDown.Live())
	assert.True(t, RecoveryNonexistent.Recovering())
	assert.False(t, RecoveryDelay.Recovering())
}

func TestRecordDefaultsAndValidate(t *testing.T) {
	r := &Record{Identity: Identity{Type: "Foo", Name: "A"}}
	r.ApplyDefaults()
	assert.Equal(t, []string{"Foo/A"}, r.Groups)
	assert.Equal(t, []string{AnyUser}, r.AllowedUsers)
	assert.Equal(t, DefaultRecoveryMultiplier, r.RecoveryMultiplier)
	assert.NoError(t, r.Validate())

	bad := r.Clone()
	bad.Identity.Type = ""
	assert.Error(t, bad.Validate())

	bad = r.Clone()
	bad.MaxConnections = 1
	bad.CurrentConnections = 2
	assert.Error(t, bad.Validate())

	unlimited := r.Clone()
	unlimited.MaxConnections = 0
	unlimited.CurrentConnections = 100
	assert.NoError(t, unlimited.Validate())
	assert.True(t, unlimited.HasCapacity())
}

func TestRecordAccess(t *testing.T) {
	r := rec("Foo", "A")
	r.AllowedUsers = []string{"alice"}
	r.AllowedHosts = []string{"h2"}
	assert.True(t, r.AllowsUser("alice"))
	assert.False(t, r.AllowsUser("bob"))
	assert.True(t, r.AllowsHost("h2"))
	assert.False(t, r.AllowsHost("h3"))
	assert.True(t, r.SharesGroup(nil))
	assert.True(t, r.SharesGroup([]string{"x", "Foo/A"}))
	assert.False(t, r.SharesGroup([]string{"x"}))
}

func TestRecordCloneIsDeep(t *testing.T) {
	r := rec("Foo", "A", "Storage")
	r.Launch = &LaunchSpec{Command: "foo", Env: map[string]string{"K": "V"}}
	c := r.Clone()
	c.Interfaces[0] = "changed"
	c.Launch.Env["K"] = "changed"
	assert.Equal(t, "Storage", r.Interfaces[0])
	assert.Equal(t, "V", r.Launch.Env["K"])
}

func TestClaim_Uniqueness(t *testing.T) {
	tbl := NewTable(TableConfig{})
	admit(t, tbl, rec("Foo", "A"))

	_, err := tbl.Claim(rec("Foo", "A"), false)
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyExists))

	replaced, err := tbl.Claim(rec("Foo", "A"), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), replaced.Generation)
}

func TestClaim_RejectsInvalid(t *testing.T) {
	tbl := NewTable(TableConfig{})
	_, err := tbl.Claim(&Record{}, false)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestVisibilityOrdering(t *testing.T) {
	tbl := NewTable(TableConfig{})
	admit(t, tbl, rec("Foo", "A", "Storage"))

	assert.Len(t, tbl.Lookup("Foo"), 1)
	assert.Len(t, tbl.Lookup("Storage"), 1)
	assert.Len(t, tbl.Discoverable(), 1)

	gen, err := tbl.Hide(Identity{"Foo", "A"})
	require.NoError(t, err)
	assert.Empty(t, tbl.Lookup("Foo"))
	assert.Empty(t, tbl.Discoverable())
	assert.False(t, tbl.IsUsed(Identity{"Foo", "A"}))

	got, ok := tbl.Get(Identity{"Foo", "A"})
	require.True(t, ok)
	assert.Equal(t, StateDeregister, got.State)
	assert.Equal(t, RecoveryDown, got.RecoveryState)

	assert.True(t, tbl.Remove(Identity{"Foo", "A"}, gen))
	_, ok = tbl.Get(Identity{"Foo", "A"})
	assert.False(t, ok)
}

func TestRemove_StaleGenerationIsIgnored(t *testing.T) {
	tbl := NewTable(TableConfig{})
	id := Identity{"Foo", "A"}
	admit(t, tbl, rec("Foo", "A"))

	gen, err := tbl.Hide(id)
	require.NoError(t, err)
	admit(t, tbl, rec("Foo", "A"))

	assert.False(t, tbl.Remove(id, gen))
	assert.True(t, tbl.IsUsed(id))
	assert.Len(t, tbl.Lookup("Foo"), 1)
}

func TestSecondaryIndex_SharedInstanceName(t *testing.T) {
	tbl := NewTable(TableConfig{})
	admit(t, tbl, rec("Bar", "A"))
	admit(t, tbl, rec("Foo", "A", "Bar"))

	assert.Len(t, tbl.Lookup("Bar"), 2)
	assert.Len(t, tbl.Discoverable(), 2)

	gen, err := tbl.Hide(Identity{"Foo", "A"})
	require.NoError(t, err)
	require.True(t, tbl.Remove(Identity{"Foo", "A"}, gen))

	got := tbl.Lookup("Bar")
	require.Len(t, got, 1)
	assert.Equal(t, Identity{"Bar", "A"}, got[0].Identity)
}

func TestIsUsed_ShutdownFreesName(t *testing.T) {
	tbl := NewTable(TableConfig{})
	id := Identity{"Foo", "A"}
	admit(t, tbl, rec("Foo", "A"))

	_, err := tbl.Update(id, func(r *Record) error {
		r.State = StateShutdown
		return nil
	})
	require.NoError(t, err)
	assert.False(t, tbl.IsUsed(id))

	_, err = tbl.Claim(rec("Foo", "A"), false)
	require.NoError(t, err)
	assert.True(t, tbl.IsUsed(id))
}

func TestRegistriesAreNotIndexed(t *testing.T) {
	tbl := NewTable(TableConfig{})
	r := rec("Registry", "r2")
	r.IsRegistry = true
	admit(t, tbl, r)

	assert.Empty(t, tbl.Lookup("Registry"))
	assert.Len(t, tbl.Registries(), 1)
}

func TestMoveToRecovery(t *testing.T) {
	tbl := NewTable(TableConfig{})
	id := Identity{"Foo", "A"}
	admit(t, tbl, rec("Foo", "A"))

	assert.True(t, tbl.MoveToRecovery(id))
	assert.False(t, tbl.MoveToRecovery(id), "second trigger is a no-op")
	assert.True(t, tbl.InRecovery(id))
	assert.False(t, tbl.IsUsed(id))
	assert.Empty(t, tbl.HeartbeatSnapshot())

	_, err := tbl.SetRecoveryState(id, RecoveryInRecovery)
	require.NoError(t, err)

	updated, ok := tbl.SetRecovery(id, RecoveryInRecovery, 1)
	require.True(t, ok)
	assert.Equal(t, 1, updated.RemainingRestarts)

	// A fresh registration takes the identity back.
	stored := admit(t, tbl, rec("Foo", "A"))
	assert.Equal(t, RecoveryOK, stored.RecoveryState)
	assert.False(t, tbl.InRecovery(id))
	assert.Len(t, tbl.HeartbeatSnapshot(), 1)

	_, ok = tbl.SetRecovery(id, RecoveryUnrecoverable, 0)
	assert.False(t, ok, "a re-registered record is out of recovery's reach")
	got, _ := tbl.Get(id)
	assert.Equal(t, RecoveryOK, got.RecoveryState)
}

func TestHeartbeatPeriods(t *testing.T) {
	tbl := NewTable(TableConfig{})
	assert.Equal(t, time.Duration(0), tbl.MaxHeartbeatPeriod())

	a := rec("Foo", "A")
	a.HeartbeatPeriod = 2 * time.Second
	b := rec("Foo", "B")
	b.HeartbeatPeriod = 5 * time.Second
	admit(t, tbl, a)
	admit(t, tbl, b)
	assert.Equal(t, 5*time.Second, tbl.MaxHeartbeatPeriod())

	tbl.MoveToRecovery(b.Identity)
	assert.Equal(t, 2*time.Second, tbl.MaxHeartbeatPeriod())
}

func TestUpdate(t *testing.T) {
	tbl := NewTable(TableConfig{})
	admit(t, tbl, rec("Foo", "A"))

	got, err := tbl.Update(Identity{"Foo", "A"}, func(r *Record) error {
		r.CurrentConnections = 3
		r.Generation = 99
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentConnections)
	assert.Equal(t, uint64(1), got.Generation)

	_, err = tbl.Update(Identity{"Foo", "nope"}, func(*Record) error { return nil })
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestClockIsInjected(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tbl := NewTable(TableConfig{Now: func() time.Time { return fixed }})
	stored := admit(t, tbl, rec("Foo", "A"))
	assert.Equal(t, fixed, stored.LastCheckin)
	assert.Equal(t, fixed, stored.RegisteredAt)
}

func TestWatch(t *testing.T) {
	tbl := NewTable(TableConfig{})
	events, err := tbl.Watch()
	require.NoError(t, err)

	admit(t, tbl, rec("Foo", "A"))
	evt := <-events
	assert.Equal(t, EventAdded, evt.Type)
	assert.Equal(t, "A", evt.Record.Identity.Name)

	require.NoError(t, tbl.Close())
	for range events {
	}
	_, err = tbl.Watch()
	assert.True(t, errors.Is(err, errors.ErrCodeClosed))
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	tbl := NewTable(TableConfig{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tbl.Claim(rec("Foo", "A"), false); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPendingQueue(t *testing.T) {
	q := NewPendingQueue()
	a, b := Identity{"Foo", "A"}, Identity{"Foo", "B"}
	q.Push(PendingUpdate{Identity: a, Snapshot: Snapshot{CurrentConnections: 1}})
	q.Push(PendingUpdate{Identity: b, Snapshot: Snapshot{CurrentConnections: 5}})
	q.Push(PendingUpdate{Identity: a, Snapshot: Snapshot{CurrentConnections: 2}})
	assert.Equal(t, 2, q.Len())

	out := q.Drain()
	require.Len(t, out, 2)
	assert.Equal(t, a, out[0].Identity)
	assert.Equal(t, 2, out[0].Snapshot.CurrentConnections)
	assert.Equal(t, b, out[1].Identity)
	assert.Nil(t, q.Drain())

	q.Push(PendingUpdate{Identity: a})
	q.Discard(a)
	assert.Equal(t, 0, q.Len())
}
