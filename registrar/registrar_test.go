package registrar

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vinayprograms/compreg/credentials"
	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/hosts"
	"github.com/vinayprograms/compreg/mutex"
	"github.com/vinayprograms/compreg/presence"
	"github.com/vinayprograms/compreg/recovery"
	"github.com/vinayprograms/compreg/registry"
	"github.com/vinayprograms/compreg/state"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeComponent records the callbacks a registry makes to a component.
type fakeComponent struct {
	mu        sync.Mutex
	announced []registry.Identity
	peerInfos []registry.PeerInfo
	levels    []string
	shutdowns int
	pings     int
}

func (c *fakeComponent) Serve(_ context.Context, method string, args dispatch.Args) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch method {
	case MethodPing:
		c.pings++
		return true, nil
	case MethodShutdown:
		c.shutdowns++
		return nil, nil
	case MethodSetLogLevel:
		level, err := args.String(0)
		if err != nil {
			return nil, err
		}
		c.levels = append(c.levels, level)
		return nil, nil
	case MethodNewComponent:
		var rec registry.Record
		if err := args.Decode(0, &rec); err != nil {
			return nil, err
		}
		c.announced = append(c.announced, rec.Identity)
		return nil, nil
	case MethodPeerInfoChanged:
		var info registry.PeerInfo
		if err := args.Decode(0, &info); err != nil {
			return nil, err
		}
		c.peerInfos = append(c.peerInfos, info)
		return nil, nil
	}
	return nil, errors.MethodNotFound(method, "")
}

func (c *fakeComponent) Announced() []registry.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]registry.Identity(nil), c.announced...)
}

func (c *fakeComponent) Levels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.levels...)
}

func (c *fakeComponent) PeerInfos() []registry.PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]registry.PeerInfo(nil), c.peerInfos...)
}

func (c *fakeComponent) Shutdowns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdowns
}

// fakeStarter accepts launches and optionally runs onLaunch.
type fakeStarter struct {
	launches atomic.Int32
	onLaunch func(rec *registry.Record)
}

func (s *fakeStarter) Launch(_ context.Context, _ *hosts.Descriptor, rec *registry.Record) error {
	s.launches.Add(1)
	if s.onLaunch != nil {
		s.onLaunch(rec)
	}
	return nil
}

func (s *fakeStarter) Reachable(context.Context, *hosts.Descriptor) bool { return true }

func (s *fakeStarter) HasCapabilities(context.Context, *hosts.Descriptor, []string) bool {
	return true
}

// testEnv is an in-process federation: one transport, one dispatcher and
// shared collaborators.
type testEnv struct {
	lt    *dispatch.LocalTransport
	disp  *dispatch.Dispatcher
	clock *fakeClock
	creds *credentials.MemoryStore
	hosts *hosts.MemoryDirectory
	store state.StateStore
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	lt := dispatch.NewLocalTransport()
	e := &testEnv{
		lt:    lt,
		disp:  dispatch.New(lt, NewMethodTable(), dispatch.Config{DetachedTimeout: time.Second}),
		clock: newFakeClock(),
		creds: credentials.NewMemoryStore(credentials.MemoryConfig{Cost: bcrypt.MinCost}),
		hosts: hosts.NewMemoryDirectory(hosts.Descriptor{ID: "H"}, hosts.Descriptor{ID: "H2"}),
		store: state.NewMemoryStore(),
	}
	t.Cleanup(func() { e.store.Close() })
	return e
}

func testRecoveryConfig() recovery.Config {
	return recovery.Config{
		Workers:           2,
		Backoff:           5 * time.Millisecond,
		ReregisterTimeout: 30 * time.Millisecond,
		LockRetry:         5 * time.Millisecond,
		PollInterval:      2 * time.Millisecond,
	}
}

// newRegistrar builds a registry served on the env's transport. It is not
// started: tests drive the reaper with ReapOnce.
func (e *testEnv) newRegistrar(t *testing.T, name string, mod func(*Config, *Deps)) *Registrar {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.Host = "H"
	cfg.Now = e.clock.Now
	cfg.ProbeTimeout = 100 * time.Millisecond
	cfg.FederationTimeout = time.Second
	cfg.Recovery = testRecoveryConfig()
	cfg.OnFatal = func(code int, err error) { t.Errorf("unexpected fatal exit %d: %v", code, err) }

	deps := Deps{
		Dispatcher:  e.disp,
		Credentials: e.creds,
		Hosts:       e.hosts,
	}
	if mod != nil {
		mod(&cfg, &deps)
	}
	r, err := New(cfg, deps)
	require.NoError(t, err)
	e.lt.Register(r.Self().Handle, r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

// component registers a fake component service at handle.
func (e *testEnv) component(handle string) *fakeComponent {
	c := &fakeComponent{}
	e.lt.Register(dispatch.Handle(handle), c)
	return c
}

func record(typ, name, handle string) *registry.Record {
	return &registry.Record{
		Identity: registry.Identity{Type: typ, Name: name},
		Host:     "H",
		Handle:   dispatch.Handle(handle),
	}
}

func foo(name string) registry.Identity {
	return registry.Identity{Type: "Foo", Name: name}
}

// --- Unit Tests ---

func TestNew_Validation(t *testing.T) {
	e := newEnv(t)

	_, err := New(Config{Host: "H"}, Deps{Dispatcher: e.disp, Credentials: e.creds, Hosts: e.hosts})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = New(Config{Name: "R", Host: "H"}, Deps{})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	r, err := New(Config{Name: "R", Host: "H"}, Deps{Dispatcher: e.disp, Credentials: e.creds, Hosts: e.hosts})
	require.NoError(t, err)
	assert.Equal(t, dispatch.Handle("registry.R"), r.Self().Handle)
	assert.True(t, r.Self().IsRegistry)
	assert.Nil(t, r.Recovery(), "no starter, no recovery")
	assert.Equal(t, time.Second, r.ReaperPeriod())
}

func TestRegister_GeneratesNames(t *testing.T) {
	e := newEnv(t)
	r := e.newRegistrar(t, "R1", nil)
	ctx := context.Background()

	id1, err := r.Register(ctx, record("Foo", "", "c.1"), "", false)
	require.NoError(t, err)
	id2, err := r.Register(ctx, record("Foo", "", "c.2"), "", false)
	require.NoError(t, err)
	id3, err := r.Register(ctx, record("pkg.Bar", "", "c.3"), "", false)
	require.NoError(t, err)

	assert.Equal(t, foo("Foo1"), id1)
	assert.Equal(t, foo("Foo2"), id2)
	assert.Equal(t, registry.Identity{Type: "pkg.Bar", Name: "Bar1"}, id3)
}

func TestRegister_SkipsTakenGeneratedName(t *testing.T) {
	e := newEnv(t)
	r := e.newRegistrar(t, "R1", nil)
	ctx := context.Background()

	_, err := r.Register(ctx, record("Foo", "Foo1", "c.1"), "", false)
	require.NoError(t, err)
	id, err := r.Register(ctx, record("Foo", "", "c.2"), "", false)
	require.NoError(t, err)
	assert.Equal(t, foo("Foo2"), id)
}

func TestRegister_Rejections(t *testing.T) {
	e := newEnv(t)
	r := e.newRegistrar(t, "R1", nil)
	ctx := context.Background()

	_, err := r.Register(ctx, record("", "x", "c.x"), "", false)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "empty type: %v", err)

	_, err = r.Register(ctx, record("Foo", "A", "c.a"), "", false)
	require.NoError(t, err)
	_, err = r.Register(ctx, record("Foo", "A", "c.a2"), "", false)
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyExists), "duplicate: %v", err)

	rec := record("Foo", "B", "c.b")
	rec.Host = "nowhere"
	_, err = r.Register(ctx, rec, "", false)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound), "unknown host: %v", err)
	assert.False(t, r.IsUsed(foo("B")), "rejected registration must not claim the name")

	_, err = r.Register(ctx, nil, "", false)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestRegister_DefaultsAndIndexing(t *testing.T) {
	e := newEnv(t)
	r := e.newRegistrar(t, "R1", nil)
	ctx := context.Background()

	rec := record("Foo", "A", "c.a")
	rec.Interfaces = []string{"Store"}
	rec.HeartbeatPeriod = 2 * time.Second
	_, err := r.Register(ctx, rec, "", false)
	require.NoError(t, err)

	got, ok := r.Table().Get(foo("A"))
	require.True(t, ok)
	assert.Equal(t, []string{"Foo/A"}, got.Groups)
	assert.Equal(t, registry.DefaultRecoveryMultiplier, got.RecoveryMultiplier)
	assert.Equal(t, registry.RecoveryOK, got.RecoveryState)

	assert.Len(t, r.Table().Lookup("Store"), 1)
	assert.Len(t, r.Table().HeartbeatSnapshot(), 1)
	assert.Equal(t, 4*time.Second, r.ReaperPeriod())
}

func TestDeregister_TwoPhase(t *testing.T) {
	e := newEnv(t)
	r := e.newRegistrar(t, "R1", nil)
	ctx := context.Background()

	rec := record("Foo", "A", "c.a")
	rec.HeartbeatPeriod = 3 * time.Second
	_, err := r.Register(ctx, rec, "s3cret", false)
	require.NoError(t, err)

	all, err := r.GetAllApplicableComponents(ctx, nil, false)
	require.NoError(t, err)
	require.Len(t, all, 1, "visible right after register")

	err = r.Deregister(ctx, foo("A"), "wrong")
	assert.True(t, errors.Is(err, errors.ErrCodeAccessDenied), "bad password: %v", err)

	require.NoError(t, r.Deregister(ctx, foo("A"), "s3cret"))
	all, err = r.GetAllApplicableComponents(ctx, nil, false)
	require.NoError(t, err)
	assert.Empty(t, all, "hidden right after deregister")

	_, err = e.creds.Verify(ctx, "Foo/A", "s3cret")
	assert.True(t, errors.Is(err, errors.ErrCodeAccessDenied), "credential revoked")

	require.Eventually(t, func() bool {
		_, ok := r.Table().Get(foo("A"))
		return !ok
	}, time.Second, 5*time.Millisecond, "phase two removes the record")
	assert.Equal(t, time.Second, r.ReaperPeriod(), "period recomputed after removal")

	err = r.Deregister(ctx, foo("A"), "s3cret")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestDeregister_ReregisterSurvivesPhaseTwo(t *testing.T) {
	e := newEnv(t)
	r := e.newRegistrar(t, "R1", nil)
	ctx := context.Background()

	_, err := r.Register(ctx, record("Foo", "A", "c.a"), "", false)
	require.NoError(t, err)
	require.NoError(t, r.Deregister(ctx, foo("A"), ""))
	_, err = r.Register(ctx, record("Foo", "A", "c.a"), "", false)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.True(t, r.IsUsed(foo("A")))
}

func TestRequestConnection(t *testing.T) {
	e := newEnv(t)
	r := e.newRegistrar(t, "R1", nil)
	ctx := context.Background()

	busy := record("Foo", "A", "c.a")
	busy.CurrentConnections = 3
	idle := record("Foo", "B", "c.b")
	private := record("Foo", "C", "c.c")
	private.AllowedUsers = []string{"alice"}
	other := record("Bar", "D", "c.d")
	for _, rec := range []*registry.Record{busy, idle, private, other} {
		_, err := r.Register(ctx, rec, "", false)
		require.NoError(t, err)
	}

	req := registry.ConnectionRequest{
		Requester:   registry.Identity{Type: "Client", Name: "X"},
		User:        "bob",
		Constraints: [][]string{{"type", "Foo"}},
	}
	got, err := r.RequestConnection(ctx, req, false)
	require.NoError(t, err)
	assert.Equal(t, foo("B"), got.Identity, "least loaded wins")
	assert.Contains(t, got.Clients, req.Requester)
	assert.Equal(t, 1, got.CurrentConnections)

	all, err := r.RequestConnections(ctx, req, false)
	require.NoError(t, err)
	ids := identities(all)
	assert.ElementsMatch(t, []registry.Identity{foo("A"), foo("B")}, ids, "alice-only component excluded")

	req.User = "alice"
	all, err = r.RequestConnections(ctx, req, false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	req.Constraints = [][]string{{"type", "Baz"}}
	_, err = r.RequestConnection(ctx, req, true)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	req.Constraints = [][]string{{"colour", "red"}}
	all, err = r.RequestConnections(ctx, req, false)
	require.NoError(t, err)
	assert.Empty(t, all, "malformed constraints match nothing")
}

func TestRequestConnection_Capacity(t *testing.T) {
	e := newEnv(t)
	r := e.newRegistrar(t, "R1", nil)
	ctx := context.Background()

	rec := record("Foo", "A", "c.a")
	rec.MaxConnections = 1
	_, err := r.Register(ctx, rec, "", false)
	require.NoError(t, err)

	req := registry.ConnectionRequest{Constraints: [][]string{{"type", "Foo"}}}
	_, err = r.RequestConnection(ctx, req, false)
	require.NoError(t, err)
	_, err = r.RequestConnection(ctx, req, false)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound), "full component is not handed out")
}

func TestRequestConnection_ConnectGroups(t *testing.T) {
	e := newEnv(t)
	r := e.newRegistrar(t, "R1", nil)
	ctx := context.Background()

	a := record("Foo", "A", "c.a")
	a.Groups = []string{"blue"}
	b := record("Foo", "B", "c.b")
	b.Groups = []string{"red"}
	for _, rec := range []*registry.Record{a, b} {
		_, err := r.Register(ctx, rec, "", false)
		require.NoError(t, err)
	}

	got, err := r.RequestConnections(ctx, registry.ConnectionRequest{ConnectGroups: []string{"red"}}, false)
	require.NoError(t, err)
	assert.Equal(t, []registry.Identity{foo("B")}, identities(got))
}

func TestRequestComponentListAndState(t *testing.T) {
	e := newEnv(t)
	r := e.newRegistrar(t, "R1", nil)
	ctx := context.Background()

	_, err := r.Register(ctx, record("Foo", "A", "c.a"), "", false)
	require.NoError(t, err)

	ids, err := r.RequestComponentList(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []registry.Identity{foo("A")}, ids)

	st, err := r.RequestState(ctx, foo("A"), true)
	require.NoError(t, err)
	assert.Equal(t, registry.RecoveryOK, st)

	st, err = r.RequestState(ctx, foo("nope"), true)
	require.NoError(t, err)
	assert.Equal(t, registry.RecoveryNonexistent, st)

	_, err = r.RequestState(ctx, registry.Identity{Type: "Foo"}, true)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestDiscovery_SharedInstanceName(t *testing.T) {
	e := newEnv(t)
	r := e.newRegistrar(t, "R1", nil)
	ctx := context.Background()

	_, err := r.Register(ctx, record("Bar", "A", "c.bar"), "", false)
	require.NoError(t, err)
	rec := record("Foo", "A", "c.foo")
	rec.Interfaces = []string{"Bar"}
	_, err = r.Register(ctx, rec, "", false)
	require.NoError(t, err)

	all, err := r.GetAllApplicableComponents(ctx, nil, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ids, err := r.RequestComponentList(ctx, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []registry.Identity{{Type: "Bar", Name: "A"}, foo("A")}, ids)

	bars, err := r.GetAllApplicableComponents(ctx, [][]string{{"type", "Bar"}}, false)
	require.NoError(t, err)
	assert.Len(t, bars, 2, "Foo/A implements Bar")
}

func TestNotification(t *testing.T) {
	e := newEnv(t)
	r := e.newRegistrar(t, "R1", nil)
	ctx := context.Background()
	sub := e.component("c.watcher")

	watcher := registry.Identity{Type: "Watcher", Name: "W"}
	_, err := r.Register(ctx, record("Watcher", "W", "c.watcher"), "", false)
	require.NoError(t, err)
	require.NoError(t, r.RequestNewComponentNotification(ctx, watcher, "c.watcher",
		[][]string{{"type", "Foo"}, {"or"}, {"name", "special"}}, true))

	for _, rec := range []*registry.Record{
		record("Bar", "B", "c.b"),
		record("Foo", "A", "c.a"),
		record("Baz", "special", "c.s"),
	} {
		_, err := r.Register(ctx, rec, "", false)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(sub.Announced()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []registry.Identity{foo("A"), {Type: "Baz", Name: "special"}}, sub.Announced())

	err = r.RequestNewComponentNotification(ctx, watcher, "", nil, false)
	assert.Error(t, err, "null handle")
}

func TestNotification_DroppedOnDeregister(t *testing.T) {
	e := newEnv(t)
	r := e.newRegistrar(t, "R1", nil)
	ctx := context.Background()
	sub := e.component("c.watcher")

	watcher := registry.Identity{Type: "Watcher", Name: "W"}
	_, err := r.Register(ctx, record("Watcher", "W", "c.watcher"), "", false)
	require.NoError(t, err)
	require.NoError(t, r.RequestNewComponentNotification(ctx, watcher, "c.watcher", nil, false))
	require.NoError(t, r.Deregister(ctx, watcher, ""))

	_, err = r.Register(ctx, record("Foo", "A", "c.a"), "", false)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sub.Announced())
}

func TestSetLogLevel(t *testing.T) {
	e := newEnv(t)
	r := e.newRegistrar(t, "R1", nil)
	ctx := context.Background()
	early := e.component("c.a")
	late := e.component("c.b")

	_, err := r.Register(ctx, record("Foo", "A", "c.a"), "", false)
	require.NoError(t, err)

	assert.True(t, errors.Is(r.SetLogLevel(ctx, "loud", false), errors.ErrCodeInvalidInput))
	require.NoError(t, r.SetLogLevel(ctx, "DEBUG", false))

	_, err = r.Register(ctx, record("Foo", "B", "c.b"), "", false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(early.Levels()) == 1 && len(late.Levels()) == 1
	}, time.Second, 5*time.Millisecond, "queued level flushed on admission")
	assert.Equal(t, []string{"debug"}, early.Levels())

	r.ReapOnce(ctx)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, early.Levels(), 1, "flushed once")
}

func TestShutdownFamily(t *testing.T) {
	e := newEnv(t)
	stopped := make(chan struct{}, 1)
	r := e.newRegistrar(t, "R1", func(c *Config, _ *Deps) {
		c.OnShutdown = func() { stopped <- struct{}{} }
	})
	ctx := context.Background()
	a := e.component("c.a")
	b := e.component("c.b")
	require.NoError(t, e.creds.Put(ctx, "ops", "pw", []string{credentials.AllowAdmin}))
	require.NoError(t, e.creds.Put(ctx, "dev", "pw", nil))

	_, err := r.Register(ctx, record("Foo", "A", "c.a"), "apw", false)
	require.NoError(t, err)
	_, err = r.Register(ctx, record("Foo", "B", "c.b"), "", false)
	require.NoError(t, err)

	err = r.ShutdownComponent(ctx, foo("A"), "bad")
	assert.True(t, errors.Is(err, errors.ErrCodeAccessDenied))
	require.NoError(t, r.ShutdownComponent(ctx, foo("A"), "apw"))
	require.Eventually(t, func() bool { return a.Shutdowns() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, r.IsUsed(foo("A")))

	err = r.ShutdownAll(ctx, "dev", "pw", false)
	assert.True(t, errors.Is(err, errors.ErrCodeAccessDenied), "non-admin: %v", err)
	err = r.ShutdownAll(ctx, "ops", "nope", false)
	assert.True(t, errors.Is(err, errors.ErrCodeAccessDenied), "bad secret: %v", err)

	require.NoError(t, r.ShutdownAll(ctx, "ops", "pw", true))
	require.Eventually(t, func() bool { return b.Shutdowns() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, r.IsUsed(foo("B")))

	err = r.ShutdownRegistry(ctx, "dev", "pw")
	assert.True(t, errors.Is(err, errors.ErrCodeAccessDenied))
	require.NoError(t, r.ShutdownRegistry(ctx, "ops", "pw"))
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("OnShutdown not called")
	}
}

func TestSetRecoveryMultiplier(t *testing.T) {
	e := newEnv(t)
	r := e.newRegistrar(t, "R1", nil)
	ctx := context.Background()

	_, err := r.Register(ctx, record("Foo", "A", "c.a"), "pw", false)
	require.NoError(t, err)

	assert.True(t, errors.Is(r.SetRecoveryMultiplier(ctx, foo("A"), "pw", 0), errors.ErrCodeInvalidInput))
	assert.True(t, errors.Is(r.SetRecoveryMultiplier(ctx, foo("A"), "bad", 6), errors.ErrCodeAccessDenied))
	require.NoError(t, r.SetRecoveryMultiplier(ctx, foo("A"), "pw", 6))
	rec, _ := r.Table().Get(foo("A"))
	assert.Equal(t, 6, rec.RecoveryMultiplier)

	require.NoError(t, r.SetRecoveryMultiplier(ctx, r.Self().Identity, "", 9))
	_, err = r.Register(ctx, record("Foo", "B", "c.b"), "", false)
	require.NoError(t, err)
	rec, _ = r.Table().Get(foo("B"))
	assert.Equal(t, 9, rec.RecoveryMultiplier, "registry default applies to later records")
}

func TestServe_Surface(t *testing.T) {
	e := newEnv(t)
	r := e.newRegistrar(t, "R1", nil)
	ctx := context.Background()
	h := r.Self().Handle

	var id registry.Identity
	err := e.disp.CallInto(ctx, time.Second, MethodRegister, h, &id, record("Foo", "", "c.a"), "pw")
	require.NoError(t, err)
	assert.Equal(t, foo("Foo1"), id)

	var st registry.RecoveryState
	require.NoError(t, e.disp.CallInto(ctx, time.Second, MethodRequestState, h, &st, "Foo", "Foo1"))
	assert.Equal(t, registry.RecoveryOK, st)

	var used bool
	require.NoError(t, e.disp.CallInto(ctx, time.Second, MethodIsUsed, h, &used, "Foo/Foo1"))
	assert.True(t, used)

	var ids []registry.Identity
	require.NoError(t, e.disp.CallInto(ctx, time.Second, MethodRequestComponentList, h, &ids, true))
	assert.Equal(t, []registry.Identity{foo("Foo1")}, ids)

	_, err = e.disp.Call(ctx, time.Second, MethodUpdateHeartbeat, h, foo("ghost"), registry.Snapshot{State: registry.StateRun})
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound), "error code crosses the call: %v", err)

	_, err = e.disp.Call(ctx, time.Second, MethodDeregister, h, foo("Foo1"), "bad")
	assert.True(t, errors.Is(err, errors.ErrCodeAccessDenied))
	_, err = e.disp.Call(ctx, time.Second, MethodDeregister, h, foo("Foo1"), "pw")
	require.NoError(t, err)

	_, err = r.Serve(ctx, "frobnicate", nil)
	assert.True(t, errors.Is(err, errors.ErrCodeMethodNotFound))
}

func identities(recs []*registry.Record) []registry.Identity {
	ids := make([]registry.Identity, len(recs))
	for i, rec := range recs {
		ids[i] = rec.Identity
	}
	return ids
}

// presenceDir builds a presence directory over the env's store.
func (e *testEnv) presenceDir() *presence.StoreDirectory {
	return presence.NewStoreDirectory(e.store, presence.DefaultConfig())
}

func (e *testEnv) storeMutex(t *testing.T) mutex.Mutex {
	t.Helper()
	m := mutex.NewStoreMutex(e.store, mutex.Config{TTL: time.Second}, nil)
	t.Cleanup(func() { m.Close() })
	return m
}
