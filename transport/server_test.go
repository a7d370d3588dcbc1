package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
)

type echoService struct {
	notified atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *echoService) Serve(ctx context.Context, method string, args dispatch.Args) (any, error) {
	switch method {
	case "echo":
		return args.String(0)
	case "isUsed":
		return false, nil
	case "missing":
		return nil, errors.NotFound("Foo/A is not registered", errors.WithIdentity("Foo/A"))
	case "touch":
		s.notified.Add(1)
		return nil, nil
	case "slow":
		n := s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		for {
			p := s.peak.Load()
			if n <= p || s.peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return true, nil
	case "panic":
		panic("boom")
	}
	return nil, errors.MethodNotFound(method, "")
}

func serve(t *testing.T, svc dispatch.Service, cfg ServerConfig) *Client {
	t.Helper()

	srv := NewServer(svc, cfg)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(hs), DefaultWebSocketConfig())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// --- Integration Tests ---

func TestServer_Call(t *testing.T) {
	c := serve(t, &echoService{}, DefaultServerConfig())
	ctx := context.Background()

	result, err := c.Call(ctx, "echo", raw(t, "hello"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != `"hello"` {
		t.Errorf("result = %s, want \"hello\"", result)
	}

	result, err = c.Call(ctx, "isUsed", raw(t, "Foo/A"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != "false" {
		t.Errorf("result = %s, want false", result)
	}
}

func TestServer_ErrorsKeepTheirCode(t *testing.T) {
	c := serve(t, &echoService{}, DefaultServerConfig())
	ctx := context.Background()

	_, err := c.Call(ctx, "missing")
	if !errors.Is(err, errors.ErrCodeNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
	if se := errors.As(err); se == nil || se.Identity() != "Foo/A" {
		t.Errorf("identity not carried: %v", err)
	}

	_, err = c.Call(ctx, "frobnicate")
	if !errors.Is(err, errors.ErrCodeMethodNotFound) {
		t.Errorf("err = %v, want METHOD_NOT_FOUND", err)
	}

	_, err = c.Call(ctx, "echo")
	if !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("missing arg err = %v, want INVALID_INPUT", err)
	}

	_, err = c.Call(ctx, "panic")
	if !errors.Is(err, errors.ErrCodePanic) {
		t.Errorf("panic err = %v, want PANIC", err)
	}
}

func TestServer_Notification(t *testing.T) {
	svc := &echoService{}
	c := serve(t, svc, DefaultServerConfig())

	if err := c.Notify("touch"); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for svc.notified.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if svc.notified.Load() != 1 {
		t.Errorf("notified = %d, want 1", svc.notified.Load())
	}
}

func TestServer_BoundedConcurrency(t *testing.T) {
	svc := &echoService{}
	cfg := DefaultServerConfig()
	cfg.MaxConcurrent = 2
	c := serve(t, svc, cfg)

	ctx := context.Background()
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		go func() {
			_, err := c.Call(ctx, "slow")
			errs <- err
		}()
	}
	for i := 0; i < 6; i++ {
		if err := <-errs; err != nil {
			t.Errorf("call %d: %v", i, err)
		}
	}

	if peak := svc.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestServer_CallTimeout(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	c := serve(t, &echoService{}, cfg)

	_, err := c.Call(context.Background(), "slow")
	if !errors.Is(err, errors.ErrCodeTimeout) {
		t.Errorf("err = %v, want TIMEOUT", err)
	}
}

func TestClient_AsDispatchTransport(t *testing.T) {
	c := serve(t, &echoService{}, DefaultServerConfig())

	table := dispatch.NewMethodTable(dispatch.MethodSpec{Name: "echo", Params: []dispatch.Kind{dispatch.KindString}})
	d := dispatch.New(c, table, dispatch.DefaultConfig())

	var out string
	if err := d.CallInto(context.Background(), time.Second, "echo", "registry", &out, "via dispatcher"); err != nil {
		t.Fatalf("CallInto: %v", err)
	}
	if out != "via dispatcher" {
		t.Errorf("out = %q", out)
	}
}

// --- Failure Tests ---

func TestClient_CallAfterClose(t *testing.T) {
	c := serve(t, &echoService{}, DefaultServerConfig())
	c.Close()

	_, err := c.Call(context.Background(), "isUsed", raw(t, "Foo/A"))
	if !errors.Is(err, errors.ErrCodeClosed) {
		t.Errorf("err = %v, want CLOSED", err)
	}
}

func TestClient_ServerGoesAway(t *testing.T) {
	srv := NewServer(&echoService{}, DefaultServerConfig())
	hs := httptest.NewServer(srv)
	defer hs.Close()

	c, err := Dial(context.Background(), wsURL(hs), DefaultWebSocketConfig())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Call(context.Background(), "isUsed", raw(t, "Foo/A")); err != nil {
		t.Fatalf("Call: %v", err)
	}

	srv.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the server closing")
	}

	_, err = c.Call(context.Background(), "isUsed", raw(t, "Foo/A"))
	if !errors.Is(err, errors.ErrCodeUnreachable) {
		t.Errorf("err = %v, want UNREACHABLE", err)
	}
}
