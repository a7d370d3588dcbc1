package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.DefaultPhase != PhaseBackends {
		t.Errorf("DefaultPhase = %d, want %d", cfg.DefaultPhase, PhaseBackends)
	}
	if !cfg.ContinueOnError {
		t.Error("ContinueOnError should default to true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	cfg.Timeout = -time.Second
	if cfg.Validate() == nil {
		t.Error("negative timeout should not validate")
	}
}

func TestGroupByPhase(t *testing.T) {
	if groups := groupByPhase(nil); len(groups) != 0 {
		t.Fatalf("expected no groups, got %d", len(groups))
	}

	handlers := []registration{
		{name: "http", phase: PhaseIngress},
		{name: "rpc", phase: PhaseIngress},
		{name: "registrar", phase: PhaseRegistry},
		{name: "bus", phase: PhaseBackends},
		{name: "state", phase: PhaseBackends},
	}
	groups := groupByPhase(handlers)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	if len(groups[0]) != 2 || len(groups[1]) != 1 || len(groups[2]) != 2 {
		t.Errorf("group sizes = %d/%d/%d, want 2/1/2", len(groups[0]), len(groups[1]), len(groups[2]))
	}
}

func TestResultFailedHandlers(t *testing.T) {
	r := &Result{
		Results: []HandlerResult{
			{Name: "http"},
			{Name: "locks", Err: errors.New("lock release failed")},
		},
		Err: ErrHandlerFailed,
	}
	if !r.Failed() {
		t.Error("expected Failed")
	}
	failed := r.FailedHandlers()
	if len(failed) != 1 || failed[0] != "locks" {
		t.Errorf("FailedHandlers = %v", failed)
	}
}

// --- Integration Tests ---

func TestShutdown_PhaseOrder(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	coord.RegisterFunc("telemetry", PhaseTelemetry, record("telemetry"))
	coord.RegisterFunc("locks", PhaseLocks, record("locks"))
	coord.RegisterFunc("http", PhaseIngress, record("http"))
	coord.RegisterFunc("registrar", PhaseRegistry, record("registrar"))
	coord.Register("bus", Func(record("bus")))

	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	want := []string{"http", "registrar", "locks", "bus", "telemetry"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	select {
	case <-coord.Done():
	default:
		t.Fatal("Done should be closed")
	}
	if res := coord.Result(); res == nil || len(res.Results) != 5 || res.Failed() {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestShutdown_SamePhaseRunsConcurrently(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var barrier sync.WaitGroup
	barrier.Add(2)
	wait := func(context.Context) error {
		barrier.Done()
		barrier.Wait()
		return nil
	}
	coord.RegisterFunc("http", PhaseIngress, wait)
	coord.RegisterFunc("rpc", PhaseIngress, wait)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := coord.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestShutdown_FailureContinues(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var later atomic.Bool
	coord.RegisterFunc("locks", PhaseLocks, func(context.Context) error {
		return errors.New("lock release failed")
	})
	coord.RegisterFunc("bus", PhaseBackends, func(context.Context) error {
		later.Store(true)
		return nil
	})

	err := coord.Shutdown(context.Background())
	if err != ErrHandlerFailed {
		t.Fatalf("err = %v, want ErrHandlerFailed", err)
	}
	if !later.Load() {
		t.Error("later phase should still run")
	}
	if got := coord.Result().FailedHandlers(); len(got) != 1 || got[0] != "locks" {
		t.Errorf("FailedHandlers = %v", got)
	}
}

func TestShutdown_StopOnError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContinueOnError = false
	coord := NewCoordinator(cfg)

	var later atomic.Bool
	coord.RegisterFunc("registrar", PhaseRegistry, func(context.Context) error {
		return errors.New("stuck")
	})
	coord.RegisterFunc("bus", PhaseBackends, func(context.Context) error {
		later.Store(true)
		return nil
	})

	if err := coord.Shutdown(context.Background()); err != ErrHandlerFailed {
		t.Fatalf("err = %v, want ErrHandlerFailed", err)
	}
	if later.Load() {
		t.Error("later phase should not run")
	}
}

func TestShutdown_Timeout(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var later atomic.Bool
	coord.RegisterFunc("registrar", PhaseRegistry, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	coord.RegisterFunc("bus", PhaseBackends, func(context.Context) error {
		later.Store(true)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := coord.Shutdown(ctx); err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if later.Load() {
		t.Error("phases after the deadline should not run")
	}
}

func TestShutdown_Once(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var calls atomic.Int32
	coord.RegisterFunc("registrar", PhaseRegistry, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := coord.Shutdown(context.Background()); err != ErrAlreadyShutdown {
		t.Errorf("second Shutdown = %v, want ErrAlreadyShutdown", err)
	}
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
}

func TestRequest_RunsInBackground(t *testing.T) {
	coord := NewCoordinator(Config{Timeout: time.Second})

	var called atomic.Bool
	coord.RegisterFunc("registrar", PhaseRegistry, func(context.Context) error {
		called.Store(true)
		return nil
	})

	coord.Request()

	select {
	case <-coord.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete after Request")
	}
	if !called.Load() {
		t.Error("handler not called")
	}
	if coord.Err() != nil {
		t.Errorf("Err = %v", coord.Err())
	}
}

func TestHandleSignals_StopsWithContext(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	coord.HandleSignals(ctx)
	cancel()

	select {
	case <-coord.Started():
		t.Fatal("cancelling the signal context must not start shutdown")
	case <-time.After(20 * time.Millisecond):
	}
}
