package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/compreg/logging"
)

// Coordinator runs registered handlers phase by phase, once.
type Coordinator struct {
	config Config
	log    *logging.Logger

	mu       sync.Mutex
	handlers []registration
	once     sync.Once
	err      error
	result   *Result
	started  chan struct{}
	done     chan struct{}
	start    sync.Once
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = DefaultConfig().DefaultPhase
	}
	log := config.Logger
	if log == nil {
		log = logging.Nop()
	}

	return &Coordinator{
		config:  config,
		log:     log.WithComponent("shutdown"),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler to phase.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, registration{
		name:    name,
		handler: handler,
		phase:   phase,
	})
}

// RegisterFunc registers fn in phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.RegisterWithPhase(name, Func(fn), phase)
}

// Shutdown runs every phase and returns the overall error. Calls after
// the first return ErrAlreadyShutdown once the first has finished.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	first := false
	c.once.Do(func() {
		first = true
		c.start.Do(func() { close(c.started) })
		c.err = c.run(ctx)
		close(c.done)
	})
	if first {
		return c.err
	}
	<-c.done
	return ErrAlreadyShutdown
}

// Request starts shutdown in the background with the configured timeout.
// The registrar's shutdownRegistry operation calls it.
func (c *Coordinator) Request() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
		defer cancel()
		c.Shutdown(ctx)
	}()
}

// HandleSignals starts shutdown on SIGTERM or SIGINT until ctx ends.
func (c *Coordinator) HandleSignals(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			c.log.Info("signal received", map[string]interface{}{"signal": sig.String()})
			c.Request()
		case <-c.started:
		case <-ctx.Done():
		}
	}()
}

// Started is closed when shutdown begins.
func (c *Coordinator) Started() <-chan struct{} {
	return c.started
}

// Done is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns the per-handler outcome once Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	begin := time.Now()

	c.mu.Lock()
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) error {
		result.Err = err
		result.TotalDuration = time.Since(begin)
		c.result = result
		c.log.Info("shutdown finished", map[string]interface{}{
			"duration": result.TotalDuration.String(),
			"failed":   result.FailedHandlers(),
		})
		return err
	}

	var overall error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(ErrTimeout)
		}

		phaseResults := c.runPhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)

		for _, hr := range phaseResults {
			if hr.Err == nil {
				continue
			}
			overall = ErrHandlerFailed
			if !c.config.ContinueOnError {
				return finish(overall)
			}
		}
	}
	return finish(overall)
}

func (c *Coordinator) runPhase(ctx context.Context, handlers []registration) []HandlerResult {
	results := make([]HandlerResult, len(handlers))
	var wg sync.WaitGroup

	for i, reg := range handlers {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			results[idx] = HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}

			fields := map[string]interface{}{
				"handler":  r.name,
				"phase":    r.phase,
				"duration": results[idx].Duration.String(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.log.Warn("shutdown handler failed", fields)
				return
			}
			c.log.Debug("shutdown handler done", fields)
		}(i, reg)
	}

	wg.Wait()
	return results
}

// groupByPhase splits handlers, already sorted by phase, into runs of
// equal phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
