package launcher

import (
	"context"
	"os"
	"os/exec"

	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/logging"
	"github.com/vinayprograms/compreg/registry"
)

// Runner starts a process for a component.
type Runner interface {
	Start(ctx context.Context, id registry.Identity, spec registry.LaunchSpec) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, id registry.Identity, spec registry.LaunchSpec) error

// Start implements Runner.
func (f RunnerFunc) Start(ctx context.Context, id registry.Identity, spec registry.LaunchSpec) error {
	return f(ctx, id, spec)
}

// ExecRunner starts local OS processes and reaps them in the background.
type ExecRunner struct {
	Logger *logging.Logger
}

// Start implements Runner.
func (r ExecRunner) Start(_ context.Context, id registry.Identity, spec registry.LaunchSpec) error {
	log := r.Logger
	if log == nil {
		log = logging.Nop()
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if err := cmd.Start(); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeCallFailed, "start "+id.String())
	}
	log.Info("component launched", map[string]interface{}{
		"identity": id.String(),
		"pid":      cmd.Process.Pid,
	})
	go func() {
		err := cmd.Wait()
		log.Info("component exited", map[string]interface{}{
			"identity": id.String(),
			"error":    err,
		})
	}()
	return nil
}

// Agent serves the launcher surface for one host.
type Agent struct {
	runner  Runner
	devices []string
}

// NewAgent creates an agent launching through runner and advertising
// devices.
func NewAgent(runner Runner, devices []string) *Agent {
	return &Agent{runner: runner, devices: append([]string(nil), devices...)}
}

// Serve implements dispatch.Service.
func (a *Agent) Serve(ctx context.Context, method string, args dispatch.Args) (any, error) {
	switch method {
	case MethodPing:
		return true, nil
	case MethodHasDevices:
		var want []string
		if !args.IsNull(0) {
			if err := args.Decode(0, &want); err != nil {
				return nil, err
			}
		}
		for _, w := range want {
			if !containsString(a.devices, w) {
				return false, nil
			}
		}
		return true, nil
	case MethodLaunch:
		var rec registry.Record
		if err := args.Decode(0, &rec); err != nil {
			return nil, err
		}
		if rec.Launch == nil || rec.Launch.Command == "" {
			return nil, errors.InvalidInput("no launch command for " + rec.Identity.String())
		}
		return nil, a.runner.Start(ctx, rec.Identity, *rec.Launch)
	}
	return nil, errors.MethodNotFound(method, "")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
