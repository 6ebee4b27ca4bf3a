package orchestrator

import (
	"context"
	"time"

	"github.com/nholik/stackpilot/internal/lifecycle"
	"github.com/nholik/stackpilot/internal/service"
)

// StartOne starts a single service. Its direct dependencies must already be
// Running; dependencies are never started on its behalf.
func (o *Orchestrator) StartOne(ctx context.Context, name string) lifecycle.Outcome {
	begin := time.Now()
	if outcome, ok := o.checkStartable(name, lifecycle.OpStart); !ok {
		return outcome
	}
	outcome := o.controller.Start(ctx, name)
	o.finish(ctx, "start_one", begin)
	return outcome
}

// StopOne stops a single service.
func (o *Orchestrator) StopOne(ctx context.Context, name string) lifecycle.Outcome {
	begin := time.Now()
	if _, ok := o.Definition(name); !ok {
		return rejected(name, lifecycle.OpStop, unknown(name))
	}
	outcome := o.controller.Stop(ctx, name)
	o.finish(ctx, "stop_one", begin)
	return outcome
}

// RestartOne stops and starts a single service under the same dependency rule as StartOne.
func (o *Orchestrator) RestartOne(ctx context.Context, name string) lifecycle.Outcome {
	begin := time.Now()
	if outcome, ok := o.checkStartable(name, lifecycle.OpRestart); !ok {
		return outcome
	}
	outcome := o.controller.Restart(ctx, name)
	o.finish(ctx, "restart_one", begin)
	return outcome
}

func (o *Orchestrator) checkStartable(name string, op lifecycle.Operation) (lifecycle.Outcome, bool) {
	def, ok := o.Definition(name)
	if !ok {
		return rejected(name, op, unknown(name)), false
	}
	if !def.Enabled {
		return rejected(name, op, ErrServiceDisabled), false
	}

	var notReady []string
	for _, dep := range def.DependsOn {
		state, ok := o.registry.Get(dep)
		if !ok || state.Phase != service.PhaseRunning {
			notReady = append(notReady, dep)
		}
	}
	if len(notReady) > 0 {
		return rejected(name, op, &DependencyNotReadyError{Service: name, Dependencies: notReady}), false
	}
	return lifecycle.Outcome{}, true
}

// restartForPolicy is the monitor's hook for restart policies.
func (o *Orchestrator) restartForPolicy(ctx context.Context, name string) error {
	outcome := o.RestartOne(ctx, name)
	if outcome.OK() {
		return nil
	}
	return outcome.Err
}
