package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nholik/stackpilot/internal/lifecycle"
	"github.com/nholik/stackpilot/internal/service"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// outcomes collects per-service results from concurrent workers.
type outcomes struct {
	mu     sync.Mutex
	values map[string]lifecycle.Outcome
}

func newOutcomes(n int) *outcomes {
	return &outcomes{values: make(map[string]lifecycle.Outcome, n)}
}

func (r *outcomes) set(outcome lifecycle.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[outcome.Service] = outcome
}

func (r *outcomes) get(name string) lifecycle.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[name]
}

func (r *outcomes) result() map[string]lifecycle.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]lifecycle.Outcome, len(r.values))
	for name, outcome := range r.values {
		out[name] = outcome
	}
	return out
}

// StartAll starts every enabled service in dependency waves. A wave holds the
// services whose dependencies are all Running; the next wave begins once every
// member of the current one has settled. Services whose dependency did not come
// up are marked Failed and never attempted. Canceling ctx lets dispatched calls
// finish and skips everything else.
func (o *Orchestrator) StartAll(ctx context.Context) map[string]lifecycle.Outcome {
	begin := time.Now()
	snap, err := o.loaded()
	if err != nil {
		return map[string]lifecycle.Outcome{}
	}

	logger := o.logger.With().Str("operation_id", uuid.NewString()).Str("operation", "start_all").Logger()
	order := snap.graph.StartOrder()
	logger.Info().Strs("order", order).Msg("starting all services")

	results := newOutcomes(len(order))
	ready := make(map[string]bool, len(order))
	blocked := make(map[string]bool)
	remaining := order
	runCtx := context.WithoutCancel(ctx)

	for wave := 1; len(remaining) > 0; wave++ {
		if ctx.Err() != nil {
			o.abort(results, remaining, lifecycle.OpStart)
			logger.Warn().Int("skipped", len(remaining)).Msg("start all canceled")
			break
		}

		var members, rest []string
		for _, name := range remaining {
			def := snap.defs[name]
			if !def.Enabled {
				results.set(o.skipped(name, lifecycle.OpStart, ErrServiceDisabled))
				continue
			}
			if dep := firstBlocked(def.DependsOn, blocked); dep != "" {
				blocked[name] = true
				results.set(o.skipDependent(name, dep))
				continue
			}
			if allReady(def.DependsOn, ready) {
				members = append(members, name)
			} else {
				rest = append(rest, name)
			}
		}
		if len(members) == 0 {
			break
		}

		logger.Debug().Int("wave", wave).Strs("services", members).Msg("starting wave")
		o.runWave(ctx, runCtx, lifecycle.OpStart, members, results, o.controller.Start)

		for _, name := range members {
			state := o.awaitSettled(ctx, logger, name)
			outcome := results.get(name)
			outcome.Phase = state.Phase
			results.set(outcome)
			if state.Phase == service.PhaseRunning {
				ready[name] = true
			} else {
				blocked[name] = true
			}
		}
		remaining = rest
	}

	result := results.result()
	logResults(logger, "start all finished", result, begin)
	o.finish(ctx, "start_all", begin)
	return result
}

// StopAll stops every service in reverse dependency order. A service is stopped
// once all its dependents have been attempted, whatever their outcome.
func (o *Orchestrator) StopAll(ctx context.Context) map[string]lifecycle.Outcome {
	begin := time.Now()
	snap, err := o.loaded()
	if err != nil {
		return map[string]lifecycle.Outcome{}
	}

	logger := o.logger.With().Str("operation_id", uuid.NewString()).Str("operation", "stop_all").Logger()
	order := snap.graph.StopOrder()
	logger.Info().Strs("order", order).Msg("stopping all services")

	results := newOutcomes(len(order))
	attempted := make(map[string]bool, len(order))
	remaining := order
	runCtx := context.WithoutCancel(ctx)

	for wave := 1; len(remaining) > 0; wave++ {
		if ctx.Err() != nil {
			o.abort(results, remaining, lifecycle.OpStop)
			logger.Warn().Int("skipped", len(remaining)).Msg("stop all canceled")
			break
		}

		var members, rest []string
		for _, name := range remaining {
			if allReady(snap.graph.Dependents(name), attempted) {
				members = append(members, name)
			} else {
				rest = append(rest, name)
			}
		}
		if len(members) == 0 {
			break
		}

		logger.Debug().Int("wave", wave).Strs("services", members).Msg("stopping wave")
		o.runWave(ctx, runCtx, lifecycle.OpStop, members, results, o.controller.Stop)
		for _, name := range members {
			attempted[name] = true
		}
		remaining = rest
	}

	result := results.result()
	logResults(logger, "stop all finished", result, begin)
	o.finish(ctx, "stop_all", begin)
	return result
}

// runWave runs op for every member with at most maxParallel in flight.
// Members not yet dispatched when ctx ends are skipped.
func (o *Orchestrator) runWave(ctx, runCtx context.Context, op lifecycle.Operation, members []string, results *outcomes, fn func(context.Context, string) lifecycle.Outcome) {
	var g errgroup.Group
	g.SetLimit(o.maxParallel)
	for _, name := range members {
		g.Go(func() error {
			if ctx.Err() != nil {
				results.set(o.skipped(name, op, ErrAborted))
				return nil
			}
			results.set(fn(runCtx, name))
			return nil
		})
	}
	_ = g.Wait()
}

// awaitSettled waits until name leaves Starting/Stopping, bounded by the ready timeout.
func (o *Orchestrator) awaitSettled(ctx context.Context, logger zerolog.Logger, name string) service.State {
	waitCtx, cancel := context.WithTimeout(ctx, o.readyTimeout)
	defer cancel()

	state, err := o.registry.WaitFor(waitCtx, name, func(s service.State) bool {
		return s.Phase != service.PhaseStarting && s.Phase != service.PhaseStopping
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		logger.Warn().Str("service", name).Dur("timeout", o.readyTimeout).Msg("service not ready in time")
	}
	return state
}

func (o *Orchestrator) skipDependent(name, dep string) lifecycle.Outcome {
	cause := dependencyFailed(dep)
	state, err := o.registry.Update(name, func(s service.State) (service.State, bool) {
		s.Phase = service.PhaseFailed
		s.LastError = cause.Error()
		return s, true
	})
	if err != nil {
		o.logger.Error().Err(err).Str("service", name).Msg("failed to mark skipped service")
	}
	return lifecycle.Outcome{Service: name, Op: lifecycle.OpStart, Kind: lifecycle.Skipped, Err: cause, Phase: state.Phase}
}

func (o *Orchestrator) skipped(name string, op lifecycle.Operation, err error) lifecycle.Outcome {
	state, _ := o.registry.Get(name)
	return lifecycle.Outcome{Service: name, Op: op, Kind: lifecycle.Skipped, Err: err, Phase: state.Phase}
}

func (o *Orchestrator) abort(results *outcomes, names []string, op lifecycle.Operation) {
	for _, name := range names {
		results.set(o.skipped(name, op, ErrAborted))
	}
}

func firstBlocked(deps []string, blocked map[string]bool) string {
	for _, dep := range deps {
		if blocked[dep] {
			return dep
		}
	}
	return ""
}

func allReady(names []string, ready map[string]bool) bool {
	for _, name := range names {
		if !ready[name] {
			return false
		}
	}
	return true
}

func logResults(logger zerolog.Logger, msg string, results map[string]lifecycle.Outcome, begin time.Time) {
	counts := make(map[lifecycle.OutcomeKind]int)
	for _, outcome := range results {
		counts[outcome.Kind]++
	}
	dict := zerolog.Dict()
	for kind, count := range counts {
		dict = dict.Int(string(kind), count)
	}
	logger.Info().
		Int("services", len(results)).
		Dict("outcomes", dict).
		Dur("duration", time.Since(begin)).
		Msg(msg)
}
