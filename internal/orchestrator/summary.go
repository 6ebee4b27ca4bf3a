package orchestrator

import (
	"context"
	"time"

	"github.com/nholik/stackpilot/internal/backend"
	"github.com/nholik/stackpilot/internal/service"
	"github.com/nholik/stackpilot/internal/transition"
)

// Summary counts services by health.
type Summary struct {
	Total     int                   `json:"total"`
	Running   int                   `json:"running"`
	Healthy   int                   `json:"healthy"`
	Unhealthy int                   `json:"unhealthy"`
	Failed    int                   `json:"failed"`
	Stopped   int                   `json:"stopped"`
	ByPhase   map[service.Phase]int `json:"by_phase"`
}

// Summary returns service counts for the current registry snapshot. Running
// counts every service with live containers; Healthy only those passing checks.
func (o *Orchestrator) Summary() Summary {
	summary := Summary{ByPhase: make(map[service.Phase]int)}
	for _, s := range o.registry.List() {
		summary.Total++
		summary.ByPhase[s.Phase]++
		switch s.Phase {
		case service.PhaseRunning:
			summary.Running++
			summary.Healthy++
		case service.PhaseUnhealthy:
			summary.Running++
			summary.Unhealthy++
		case service.PhaseStarting:
			summary.Running++
		case service.PhaseFailed:
			summary.Failed++
		case service.PhaseStopped, service.PhaseUnknown:
			summary.Stopped++
		}
	}
	return summary
}

// Reconcile restores service phases from the runtime after a restart of the
// orchestrator. Persisted handles (or the handle derived from the definition)
// are inspected; running services come back as Running, or Starting under
// monitoring when they have a health check. Only services still Unknown are touched.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	begin := time.Now()
	snap, err := o.loaded()
	if err != nil {
		return err
	}

	persisted := make(map[string]service.State)
	if o.store != nil {
		saved, err := o.store.Load(ctx)
		if err != nil {
			return err
		}
		persisted = saved.Services
	}

	for _, name := range snap.graph.StartOrder() {
		if err := ctx.Err(); err != nil {
			return err
		}
		def := snap.defs[name]
		current, ok := o.registry.Get(name)
		if !ok || current.Phase != service.PhaseUnknown {
			continue
		}

		handle := persisted[name].Handle
		if handle.IsZero() {
			handle = backend.HandleFor(def)
		}
		inspectCtx, cancel := context.WithTimeout(ctx, o.timeouts.Inspect)
		running, err := o.adapter.Inspect(inspectCtx, handle)
		cancel()
		if err != nil {
			o.logger.Warn().Err(err).Str("service", name).Msg("inspect failed during reconcile")
			continue
		}

		next := service.State{Phase: service.PhaseStopped}
		if running {
			next.Phase = service.PhaseRunning
			next.Handle = handle
			if def.HealthCheck != nil {
				next.Phase = service.PhaseStarting
			}
		}
		if !o.registry.CompareAndSet(name, service.PhaseUnknown, next) {
			continue
		}
		if running && def.HealthCheck != nil {
			o.monitor.Watch(def)
		}
	}

	for _, change := range transition.Detect(persisted, o.registry.List()) {
		o.logger.Info().
			Str("service", change.Service).
			Str("previous_phase", string(change.From)).
			Str("current_phase", string(change.To)).
			Msg("service changed while orchestrator was down")
	}

	o.tracker.MarkReady()
	o.finish(ctx, "reconcile", begin)
	return nil
}
