package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nholik/stackpilot/internal/backend"
	"github.com/nholik/stackpilot/internal/graph"
	"github.com/nholik/stackpilot/internal/healthcheck"
	"github.com/nholik/stackpilot/internal/lifecycle"
	"github.com/nholik/stackpilot/internal/metrics"
	"github.com/nholik/stackpilot/internal/monitor"
	"github.com/nholik/stackpilot/internal/registry"
	"github.com/nholik/stackpilot/internal/service"
	"github.com/nholik/stackpilot/internal/state"
	"github.com/nholik/stackpilot/internal/transition"
	"github.com/rs/zerolog"
)

const (
	defaultMaxParallel  = 4
	defaultReadyTimeout = 5 * time.Minute
)

// snapshot is one loaded configuration. It is never mutated after a Reload
// publishes it.
type snapshot struct {
	defs  map[string]service.Definition
	graph *graph.Graph
}

// Orchestrator is the facade over the lifecycle controller, health monitor and
// status registry.
type Orchestrator struct {
	adapter    backend.Adapter
	registry   *registry.Registry
	controller *lifecycle.Controller
	monitor    *monitor.Monitor
	store      state.Store
	tracker    *healthcheck.Tracker
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time

	maxParallel    int
	readyTimeout   time.Duration
	timeouts       lifecycle.Timeouts
	controllerOpts []lifecycle.Option
	monitorOpts    []monitor.Option

	current   atomic.Pointer[snapshot]
	reloadMu  sync.Mutex
	persistMu sync.Mutex
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithMaxParallel bounds how many lifecycle calls a batch operation runs at once.
func WithMaxParallel(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxParallel = n
		}
	}
}

// WithReadyTimeout bounds how long StartAll waits for a wave to settle.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.readyTimeout = d
		}
	}
}

// WithTimeouts sets the runtime call bounds.
func WithTimeouts(timeouts lifecycle.Timeouts) Option {
	return func(o *Orchestrator) {
		o.timeouts = timeouts.WithDefaults()
	}
}

// WithRestartDelay sets the pause between stop and start on restart.
func WithRestartDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.controllerOpts = append(o.controllerOpts, lifecycle.WithRestartDelay(d))
	}
}

// WithRuntimeRate caps runtime start and stop calls per second.
func WithRuntimeRate(perSecond float64) Option {
	return func(o *Orchestrator) {
		o.controllerOpts = append(o.controllerOpts, lifecycle.WithRateLimit(perSecond))
	}
}

// WithControllerOptions passes extra options to the lifecycle controller.
func WithControllerOptions(opts ...lifecycle.Option) Option {
	return func(o *Orchestrator) {
		o.controllerOpts = append(o.controllerOpts, opts...)
	}
}

// WithMonitorOptions passes extra options to the health monitor.
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(o *Orchestrator) {
		o.monitorOpts = append(o.monitorOpts, opts...)
	}
}

// WithMetrics records operations, probes and phases.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithStateStore persists the registry after every operation.
func WithStateStore(store state.Store) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// WithTracker reports reloads and operations to the health endpoints.
func WithTracker(tracker *healthcheck.Tracker) Option {
	return func(o *Orchestrator) {
		o.tracker = tracker
	}
}

// New wires a registry, lifecycle controller and health monitor around adapter.
// Nothing is managed until the first successful Reload.
func New(adapter backend.Adapter, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		adapter:      adapter,
		logger:       logger.With().Str("component", "orchestrator").Logger(),
		now:          func() time.Time { return time.Now().UTC() },
		maxParallel:  defaultMaxParallel,
		readyTimeout: defaultReadyTimeout,
		timeouts:     lifecycle.DefaultTimeouts(),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.registry = registry.New(registry.WithObserver(o.observe))

	monitorOpts := append([]monitor.Option{
		monitor.WithMetrics(o.metrics),
		monitor.WithRestart(o.restartForPolicy),
	}, o.monitorOpts...)
	o.monitor = monitor.New(adapter, o.registry, logger, monitorOpts...)

	controllerOpts := append([]lifecycle.Option{
		lifecycle.WithTimeouts(o.timeouts),
		lifecycle.WithWatcher(o.monitor),
		lifecycle.WithMetrics(o.metrics),
	}, o.controllerOpts...)
	o.controller = lifecycle.New(adapter, o.registry, o, logger, controllerOpts...)

	return o
}

// Definition implements lifecycle.DefinitionSource against the current configuration.
func (o *Orchestrator) Definition(name string) (service.Definition, bool) {
	snap := o.current.Load()
	if snap == nil {
		return service.Definition{}, false
	}
	def, ok := snap.defs[name]
	return def, ok
}

// StartOrder returns the start order of the current configuration.
func (o *Orchestrator) StartOrder() []string {
	snap := o.current.Load()
	if snap == nil {
		return nil
	}
	return snap.graph.StartOrder()
}

// Status returns a point-in-time copy of every service state, sorted by name.
func (o *Orchestrator) Status() []service.State {
	return o.registry.List()
}

// Close stops all health monitoring.
func (o *Orchestrator) Close() {
	o.monitor.Close()
}

// Reload validates doc, builds its dependency graph and swaps it in. On any
// error the previous configuration stays in effect.
func (o *Orchestrator) Reload(doc service.Document) error {
	o.reloadMu.Lock()
	defer o.reloadMu.Unlock()

	defs, err := service.Load(doc)
	var g *graph.Graph
	if err == nil {
		g, err = graph.Build(defs)
	}
	if err != nil {
		o.metrics.ObserveReload(false, o.now())
		o.tracker.RecordReload(0, err)
		o.logger.Error().Err(err).Msg("configuration rejected, keeping previous configuration")
		return err
	}

	next := &snapshot{defs: make(map[string]service.Definition, len(defs)), graph: g}
	for _, def := range defs {
		next.defs[def.Name] = def
	}
	prev := o.current.Swap(next)

	added, removed := o.registry.Sync(g.StartOrder())
	for _, name := range removed {
		o.monitor.Unwatch(name)
		o.logger.Warn().Str("service", name).Msg("service removed from configuration, runtime left untouched")
	}
	if prev != nil {
		o.rewatchChanged(prev, next)
	}

	o.metrics.ObserveReload(true, o.now())
	o.metrics.SetServicesByPhase(o.phaseCounts())
	o.tracker.RecordReload(len(defs), nil)
	o.logger.Info().
		Int("services", len(defs)).
		Strs("added", added).
		Strs("removed", removed).
		Strs("start_order", g.StartOrder()).
		Msg("configuration loaded")
	return nil
}

// rewatchChanged restarts monitoring for live services whose health check changed.
func (o *Orchestrator) rewatchChanged(prev, next *snapshot) {
	for name, def := range next.defs {
		old, ok := prev.defs[name]
		if !ok || sameHealthCheck(old.HealthCheck, def.HealthCheck) {
			continue
		}
		current, ok := o.registry.Get(name)
		if !ok || !current.Phase.Live() {
			continue
		}
		if def.HealthCheck == nil {
			o.monitor.Unwatch(name)
			continue
		}
		o.monitor.Watch(def)
	}
}

func sameHealthCheck(a, b *service.HealthCheck) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (o *Orchestrator) observe(change transition.Transition) {
	transition.Log(o.logger, change)
	o.metrics.SetServicesByPhase(o.phaseCounts())
}

func (o *Orchestrator) phaseCounts() map[string]int {
	counts := make(map[string]int)
	for _, s := range o.registry.List() {
		counts[string(s.Phase)]++
	}
	return counts
}

// persist writes the registry to the state store. Failures are logged only.
func (o *Orchestrator) persist(ctx context.Context) {
	if o.store == nil {
		return
	}
	o.persistMu.Lock()
	defer o.persistMu.Unlock()
	if err := o.store.Save(context.WithoutCancel(ctx), state.FromList(o.registry.List(), o.now())); err != nil {
		o.logger.Error().Err(err).Msg("failed to persist state")
	}
}

func (o *Orchestrator) finish(ctx context.Context, op string, begin time.Time) {
	o.persist(ctx)
	o.tracker.RecordOperation(op, time.Since(begin))
}

func (o *Orchestrator) loaded() (*snapshot, error) {
	snap := o.current.Load()
	if snap == nil {
		return nil, ErrNotLoaded
	}
	return snap, nil
}

func rejected(name string, op lifecycle.Operation, err error) lifecycle.Outcome {
	return lifecycle.Outcome{Service: name, Op: op, Kind: lifecycle.Rejected, Err: err}
}

func unknown(name string) error {
	return fmt.Errorf("%w: %q", lifecycle.ErrUnknownService, name)
}
