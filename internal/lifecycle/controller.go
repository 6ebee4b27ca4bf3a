package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nholik/stackpilot/internal/backend"
	"github.com/nholik/stackpilot/internal/metrics"
	"github.com/nholik/stackpilot/internal/registry"
	"github.com/nholik/stackpilot/internal/service"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const defaultRestartDelay = 2 * time.Second

// Timeouts bounds each kind of runtime call.
type Timeouts struct {
	ComposeStart   time.Duration
	ContainerStart time.Duration
	Stop           time.Duration
	Inspect        time.Duration
}

// DefaultTimeouts returns the stock runtime call bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		ComposeStart:   120 * time.Second,
		ContainerStart: 60 * time.Second,
		Stop:           30 * time.Second,
		Inspect:        10 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultTimeouts.
func (t Timeouts) WithDefaults() Timeouts {
	defaults := DefaultTimeouts()
	if t.ComposeStart <= 0 {
		t.ComposeStart = defaults.ComposeStart
	}
	if t.ContainerStart <= 0 {
		t.ContainerStart = defaults.ContainerStart
	}
	if t.Stop <= 0 {
		t.Stop = defaults.Stop
	}
	if t.Inspect <= 0 {
		t.Inspect = defaults.Inspect
	}
	return t
}

func (t Timeouts) start(kind service.Kind) time.Duration {
	if kind == service.KindSingleContainer {
		return t.ContainerStart
	}
	return t.ComposeStart
}

// DefinitionSource resolves the currently loaded definition of a service.
type DefinitionSource interface {
	Definition(name string) (service.Definition, bool)
}

// Watcher is told when a service needs health monitoring and when it must stop.
type Watcher interface {
	Watch(def service.Definition)
	Unwatch(name string)
}

type noopWatcher struct{}

func (noopWatcher) Watch(service.Definition) {}
func (noopWatcher) Unwatch(string)           {}

// Controller runs start, stop and restart for one service at a time.
type Controller struct {
	adapter      backend.Adapter
	registry     *registry.Registry
	defs         DefinitionSource
	watcher      Watcher
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	timeouts     Timeouts
	restartDelay time.Duration
	limiter      *rate.Limiter
	sleep        func(context.Context, time.Duration) error

	mu       sync.Mutex
	inflight map[string]Operation
}

// Option customizes a Controller.
type Option func(*Controller)

// WithTimeouts overrides the runtime call bounds. Zero fields keep their defaults.
func WithTimeouts(timeouts Timeouts) Option {
	return func(c *Controller) {
		c.timeouts = timeouts.WithDefaults()
	}
}

// WithRestartDelay sets the pause between the stop and start halves of Restart.
func WithRestartDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.restartDelay = d
		}
	}
}

// WithWatcher connects the controller to the health monitor.
func WithWatcher(w Watcher) Option {
	return func(c *Controller) {
		if w != nil {
			c.watcher = w
		}
	}
}

// WithMetrics records operation counts and durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithRateLimit caps runtime start and stop calls per second. A zero rate disables the cap.
func WithRateLimit(perSecond float64) Option {
	return func(c *Controller) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithSleep replaces the restart delay wait; used by tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Controller) {
		c.sleep = sleep
	}
}

// New creates a Controller.
func New(adapter backend.Adapter, reg *registry.Registry, defs DefinitionSource, logger zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		adapter:      adapter,
		registry:     reg,
		defs:         defs,
		watcher:      noopWatcher{},
		logger:       logger.With().Str("component", "lifecycle").Logger(),
		timeouts:     DefaultTimeouts(),
		restartDelay: defaultRestartDelay,
		sleep:        sleepContext,
		inflight:     make(map[string]Operation),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InFlight reports whether an operation is currently running for name.
func (c *Controller) InFlight(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.inflight[name]
	return busy
}

// Start brings name up. A live service whose runtime is confirmed running is left alone.
func (c *Controller) Start(ctx context.Context, name string) Outcome {
	return c.run(ctx, OpStart, name, c.start)
}

// Stop brings name down.
func (c *Controller) Stop(ctx context.Context, name string) Outcome {
	return c.run(ctx, OpStop, name, c.stop)
}

// Restart stops then starts name under a single hold of its guard.
func (c *Controller) Restart(ctx context.Context, name string) Outcome {
	return c.run(ctx, OpRestart, name, c.restart)
}

func (c *Controller) run(ctx context.Context, op Operation, name string, fn func(context.Context, service.Definition) Outcome) Outcome {
	begin := time.Now()
	def, ok := c.defs.Definition(name)
	if !ok {
		return c.finish(Outcome{Service: name, Op: op, Kind: Rejected, Err: fmt.Errorf("%w: %q", ErrUnknownService, name)}, begin)
	}

	if !c.acquire(name, op) {
		state, _ := c.registry.Get(name)
		return c.finish(Outcome{Service: name, Op: op, Kind: Rejected, Err: ErrOperationInProgress, Phase: state.Phase}, begin)
	}
	defer c.release(name)

	outcome := fn(ctx, def)
	outcome.Service = name
	outcome.Op = op
	return c.finish(outcome, begin)
}

func (c *Controller) acquire(name string, op Operation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[name]; busy {
		return false
	}
	c.inflight[name] = op
	return true
}

func (c *Controller) release(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, name)
}

func (c *Controller) finish(outcome Outcome, begin time.Time) Outcome {
	outcome.Duration = time.Since(begin)
	c.metrics.ObserveOperation(string(outcome.Op), string(outcome.Kind), outcome.Duration)

	event := c.logger.Info()
	if !outcome.OK() {
		event = c.logger.Warn()
	}
	event.
		Str("service", outcome.Service).
		Str("operation", string(outcome.Op)).
		Str("outcome", string(outcome.Kind)).
		Str("phase", string(outcome.Phase)).
		Dur("duration", outcome.Duration).
		Err(outcome.Err).
		Msg("lifecycle operation finished")
	return outcome
}

func (c *Controller) start(ctx context.Context, def service.Definition) Outcome {
	current, ok := c.registry.Get(def.Name)
	if !ok {
		return Outcome{Kind: Rejected, Err: fmt.Errorf("%w: %q", ErrUnknownService, def.Name)}
	}

	if current.Phase.Live() && !current.Handle.IsZero() {
		running, err := c.inspect(ctx, current.Handle)
		if err == nil && running {
			return Outcome{Kind: AlreadyInDesiredState, Phase: current.Phase}
		}
		if err != nil {
			c.logger.Debug().Err(err).Str("service", def.Name).Msg("inspect before start failed")
		}
	}

	c.watcher.Unwatch(def.Name)
	if _, err := c.setPhase(def.Name, func(state service.State) service.State {
		state.Phase = service.PhaseStarting
		state.LastError = ""
		state.ConsecutiveHealthFailures = 0
		return state
	}); err != nil {
		return Outcome{Kind: Rejected, Err: err}
	}

	if err := c.admit(ctx); err != nil {
		return c.fail(def.Name, err)
	}

	handle, err := call(ctx, c.timeouts.start(def.Kind), func(callCtx context.Context) (service.Handle, error) {
		return c.adapter.Start(callCtx, def)
	})
	if err != nil {
		return c.fail(def.Name, wrapIfRuntime("start", err))
	}

	next := service.PhaseRunning
	if def.HealthCheck != nil {
		next = service.PhaseStarting
	}
	state, err := c.setPhase(def.Name, func(state service.State) service.State {
		state.Phase = next
		state.Handle = handle
		return state
	})
	if err != nil {
		return Outcome{Kind: RuntimeFailure, Err: err}
	}
	if def.HealthCheck != nil {
		c.watcher.Watch(def)
	}
	return Outcome{Kind: Success, Phase: state.Phase}
}

func (c *Controller) stop(ctx context.Context, def service.Definition) Outcome {
	current, ok := c.registry.Get(def.Name)
	if !ok {
		return Outcome{Kind: Rejected, Err: fmt.Errorf("%w: %q", ErrUnknownService, def.Name)}
	}
	if current.Phase == service.PhaseStopped {
		return Outcome{Kind: AlreadyInDesiredState, Phase: current.Phase}
	}

	handle := current.Handle
	if handle.IsZero() {
		handle = backend.HandleFor(def)
	}

	if current.Phase == service.PhaseUnknown {
		running, err := c.inspect(ctx, handle)
		if err == nil && !running {
			state, err := c.setPhase(def.Name, func(state service.State) service.State {
				state.Phase = service.PhaseStopped
				state.Handle = service.Handle{}
				return state
			})
			if err != nil {
				return Outcome{Kind: RuntimeFailure, Err: err}
			}
			return Outcome{Kind: AlreadyInDesiredState, Phase: state.Phase}
		}
	}

	c.watcher.Unwatch(def.Name)
	if _, err := c.setPhase(def.Name, func(state service.State) service.State {
		state.Phase = service.PhaseStopping
		return state
	}); err != nil {
		return Outcome{Kind: Rejected, Err: err}
	}

	if err := c.admit(ctx); err != nil {
		return c.fail(def.Name, err)
	}

	_, err := call(ctx, c.timeouts.Stop, func(callCtx context.Context) (struct{}, error) {
		return struct{}{}, c.adapter.Stop(callCtx, handle)
	})
	if err != nil {
		return c.fail(def.Name, wrapIfRuntime("stop", err))
	}

	state, err := c.setPhase(def.Name, func(state service.State) service.State {
		state.Phase = service.PhaseStopped
		state.Handle = service.Handle{}
		state.ConsecutiveHealthFailures = 0
		state.LastError = ""
		return state
	})
	if err != nil {
		return Outcome{Kind: RuntimeFailure, Err: err}
	}
	return Outcome{Kind: Success, Phase: state.Phase}
}

func (c *Controller) restart(ctx context.Context, def service.Definition) Outcome {
	stopped := c.stop(ctx, def)
	if !stopped.OK() {
		return stopped
	}
	if stopped.Kind == Success && c.restartDelay > 0 {
		if err := c.sleep(ctx, c.restartDelay); err != nil {
			return Outcome{Kind: Rejected, Err: err, Phase: stopped.Phase}
		}
	}
	return c.start(ctx, def)
}

func (c *Controller) fail(name string, err error) Outcome {
	state, setErr := c.setPhase(name, func(state service.State) service.State {
		state.Phase = service.PhaseFailed
		state.LastError = lastError(err)
		return state
	})
	if setErr != nil {
		c.logger.Error().Err(setErr).Str("service", name).Msg("failed to record failure")
	}
	return Outcome{Kind: classify(err), Err: err, Phase: state.Phase}
}

func (c *Controller) setPhase(name string, mutate func(service.State) service.State) (service.State, error) {
	return c.registry.Update(name, func(state service.State) (service.State, bool) {
		return mutate(state), true
	})
}

func (c *Controller) inspect(ctx context.Context, handle service.Handle) (bool, error) {
	return call(ctx, c.timeouts.Inspect, func(callCtx context.Context) (bool, error) {
		return c.adapter.Inspect(callCtx, handle)
	})
}

func (c *Controller) admit(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

type result[T any] struct {
	value T
	err   error
}

// call runs fn bounded by timeout. The caller returns once the bound passes even
// if fn ignores its context; the value only travels through the channel, so a
// late fn never touches caller state.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		value, err := fn(callCtx)
		done <- result[T]{value: value, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, ErrTimeout
		}
		return r.value, r.err
	case <-callCtx.Done():
		if ctx.Err() == nil {
			return zero, ErrTimeout
		}
		return zero, ctx.Err()
	}
}

func wrapIfRuntime(op string, err error) error {
	if errors.Is(err, ErrTimeout) {
		return err
	}
	return wrapRuntime(op, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
