package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nholik/stackpilot/internal/logging"
	"github.com/nholik/stackpilot/internal/metrics"
	"github.com/nholik/stackpilot/internal/registry"
	"github.com/nholik/stackpilot/internal/service"
	"github.com/rs/zerolog"
)

// Ticker is the minimal interface needed for driving a probe loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// Prober runs one health probe.
type Prober interface {
	Probe(ctx context.Context, kind service.ProbeKind, target string, timeout time.Duration) (bool, error)
}

// RestartFunc restarts a service on behalf of its restart policy.
type RestartFunc func(ctx context.Context, name string) error

// ProbeResult is the outcome of a single probe.
type ProbeResult struct {
	Success    bool
	ObservedAt time.Time
	Latency    time.Duration
	Err        error
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type pendingRestart struct {
	cancel context.CancelFunc
}

// Monitor runs one probe loop per watched service and applies the results to the registry.
type Monitor struct {
	prober         Prober
	registry       *registry.Registry
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	tickerFactory  func(time.Duration) Ticker
	backoffFactory func() backoff.BackOff
	restart        RestartFunc
	now            func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	tasks    map[string]*task
	backoffs map[string]backoff.BackOff
	// restarting holds services with a scheduled or running automatic restart.
	restarting map[string]*pendingRestart
	closed     bool
	wg         sync.WaitGroup
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(m *Monitor) {
		m.tickerFactory = factory
	}
}

// WithRestart enables restart policies; fn is called for services that need a restart.
func WithRestart(fn RestartFunc) Option {
	return func(m *Monitor) {
		m.restart = fn
	}
}

// WithBackOff overrides the delay policy between automatic restarts of one service.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(m *Monitor) {
		m.backoffFactory = factory
	}
}

// WithMetrics records probe results and automatic restarts.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = mt
	}
}

// WithClock overrides the probe timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// New creates a Monitor. Loops run until Unwatch or Close.
func New(prober Prober, reg *registry.Registry, logger zerolog.Logger, opts ...Option) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		prober:   prober,
		registry: reg,
		logger:   logger.With().Str("component", "monitor").Logger(),
		tickerFactory: func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
		backoffFactory: defaultBackOff,
		now:            time.Now,
		baseCtx:        ctx,
		baseCancel:     cancel,
		tasks:          make(map[string]*task),
		backoffs:       make(map[string]backoff.BackOff),
		restarting:     make(map[string]*pendingRestart),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 10 * time.Minute
	b.Reset()
	return b
}

// Watch starts probing def, replacing any loop already running for it.
// Definitions without a health check are ignored.
func (m *Monitor) Watch(def service.Definition) {
	if def.HealthCheck == nil || def.HealthCheck.Interval <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if existing, ok := m.tasks[def.Name]; ok {
		existing.cancel()
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	m.tasks[def.Name] = t
	m.wg.Add(1)
	go m.loop(ctx, def, t)
}

// Unwatch cancels the loop for name without waiting for it to exit.
func (m *Monitor) Unwatch(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[name]; ok {
		t.cancel()
		delete(m.tasks, name)
	}
	if p, ok := m.restarting[name]; ok {
		p.cancel()
	}
}

// Watching returns the names with an active probe loop, sorted.
func (m *Monitor) Watching() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.tasks))
	for name := range m.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close cancels every loop and waits for them to exit. Automatic restarts
// already under way are not waited for.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	m.tasks = make(map[string]*task)
	m.mu.Unlock()

	m.baseCancel()
	m.wg.Wait()
}

func (m *Monitor) forget(name string, t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.tasks[name]; ok && current == t {
		delete(m.tasks, name)
	}
}

func (m *Monitor) loop(ctx context.Context, def service.Definition, t *task) {
	defer m.wg.Done()
	defer close(t.done)
	defer m.forget(def.Name, t)
	defer t.cancel()

	logger := logging.ForService(m.logger, def.Name)
	logger.Debug().
		Str("probe", string(def.HealthCheck.Kind)).
		Dur("interval", def.HealthCheck.Interval).
		Msg("health monitoring started")

	ticker := m.tickerFactory(def.HealthCheck.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("health monitoring stopped")
			return
		case <-ticker.C():
		}

		if !m.check(ctx, def, logger) {
			logger.Debug().Msg("health monitoring finished")
			return
		}
	}
}

// check runs one probe and applies it. It reports whether the loop should continue.
func (m *Monitor) check(ctx context.Context, def service.Definition, logger zerolog.Logger) bool {
	current, ok := m.registry.Get(def.Name)
	if !ok || !current.Phase.Live() {
		return false
	}

	result := m.probe(ctx, def.HealthCheck)

	// A canceled loop may race a fresh Start; its result must not land.
	if result.Success {
		if _, err := m.registry.Update(def.Name, func(state service.State) (service.State, bool) {
			if ctx.Err() != nil || !state.Phase.Live() {
				return state, false
			}
			if state.ConsecutiveHealthFailures == 0 && state.Phase == service.PhaseRunning {
				return state, false
			}
			state.ConsecutiveHealthFailures = 0
			state.Phase = service.PhaseRunning
			state.LastError = ""
			return state, true
		}); err != nil {
			logger.Warn().Err(err).Msg("failed to record healthy probe")
		}
		if ctx.Err() != nil {
			return false
		}
		m.metrics.ObserveProbe(def.Name, true, result.Latency)
		m.resetBackOff(def.Name)
		return true
	}

	logger.Debug().Err(result.Err).Msg("health probe failed")
	maxRetries := def.HealthCheck.MaxRetries
	var before service.Phase
	state, err := m.registry.Update(def.Name, func(state service.State) (service.State, bool) {
		if ctx.Err() != nil || !state.Phase.Live() {
			return state, false
		}
		before = state.Phase
		state.ConsecutiveHealthFailures++
		if state.ConsecutiveHealthFailures >= maxRetries {
			switch state.Phase {
			case service.PhaseRunning:
				state.Phase = service.PhaseUnhealthy
				state.LastError = probeMessage(result.Err)
			case service.PhaseStarting:
				state.Phase = service.PhaseFailed
				state.LastError = probeMessage(result.Err)
			}
		}
		return state, true
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to record failed probe")
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	m.metrics.ObserveProbe(def.Name, false, result.Latency)

	switch state.Phase {
	case service.PhaseFailed:
		m.applyRestartPolicy(ctx, def, logger)
		return false
	case service.PhaseUnhealthy:
		if before != service.PhaseUnhealthy {
			m.applyRestartPolicy(ctx, def, logger)
		}
		return true
	case service.PhaseStopped, service.PhaseStopping, service.PhaseUnknown:
		return false
	default:
		return true
	}
}

func (m *Monitor) probe(ctx context.Context, hc *service.HealthCheck) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, hc.Timeout)
	defer cancel()

	begin := m.now()
	ok, err := m.prober.Probe(probeCtx, hc.Kind, hc.Target, hc.Timeout)
	result := ProbeResult{
		Success:    ok && err == nil,
		ObservedAt: m.now(),
		Latency:    m.now().Sub(begin),
		Err:        err,
	}
	if !result.Success && result.Err == nil {
		result.Err = fmt.Errorf("%s probe of %s reported unhealthy", hc.Kind, hc.Target)
	}
	return result
}

// applyRestartPolicy schedules a restart outside the probe loop, so the loop
// and Close never wait on runtime calls. One restart per service is pending at
// a time.
func (m *Monitor) applyRestartPolicy(ctx context.Context, def service.Definition, logger zerolog.Logger) {
	if m.restart == nil || def.RestartPolicy == service.RestartNever || def.RestartPolicy == "" {
		return
	}

	delay := m.nextBackOff(def.Name)
	if delay == backoff.Stop {
		logger.Error().Str("restart_policy", string(def.RestartPolicy)).Msg("giving up on automatic restarts")
		return
	}

	m.mu.Lock()
	if _, pending := m.restarting[def.Name]; m.closed || pending {
		m.mu.Unlock()
		return
	}
	waitCtx, cancel := context.WithCancel(m.baseCtx)
	p := &pendingRestart{cancel: cancel}
	m.restarting[def.Name] = p
	m.mu.Unlock()

	logger.Warn().
		Str("restart_policy", string(def.RestartPolicy)).
		Dur("delay", delay).
		Msg("scheduling automatic restart")

	go m.restartAfter(ctx, waitCtx, p, def.Name, delay, logger)
}

// restartAfter waits out delay unless the service is unwatched or the monitor
// closes first. It outlives the loop that scheduled it, since the restart
// unwatches that loop.
func (m *Monitor) restartAfter(ctx, waitCtx context.Context, p *pendingRestart, name string, delay time.Duration, logger zerolog.Logger) {
	defer func() {
		p.cancel()
		m.mu.Lock()
		if m.restarting[name] == p {
			delete(m.restarting, name)
		}
		m.mu.Unlock()
	}()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-waitCtx.Done():
		logger.Debug().Msg("automatic restart canceled")
		return
	case <-timer.C:
	}

	m.metrics.IncAutomaticRestarts(name)
	if err := m.restart(context.WithoutCancel(ctx), name); err != nil {
		logger.Error().Err(err).Msg("automatic restart failed")
	}
}

func (m *Monitor) nextBackOff(name string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backoffs[name]
	if !ok {
		b = m.backoffFactory()
		m.backoffs[name] = b
	}
	return b.NextBackOff()
}

func (m *Monitor) resetBackOff(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backoffs, name)
}

func probeMessage(err error) string {
	if err == nil {
		return "health check failed"
	}
	return "health check failed: " + err.Error()
}
