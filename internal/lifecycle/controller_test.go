package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nholik/stackpilot/internal/backend/backendtest"
	"github.com/nholik/stackpilot/internal/registry"
	"github.com/nholik/stackpilot/internal/service"
	"github.com/rs/zerolog"
)

type staticDefs map[string]service.Definition

func (s staticDefs) Definition(name string) (service.Definition, bool) {
	def, ok := s[name]
	return def, ok
}

type recordingWatcher struct {
	mu        sync.Mutex
	watched   []string
	unwatched []string
}

func (w *recordingWatcher) Watch(def service.Definition) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched = append(w.watched, def.Name)
}

func (w *recordingWatcher) Unwatch(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatched = append(w.unwatched, name)
}

func (w *recordingWatcher) watchedNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.watched...)
}

func container(name string) service.Definition {
	return service.Definition{Name: name, Kind: service.KindSingleContainer, Enabled: true}
}

func newController(t *testing.T, fake *backendtest.Fake, defs staticDefs, opts ...Option) (*Controller, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	reg.Sync(names)
	return New(fake, reg, defs, zerolog.Nop(), opts...), reg
}

func TestStart_NoHealthCheckIsRunning(t *testing.T) {
	fake := backendtest.New()
	c, reg := newController(t, fake, staticDefs{"web": container("web")})

	outcome := c.Start(context.Background(), "web")
	if outcome.Kind != Success {
		t.Fatalf("expected Success, got %s (%v)", outcome.Kind, outcome.Err)
	}
	state, _ := reg.Get("web")
	if state.Phase != service.PhaseRunning {
		t.Fatalf("expected Running, got %s", state.Phase)
	}
	if state.Handle.Ref != "web" {
		t.Fatalf("expected handle ref web, got %q", state.Handle.Ref)
	}
}

func TestStart_WithHealthCheckStaysStartingAndIsWatched(t *testing.T) {
	fake := backendtest.New()
	def := container("api")
	def.HealthCheck = &service.HealthCheck{Kind: service.ProbeHTTP, Target: "http://api/health", Interval: time.Second, Timeout: time.Second, MaxRetries: 3}
	watcher := &recordingWatcher{}
	c, reg := newController(t, fake, staticDefs{"api": def}, WithWatcher(watcher))

	outcome := c.Start(context.Background(), "api")
	if outcome.Kind != Success || outcome.Phase != service.PhaseStarting {
		t.Fatalf("expected Success in Starting, got %s in %s", outcome.Kind, outcome.Phase)
	}
	state, _ := reg.Get("api")
	if state.Phase != service.PhaseStarting {
		t.Fatalf("expected Starting, got %s", state.Phase)
	}
	if got := watcher.watchedNames(); len(got) != 1 || got[0] != "api" {
		t.Fatalf("expected api to be watched, got %v", got)
	}
}

func TestStart_ConcurrentCallIsRejected(t *testing.T) {
	fake := backendtest.New()
	release := fake.Gate("db")
	c, _ := newController(t, fake, staticDefs{"db": container("db")})

	first := make(chan Outcome, 1)
	go func() {
		first <- c.Start(context.Background(), "db")
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !c.InFlight("db") {
		if time.Now().After(deadline) {
			t.Fatalf("first start never became in flight")
		}
		time.Sleep(time.Millisecond)
	}

	second := c.Start(context.Background(), "db")
	if second.Kind != Rejected || !errors.Is(second.Err, ErrOperationInProgress) {
		t.Fatalf("expected ErrOperationInProgress, got %s (%v)", second.Kind, second.Err)
	}

	release()
	result := <-first
	if result.Kind != Success {
		t.Fatalf("expected first start to succeed, got %s (%v)", result.Kind, result.Err)
	}
	if calls := fake.CallsFor("start", "db"); len(calls) != 1 {
		t.Fatalf("expected one runtime start, got %d", len(calls))
	}
}

func TestStart_TimeoutMarksFailed(t *testing.T) {
	fake := backendtest.New()
	fake.Delay("slow", time.Second)
	c, reg := newController(t, fake, staticDefs{"slow": container("slow")},
		WithTimeouts(Timeouts{ContainerStart: 20 * time.Millisecond}))

	outcome := c.Start(context.Background(), "slow")
	if outcome.Kind != TimedOut || !errors.Is(outcome.Err, ErrTimeout) {
		t.Fatalf("expected Timeout, got %s (%v)", outcome.Kind, outcome.Err)
	}
	state, _ := reg.Get("slow")
	if state.Phase != service.PhaseFailed || state.LastError != "timeout" {
		t.Fatalf("expected Failed with timeout, got %s %q", state.Phase, state.LastError)
	}
}

func TestStart_RuntimeErrorKeepsMessage(t *testing.T) {
	fake := backendtest.New()
	fake.FailStart("web", errors.New("no such image: web:latest"))
	c, reg := newController(t, fake, staticDefs{"web": container("web")})

	outcome := c.Start(context.Background(), "web")
	if outcome.Kind != RuntimeFailure {
		t.Fatalf("expected RuntimeError, got %s", outcome.Kind)
	}
	var runtimeErr *RuntimeError
	if !errors.As(outcome.Err, &runtimeErr) || runtimeErr.Op != "start" {
		t.Fatalf("expected RuntimeError for start, got %v", outcome.Err)
	}
	state, _ := reg.Get("web")
	if state.Phase != service.PhaseFailed {
		t.Fatalf("expected Failed, got %s", state.Phase)
	}
	if state.LastError != "no such image: web:latest" {
		t.Fatalf("expected verbatim adapter message, got %q", state.LastError)
	}
}

func TestStart_AlreadyRunningIsNoop(t *testing.T) {
	fake := backendtest.New()
	c, _ := newController(t, fake, staticDefs{"web": container("web")})

	c.Start(context.Background(), "web")
	outcome := c.Start(context.Background(), "web")
	if outcome.Kind != AlreadyInDesiredState || !outcome.OK() {
		t.Fatalf("expected AlreadyInDesiredState, got %s", outcome.Kind)
	}
	if calls := fake.CallsFor("start", "web"); len(calls) != 1 {
		t.Fatalf("expected one runtime start, got %d", len(calls))
	}
}

func TestStart_RestartsWhenRuntimeIsGone(t *testing.T) {
	fake := backendtest.New()
	c, _ := newController(t, fake, staticDefs{"web": container("web")})

	c.Start(context.Background(), "web")
	fake.SetRunning("web", false)
	outcome := c.Start(context.Background(), "web")
	if outcome.Kind != Success {
		t.Fatalf("expected Success, got %s", outcome.Kind)
	}
	if calls := fake.CallsFor("start", "web"); len(calls) != 2 {
		t.Fatalf("expected two runtime starts, got %d", len(calls))
	}
}

func TestStop(t *testing.T) {
	fake := backendtest.New()
	watcher := &recordingWatcher{}
	c, reg := newController(t, fake, staticDefs{"web": container("web")}, WithWatcher(watcher))

	c.Start(context.Background(), "web")
	outcome := c.Stop(context.Background(), "web")
	if outcome.Kind != Success {
		t.Fatalf("expected Success, got %s (%v)", outcome.Kind, outcome.Err)
	}
	state, _ := reg.Get("web")
	if state.Phase != service.PhaseStopped || !state.Handle.IsZero() {
		t.Fatalf("expected Stopped with cleared handle, got %s %+v", state.Phase, state.Handle)
	}

	again := c.Stop(context.Background(), "web")
	if again.Kind != AlreadyInDesiredState {
		t.Fatalf("expected AlreadyInDesiredState, got %s", again.Kind)
	}
	if calls := fake.CallsFor("stop", "web"); len(calls) != 1 {
		t.Fatalf("expected one runtime stop, got %d", len(calls))
	}
}

func TestStop_UnknownAndNotRunning(t *testing.T) {
	fake := backendtest.New()
	c, reg := newController(t, fake, staticDefs{"web": container("web")})

	outcome := c.Stop(context.Background(), "web")
	if outcome.Kind != AlreadyInDesiredState {
		t.Fatalf("expected AlreadyInDesiredState, got %s", outcome.Kind)
	}
	if calls := fake.CallsFor("stop", "web"); len(calls) != 0 {
		t.Fatalf("expected no runtime stop, got %d", len(calls))
	}
	state, _ := reg.Get("web")
	if state.Phase != service.PhaseStopped {
		t.Fatalf("expected Stopped, got %s", state.Phase)
	}
}

func TestStop_FailureMarksFailed(t *testing.T) {
	fake := backendtest.New()
	fake.FailStop("web", errors.New("container is paused"))
	c, reg := newController(t, fake, staticDefs{"web": container("web")})

	c.Start(context.Background(), "web")
	outcome := c.Stop(context.Background(), "web")
	if outcome.Kind != RuntimeFailure {
		t.Fatalf("expected RuntimeError, got %s", outcome.Kind)
	}
	state, _ := reg.Get("web")
	if state.Phase != service.PhaseFailed || state.LastError != "container is paused" {
		t.Fatalf("expected Failed with adapter message, got %s %q", state.Phase, state.LastError)
	}
}

func TestRestart(t *testing.T) {
	fake := backendtest.New()
	var slept []time.Duration
	c, reg := newController(t, fake, staticDefs{"web": container("web")},
		WithRestartDelay(3*time.Second),
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}))

	c.Start(context.Background(), "web")
	outcome := c.Restart(context.Background(), "web")
	if outcome.Kind != Success || outcome.Op != OpRestart {
		t.Fatalf("expected successful restart, got %s %s", outcome.Op, outcome.Kind)
	}
	if len(slept) != 1 || slept[0] != 3*time.Second {
		t.Fatalf("expected one 3s pause, got %v", slept)
	}

	calls := fake.Calls()
	var ops []string
	for _, call := range calls {
		ops = append(ops, call.Op)
	}
	want := []string{"start", "stop", "start"}
	if len(ops) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, ops)
		}
	}
	state, _ := reg.Get("web")
	if state.Phase != service.PhaseRunning {
		t.Fatalf("expected Running, got %s", state.Phase)
	}
}

func TestUnknownServiceIsRejected(t *testing.T) {
	c, _ := newController(t, backendtest.New(), staticDefs{})

	outcome := c.Start(context.Background(), "ghost")
	if outcome.Kind != Rejected || !errors.Is(outcome.Err, ErrUnknownService) {
		t.Fatalf("expected unknown service rejection, got %s (%v)", outcome.Kind, outcome.Err)
	}
}

// stubbornAdapter ignores its context on Inspect and, when slowStart is set, on Start.
type stubbornAdapter struct {
	*backendtest.Fake
	delay     time.Duration
	slowStart bool
}

func (a *stubbornAdapter) Inspect(_ context.Context, _ service.Handle) (bool, error) {
	time.Sleep(a.delay)
	return true, nil
}

func (a *stubbornAdapter) Start(ctx context.Context, def service.Definition) (service.Handle, error) {
	if !a.slowStart {
		return a.Fake.Start(ctx, def)
	}
	time.Sleep(a.delay)
	return service.Handle{Kind: def.Kind, Ref: "late-" + def.Name}, nil
}

func newStubbornController(adapter *stubbornAdapter, timeouts Timeouts) (*Controller, *registry.Registry) {
	reg := registry.New()
	reg.Sync([]string{"web"})
	defs := staticDefs{"web": container("web")}
	return New(adapter, reg, defs, zerolog.Nop(), WithTimeouts(timeouts)), reg
}

func TestStart_InspectIgnoringContextTimesOutCleanly(t *testing.T) {
	adapter := &stubbornAdapter{Fake: backendtest.New(), delay: 100 * time.Millisecond}
	c, reg := newStubbornController(adapter, Timeouts{Inspect: 10 * time.Millisecond})

	if outcome := c.Start(context.Background(), "web"); outcome.Kind != Success {
		t.Fatalf("expected first start to succeed, got %s", outcome.Kind)
	}

	begin := time.Now()
	outcome := c.Start(context.Background(), "web")
	if elapsed := time.Since(begin); elapsed > 80*time.Millisecond {
		t.Fatalf("start waited for the stuck inspect: %s", elapsed)
	}
	if outcome.Kind != Success {
		t.Fatalf("expected start after inspect timeout to succeed, got %s", outcome.Kind)
	}

	// Let the abandoned inspect finish while the registry is read concurrently.
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		state, _ := reg.Get("web")
		if state.Phase != service.PhaseRunning {
			t.Fatalf("expected Running, got %s", state.Phase)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStart_LateRuntimeResultIsDiscarded(t *testing.T) {
	adapter := &stubbornAdapter{Fake: backendtest.New(), delay: 100 * time.Millisecond, slowStart: true}
	c, reg := newStubbornController(adapter, Timeouts{ContainerStart: 10 * time.Millisecond})

	outcome := c.Start(context.Background(), "web")
	if outcome.Kind != TimedOut {
		t.Fatalf("expected Timeout, got %s", outcome.Kind)
	}

	time.Sleep(150 * time.Millisecond)
	state, _ := reg.Get("web")
	if state.Phase != service.PhaseFailed || state.LastError != "timeout" {
		t.Fatalf("expected Failed/timeout, got %s/%q", state.Phase, state.LastError)
	}
	if !state.Handle.IsZero() {
		t.Fatalf("late runtime handle leaked into state: %+v", state.Handle)
	}
}
