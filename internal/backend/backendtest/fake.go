package backendtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nholik/stackpilot/internal/backend"
	"github.com/nholik/stackpilot/internal/service"
)

// Call records one adapter invocation.
type Call struct {
	Op      string
	Service string
	Begin   time.Time
	End     time.Time
}

// Fake is a scriptable, concurrency-safe backend.Adapter.
type Fake struct {
	mu        sync.Mutex
	calls     []Call
	running   map[string]bool
	startErr  map[string]error
	stopErr   map[string]error
	delay     map[string]time.Duration
	gates     map[string]chan struct{}
	probes    map[string][]bool
	probeHits map[string]int
}

var _ backend.Adapter = (*Fake)(nil)

// New returns an empty Fake where every call succeeds immediately.
func New() *Fake {
	return &Fake{
		running:   map[string]bool{},
		startErr:  map[string]error{},
		stopErr:   map[string]error{},
		delay:     map[string]time.Duration{},
		gates:     map[string]chan struct{}{},
		probes:    map[string][]bool{},
		probeHits: map[string]int{},
	}
}

// FailStart makes Start for name return err.
func (f *Fake) FailStart(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr[name] = err
}

// FailStop makes Stop for name return err.
func (f *Fake) FailStop(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopErr[name] = err
}

// Delay makes every Start and Stop for name take d.
func (f *Fake) Delay(name string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay[name] = d
}

// Gate blocks Start and Stop for name until the returned function is called.
func (f *Fake) Gate(name string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[name] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() { close(ch) })
	}
}

// ScriptProbes queues probe results for target; once exhausted probes succeed.
func (f *Fake) ScriptProbes(target string, results ...bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes[target] = append(f.probes[target], results...)
}

// SetRunning overrides what Inspect reports for ref.
func (f *Fake) SetRunning(ref string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[ref] = running
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor returns recorded calls of op for name.
func (f *Fake) CallsFor(op, name string) []Call {
	var result []Call
	for _, call := range f.Calls() {
		if call.Op == op && call.Service == name {
			result = append(result, call)
		}
	}
	return result
}

// ProbeCount returns how many probes ran against target.
func (f *Fake) ProbeCount(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeHits[target]
}

func (f *Fake) wait(ctx context.Context, name string) error {
	f.mu.Lock()
	delay := f.delay[name]
	gate := f.gates[name]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *Fake) record(op, name string, begin time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Service: name, Begin: begin, End: time.Now()})
}

// Start implements backend.Adapter.
func (f *Fake) Start(ctx context.Context, def service.Definition) (service.Handle, error) {
	begin := time.Now()
	defer f.record("start", def.Name, begin)

	if err := f.wait(ctx, def.Name); err != nil {
		return service.Handle{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr[def.Name]; err != nil {
		return service.Handle{}, err
	}
	f.running[def.Name] = true
	return service.Handle{Kind: def.Kind, Ref: def.Name}, nil
}

// Stop implements backend.Adapter.
func (f *Fake) Stop(ctx context.Context, handle service.Handle) error {
	begin := time.Now()
	defer f.record("stop", handle.Ref, begin)

	if err := f.wait(ctx, handle.Ref); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stopErr[handle.Ref]; err != nil {
		return err
	}
	f.running[handle.Ref] = false
	return nil
}

// Inspect implements backend.Adapter.
func (f *Fake) Inspect(_ context.Context, handle service.Handle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[handle.Ref], nil
}

// Probe implements backend.Adapter.
func (f *Fake) Probe(ctx context.Context, _ service.ProbeKind, target string, _ time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeHits[target]++
	queue := f.probes[target]
	if len(queue) == 0 {
		return true, nil
	}
	result := queue[0]
	f.probes[target] = queue[1:]
	if !result {
		return false, errors.New("probe failed")
	}
	return true, nil
}
