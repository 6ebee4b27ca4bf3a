package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nholik/stackpilot/internal/service"
	"github.com/nholik/stackpilot/internal/transition"
)

// ErrUnknownService is returned for names the registry does not track.
var ErrUnknownService = errors.New("unknown service")

// maxUpdateAttempts bounds how often Update retries a lost compare-and-set.
const maxUpdateAttempts = 16

// Observer is notified after every phase change, outside the registry lock.
type Observer func(transition.Transition)

// Registry is the concurrency-safe store of service states. All mutation goes
// through CompareAndSet.
type Registry struct {
	mu        sync.RWMutex
	states    map[string]service.State
	changed   chan struct{}
	observers []Observer
	now       func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithObserver registers fn to receive phase transitions.
func WithObserver(fn Observer) Option {
	return func(r *Registry) {
		r.observers = append(r.observers, fn)
	}
}

// WithClock overrides the transition timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		states:  make(map[string]service.State),
		changed: make(chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sync makes the tracked set equal names: new names start Unknown, missing ones are dropped.
func (r *Registry) Sync(names []string) (added, removed []string) {
	want := make(map[string]struct{}, len(names))
	for _, name := range names {
		want[name] = struct{}{}
	}

	r.mu.Lock()
	now := r.now()
	for _, name := range names {
		if _, ok := r.states[name]; ok {
			continue
		}
		r.states[name] = service.State{Name: name, Phase: service.PhaseUnknown, LastTransitionAt: now}
		added = append(added, name)
	}
	for name := range r.states {
		if _, ok := want[name]; !ok {
			delete(r.states, name)
			removed = append(removed, name)
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		r.broadcastLocked()
	}
	r.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// Get returns the current state of name.
func (r *Registry) Get(name string) (service.State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[name]
	return copyState(state), ok
}

// List returns a point-in-time copy of every state, sorted by name.
func (r *Registry) List() []service.State {
	r.mu.RLock()
	result := make([]service.State, 0, len(r.states))
	for _, state := range r.states {
		result = append(result, copyState(state))
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// CompareAndSet replaces the state of name with next only if its current phase is
// expected. It reports whether the swap happened.
func (r *Registry) CompareAndSet(name string, expected service.Phase, next service.State) bool {
	r.mu.Lock()
	current, ok := r.states[name]
	if !ok || current.Phase != expected {
		r.mu.Unlock()
		return false
	}

	next = copyState(next)
	next.Name = name
	phaseChanged := next.Phase != current.Phase
	if phaseChanged {
		next.LastTransitionAt = r.now()
	} else {
		next.LastTransitionAt = current.LastTransitionAt
	}
	r.states[name] = next
	r.broadcastLocked()
	observers := r.observers
	r.mu.Unlock()

	if phaseChanged {
		change := transition.Of(current, next)
		for _, observe := range observers {
			observe(change)
		}
	}
	return true
}

// Update applies fn to the current state of name and stores the result with
// CompareAndSet, retrying when another writer wins. fn returns false to abandon.
func (r *Registry) Update(name string, fn func(service.State) (service.State, bool)) (service.State, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, ok := r.Get(name)
		if !ok {
			return service.State{}, fmt.Errorf("%w: %q", ErrUnknownService, name)
		}
		next, apply := fn(current)
		if !apply {
			return current, nil
		}
		if r.CompareAndSet(name, current.Phase, next) {
			stored, _ := r.Get(name)
			return stored, nil
		}
	}
	return service.State{}, fmt.Errorf("update %q: too much contention", name)
}

// Changed returns a channel closed on the next mutation.
func (r *Registry) Changed() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changed
}

// WaitFor blocks until cond holds for the state of name or ctx ends.
func (r *Registry) WaitFor(ctx context.Context, name string, cond func(service.State) bool) (service.State, error) {
	for {
		changed := r.Changed()
		state, ok := r.Get(name)
		if !ok {
			return service.State{}, fmt.Errorf("%w: %q", ErrUnknownService, name)
		}
		if cond(state) {
			return state, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

func (r *Registry) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func copyState(state service.State) service.State {
	if state.Handle.Containers != nil {
		state.Handle.Containers = append([]string(nil), state.Handle.Containers...)
	}
	return state
}
