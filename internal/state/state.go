package state

import (
	"context"
	"sync"
	"time"

	"github.com/nholik/stackpilot/internal/service"
)

// FormatVersion is the schema version written to state files.
const FormatVersion = 1

// State is the persisted view of the registry: the last known phase and
// runtime handle of every service.
type State struct {
	Version  int                      `json:"version"`
	SavedAt  time.Time                `json:"saved_at"`
	Services map[string]service.State `json:"services"`
}

// Store defines the interface for persisting state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

// FromList builds a State from a registry snapshot.
func FromList(states []service.State, savedAt time.Time) State {
	result := State{Version: FormatVersion, SavedAt: savedAt, Services: make(map[string]service.State, len(states))}
	for _, s := range states {
		result.Services[s.Name] = s
	}
	return result
}

// MemoryStore keeps state in memory. It is used when no state path is configured.
type MemoryStore struct {
	mu    sync.Mutex
	state State
	saves int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: State{Services: map[string]service.State{}}}
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.state), nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, state State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = clone(state)
	s.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func clone(state State) State {
	out := State{Version: state.Version, SavedAt: state.SavedAt, Services: make(map[string]service.State, len(state.Services))}
	for name, s := range state.Services {
		if s.Handle.Containers != nil {
			s.Handle.Containers = append([]string(nil), s.Handle.Containers...)
		}
		out.Services[name] = s
	}
	return out
}
