package healthcheck

import (
	"sync"
	"time"
)

// Snapshot describes the orchestrator's own health.
type Snapshot struct {
	ConfigLoadedAt          *time.Time `json:"config_loaded_at"`
	ServicesLoaded          int        `json:"services_loaded"`
	LastReloadError         string     `json:"last_reload_error,omitempty"`
	Ready                   bool       `json:"ready"`
	LastOperation           string     `json:"last_operation,omitempty"`
	LastOperationAt         *time.Time `json:"last_operation_at,omitempty"`
	LastOperationDurationMS int64      `json:"last_operation_duration_ms"`
}

// Tracker records configuration and operation progress for health endpoints.
type Tracker struct {
	mu                sync.RWMutex
	configLoadedAt    time.Time
	servicesLoaded    int
	lastReloadError   string
	ready             bool
	lastOperation     string
	lastOperationAt   time.Time
	operationDuration time.Duration
	now               func() time.Time
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{now: func() time.Time { return time.Now().UTC() }}
}

// RecordReload records a configuration reload attempt. A failed reload keeps
// the previously loaded configuration, so only the error is updated.
func (t *Tracker) RecordReload(services int, err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.lastReloadError = err.Error()
		return
	}
	t.configLoadedAt = t.now()
	t.servicesLoaded = services
	t.lastReloadError = ""
}

// MarkReady flags that startup reconciliation has finished.
func (t *Tracker) MarkReady() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.ready = true
	t.mu.Unlock()
}

// RecordOperation records the latest facade operation.
func (t *Tracker) RecordOperation(name string, duration time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastOperation = name
	t.lastOperationAt = t.now()
	t.operationDuration = duration
}

// Snapshot returns the current tracker snapshot.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Snapshot{
		ConfigLoadedAt:          timePtr(t.configLoadedAt),
		ServicesLoaded:          t.servicesLoaded,
		LastReloadError:         t.lastReloadError,
		Ready:                   t.ready,
		LastOperation:           t.lastOperation,
		LastOperationAt:         timePtr(t.lastOperationAt),
		LastOperationDurationMS: int64(t.operationDuration / time.Millisecond),
	}
}

// Ready reports whether startup reconciliation has completed.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// Healthy reports whether a valid configuration has been loaded.
func (t *Tracker) Healthy() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.configLoadedAt.IsZero()
}

func timePtr(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}
