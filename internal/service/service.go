package service

import (
	"time"
)

// Kind selects how a service is driven by the container runtime.
type Kind string

const (
	KindComposeStack    Kind = "compose-stack"
	KindSingleContainer Kind = "single-container"
)

// ProbeKind is the transport used by a health check.
type ProbeKind string

const (
	ProbeHTTP    ProbeKind = "http"
	ProbeTCP     ProbeKind = "tcp"
	ProbeCommand ProbeKind = "command"
)

// RestartPolicy controls automatic restarts after health failures.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// HealthCheck describes the periodic probe for a service.
type HealthCheck struct {
	Kind     ProbeKind
	Target   string
	Interval time.Duration
	Timeout  time.Duration
	// MaxRetries is the number of consecutive failed probes tolerated before a phase change.
	MaxRetries int
}

// Definition is an immutable, validated service entry.
type Definition struct {
	Name          string
	Kind          Kind
	WorkingPath   string
	ComposeFile   string
	Container     string
	DependsOn     []string
	Ports         []int
	HealthCheck   *HealthCheck
	RestartPolicy RestartPolicy
	Enabled       bool
}

// ContainerName returns the container a single-container service controls.
func (d Definition) ContainerName() string {
	if d.Container != "" {
		return d.Container
	}
	return d.Name
}

// Phase is the lifecycle phase of a service.
type Phase string

const (
	PhaseUnknown   Phase = "Unknown"
	PhaseStopped   Phase = "Stopped"
	PhaseStarting  Phase = "Starting"
	PhaseRunning   Phase = "Running"
	PhaseUnhealthy Phase = "Unhealthy"
	PhaseFailed    Phase = "Failed"
	PhaseStopping  Phase = "Stopping"
)

// Live reports whether the phase implies the service was started and not stopped since.
func (p Phase) Live() bool {
	switch p {
	case PhaseStarting, PhaseRunning, PhaseUnhealthy:
		return true
	default:
		return false
	}
}

// Handle identifies the runtime objects backing a started service.
type Handle struct {
	Kind Kind `json:"kind"`
	// Ref is the container name or ID for single containers and the project name for stacks.
	Ref         string   `json:"ref"`
	WorkingDir  string   `json:"working_dir,omitempty"`
	ComposeFile string   `json:"compose_file,omitempty"`
	Containers  []string `json:"containers,omitempty"`
}

// IsZero reports whether the handle carries no runtime reference.
func (h Handle) IsZero() bool {
	return h.Ref == "" && len(h.Containers) == 0
}

// State is the mutable status of a service, owned by the status registry.
type State struct {
	Name                      string    `json:"name"`
	Phase                     Phase     `json:"phase"`
	LastTransitionAt          time.Time `json:"last_transition_at"`
	ConsecutiveHealthFailures int       `json:"consecutive_health_failures"`
	LastError                 string    `json:"last_error,omitempty"`
	Handle                    Handle    `json:"handle"`
}
