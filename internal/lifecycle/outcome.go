package lifecycle

import (
	"errors"
	"time"

	"github.com/nholik/stackpilot/internal/service"
)

// Operation names a lifecycle operation.
type Operation string

const (
	OpStart   Operation = "start"
	OpStop    Operation = "stop"
	OpRestart Operation = "restart"
)

// OutcomeKind classifies how a lifecycle operation ended.
type OutcomeKind string

const (
	Success               OutcomeKind = "Success"
	AlreadyInDesiredState OutcomeKind = "AlreadyInDesiredState"
	RuntimeFailure        OutcomeKind = "RuntimeError"
	TimedOut              OutcomeKind = "Timeout"
	// Rejected means no runtime call was made: the service was busy, unknown,
	// disabled or its dependencies were not ready.
	Rejected OutcomeKind = "Rejected"
	// Skipped means a batch operation never attempted the service.
	Skipped OutcomeKind = "Skipped"
)

// Outcome is the result of one lifecycle operation on one service.
type Outcome struct {
	Service  string        `json:"service"`
	Op       Operation     `json:"operation"`
	Kind     OutcomeKind   `json:"outcome"`
	Err      error         `json:"-"`
	Phase    service.Phase `json:"phase"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the service ended in the requested state.
func (o Outcome) OK() bool {
	return o.Kind == Success || o.Kind == AlreadyInDesiredState
}

// Message returns the outcome error message, or "" when there is none.
func (o Outcome) Message() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

func classify(err error) OutcomeKind {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrTimeout):
		return TimedOut
	default:
		return RuntimeFailure
	}
}
