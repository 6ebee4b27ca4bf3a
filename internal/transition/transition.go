package transition

import (
	"sort"
	"time"

	"github.com/nholik/stackpilot/internal/service"
	"github.com/rs/zerolog"
)

// Transition captures one phase change of a service.
type Transition struct {
	Service             string
	From                service.Phase
	To                  service.Phase
	At                  time.Time
	Error               string
	ConsecutiveFailures int
}

// Of builds the transition between two states of the same service.
func Of(prev, next service.State) Transition {
	return Transition{
		Service:             next.Name,
		From:                prev.Phase,
		To:                  next.Phase,
		At:                  next.LastTransitionAt,
		Error:               next.LastError,
		ConsecutiveFailures: next.ConsecutiveHealthFailures,
	}
}

// Log writes change at a level matching the severity of the new phase.
func Log(logger zerolog.Logger, change Transition) {
	var event *zerolog.Event
	switch change.To {
	case service.PhaseFailed:
		event = logger.Error()
	case service.PhaseUnhealthy:
		event = logger.Warn()
	default:
		event = logger.Info()
	}

	event = event.
		Str("service", change.Service).
		Str("previous_phase", string(change.From)).
		Str("current_phase", string(change.To))
	if change.Error != "" {
		event = event.Str("last_error", change.Error)
	}
	if change.ConsecutiveFailures > 0 {
		event = event.Int("consecutive_health_failures", change.ConsecutiveFailures)
	}
	event.Msg("service transition")
}

// Detect compares persisted states with current ones and returns the services whose
// phase differs. Services without a previous record are reported only when they are live.
func Detect(prev map[string]service.State, current []service.State) []Transition {
	transitions := make([]Transition, 0)
	for _, state := range current {
		before, hadPrev := prev[state.Name]
		if hadPrev {
			if before.Phase == state.Phase {
				continue
			}
		} else if !state.Phase.Live() {
			continue
		}
		transitions = append(transitions, Of(before, state))
	}

	sort.Slice(transitions, func(i, j int) bool {
		return transitions[i].Service < transitions[j].Service
	})

	return transitions
}
