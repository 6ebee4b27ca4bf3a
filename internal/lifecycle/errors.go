package lifecycle

import (
	"errors"
	"fmt"

	"github.com/nholik/stackpilot/internal/registry"
)

var (
	// ErrOperationInProgress rejects a call for a service that already has one in flight.
	ErrOperationInProgress = errors.New("operation in progress")
	// ErrTimeout marks a runtime call that exceeded its configured bound.
	ErrTimeout = errors.New("timeout")
	// ErrUnknownService is returned for names without a loaded definition.
	ErrUnknownService = registry.ErrUnknownService
)

// RuntimeError wraps a failure reported by the runtime adapter.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func wrapRuntime(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RuntimeError{Op: op, Err: err}
}

// lastError renders err the way it is stored on the service state. Runtime
// failures keep the adapter message verbatim.
func lastError(err error) string {
	var runtimeErr *RuntimeError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &runtimeErr):
		return runtimeErr.Err.Error()
	default:
		return err.Error()
	}
}
