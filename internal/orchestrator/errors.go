package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDependencyNotReady rejects StartOne/RestartOne while a direct dependency is not Running.
	ErrDependencyNotReady = errors.New("dependency not ready")
	// ErrDependencyFailed marks services a batch start skipped because a dependency did not come up.
	ErrDependencyFailed = errors.New("dependency failed")
	// ErrServiceDisabled rejects operations on services with enabled: false.
	ErrServiceDisabled = errors.New("service disabled")
	// ErrAborted marks services a canceled batch operation never dispatched.
	ErrAborted = errors.New("aborted")
	// ErrNotLoaded is returned before the first successful Reload.
	ErrNotLoaded = errors.New("no configuration loaded")
)

// DependencyNotReadyError lists the direct dependencies that blocked a single-service start.
type DependencyNotReadyError struct {
	Service      string
	Dependencies []string
}

func (e *DependencyNotReadyError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Service, ErrDependencyNotReady, strings.Join(e.Dependencies, ", "))
}

func (e *DependencyNotReadyError) Is(target error) bool {
	return target == ErrDependencyNotReady
}

func dependencyFailed(dep string) error {
	return fmt.Errorf("%w: %s", ErrDependencyFailed, dep)
}
