package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nholik/stackpilot/internal/service"
)

// ErrUnsupportedKind is returned when no driver is registered for a service kind.
var ErrUnsupportedKind = errors.New("unsupported service kind")

// Adapter is the only contract through which orchestration touches the container runtime.
type Adapter interface {
	// Start brings the service up and returns the handle of the runtime objects backing it.
	Start(ctx context.Context, def service.Definition) (service.Handle, error)

	// Stop brings down the runtime objects referenced by handle.
	Stop(ctx context.Context, handle service.Handle) error

	// Probe runs one health probe bounded by timeout.
	Probe(ctx context.Context, kind service.ProbeKind, target string, timeout time.Duration) (bool, error)

	// Inspect reports whether the runtime objects referenced by handle are running.
	Inspect(ctx context.Context, handle service.Handle) (bool, error)
}

// Driver is the per-kind capability set used by Dispatcher.
type Driver interface {
	Start(ctx context.Context, def service.Definition) (service.Handle, error)
	Stop(ctx context.Context, handle service.Handle) error
	Inspect(ctx context.Context, handle service.Handle) (bool, error)
}

// Prober executes health probes.
type Prober interface {
	Probe(ctx context.Context, kind service.ProbeKind, target string, timeout time.Duration) (bool, error)
}

// Dispatcher implements Adapter by routing each call to the driver for the service kind.
type Dispatcher struct {
	drivers map[service.Kind]Driver
	prober  Prober
}

var _ Adapter = (*Dispatcher)(nil)

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithDriver registers the driver for kind.
func WithDriver(kind service.Kind, driver Driver) Option {
	return func(d *Dispatcher) {
		d.drivers[kind] = driver
	}
}

// WithProber sets the prober used for health checks.
func WithProber(prober Prober) Option {
	return func(d *Dispatcher) {
		d.prober = prober
	}
}

// NewDispatcher constructs a Dispatcher from the given options.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{drivers: make(map[service.Kind]Driver)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) driver(kind service.Kind) (Driver, error) {
	driver, ok := d.drivers[kind]
	if !ok || driver == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	return driver, nil
}

// Start implements Adapter.
func (d *Dispatcher) Start(ctx context.Context, def service.Definition) (service.Handle, error) {
	driver, err := d.driver(def.Kind)
	if err != nil {
		return service.Handle{}, err
	}
	return driver.Start(ctx, def)
}

// Stop implements Adapter.
func (d *Dispatcher) Stop(ctx context.Context, handle service.Handle) error {
	driver, err := d.driver(handle.Kind)
	if err != nil {
		return err
	}
	return driver.Stop(ctx, handle)
}

// Inspect implements Adapter.
func (d *Dispatcher) Inspect(ctx context.Context, handle service.Handle) (bool, error) {
	driver, err := d.driver(handle.Kind)
	if err != nil {
		return false, err
	}
	return driver.Inspect(ctx, handle)
}

// Probe implements Adapter.
func (d *Dispatcher) Probe(ctx context.Context, kind service.ProbeKind, target string, timeout time.Duration) (bool, error) {
	if d.prober == nil {
		return false, errors.New("no prober configured")
	}
	return d.prober.Probe(ctx, kind, target, timeout)
}

// HandleFor returns the handle a service would have before any runtime call
// resolved concrete objects for it.
func HandleFor(def service.Definition) service.Handle {
	handle := service.Handle{Kind: def.Kind}
	switch def.Kind {
	case service.KindSingleContainer:
		handle.Ref = def.ContainerName()
	case service.KindComposeStack:
		handle.Ref = def.Name
		handle.WorkingDir = def.WorkingPath
		handle.ComposeFile = def.ComposeFile
	}
	return handle
}
