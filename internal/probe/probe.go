package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mattn/go-shellwords"
	"github.com/nholik/stackpilot/internal/service"
)

const maxOutput = 512

// ErrUnsupportedProbe is returned for probe kinds the prober does not know.
var ErrUnsupportedProbe = errors.New("unsupported probe kind")

// CommandRunner runs a command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Prober runs health probes. The zero value is not usable; use New.
type Prober struct {
	client *retryablehttp.Client
	dialer *net.Dialer
	run    CommandRunner
}

// Option customizes a Prober.
type Option func(*Prober)

// WithCommandRunner overrides how command probes are executed.
func WithCommandRunner(run CommandRunner) Option {
	return func(p *Prober) {
		p.run = run
	}
}

// WithHTTPClient overrides the transport used by http probes.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Prober) {
		p.client.HTTPClient = client
	}
}

// New returns a Prober. Probes are never retried: one probe is one attempt.
func New(opts ...Option) *Prober {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.CheckRetry = func(_ context.Context, _ *http.Response, _ error) (bool, error) {
		return false, nil
	}
	client.Logger = nil
	client.HTTPClient = &http.Client{}

	p := &Prober{
		client: client,
		dialer: &net.Dialer{},
		run:    runCommand,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe runs one probe of kind against target, bounded by timeout.
func (p *Prober) Probe(ctx context.Context, kind service.ProbeKind, target string, timeout time.Duration) (bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var err error
	switch kind {
	case service.ProbeHTTP:
		err = p.probeHTTP(ctx, target)
	case service.ProbeTCP:
		err = p.probeTCP(ctx, target)
	case service.ProbeCommand:
		err = p.probeCommand(ctx, target)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedProbe, kind)
	}
	return err == nil, err
}

// probeHTTP succeeds only on a 200 response.
func (p *Prober) probeHTTP(ctx context.Context, target string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned status %d", target, resp.StatusCode)
	}
	return nil
}

func (p *Prober) probeTCP(ctx context.Context, target string) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p *Prober) probeCommand(ctx context.Context, target string) error {
	args, err := shellwords.Parse(target)
	if err != nil {
		return fmt.Errorf("parse probe command: %w", err)
	}
	if len(args) == 0 {
		return errors.New("empty probe command")
	}

	output, err := p.run(ctx, args[0], args[1:]...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if text := truncate(strings.TrimSpace(string(output))); text != "" {
			return fmt.Errorf("%s: %w: %s", args[0], err, text)
		}
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "..."
}
