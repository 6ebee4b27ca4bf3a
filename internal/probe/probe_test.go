package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nholik/stackpilot/internal/service"
)

func TestProbeHTTP(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{name: "ok", status: http.StatusOK, want: true},
		{name: "no content is not healthy", status: http.StatusNoContent, want: false},
		{name: "server error", status: http.StatusServiceUnavailable, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			ok, err := New().Probe(context.Background(), service.ProbeHTTP, server.URL, time.Second)
			if ok != tt.want {
				t.Fatalf("expected %v, got %v (%v)", tt.want, ok, err)
			}
			if !tt.want && err == nil {
				t.Fatalf("expected an error for status %d", tt.status)
			}
			if got := calls.Load(); got != 1 {
				t.Fatalf("expected exactly one request, got %d", got)
			}
		})
	}
}

func TestProbeHTTP_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	begin := time.Now()
	ok, err := New().Probe(context.Background(), service.ProbeHTTP, server.URL, 50*time.Millisecond)
	if ok || err == nil {
		t.Fatalf("expected timeout failure, got %v (%v)", ok, err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("probe ignored its timeout, took %v", elapsed)
	}
}

func TestProbeTCP(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()

	ok, err := New().Probe(context.Background(), service.ProbeTCP, addr, time.Second)
	if !ok || err != nil {
		t.Fatalf("expected open port to pass, got %v (%v)", ok, err)
	}

	listener.Close()
	ok, err = New().Probe(context.Background(), service.ProbeTCP, addr, time.Second)
	if ok || err == nil {
		t.Fatalf("expected closed port to fail")
	}
}

func TestProbeCommand(t *testing.T) {
	var gotName string
	var gotArgs []string
	runner := func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName = name
		gotArgs = args
		if name == "pg_isready" {
			return []byte("accepting connections"), nil
		}
		return []byte("connection refused\n"), errors.New("exit status 1")
	}
	prober := New(WithCommandRunner(runner))

	ok, err := prober.Probe(context.Background(), service.ProbeCommand, `pg_isready -h db -d "app data"`, time.Second)
	if !ok || err != nil {
		t.Fatalf("expected success, got %v (%v)", ok, err)
	}
	if gotName != "pg_isready" || len(gotArgs) != 4 || gotArgs[3] != "app data" {
		t.Fatalf("unexpected command %s %q", gotName, gotArgs)
	}

	ok, err = prober.Probe(context.Background(), service.ProbeCommand, "redis-cli ping", time.Second)
	if ok || err == nil {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected command output in error, got %v", err)
	}
}

func TestProbeCommand_InvalidTarget(t *testing.T) {
	prober := New(WithCommandRunner(func(context.Context, string, ...string) ([]byte, error) {
		t.Fatalf("runner must not be called")
		return nil, nil
	}))

	for _, target := range []string{"", `echo "unterminated`} {
		if ok, err := prober.Probe(context.Background(), service.ProbeCommand, target, time.Second); ok || err == nil {
			t.Fatalf("expected %q to fail", target)
		}
	}
}

func TestProbeUnsupportedKind(t *testing.T) {
	_, err := New().Probe(context.Background(), service.ProbeKind("grpc"), "db:5432", time.Second)
	if !errors.Is(err, ErrUnsupportedProbe) {
		t.Fatalf("expected ErrUnsupportedProbe, got %v", err)
	}
}
