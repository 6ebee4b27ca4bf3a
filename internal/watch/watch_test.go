package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nholik/stackpilot/internal/service"
	"github.com/rs/zerolog"
)

const (
	initialDoc = "services:\n  - name: db\n    kind: single-container\n    working_path: /srv/db\n"
	changedDoc = "services:\n  - name: db\n    kind: single-container\n    working_path: /srv/db\n  - name: api\n    kind: compose-stack\n    working_path: /srv/api\n    depends_on: [db]\n"
)

type recorder struct {
	mu   sync.Mutex
	docs []service.Document
	errs []error
}

func (r *recorder) reload(doc service.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, doc)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return err
	}
	return nil
}

func (r *recorder) calls() []service.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]service.Document(nil), r.docs...)
}

func startWatcher(t *testing.T, path string, rec *recorder) {
	t.Helper()
	initial, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read initial: %v", err)
	}
	w, err := New(path, rec.reload, zerolog.Nop(), WithDebounce(20*time.Millisecond), WithInitialContent(initial))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	})
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// writeUntil rewrites the file until cond holds; the watcher may not have
// registered its watch when the first write lands.
func writeUntil(t *testing.T, path, body string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		writeFile(t, path, body)
		time.Sleep(60 * time.Millisecond)
		if cond() {
			return
		}
	}
	t.Fatalf("condition not met after rewriting %s", path)
}

func TestWatcher_ReloadsChangedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yml")
	writeFile(t, path, initialDoc)

	rec := &recorder{}
	startWatcher(t, path, rec)

	writeUntil(t, path, changedDoc, func() bool { return len(rec.calls()) > 0 })

	calls := rec.calls()
	if len(calls[0].Services) != 2 || calls[0].Services[1].Name != "api" {
		t.Fatalf("unexpected reloaded document: %+v", calls[0])
	}

	// Same content again is skipped.
	writeFile(t, path, changedDoc)
	time.Sleep(100 * time.Millisecond)
	if got := len(rec.calls()); got != 1 {
		t.Fatalf("expected a single reload, got %d", got)
	}
}

func TestWatcher_SkipsUnchangedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yml")
	writeFile(t, path, initialDoc)

	rec := &recorder{}
	startWatcher(t, path, rec)

	for i := 0; i < 5; i++ {
		writeFile(t, path, initialDoc)
		time.Sleep(30 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := len(rec.calls()); got != 0 {
		t.Fatalf("expected no reload for identical content, got %d", got)
	}
}

func TestWatcher_RetriesAfterRejectedReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yml")
	writeFile(t, path, initialDoc)

	rec := &recorder{errs: []error{errors.New("dependency cycle")}}
	startWatcher(t, path, rec)

	writeUntil(t, path, changedDoc, func() bool { return len(rec.calls()) >= 2 })
}

func TestWatcher_IgnoresInvalidDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.yml")
	writeFile(t, path, initialDoc)

	rec := &recorder{}
	startWatcher(t, path, rec)

	for i := 0; i < 5; i++ {
		writeFile(t, path, "services: [")
		writeFile(t, filepath.Join(dir, "other.yml"), changedDoc)
		time.Sleep(30 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := len(rec.calls()); got != 0 {
		t.Fatalf("expected no reload, got %d", got)
	}
}

func TestNew_RequiresReloadFunc(t *testing.T) {
	if _, err := New("services.yml", nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for nil reload func")
	}
}
