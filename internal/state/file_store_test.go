package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nholik/stackpilot/internal/service"
	"github.com/rs/zerolog"
)

func TestFileStore_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "state.json")
	store := NewFileStore(path, zerolog.Nop())

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	saved := FromList([]service.State{
		{
			Name:             "db",
			Phase:            service.PhaseRunning,
			LastTransitionAt: now,
			Handle: service.Handle{
				Kind:        service.KindComposeStack,
				Ref:         "db",
				WorkingDir:  "/srv/db",
				ComposeFile: "docker-compose.yml",
				Containers:  []string{"db-postgres-1"},
			},
		},
		{
			Name:      "web",
			Phase:     service.PhaseFailed,
			LastError: "timeout",
		},
	}, now)

	if err := store.Save(context.Background(), saved); err != nil {
		t.Fatalf("save state: %v", err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if len(loaded.Services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(loaded.Services))
	}
	db := loaded.Services["db"]
	if db.Phase != service.PhaseRunning || db.Handle.WorkingDir != "/srv/db" {
		t.Fatalf("unexpected db state: %+v", db)
	}
	if len(db.Handle.Containers) != 1 || db.Handle.Containers[0] != "db-postgres-1" {
		t.Fatalf("unexpected db containers: %v", db.Handle.Containers)
	}
	if loaded.Version != FormatVersion {
		t.Fatalf("expected version %d, got %d", FormatVersion, loaded.Version)
	}
	if !db.LastTransitionAt.Equal(now) || !loaded.SavedAt.Equal(now) {
		t.Fatalf("expected timestamps to round-trip")
	}
	if loaded.Services["web"].LastError != "timeout" {
		t.Fatalf("unexpected web error: %q", loaded.Services["web"].LastError)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the state file, found %d entries", len(entries))
	}
}

func TestFileStore_LoadStartsFresh(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "missing"},
		{name: "corrupt", body: "{not-json"},
		{name: "newer format", body: `{"version": 99, "services": {"db": {"name": "db", "phase": "Running"}}}`},
		{name: "no services", body: `{"version": 1}`},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.json")
			if tc.body != "" {
				if err := os.WriteFile(path, []byte(tc.body), 0o600); err != nil {
					t.Fatalf("write state file: %v", err)
				}
			}

			loaded, err := NewFileStore(path, zerolog.Nop()).Load(context.Background())
			if err != nil {
				t.Fatalf("load state: %v", err)
			}
			if loaded.Services == nil || len(loaded.Services) != 0 {
				t.Fatalf("expected empty state, got %v", loaded.Services)
			}
		})
	}
}

func TestFileStore_UnreadablePath(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewFileStore(dir, zerolog.Nop()).Load(context.Background()); err == nil {
		t.Fatalf("expected error reading a directory as state file")
	}
}

func TestFileStore_CanceledContext(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Save(ctx, State{}); err == nil {
		t.Fatalf("expected error for canceled context")
	}
	if _, err := store.Load(ctx); err == nil {
		t.Fatalf("expected error for canceled context")
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	saved := FromList([]service.State{{Name: "db", Phase: service.PhaseStopped}}, time.Now())

	if err := store.Save(context.Background(), saved); err != nil {
		t.Fatalf("save state: %v", err)
	}
	saved.Services["db"] = service.State{Name: "db", Phase: service.PhaseFailed}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if loaded.Services["db"].Phase != service.PhaseStopped {
		t.Fatalf("expected stored copy to be isolated, got %s", loaded.Services["db"].Phase)
	}
	if store.Saves() != 1 {
		t.Fatalf("expected 1 save, got %d", store.Saves())
	}
}
