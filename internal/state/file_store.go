package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nholik/stackpilot/internal/service"
	"github.com/rs/zerolog"
)

// FileStore persists state as JSON on disk so runtime handles survive restarts.
type FileStore struct {
	path   string
	logger zerolog.Logger
}

// NewFileStore returns a JSON-backed state store.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger.With().Str("component", "state").Str("path", path).Logger(),
	}
}

// Load reads state from disk. A missing, corrupt or newer-format file yields an
// empty state; only I/O errors are returned.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info().Msg("no state file, nothing to reconcile")
		return empty(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read state file: %w", err)
	}

	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn().Err(err).Msg("state file corrupt, starting fresh")
		return empty(), nil
	}
	if loaded.Version > FormatVersion {
		s.logger.Warn().Int("version", loaded.Version).Msg("state file written by a newer version, starting fresh")
		return empty(), nil
	}
	if loaded.Services == nil {
		loaded.Services = map[string]service.State{}
	}
	return loaded, nil
}

// Save writes state to disk atomically.
func (s *FileStore) Save(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.Version = FormatVersion
	if st.Services == nil {
		st.Services = map[string]service.State{}
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	s.logger.Debug().Int("services", len(st.Services)).Msg("state saved")
	return nil
}

func empty() State {
	return State{Version: FormatVersion, Services: map[string]service.State{}}
}

// writeFileAtomic replaces path with data through a synced temp file and rename.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".stackpilot-state-*.json")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}

	if d, openErr := os.Open(dir); openErr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
