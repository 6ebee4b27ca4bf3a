package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nholik/stackpilot/internal/compose"
	"github.com/nholik/stackpilot/internal/config"
	"github.com/nholik/stackpilot/internal/service"
	"github.com/rs/zerolog"
)

const defaultDebounce = 500 * time.Millisecond

// ReloadFunc applies a freshly read services document.
type ReloadFunc func(doc service.Document) error

// Watcher watches the directory holding the services file so atomic
// replacements (write to temp, rename) are seen as well as in-place writes.
type Watcher struct {
	path        string
	reload      ReloadFunc
	logger      zerolog.Logger
	debounce    time.Duration
	fingerprint string
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long to wait for further events before reloading.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithInitialContent records the content already applied so an unchanged
// file does not trigger a reload.
func WithInitialContent(raw []byte) Option {
	return func(w *Watcher) {
		if fp, err := compose.Fingerprint(raw); err == nil {
			w.fingerprint = fp
		}
	}
}

// New returns a watcher for the services file at path.
func New(path string, reload ReloadFunc, logger zerolog.Logger, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve services file: %w", err)
	}
	if reload == nil {
		return nil, errors.New("reload func is required")
	}
	w := &Watcher{
		path:     abs,
		reload:   reload,
		logger:   logger.With().Str("component", "watch").Str("file", abs).Logger(),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run watches until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info().Dur("debounce", w.debounce).Msg("watching services file")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug().Str("op", event.Op.String()).Msg("services file event")
			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("file watcher error")
		case <-timer.C:
			w.apply()
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0
}

func (w *Watcher) apply() {
	doc, raw, err := config.ReadServices(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.logger.Debug().Msg("services file not present yet")
			return
		}
		w.logger.Error().Err(err).Msg("services file unreadable, keeping current configuration")
		return
	}

	fp, err := compose.Fingerprint(raw)
	if err == nil && fp == w.fingerprint {
		w.logger.Debug().Msg("services file unchanged")
		return
	}

	if err := w.reload(doc); err != nil {
		w.logger.Error().Err(err).Msg("reload rejected, keeping current configuration")
		return
	}
	w.fingerprint = fp
	w.logger.Info().Int("services", len(doc.Services)).Msg("services file reloaded")
}
