package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands the
// old config, new config and their diff to a callback. The parent
// directory is watched so editors that save via rename are still seen.
// Invalid edits are logged and the previous config is kept.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	onChange func(old, new *Config, diff *DiffResult)

	mu      sync.Mutex
	current *Config
}

func NewWatcher(path string, initial *Config, onChange func(old, new *Config, diff *DiffResult)) (*Watcher, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	path, err := filepath.Abs(ExpandPath(path))
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		path:     path,
		fsw:      fsw,
		onChange: onChange,
		current:  initial,
	}, nil
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run blocks until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			evPath, err := filepath.Abs(event.Name)
			if err != nil || evPath != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.Reload)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Reload re-reads the file immediately (also used on SIGHUP).
func (w *Watcher) Reload() {
	next, err := Load(w.path)
	if err != nil {
		slog.Error("config reload failed, keeping current config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	old := w.current
	diff := Diff(old, next)
	if !diff.HasChanges() {
		w.mu.Unlock()
		slog.Debug("config file changed on disk but content is identical")
		return
	}
	w.current = next
	w.mu.Unlock()

	slog.Info("config reloaded",
		"device_changed", diff.DeviceChanged(),
		"agent_changed", diff.AgentChanged(),
		"mods_changed", diff.ModsChanged(),
	)

	if w.onChange != nil {
		w.onChange(old, next, diff)
	}
}
