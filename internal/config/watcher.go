package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports writes to config.yaml and to workflow instruction files.
type Watcher struct {
	files  []string
	logger *slog.Logger
	events chan ReloadEvent
}

// NewWatcher watches the config file and every instructions_file of cfg.
func NewWatcher(cfg Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	files := []string{cfg.ConfigPath}
	if cfg.ConfigPath == "" {
		files[0] = ConfigPath(cfg.HomeDir)
	}
	for _, w := range cfg.Workflows {
		if w.InstructionsPath != "" {
			files = append(files, w.InstructionsPath)
		}
	}
	return &Watcher{
		files:  files,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

// Events delivers one event per changed config or instructions file.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the parent directories, since editors often replace files
// instead of writing them in place. The events channel closes when ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(w.files))
	dirs := map[string]bool{}
	for _, file := range w.files {
		clean := filepath.Clean(file)
		wanted[clean] = true
		dirs[filepath.Dir(clean)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("config watcher: cannot watch directory", "dir", dir, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !wanted[filepath.Clean(ev.Name)] {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
