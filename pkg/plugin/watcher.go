package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-loads plugin bundles: a bundle directory appearing under the
// plugins directory is loaded and started, a disappearing one is unloaded.
type Watcher struct {
	registry *Registry
	dir      string

	fs       *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher over pluginsDir.
func NewWatcher(registry *Registry, pluginsDir string) *Watcher {
	return &Watcher{
		registry: registry,
		dir:      pluginsDir,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching. A missing plugins directory disables the watcher
// without error.
func (w *Watcher) Start() error {
	if _, err := os.Stat(w.dir); os.IsNotExist(err) {
		slog.Info("Plugins directory absent, watcher disabled", "dir", w.dir)
		return nil
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fs.Add(w.dir); err != nil {
		_ = fs.Close()
		return err
	}
	w.fs = fs

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
	slog.Info("Plugin watcher started", "dir", w.dir)
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("Plugin watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	switch {
	case event.Op.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() {
			return
		}
		if _, err := os.Stat(filepath.Join(event.Name, ManifestFileName)); err != nil {
			slog.Debug("New directory without manifest ignored", "dir", event.Name)
			return
		}
		m, err := w.registry.Load(event.Name)
		if err != nil {
			slog.Warn("Hot load failed", "dir", event.Name, "error", err)
			return
		}
		if err := w.registry.Start(context.Background(), m.ID); err != nil {
			slog.Warn("Hot start failed", "plugin_id", m.ID, "error", err)
		}
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		id, ok := w.registry.idForDir(event.Name)
		if !ok {
			return
		}
		if err := w.registry.Unload(context.Background(), id); err != nil {
			slog.Warn("Hot unload failed", "plugin_id", id, "error", err)
		}
	}
}

// Stop terminates the watcher and waits for its loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fs != nil {
			_ = w.fs.Close()
		}
	})
	w.wg.Wait()
}
