package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch hot-reloads the settings file on change, debouncing editor
// write-bursts, and replaces the Manager's snapshot on success. Invalid
// files are logged and skipped; the previous settings stay active.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: most editors and renameio-style writers replace
	// the file, which would otherwise drop the watch.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, m.reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn().Err(err).Msg("settings watcher error")
			}
		}
	}()
	return nil
}

func (m *Manager) reload() {
	next, err := Load(m.path)
	if err != nil {
		m.logger.Error().Err(err).Str("path", m.path).Msg("settings reload rejected, keeping previous configuration")
		return
	}
	m.Replace(next)
	m.logger.Info().Str("path", m.path).Msg("settings reloaded")
}
