package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// WatchConfig watches the config file at path and redeploys when its version
// changes. Other changes need a restart. It blocks until ctx is done.
func (s *Service) WatchConfig(ctx context.Context, path string) error {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	// editors replace files by rename, so watch the directory
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	s.log.Info("watching config", "path", abs)

	deployed := s.cfg.Version
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("config watcher error", "error", err)
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !configChanged(ev) {
				continue
			}
			debounce = time.After(reloadDebounce)
		case <-debounce:
			debounce = nil
			cfg, err := LoadConfig(abs)
			if err != nil {
				s.log.Error("reload config", "path", abs, "error", err)
				continue
			}
			if cfg.Version == deployed {
				s.log.Info("config changed without a new version, restart to apply")
				continue
			}
			s.log.Info("new version in config, redeploying", "from", deployed, "to", cfg.Version)
			deployed = cfg.Version
			if err := s.Redeploy(ctx, cfg.Version); err != nil {
				s.log.Error("redeploy failed", "version", cfg.Version, "error", err)
			}
		}
	}
}

func configChanged(ev fsnotify.Event) bool {
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}
