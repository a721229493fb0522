package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path on change and applies only the controlled baseURL/tenant
// mutation to p. Other settings require a restart. It blocks until ctx is done.
func Watch(ctx context.Context, path string, p *Provider, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	defer func() { _ = w.Close() }()

	// Watch the directory: editors replace files by rename, which drops a file watch.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	log.Info("config.watch.start", "path", abs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			reload(abs, p, log)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config.watch.error", "err", err)
		}
	}
}

func reload(path string, p *Provider, log *slog.Logger) {
	s, err := Load(path)
	if err != nil {
		log.Warn("config.reload.fail", "path", path, "err", err)
		return
	}
	if err := p.Update(s.BaseURL, s.WorkspaceTenantID); err != nil {
		log.Warn("config.reload.fail", "path", path, "err", err)
		return
	}
	log.Info("config.reload", "base_url", s.BaseURL, "tenant_id", s.WorkspaceTenantID)
}
