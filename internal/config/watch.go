package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

// Start begins watching the config file's directory for changes and
// calls Reload whenever the file is written or created. fsnotify can't
// always watch a single file reliably across editors (many replace it
// via rename), so the directory is watched instead and events are
// filtered by basename.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	base := filepath.Base(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	L_info("config: watching for changes", "path", w.path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := w.Reload(); err != nil {
					L_warn("config: reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				L_warn("config: watcher error", "error", err)
			}
		}
	}()

	return nil
}
