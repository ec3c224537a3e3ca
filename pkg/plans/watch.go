package plans

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/savistas/orgseats/pkg/observability"
)

// Watch reloads the catalog whenever its file changes, until ctx is done.
// The directory is watched rather than the file so editors that replace the
// file by rename are picked up.
func (c *Catalog) Watch(ctx context.Context, logger *observability.Logger) error {
	if c.path == "" {
		return fmt.Errorf("catalog has no backing file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", c.path, err)
	}

	target := filepath.Clean(c.path)
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
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.Reload(); err != nil {
					logger.WithError(err).Warn("plan catalog reload failed, keeping previous plans")
					continue
				}
				logger.Info("plan catalog reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("plan catalog watcher error")
			}
		}
	}()
	return nil
}
