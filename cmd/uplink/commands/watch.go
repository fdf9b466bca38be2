package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/util"
)

// reloadDebounce coalesces the bursts of events editors produce on save
const reloadDebounce = 200 * time.Millisecond

// watchFile calls onChange after path was written, created or replaced. The
// parent directory is watched so that atomic renames are seen. Watching
// stops when ctx is done.
func watchFile(ctx context.Context, path string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	util.SafeGoWithName("descriptor-watch", func() {
		defer watcher.Close()
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				debounce = time.After(reloadDebounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("file watcher error", logging.Err(err), "path", path, logging.Component("cli"))
			case <-debounce:
				debounce = nil
				onChange()
			}
		}
	})
	return nil
}
