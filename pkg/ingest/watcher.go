package ingest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/urio/urio/pkg/telemetry"
)

// debounceQuiet is how long the watcher waits after the last event
// before flushing a batch of changed files.
const debounceQuiet = 500 * time.Millisecond

// Watcher observes a filesystem root and reports batches of changed
// files. Events are debounced so an editor writing a file several times
// in quick succession yields one batch entry.
type Watcher struct {
	logger *telemetry.Logger
}

// NewWatcher creates a filesystem watcher.
func NewWatcher(logger *telemetry.Logger) *Watcher {
	return &Watcher{logger: logger.NewComponentLogger("watcher")}
}

// Watch blocks, invoking flush with each debounced batch of changed
// file paths under root, until ctx is cancelled. Directories created
// under the root are watched as they appear.
func (w *Watcher) Watch(ctx context.Context, root string, flush func(changed []string)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := addRecursive(fw, root); err != nil {
		return err
	}

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if event.Op&fsnotify.Create != 0 {
					if err := addRecursive(fw, event.Name); err != nil {
						w.logger.WithError(err).WithField("path", event.Name).
							Warn("failed to watch new directory")
					}
				}
				continue
			}
			pending[event.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(debounceQuiet)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceQuiet)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("watch error")

		case <-timerC:
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			pending = make(map[string]struct{})
			timer = nil
			timerC = nil
			flush(changed)
		}
	}
}

// addRecursive registers a directory tree with the watcher.
func addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return fw.Add(p)
		}
		return nil
	})
}
