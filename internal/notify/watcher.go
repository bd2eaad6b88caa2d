package notify

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quarrydev/quarry/pkg/types"
)

// Watcher observes a local working tree and reports changes as manual
// notifications. Bursts of filesystem events coalesce behind a debounce
// timer, and the shared dedup key collapses anything that fires while a
// notification for the branch is still open.
type Watcher struct {
	fs       *fsnotify.Watcher
	intake   *Intake
	key      types.RepoBranch
	root     string
	debounce time.Duration
	skip     map[string]bool
	logger   *slog.Logger
}

// NewWatcher creates a watcher over root for the given branch. skipDirs
// are directory names excluded from watching at any depth.
func NewWatcher(intake *Intake, key types.RepoBranch, root string, debounce time.Duration, skipDirs []string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	w := &Watcher{
		fs:       fsw,
		intake:   intake,
		key:      key,
		root:     root,
		debounce: debounce,
		skip:     make(map[string]bool, len(skipDirs)),
		logger:   logger,
	}
	for _, dir := range skipDirs {
		w.skip[dir] = true
	}

	if err := w.watchTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.skip[d.Name()] && path != root {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// Run consumes filesystem events until the context ends.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	// The timer starts drained; the first event arms it.
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if w.skip[filepath.Base(event.Name)] {
				continue
			}
			if event.Has(fsnotify.Create) {
				// New directories need their own watch; errors here mean
				// the path is already gone.
				if err := w.watchTree(event.Name); err != nil {
					w.logger.Debug("could not watch new path", "path", event.Name, "error", err)
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("filesystem watch error", "scope", w.key.String(), "error", err)

		case <-timer.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) flush(ctx context.Context) {
	_, created, err := w.intake.Receive(ctx, Event{
		Repository: w.key.Repository,
		Branch:     w.key.Branch,
		Source:     types.SourceManual,
		DedupKey:   "fswatch|" + w.key.String(),
	})
	if err != nil {
		w.logger.Error("failed to record watch notification", "scope", w.key.String(), "error", err)
		return
	}
	if created {
		w.logger.Info("working tree changed", "scope", w.key.String())
	}
}
