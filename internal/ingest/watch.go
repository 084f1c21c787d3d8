package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits after the last change before
// starting a run.
const DefaultDebounce = 2 * time.Second

// relevant reports whether ev changes the set or content of PDFs in the
// watched directory. Hidden files and chmod-only events are ignored.
func relevant(ev fsnotify.Event) bool {
	if strings.HasPrefix(filepath.Base(ev.Name), ".") || !IsPDF(ev.Name) {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) ||
		ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove)
}

// Watch calls run whenever PDFs in dir change, once per burst of events.
// It returns when ctx ends. run errors are logged, not returned.
func Watch(ctx context.Context, dir string, debounce time.Duration, logger *slog.Logger, run func(context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	logger.Info("watching knowledge directory", "dir", dir, "debounce", debounce)

	return watchLoop(ctx, w.Events, w.Errors, debounce, logger, run)
}

func watchLoop(ctx context.Context, evs <-chan fsnotify.Event, errs <-chan error, debounce time.Duration, logger *slog.Logger, run func(context.Context) error) error {
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-evs:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			logger.Debug("knowledge change", "file", ev.Name, "op", ev.Op.String())
			timer.Reset(debounce)
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "error", err)
		case <-timer.C:
			if err := run(ctx); err != nil {
				logger.Error("ingestion run failed", "error", err)
			}
		}
	}
}
