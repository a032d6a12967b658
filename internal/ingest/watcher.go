package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/joseph-ayodele/faxrelay/internal/common"
)

type WatchConfig struct {
	Roots       []string // directories to watch (recursive)
	InitialScan bool     // ingest files already present before watching
	Debounce    time.Duration
}

// Watch ingests files dropped under cfg.Roots until ctx ends. Writes to the same path are
// coalesced for cfg.Debounce so half-written files are not picked up.
func Watch(ctx context.Context, cfg WatchConfig, ing *FSIngestor, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	paths, errs, err := StartWatcher(ctx, cfg, log)
	if err != nil {
		return err
	}
	if cfg.InitialScan {
		for _, root := range cfg.Roots {
			_, stats, err := ing.IngestDirectory(ctx, root, true)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("inbox.scan.failed", "root", root, "err", err)
				continue
			}
			log.Info("inbox.scan.done", "root", root, "matched", stats.Matched, "succeeded", stats.Succeeded, "failed", stats.Failed)
		}
	}

	for {
		select {
		case p, ok := <-paths:
			if !ok {
				return ctx.Err()
			}
			if _, err := ing.IngestPath(ctx, p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				log.Warn("inbox.ingest.failed", "path", p, "kind", common.Kind(err))
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Error("inbox.watch.error", "err", err)
		}
	}
}

// StartWatcher emits the paths of allowed files created or written under cfg.Roots. Both
// channels close when ctx ends.
func StartWatcher(ctx context.Context, cfg WatchConfig, log *slog.Logger) (<-chan string, <-chan error, error) {
	if len(cfg.Roots) == 0 {
		return nil, nil, fmt.Errorf("no inbox directories: %w", common.ErrInvalidInput)
	}
	if log == nil {
		log = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error("inbox.watcher.create_failed", "err", err)
		return nil, nil, err
	}
	addTree := func(root string) error {
		return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !d.IsDir() {
				return nil
			}
			if path != root && IsHidden(path) {
				return filepath.SkipDir
			}
			return w.Add(path)
		})
	}
	for _, r := range cfg.Roots {
		if err := addTree(r); err != nil {
			log.Error("inbox.watcher.add_failed", "root", r, "err", err)
			_ = w.Close()
			return nil, nil, err
		}
	}

	evCh := make(chan string, 256)
	errCh := make(chan error, 1)
	go func() {
		defer close(evCh)
		defer close(errCh)
		defer func() {
			if err := w.Close(); err != nil {
				log.Warn("inbox.watcher.close_failed", "err", err)
			}
		}()

		pending := map[string]time.Time{}
		tick := time.NewTicker(tickFor(cfg.Debounce))
		defer tick.Stop()

		flush := func(now time.Time) bool {
			for p, seen := range pending {
				if now.Sub(seen) < cfg.Debounce {
					continue
				}
				delete(pending, p)
				select {
				case evCh <- p:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if e.Has(fsnotify.Create) {
					if fi, err := os.Stat(e.Name); err == nil && fi.IsDir() && !IsHidden(e.Name) {
						if err := addTree(e.Name); err != nil {
							log.Warn("inbox.watcher.add_failed", "path", e.Name, "err", err)
						}
						continue
					}
				}
				if AllowedExt(filepath.Ext(e.Name)) && !IsHidden(e.Name) && (e.Has(fsnotify.Create) || e.Has(fsnotify.Write)) {
					pending[e.Name] = time.Now()
					if cfg.Debounce <= 0 && !flush(time.Now()) {
						return
					}
				}
			case now := <-tick.C:
				if !flush(now) {
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error("inbox.watcher.error", "err", err)
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}()

	return evCh, errCh, nil
}

func tickFor(debounce time.Duration) time.Duration {
	if debounce <= 0 {
		return time.Second
	}
	if t := debounce / 2; t > 10*time.Millisecond {
		return t
	}
	return 10 * time.Millisecond
}
