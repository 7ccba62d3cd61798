package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch blocks until ctx ends, invoking onChange after writes to the database
// file or its WAL by any process. Bursts are collapsed into a single call once
// the file has been quiet for debounce (default 200ms).
func (s *Store) Watch(ctx context.Context, debounce time.Duration, onChange func(context.Context)) error {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", s.path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify unavailable: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	// Watch the directory: SQLite replaces and creates sidecar files, which
	// a watch on the file itself would miss.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	relevant := map[string]bool{
		abs:          true,
		abs + "-wal": true,
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := ev.Name
			if a, err := filepath.Abs(name); err == nil {
				name = a
			}
			if !relevant[name] || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			onChange(ctx)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.DebugContext(ctx, "durable.watch.error", slog.String("err", err.Error()))
		}
	}
}
