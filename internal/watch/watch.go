// Package watch triggers a callback when model files appear in or vanish
// from a set of directories, coalescing bursts of filesystem events.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 2 * time.Second

// Options configures a Watcher.
type Options struct {
	// Debounce is the quiet period after the last event before OnChange runs.
	Debounce time.Duration
	Logger   zerolog.Logger
}

// Watcher watches directory trees recursively. Hidden directories are not
// watched, so in-flight downloads do not trigger it.
type Watcher struct {
	roots    []string
	onChange func(ctx context.Context)
	debounce time.Duration
	logger   zerolog.Logger

	fsw      *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher over roots. Nothing is watched until Start.
func New(roots []string, onChange func(ctx context.Context), opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	return &Watcher{
		roots:    roots,
		onChange: onChange,
		debounce: opts.Debounce,
		logger:   opts.Logger.With().Str("component", "watch").Logger(),
		fsw:      fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start adds every root and runs the event loop until ctx is done or Stop.
// Missing roots are skipped with a warning.
func (w *Watcher) Start(ctx context.Context) error {
	for _, r := range w.roots {
		if _, err := os.Stat(r); err != nil {
			w.logger.Warn().Str("event", "watch_skip").Str("dir", r).Err(err).Msg("not watching")
			continue
		}
		if err := w.addRecursive(r); err != nil {
			return err
		}
		w.logger.Info().Str("event", "watch_start").Str("dir", r).Msg("watching for model changes")
	}
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop ends the event loop and waits for a running callback to return.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
	})
	w.wg.Wait()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if p != root && hidden(p) {
			return filepath.SkipDir
		}
		return w.fsw.Add(p)
	})
}

func hidden(p string) bool { return strings.HasPrefix(filepath.Base(p), ".") }

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if hidden(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.addRecursive(ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Str("event", "watch_error").Err(err).Msg("watcher error")
		case <-fire:
			fire = nil
			w.logger.Debug().Str("event", "watch_fire").Msg("model dirs changed")
			w.onChange(ctx)
		}
	}
}
