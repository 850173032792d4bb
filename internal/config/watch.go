package config

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joeycumines/logiface"
)

// DefaultDebounce coalesces bursts of file events, e.g. from editors that
// write a file in several steps.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads a config file when it changes, notifying registered hooks
// with the new config. Invalid files are logged, and otherwise ignored.
type Watcher struct {
	path     string
	logger   *logiface.Logger[logiface.Event]
	debounce time.Duration
	w        *fsnotify.Watcher

	mu      sync.Mutex
	current Config
	hooks   []func(old, cfg Config)
}

// NewWatcher watches the file at path, which was last loaded as current.
// The file's directory is watched, so that replacement by rename is seen.
func NewWatcher(path string, current Config, logger *logiface.Logger[logiface.Event]) (*Watcher, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		logger:   logger,
		debounce: DefaultDebounce,
		w:        w,
		current:  current,
	}, nil
}

// OnReload registers a hook, called synchronously on each successful
// reload, with the previous and new config.
func (x *Watcher) OnReload(fn func(old, cfg Config)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.hooks = append(x.hooks, fn)
}

// Current returns the last successfully loaded config.
func (x *Watcher) Current() Config {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.current
}

// Reload loads the file immediately, and triggers the hooks if it is valid.
func (x *Watcher) Reload() error {
	cfg, err := Load(x.path)
	if err != nil {
		return err
	}

	x.mu.Lock()
	old := x.current
	x.current = cfg
	hooks := slices.Clone(x.hooks)
	x.mu.Unlock()

	x.logger.Info().
		Str(`path`, x.path).
		Log(`vpoll config reloaded`)

	for _, fn := range hooks {
		fn(old, cfg)
	}
	return nil
}

// Run processes file events until ctx is canceled, or the watcher is closed.
func (x *Watcher) Run(ctx context.Context) error {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-x.w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != x.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(x.debounce)
			} else {
				timer.Reset(x.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			if err := x.Reload(); err != nil {
				x.logger.Warning().
					Str(`path`, x.path).
					Err(err).
					Log(`vpoll config reload failed`)
			}
		case err, ok := <-x.w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				x.logger.Warning().
					Err(err).
					Log(`vpoll config watch overflow`)
				continue
			}
			return err
		}
	}
}

// Close stops watching.
func (x *Watcher) Close() error { return x.w.Close() }
