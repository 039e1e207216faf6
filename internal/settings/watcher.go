// Package settings hot-reloads the settings block of the config file and
// pushes it to every tab as an updateSettings command.
package settings

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/burpheart/gpt-tap/internal/relay"
	"github.com/burpheart/gpt-tap/pkg/types"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 200 * time.Millisecond

// ApplyFunc receives reloaded settings.
type ApplyFunc func(ctx context.Context, s types.Settings)

// Watcher watches one config file.
type Watcher struct {
	path     string
	apply    ApplyFunc
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	last    types.Settings
	hasLast bool
	reloads int
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher watches the directory holding path so that editors replacing the
// file by rename are seen too.
func NewWatcher(path string, apply ApplyFunc, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "settings: resolve path")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "settings: create watcher")
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, errors.Wrap(err, "settings: watch config dir")
	}
	w := &Watcher{path: abs, apply: apply, debounce: DefaultDebounce, watcher: fw}
	for _, opt := range opts {
		opt(w)
	}
	if s, err := types.LoadSettings(abs); err == nil {
		w.last, w.hasLast = s, true
	}
	return w, nil
}

// Run delivers reloads until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Str("component", "settings").Err(err).Msg("watch error")
		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	s, err := types.LoadSettings(w.path)
	if err != nil {
		log.Warn().Str("component", "settings").Str("path", w.path).Err(err).Msg("reload settings")
		return
	}
	w.mu.Lock()
	unchanged := w.hasLast && w.last == s
	w.last, w.hasLast = s, true
	if !unchanged {
		w.reloads++
	}
	w.mu.Unlock()
	if unchanged {
		return
	}
	log.Info().Str("component", "settings").Bool("auto_show_overlay", s.AutoShowOverlay).
		Bool("persist_results", s.PersistResults).Bool("pattern_fallback", s.PatternFallback).Msg("settings reloaded")
	w.apply(ctx, s)
}

// Reloads returns how many distinct settings changes were applied.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Sender delivers commands to the content side.
type Sender interface {
	Send(ctx context.Context, cmd relay.Command) (relay.Reply, error)
}

// Dispatch sends s as updateSettings to every tab in tabs. It returns the
// first error but keeps going.
func Dispatch(ctx context.Context, sender Sender, tabs []string, s types.Settings) error {
	var first error
	for _, tab := range tabs {
		cmd, err := relay.NewCommand(relay.ActionUpdateSettings, tab, s)
		if err == nil {
			var reply relay.Reply
			reply, err = sender.Send(ctx, cmd)
			if err == nil && reply.Status != relay.StatusOK {
				err = errors.Errorf("tab %s: %s", tab, reply.Error)
			}
		}
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}
