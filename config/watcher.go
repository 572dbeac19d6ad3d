// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/soothill/froggy/pkg/logger"
)

// DefaultReloadDebounce collapses the burst of events an editor save produces.
const DefaultReloadDebounce = 250 * time.Millisecond

// Reload is the outcome of one configuration reload.
type Reload struct {
	Config *Config
	Error  error
}

// Watcher handles hot reloading of the configuration file. A reload is
// triggered by a change to the file or by SIGHUP.
type Watcher struct {
	path     string
	debounce time.Duration

	// Reloaded receives one value per reload attempt. It is closed when the
	// watcher stops.
	Reloaded chan Reload

	fsw       *fsnotify.Watcher
	sigChan   chan os.Signal
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWatcher creates a configuration watcher for path. The containing
// directory is watched so that atomic replace-on-save is seen.
func NewWatcher(path string) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}

	return &Watcher{
		path:     absPath,
		debounce: DefaultReloadDebounce,
		Reloaded: make(chan Reload, 1),
		fsw:      fsw,
		sigChan:  make(chan os.Signal, 1),
	}, nil
}

// Start begins watching. It returns immediately.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	signal.Notify(w.sigChan, syscall.SIGHUP)

	w.wg.Add(1)
	go w.watch(ctx)
}

// Close stops the watcher and releases the file watch.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		signal.Stop(w.sigChan)
		err = w.fsw.Close()
		w.wg.Wait()
		if w.cancel == nil {
			close(w.Reloaded)
		}
	})
	return err
}

func (w *Watcher) watch(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.Reloaded)

	// The timer is created stopped and armed on the first relevant event.
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			logger.Debug().Str("event", event.Op.String()).Str("path", event.Name).Msg("config file changed")
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("config watcher error")

		case <-w.sigChan:
			logger.Info().Msg("SIGHUP received, reloading configuration")
			w.reload(ctx)

		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Error().Err(err).Str("path", w.path).Msg("failed to reload configuration")
	} else {
		logger.Info().Str("path", w.path).Msg("configuration reloaded successfully")
	}

	select {
	case w.Reloaded <- Reload{Config: cfg, Error: err}:
	case <-ctx.Done():
	}
}
