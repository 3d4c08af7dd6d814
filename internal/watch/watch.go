// Package watch turns "the route configuration may have changed" signals
// from several sources into store reloads.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mountgw/internal/logging"
)

// Source calls notify whenever the configuration may have changed. Run
// blocks until ctx is done or the source fails.
type Source interface {
	Run(ctx context.Context, notify func()) error
}

// Reloader is satisfied by *routes.Store.
type Reloader interface {
	Reload() (bool, error)
}

// Run drives r from every source until ctx is canceled. A failing source is
// logged and dropped; the others keep running.
func Run(ctx context.Context, r Reloader, logger logrus.FieldLogger, sources ...Source) error {
	log := logging.Component(logger, "watch")
	notify := func() {
		changed, err := r.Reload()
		switch {
		case err != nil:
			log.WithError(err).Warn("reload failed")
		case changed:
			log.Debug("route table swapped")
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			if err := src.Run(ctx, notify); err != nil && ctx.Err() == nil {
				log.WithError(err).Warnf("config source %T stopped", src)
			}
			return nil
		})
	}
	return g.Wait()
}

// FileSource watches the directories holding the route files. Watching the
// directory catches rename-into-place writes and files that appear later.
type FileSource struct {
	Files    []string
	Debounce time.Duration
	Log      logrus.FieldLogger
}

func (f *FileSource) Run(ctx context.Context, notify func()) error {
	log := logging.Component(f.Log, "watch")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func(watcher *fsnotify.Watcher) {
		_ = watcher.Close()
	}(watcher)

	wanted := map[string]struct{}{}
	dirs := map[string]struct{}{}
	for _, file := range f.Files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return err
		}
		wanted[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			log.WithField("dir", dir).Warn("route directory does not exist, not watching it")
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
		log.WithField("dir", dir).Info("watching for route changes")
	}

	debounce := f.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if _, ok := wanted[filepath.Clean(event.Name)]; !ok {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.WithFields(logrus.Fields{"file": event.Name, "op": event.Op.String()}).Debug("route file changed")
			timer.Reset(debounce)
		case <-timer.C:
			notify()
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			log.WithError(err).Error("file watcher error")
		}
	}
}

// Poll notifies on a fixed interval. Store reloads skip unchanged files, so
// this works where OS notifications do not, such as network mounts.
type Poll struct {
	Every time.Duration
}

func (p Poll) Run(ctx context.Context, notify func()) error {
	if p.Every <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	ticker := time.NewTicker(p.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			notify()
		}
	}
}

// Trigger is a push source. Fire coalesces while a reload is pending.
type Trigger struct {
	once sync.Once
	ch   chan struct{}
}

func NewTrigger() *Trigger {
	t := &Trigger{}
	t.init()
	return t
}

func (t *Trigger) init() {
	t.once.Do(func() { t.ch = make(chan struct{}, 1) })
}

func (t *Trigger) Fire() {
	t.init()
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

func (t *Trigger) Run(ctx context.Context, notify func()) error {
	t.init()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.ch:
			notify()
		}
	}
}
