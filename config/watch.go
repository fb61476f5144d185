package config

import (
	"context"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// LayoutStore hands out the current layout and swaps it when the layout
// file changes.
type LayoutStore struct {
	cur atomic.Pointer[Layout]
}

// NewLayoutStore creates a store holding layout.
func NewLayoutStore(layout Layout) *LayoutStore {
	s := &LayoutStore{}
	s.Set(layout)
	return s
}

func (s *LayoutStore) Layout() Layout {
	return *s.cur.Load()
}

func (s *LayoutStore) Set(layout Layout) {
	s.cur.Store(&layout)
}

// Watch reloads path into the store on every write until ctx is done.
// Invalid documents are logged and the previous layout is kept. The parent
// directory is watched so editors that replace the file are handled.
func (s *LayoutStore) Watch(ctx context.Context, path string, logger *log.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return err
	}
	target := filepath.Clean(path)

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				layout, err := LoadLayout(path)
				if err != nil {
					logger.WithError(err).Warn("layout reload failed, keeping previous layout")
					continue
				}
				s.Set(layout)
				logger.WithField("task_stages", layout.TaskStages).Info("layout reloaded")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Error("layout watcher")
			}
		}
	}()
	return nil
}
