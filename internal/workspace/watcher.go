package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"themesync/shared/types"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reports content changes under the category roots. Bursts of
// events are collapsed into one callback per debounce window.
type Watcher struct {
	ws       *LocalWorkspace
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger
}

func NewWatcher(ws *LocalWorkspace, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		ws:       ws,
		watcher:  fw,
		debounce: debounce,
		logger:   ws.Logger,
	}
	for _, cat := range shared.Categories() {
		if err := w.addTree(ws.Roots[cat]); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if rel, _ := filepath.Rel(root, path); rel != "." && w.ws.ShouldIgnore(rel) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// Run blocks until ctx is done, calling onChange after each quiet period
// that follows at least one relevant event
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context)) error {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.watcher.Add(event.Name); err != nil {
						w.logger.Error("adding new directory to watcher", zap.Error(err))
					}
				}
			}
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
			pending = true

		case <-timer.C:
			pending = false
			onChange(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	for _, cat := range shared.Categories() {
		root := w.ws.Roots[cat]
		rel, err := filepath.Rel(root, event.Name)
		if err != nil || rel == ".." || filepath.IsAbs(rel) || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator) {
			continue
		}
		return !w.ws.ShouldIgnore(rel)
	}
	return false
}
