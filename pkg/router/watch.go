package router

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"javelin/pkg/protocol"
)

const watchDebounce = 100 * time.Millisecond

// Watch mirrors on-disk edits into the index: it watches every source root
// recursively and routes changed .java files through UpdateFile. Changes are
// debounced so an editor's save burst becomes one update per file. Blocks
// until ctx is cancelled or the watcher fails.
func (r *Router) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for i := 0; i < r.registry.NumShards(); i++ {
		root, _ := r.registry.Root(protocol.ShardID(i))
		if err := addRecursive(watcher, root); err != nil {
			log.Printf("router: watch %s: %v", root, err)
		}
	}

	// Dirty paths accumulate until the debounce timer fires.
	dirty := make(map[string]struct{})
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.ctx.Done():
			return ErrRouterClosed

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					// New directories need their own watch.
					_ = addRecursive(watcher, event.Name)
				}
			}
			if strings.HasSuffix(event.Name, ".java") &&
				event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				dirty[event.Name] = struct{}{}
				debounce.Reset(watchDebounce)
			}

		case <-debounce.C:
			for path := range dirty {
				delete(dirty, path)
				text, err := os.ReadFile(path) //nolint:gosec // path came from the watched root
				if err != nil {
					// Deleted between event and read; skip.
					continue
				}
				if _, err := r.UpdateFile(ctx, path, string(text)); err != nil {
					log.Printf("router: watch update %s: %v", path, err)
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("router: watcher error: %v", err)
		}
	}
}

// addRecursive watches dir and every subdirectory. Hidden directories are
// skipped, matching the indexing walk.
func addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != dir {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
