package sandbox

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/worldmind/worldmind/internal/core"
)

// ChangeWatcher records file creations and writes under a project directory
// for the duration of a sandbox run. On large trees this is cheaper than a
// full before/after snapshot diff; when the watch overflows or errors the
// caller falls back to the snapshot path.
type ChangeWatcher struct {
	watcher *fsnotify.Watcher
	root    string

	mu       sync.Mutex
	created  map[string]bool
	modified map[string]bool
	failed   bool
	done     chan struct{}
}

// WatchProject starts watching projectPath and its subdirectories.
func WatchProject(projectPath string) (*ChangeWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	cw := &ChangeWatcher{
		watcher:  w,
		root:     projectPath,
		created:  make(map[string]bool),
		modified: make(map[string]bool),
		done:     make(chan struct{}),
	}
	if err := cw.addRecursive(projectPath); err != nil {
		_ = w.Close()
		return nil, err
	}
	go cw.loop()
	return cw, nil
}

func (cw *ChangeWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if skipDir(d.Name()) && path != dir {
			return filepath.SkipDir
		}
		return cw.watcher.Add(path)
	})
}

func (cw *ChangeWatcher) loop() {
	defer close(cw.done)
	for {
		select {
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			cw.handle(ev)
		case _, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			// Overflow or watch error: the recorded set is no longer
			// trustworthy, so mark the watch failed and let the caller
			// fall back to snapshot diffing.
			cw.mu.Lock()
			cw.failed = true
			cw.mu.Unlock()
		}
	}
}

func (cw *ChangeWatcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(cw.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if excludedPath(rel) {
		return
	}

	info, statErr := os.Stat(ev.Name)
	isDir := statErr == nil && info.IsDir()

	cw.mu.Lock()
	defer cw.mu.Unlock()
	switch {
	case ev.Op.Has(fsnotify.Create):
		if isDir {
			// New directories need their own watch to see files created inside.
			_ = cw.addRecursive(ev.Name)
			return
		}
		cw.created[rel] = true
	case ev.Op.Has(fsnotify.Write):
		if !isDir && !cw.created[rel] {
			cw.modified[rel] = true
		}
	}
}

func excludedPath(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if skipDir(part) {
			return true
		}
	}
	return false
}

// Stop ends the watch and returns the recorded changes. ok=false means the
// watch overflowed and the result must not be used.
func (cw *ChangeWatcher) Stop() (changes []core.FileChange, ok bool) {
	_ = cw.watcher.Close()
	<-cw.done

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.failed {
		return nil, false
	}
	for path := range cw.created {
		changes = append(changes, core.FileChange{Path: path, ChangeOp: core.FileChangeCreated})
	}
	for path := range cw.modified {
		changes = append(changes, core.FileChange{Path: path, ChangeOp: core.FileChangeModified})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, true
}
