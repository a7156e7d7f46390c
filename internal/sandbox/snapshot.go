package sandbox

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/worldmind/worldmind/internal/core"
)

// skipDir reports whether a directory is excluded from snapshots and change
// detection: VCS internals and the orchestrator's own working directories.
func skipDir(name string) bool {
	return name == ".git" || name == ".worldmind" || strings.HasPrefix(name, ".worldmind-")
}

// SnapshotProject walks projectPath and records each regular file's mtime.
func SnapshotProject(projectPath string) (map[string]time.Time, error) {
	snapshot := make(map[string]time.Time)
	err := filepath.WalkDir(projectPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(projectPath, path)
		if err != nil {
			return err
		}
		snapshot[filepath.ToSlash(rel)] = info.ModTime()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// DiffSnapshot compares a before-snapshot with the current tree: paths absent
// before are created, mtime-different paths are modified. Deletions are not
// reported; downstream consumers only act on created/modified files.
func DiffSnapshot(before map[string]time.Time, projectPath string) ([]core.FileChange, error) {
	after, err := SnapshotProject(projectPath)
	if err != nil {
		return nil, err
	}
	var changes []core.FileChange
	for path, mtime := range after {
		prev, existed := before[path]
		switch {
		case !existed:
			changes = append(changes, core.FileChange{Path: path, ChangeOp: core.FileChangeCreated})
		case !mtime.Equal(prev):
			changes = append(changes, core.FileChange{Path: path, ChangeOp: core.FileChangeModified})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}
