package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/worldmind/worldmind/internal/core"
	"github.com/worldmind/worldmind/internal/fsutil"
)

// FileStore is a JSON-file-backed checkpoint store for single-host durable
// runs without SQLite. Each snapshot is one file under
// <baseDir>/<thread_id>/, atomically replaced on write so a crash mid-Put
// never leaves a torn snapshot. Insertion order is a monotonically
// increasing sequence prefix in the file name.
type FileStore struct {
	mu      sync.Mutex
	baseDir string
	seq     map[string]int
}

type fileSnapshot struct {
	ThreadID     string             `json:"thread_id"`
	CheckpointID string             `json:"checkpoint_id"`
	NodeName     string             `json:"node_name"`
	CreatedAt    time.Time          `json:"created_at"`
	State        *core.MissionState `json:"state"`
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return &FileStore{baseDir: baseDir, seq: make(map[string]int)}, nil
}

// Put implements Store. A re-Put of the same checkpoint id removes the prior
// file and writes the snapshot at the end of the insertion order, matching
// the memory and SQLite backends.
func (f *FileStore) Put(_ context.Context, threadID, checkpointID, nodeName string, state *core.MissionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Join(f.baseDir, sanitizeComponent(threadID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating thread directory: %w", err)
	}

	entries, err := f.entriesLocked(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.checkpointID == sanitizeComponent(checkpointID) {
			if err := os.Remove(filepath.Join(dir, e.name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("replacing checkpoint %s: %w", checkpointID, err)
			}
		}
	}

	if f.seq[threadID] == 0 && len(entries) > 0 {
		f.seq[threadID] = entries[len(entries)-1].seq
	}
	f.seq[threadID]++

	data, err := json.Marshal(fileSnapshot{
		ThreadID:     threadID,
		CheckpointID: checkpointID,
		NodeName:     nodeName,
		CreatedAt:    time.Now().UTC(),
		State:        state,
	})
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	name := fmt.Sprintf("%08d_%s.json", f.seq[threadID], sanitizeComponent(checkpointID))
	if err := renameio.WriteFile(filepath.Join(dir, name), data, 0o640); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// GetLatest implements Store.
func (f *FileStore) GetLatest(_ context.Context, threadID string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Join(f.baseDir, sanitizeComponent(threadID))
	entries, err := f.entriesLocked(dir)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return f.readLocked(dir, entries[len(entries)-1].name)
}

// List implements Store.
func (f *FileStore) List(_ context.Context, threadID string) ([]*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Join(f.baseDir, sanitizeComponent(threadID))
	entries, err := f.entriesLocked(dir)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(entries))
	for _, e := range entries {
		snap, err := f.readLocked(dir, e.name)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

type fileEntry struct {
	name         string
	seq          int
	checkpointID string
}

func (f *FileStore) entriesLocked(dir string) ([]fileEntry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}

	var entries []fileEntry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		var seq int
		base := strings.TrimSuffix(name, ".json")
		underscore := strings.Index(base, "_")
		if underscore < 0 {
			continue
		}
		if _, err := fmt.Sscanf(base[:underscore], "%d", &seq); err != nil {
			continue
		}
		entries = append(entries, fileEntry{name: name, seq: seq, checkpointID: base[underscore+1:]})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries, nil
}

func (f *FileStore) readLocked(dir, name string) (*Snapshot, error) {
	data, err := fsutil.ReadFileScoped(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", name, err)
	}
	var fs fileSnapshot
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", name, err)
	}
	return &Snapshot{
		ThreadID:     fs.ThreadID,
		CheckpointID: fs.CheckpointID,
		NodeName:     fs.NodeName,
		CreatedAt:    fs.CreatedAt,
		State:        fs.State,
	}, nil
}

// sanitizeComponent keeps thread and checkpoint ids path-safe.
func sanitizeComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}
