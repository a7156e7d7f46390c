package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/worldmind/worldmind/internal/core"
)

// MemoryStore is an in-process checkpoint store for tests and single-process
// runs. It is safe for concurrent use.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string][]*Snapshot // threadID -> chronological snapshots
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string][]*Snapshot)}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, threadID, checkpointID, nodeName string, state *core.MissionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{
		ThreadID:     threadID,
		CheckpointID: checkpointID,
		NodeName:     nodeName,
		CreatedAt:    time.Now(),
		State:        state.Clone(),
	}

	snaps := m.byID[threadID]
	for i, existing := range snaps {
		if existing.CheckpointID == checkpointID {
			// Same logical step being re-committed (the after-node write
			// replacing the before-node write): drop the old entry so the
			// new one becomes the most recent by insertion order.
			snaps = append(snaps[:i], snaps[i+1:]...)
			break
		}
	}
	m.byID[threadID] = append(snaps, snap)
	return nil
}

// GetLatest implements Store.
func (m *MemoryStore) GetLatest(_ context.Context, threadID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := m.byID[threadID]
	if len(snaps) == 0 {
		return nil, nil
	}
	return snaps[len(snaps)-1], nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, threadID string) ([]*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := m.byID[threadID]
	out := make([]*Snapshot, len(snaps))
	copy(out, snaps)
	return out, nil
}
