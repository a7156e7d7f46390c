// Package checkpoint implements C3: the mission checkpoint store. It persists
// a (thread_id, checkpoint_id) -> MissionState snapshot pairing so the graph
// engine (internal/graph) can resume a mission from its last-committed node
// after a restart.
package checkpoint

import (
	"context"
	"time"

	"github.com/worldmind/worldmind/internal/core"
)

// Snapshot is one committed checkpoint row.
type Snapshot struct {
	ThreadID     string
	CheckpointID string
	NodeName     string
	CreatedAt    time.Time
	State        *core.MissionState
}

// Store is the checkpoint persistence contract. Implementations: Memory
// (testing / single-process) and SQLite (durable, cross-restart).
type Store interface {
	// Put writes a snapshot atomically. A second Put with the same
	// (thread_id, checkpoint_id) replaces the prior snapshot in place —
	// the before/after checkpoints the graph engine writes around one node
	// invocation share a checkpoint_id for exactly this reason.
	Put(ctx context.Context, threadID, checkpointID, nodeName string, state *core.MissionState) error
	// GetLatest returns the most recently put snapshot for threadID, or nil
	// if none exists.
	GetLatest(ctx context.Context, threadID string) (*Snapshot, error)
	// List returns every snapshot for threadID in chronological order.
	List(ctx context.Context, threadID string) ([]*Snapshot, error)
}
