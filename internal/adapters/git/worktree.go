package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/worldmind/worldmind/internal/core"
)

// WorktreeContext provides per-task isolated working directories over a
// single mission clone. Concurrent workers never share a directory: each
// acquired worktree checks out its own wave/<task-id> branch, and release
// removes the directory while preserving the branch for a later merge.
type WorktreeContext struct {
	mu      sync.Mutex
	baseDir string
	log     *slog.Logger

	workspaces map[string]*missionWorkspace
}

type missionWorkspace struct {
	path      string
	client    *Client
	worktrees map[core.TaskID]string
}

// NewWorktreeContext creates a WorktreeContext rooted at baseDir. log may be
// nil.
func NewWorktreeContext(baseDir string, log *slog.Logger) *WorktreeContext {
	if log == nil {
		log = slog.Default()
	}
	return &WorktreeContext{
		baseDir:    baseDir,
		log:        log,
		workspaces: make(map[string]*missionWorkspace),
	}
}

// TaskBranch returns the branch name a task's worktree checks out.
func TaskBranch(taskID core.TaskID) string {
	return "wave/" + string(taskID)
}

// CreateMissionWorkspace clones gitURL into the mission's workspace
// directory. Idempotent: a second call for the same mission returns the
// cached path without recloning.
func (w *WorktreeContext) CreateMissionWorkspace(ctx context.Context, missionID, gitURL string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ws, ok := w.workspaces[missionID]; ok {
		return ws.path, nil
	}

	path := filepath.Join(w.baseDir, missionID, "repo")
	var client *Client
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		// Restart resume: the clone survived the previous process.
		client, err = NewClient(path)
		if err != nil {
			return "", fmt.Errorf("reopening mission workspace: %w", err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return "", fmt.Errorf("creating mission workspace directory: %w", err)
		}
		client, err = Clone(ctx, gitURL, path)
		if err != nil {
			return "", err
		}
	}

	w.workspaces[missionID] = &missionWorkspace{
		path:      path,
		client:    client,
		worktrees: make(map[core.TaskID]string),
	}
	w.log.Info("mission workspace ready", "mission_id", missionID, "path", path)
	return path, nil
}

// AcquireWorktree creates (or returns) the task's isolated worktree on a
// wave/<task-id> branch cut from baseBranch. Idempotent per task id.
func (w *WorktreeContext) AcquireWorktree(ctx context.Context, missionID string, taskID core.TaskID, baseBranch string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ws, ok := w.workspaces[missionID]
	if !ok {
		return "", core.ErrNotFound("mission workspace", missionID)
	}
	if path, ok := ws.worktrees[taskID]; ok {
		return path, nil
	}

	if baseBranch == "" {
		var err error
		baseBranch, err = ws.client.DefaultBranch(ctx)
		if err != nil {
			baseBranch = "main"
		}
	}

	branch := TaskBranch(taskID)
	// Branch without checkout so the workspace's checked-out branch never moves.
	if err := ws.client.CreateBranch(ctx, branch, baseBranch); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return "", fmt.Errorf("creating task branch %s: %w", branch, err)
		}
		w.log.Info("task branch already exists, reusing", "branch", branch)
	}

	path := filepath.Join(w.baseDir, missionID, "worktrees", string(taskID))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("creating worktree root: %w", err)
	}
	if err := ws.client.CreateWorktree(ctx, path, branch); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			w.log.Info("task worktree already exists, reusing", "path", path)
		} else {
			return "", fmt.Errorf("adding worktree at %s: %w", path, err)
		}
	}

	ws.worktrees[taskID] = path
	return path, nil
}

// CommitAndPush commits everything in the task's worktree and pushes its
// branch when a remote is configured. Returns false with no error when the
// worktree had no changes.
func (w *WorktreeContext) CommitAndPush(ctx context.Context, missionID string, taskID core.TaskID) (bool, error) {
	w.mu.Lock()
	ws, ok := w.workspaces[missionID]
	var path string
	if ok {
		path, ok = ws.worktrees[taskID]
	}
	w.mu.Unlock()
	if !ok {
		return false, core.ErrNotFound("worktree", string(taskID))
	}

	client, err := NewClient(path)
	if err != nil {
		return false, err
	}
	hash, err := client.CommitAll(ctx, fmt.Sprintf("Task %s changes", taskID))
	if err != nil {
		return false, err
	}
	if hash == "" {
		return false, nil
	}

	hasRemote, err := client.HasRemote(ctx, "origin")
	if err != nil || !hasRemote {
		return true, nil
	}
	if err := client.Push(ctx, "origin", TaskBranch(taskID)); err != nil {
		return true, fmt.Errorf("pushing %s: %w", TaskBranch(taskID), err)
	}
	return true, nil
}

// ReleaseWorktree removes the task's worktree directory. The branch is
// preserved for merging. Tolerant of a worktree that is already gone.
func (w *WorktreeContext) ReleaseWorktree(ctx context.Context, missionID string, taskID core.TaskID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ws, ok := w.workspaces[missionID]
	if !ok {
		w.log.Warn("release for unknown mission", "mission_id", missionID, "task_id", taskID)
		return
	}
	path, ok := ws.worktrees[taskID]
	if !ok {
		w.log.Warn("release for unknown worktree", "mission_id", missionID, "task_id", taskID)
		return
	}
	delete(ws.worktrees, taskID)

	if err := ws.client.RemoveWorktree(ctx, path); err != nil {
		w.log.Warn("worktree removal failed", "path", path, "error", err)
	}
}

// CleanupMission releases every remaining worktree and removes the mission
// workspace directory.
func (w *WorktreeContext) CleanupMission(ctx context.Context, missionID string) {
	w.mu.Lock()
	ws, ok := w.workspaces[missionID]
	if ok {
		delete(w.workspaces, missionID)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	for taskID, path := range ws.worktrees {
		if err := ws.client.RemoveWorktree(ctx, path); err != nil {
			w.log.Warn("worktree removal failed during cleanup", "task_id", taskID, "error", err)
		}
	}
	if err := os.RemoveAll(filepath.Join(w.baseDir, missionID)); err != nil {
		w.log.Warn("workspace removal failed", "mission_id", missionID, "error", err)
	}
}

// WorkspacePath returns the mission clone path, if the workspace exists.
func (w *WorktreeContext) WorkspacePath(missionID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ws, ok := w.workspaces[missionID]
	if !ok {
		return "", false
	}
	return ws.path, true
}
