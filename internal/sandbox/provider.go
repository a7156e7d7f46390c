// Package sandbox manages the lifecycle of ephemeral execution environments
// for task attempts: environment assembly, instruction-file materialization,
// provider open/wait/capture, file-change detection, and guaranteed teardown.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/worldmind/worldmind/internal/core"
)

// OpenRequest describes one sandbox to open for one task attempt.
type OpenRequest struct {
	Agent           core.Agent
	TaskID          core.TaskID
	ProjectPath     string
	InstructionPath string
	Env             map[string]string
	GitRemote       string
	RuntimeTag      string
	Iteration       int
}

// ExecutionResult is the manager's per-attempt outcome.
type ExecutionResult struct {
	ExitCode    int
	Output      string
	SandboxID   string
	FileChanges []core.FileChange
	ElapsedMS   int64
}

// Provider is the sandbox runtime contract. Open failures surface as
// provider-unavailable errors; WaitForCompletion returns -1 on timeout or
// wait error; TeardownSandbox is idempotent and must not fail on an
// already-stopped sandbox.
type Provider interface {
	OpenSandbox(ctx context.Context, req OpenRequest) (string, error)
	WaitForCompletion(ctx context.Context, sandboxID string, timeout time.Duration) (int, error)
	CaptureOutput(ctx context.Context, sandboxID string) (string, error)
	TeardownSandbox(ctx context.Context, sandboxID string) error
}

// ChangeDetector is an optional provider capability that detects file changes
// itself (e.g. via git diff on a platform task). handled=false signals "use
// the default detection path".
type ChangeDetector interface {
	DetectChanges(ctx context.Context, taskID core.TaskID, projectPath string) (changes []core.FileChange, handled bool, err error)
}

// Snapshotter is an optional provider capability for before/after snapshot
// diffing, used when the manager itself runs containerized and cannot walk
// the project directly (a helper sidecar does it instead).
type Snapshotter interface {
	SnapshotProjectFiles(ctx context.Context, projectPath string) (map[string]time.Time, error)
	DetectChangesBySnapshot(ctx context.Context, before map[string]time.Time, projectPath string) ([]core.FileChange, error)
}

// RuntimeResolver is an optional provider capability mapping a requested
// runtime tag to the one actually available (e.g. falling back to "base"
// when no tagged image exists).
type RuntimeResolver interface {
	ResolveRuntimeTag(ctx context.Context, tag string) string
}

// DefaultOutputLimit is the captured-output budget retained for consumers;
// the raw output stays at the provider.
const DefaultOutputLimit = 10 * 1024

// TruncateOutput trims s to roughly limit bytes, preserving head and tail
// around an elision marker. limit <= 0 uses DefaultOutputLimit.
func TruncateOutput(s string, limit int) string {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	if len(s) <= limit {
		return s
	}
	marker := fmt.Sprintf("\n\n... [truncated %d chars] ...\n\n", len(s)-limit)
	head := limit / 2
	tail := limit - head
	return s[:head] + marker + s[len(s)-tail:]
}
