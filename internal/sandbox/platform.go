package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/worldmind/worldmind/internal/core"
)

// PlatformTaskRunner abstracts the managed-platform task API the
// PlatformProvider drives (create task, poll state, fetch logs, cancel).
type PlatformTaskRunner interface {
	CreateTask(ctx context.Context, command string, env map[string]string) (taskGUID string, err error)
	TaskState(ctx context.Context, taskGUID string) (state string, exitCode int, err error)
	TaskLogs(ctx context.Context, taskGUID string) (string, error)
	CancelTask(ctx context.Context, taskGUID string) error
}

// Platform task states.
const (
	PlatformTaskRunning   = "RUNNING"
	PlatformTaskSucceeded = "SUCCEEDED"
	PlatformTaskFailed    = "FAILED"
)

// PlatformProvider runs the instruction through a managed platform task
// instead of a local container. Change detection is overridden with a
// git diff against the task's base branch, since the platform workspace is a
// pushed clone rather than a shared filesystem.
type PlatformProvider struct {
	Runner PlatformTaskRunner
	// BaseBranch is the diff base for change detection.
	BaseBranch string
	// PollInterval bounds state polling. Zero means 2s.
	PollInterval time.Duration

	log *slog.Logger
}

// NewPlatformProvider creates a PlatformProvider. log may be nil.
func NewPlatformProvider(runner PlatformTaskRunner, baseBranch string, log *slog.Logger) *PlatformProvider {
	if log == nil {
		log = slog.Default()
	}
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &PlatformProvider{Runner: runner, BaseBranch: baseBranch, log: log}
}

// OpenSandbox submits the platform task. The instruction travels by path:
// the task command receives the instruction file location as its argument.
func (p *PlatformProvider) OpenSandbox(ctx context.Context, req OpenRequest) (string, error) {
	command := fmt.Sprintf("goose %q", req.InstructionPath)
	guid, err := p.Runner.CreateTask(ctx, command, req.Env)
	if err != nil {
		return "", fmt.Errorf("creating platform task for %s: %w", req.TaskID, err)
	}
	return guid, nil
}

// WaitForCompletion polls the task state until it leaves RUNNING or timeout
// elapses. Returns -1 on timeout or poll error.
func (p *PlatformProvider) WaitForCompletion(ctx context.Context, sandboxID string, timeout time.Duration) (int, error) {
	interval := p.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		state, exitCode, err := p.Runner.TaskState(ctx, sandboxID)
		if err != nil {
			return -1, err
		}
		switch state {
		case PlatformTaskSucceeded:
			return 0, nil
		case PlatformTaskFailed:
			if exitCode == 0 {
				exitCode = 1
			}
			return exitCode, nil
		}
		if time.Now().After(deadline) {
			return -1, fmt.Errorf("platform task %s timed out after %s", sandboxID, timeout)
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// CaptureOutput fetches the task's recent logs.
func (p *PlatformProvider) CaptureOutput(ctx context.Context, sandboxID string) (string, error) {
	return p.Runner.TaskLogs(ctx, sandboxID)
}

// TeardownSandbox cancels the task; cancelling a finished task is not an error.
func (p *PlatformProvider) TeardownSandbox(ctx context.Context, sandboxID string) error {
	err := p.Runner.CancelTask(ctx, sandboxID)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "not running") {
		return nil
	}
	return err
}

// DetectChanges diffs the working tree against the base branch, overriding
// the manager's snapshot path.
func (p *PlatformProvider) DetectChanges(ctx context.Context, taskID core.TaskID, projectPath string) ([]core.FileChange, bool, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", projectPath, "diff", "--name-status", p.BaseBranch)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, false, fmt.Errorf("git diff against %s: %s", p.BaseBranch, strings.TrimSpace(stderr.String()))
	}

	var changes []core.FileChange
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		op := core.FileChangeModified
		if strings.HasPrefix(parts[0], "A") {
			op = core.FileChangeCreated
		}
		changes = append(changes, core.FileChange{Path: parts[len(parts)-1], ChangeOp: op})
	}
	return changes, true, nil
}
