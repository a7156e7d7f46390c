package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalProcessProvider runs each sandbox as a local child process of the
// agent runtime binary, receiving the instruction file path as its first
// argument. No isolation beyond a working directory; meant for development
// and tests, not shared hosts.
type LocalProcessProvider struct {
	// Binary is the agent runtime executable. Empty means "goose".
	Binary string

	log *slog.Logger

	mu        sync.Mutex
	processes map[string]*localProcess
}

type localProcess struct {
	cmd    *exec.Cmd
	output *lockedBuffer
	done   chan struct{}
	err    error
}

// lockedBuffer lets CaptureOutput read while the process is still writing
// (the timeout path captures mid-run output).
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewLocalProcessProvider creates a LocalProcessProvider. log may be nil.
func NewLocalProcessProvider(binary string, log *slog.Logger) *LocalProcessProvider {
	if binary == "" {
		binary = "goose"
	}
	if log == nil {
		log = slog.Default()
	}
	return &LocalProcessProvider{
		Binary:    binary,
		log:       log,
		processes: make(map[string]*localProcess),
	}
}

// OpenSandbox starts the runtime process in the project directory. The
// process deliberately outlives ctx; teardown owns its lifetime.
func (p *LocalProcessProvider) OpenSandbox(_ context.Context, req OpenRequest) (string, error) {
	cmd := exec.Command(p.Binary, req.InstructionPath)
	cmd.Dir = req.ProjectPath
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	proc := &localProcess{
		cmd:    cmd,
		output: &lockedBuffer{},
		done:   make(chan struct{}),
	}
	cmd.Stdout = proc.output
	cmd.Stderr = proc.output

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting %s: %w", p.Binary, err)
	}

	id := uuid.NewString()
	p.mu.Lock()
	p.processes[id] = proc
	p.mu.Unlock()

	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()

	return id, nil
}

// WaitForCompletion blocks until the process exits or timeout elapses.
// Returns -1 on timeout.
func (p *LocalProcessProvider) WaitForCompletion(ctx context.Context, sandboxID string, timeout time.Duration) (int, error) {
	proc, err := p.lookup(sandboxID)
	if err != nil {
		return -1, err
	}
	select {
	case <-proc.done:
		if proc.err == nil {
			return 0, nil
		}
		if exitErr, ok := proc.err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, proc.err
	case <-time.After(timeout):
		return -1, fmt.Errorf("sandbox %s timed out after %s", sandboxID, timeout)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// CaptureOutput returns the combined stdout+stderr accumulated so far.
func (p *LocalProcessProvider) CaptureOutput(_ context.Context, sandboxID string) (string, error) {
	proc, err := p.lookup(sandboxID)
	if err != nil {
		return "", err
	}
	return proc.output.String(), nil
}

// TeardownSandbox kills the process if it is still running and forgets it.
// Idempotent: a second teardown of the same id is a no-op.
func (p *LocalProcessProvider) TeardownSandbox(_ context.Context, sandboxID string) error {
	p.mu.Lock()
	proc, ok := p.processes[sandboxID]
	delete(p.processes, sandboxID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-proc.done:
		return nil
	default:
	}
	if proc.cmd.Process != nil {
		if err := proc.cmd.Process.Kill(); err != nil && !os.IsPermission(err) {
			p.log.Debug("killing sandbox process", "sandbox_id", sandboxID, "error", err)
		}
	}
	<-proc.done
	return nil
}

func (p *LocalProcessProvider) lookup(sandboxID string) (*localProcess, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	proc, ok := p.processes[sandboxID]
	if !ok {
		return nil, fmt.Errorf("unknown sandbox %s", sandboxID)
	}
	return proc, nil
}
