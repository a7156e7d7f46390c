package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ContainerProvider runs each sandbox as a container via the local container
// runtime CLI (docker or podman). The requested runtime tag selects a tagged
// agent image; when that tag is not present locally the provider falls back
// to the :base image and the manager injects the self-install preamble.
type ContainerProvider struct {
	// Binary is the container CLI. Empty means "docker".
	Binary string
	// ImageRepo is the agent image repository, e.g. "worldmind/agent".
	ImageRepo string
	// Runner is the in-container command that consumes the instruction file
	// as its first argument. Empty means "goose".
	Runner string

	log *slog.Logger

	mu       sync.Mutex
	resolved map[string]string
}

// NewContainerProvider creates a ContainerProvider. log may be nil.
func NewContainerProvider(binary, imageRepo string, log *slog.Logger) *ContainerProvider {
	if binary == "" {
		binary = "docker"
	}
	if log == nil {
		log = slog.Default()
	}
	return &ContainerProvider{
		Binary:    binary,
		ImageRepo: imageRepo,
		log:       log,
		resolved:  make(map[string]string),
	}
}

// ResolveRuntimeTag maps the requested tag to one with a locally available
// image, falling back to "base". Results are cached per tag.
func (p *ContainerProvider) ResolveRuntimeTag(ctx context.Context, tag string) string {
	if tag == "" || tag == "base" {
		return "base"
	}
	p.mu.Lock()
	if cached, ok := p.resolved[tag]; ok {
		p.mu.Unlock()
		return cached
	}
	p.mu.Unlock()

	image := p.ImageRepo + ":" + tag
	err := exec.CommandContext(ctx, p.Binary, "image", "inspect", image).Run()
	result := tag
	if err != nil {
		p.log.Info("runtime image unavailable, falling back to base", "image", image)
		result = "base"
	}

	p.mu.Lock()
	p.resolved[tag] = result
	p.mu.Unlock()
	return result
}

// OpenSandbox starts a detached container mounting the project at /workspace
// and returns the container id.
func (p *ContainerProvider) OpenSandbox(ctx context.Context, req OpenRequest) (string, error) {
	runner := p.Runner
	if runner == "" {
		runner = "goose"
	}
	image := p.ImageRepo + ":" + req.RuntimeTag

	args := []string{
		"run", "--detach",
		"--label", "worldmind.task_id=" + string(req.TaskID),
		"--label", "worldmind.agent=" + string(req.Agent),
		"--volume", req.ProjectPath + ":/workspace",
		"--workdir", "/workspace",
	}
	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, image, runner, containerInstructionPath(req))

	out, err := p.runCLI(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("starting container from %s: %w", image, err)
	}
	return strings.TrimSpace(out), nil
}

// containerInstructionPath translates the host instruction path to its
// in-container location under the /workspace mount.
func containerInstructionPath(req OpenRequest) string {
	if rel, ok := strings.CutPrefix(req.InstructionPath, req.ProjectPath); ok {
		return "/workspace" + rel
	}
	return req.InstructionPath
}

// WaitForCompletion blocks on the container exiting, up to timeout. Returns
// -1 on timeout or wait error.
func (p *ContainerProvider) WaitForCompletion(ctx context.Context, sandboxID string, timeout time.Duration) (int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := p.runCLI(waitCtx, "wait", sandboxID)
	if err != nil {
		if waitCtx.Err() != nil {
			return -1, fmt.Errorf("sandbox %s timed out after %s", sandboxID, timeout)
		}
		return -1, err
	}
	code, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return -1, fmt.Errorf("unparseable exit status %q", strings.TrimSpace(out))
	}
	return code, nil
}

// CaptureOutput returns the container's combined stdout and stderr.
func (p *ContainerProvider) CaptureOutput(ctx context.Context, sandboxID string) (string, error) {
	return p.runCLI(ctx, "logs", sandboxID)
}

// TeardownSandbox force-removes the container. Removing an already-gone
// container is not an error.
func (p *ContainerProvider) TeardownSandbox(ctx context.Context, sandboxID string) error {
	_, err := p.runCLI(ctx, "rm", "--force", sandboxID)
	if err != nil && strings.Contains(err.Error(), "No such container") {
		return nil
	}
	return err
}

func (p *ContainerProvider) runCLI(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, p.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), fmt.Errorf("%s %s: %s", p.Binary, args[0], msg)
	}
	return stdout.String() + stderr.String(), nil
}
