// Package git wraps the git CLI for the mission workspace: cloning, branch
// management, commits, pushes, and worktree add/remove. Arguments are
// validated before reaching git so task-controlled strings can never inject
// options.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/worldmind/worldmind/internal/core"
)

// Client wraps git CLI operations rooted at one repository.
type Client struct {
	repoPath string
	timeout  time.Duration
	gitPath  string
}

// NewClient creates a client for an existing repository.
func NewClient(repoPath string) (*Client, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, core.ErrValidation("GIT_NOT_FOUND", "git binary not found in PATH")
	}

	client := &Client{repoPath: absPath, timeout: 30 * time.Second, gitPath: gitPath}
	if _, err := client.run(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, core.ErrValidation("NOT_GIT_REPO", fmt.Sprintf("%s is not a git repository", absPath))
	}
	return client, nil
}

// Clone clones url into dir and returns a client for the clone.
func Clone(ctx context.Context, url, dir string) (*Client, error) {
	if err := validateNoNul("url", url); err != nil {
		return nil, err
	}
	if strings.HasPrefix(url, "-") {
		return nil, core.ErrValidation("INVALID_URL", "git url must not start with '-'")
	}
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, core.ErrValidation("GIT_NOT_FOUND", "git binary not found in PATH")
	}

	cmd := exec.CommandContext(ctx, gitPath, "clone", "--", url, dir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git clone %s: %s: %w", url, strings.TrimSpace(stderr.String()), err)
	}
	return NewClient(dir)
}

// WithTimeout sets the per-command timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// RepoPath returns the repository root.
func (c *Client) RepoPath() string {
	return c.repoPath
}

// run executes a git command in the repository.
//
// Security note: exec.CommandContext does not invoke a shell, so arguments
// are not subject to shell interpolation. Task-controlled args are still
// validated by the callers below to prevent option injection into git itself.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.gitPath, args...)
	cmd.Dir = c.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout("git command timed out")
		}
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, "branch", "--show-current")
}

// DefaultBranch resolves the remote HEAD branch, falling back to "main".
func (c *Client) DefaultBranch(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	if err != nil {
		return "main", nil
	}
	return strings.TrimPrefix(out, "origin/"), nil
}

// CreateBranch creates a branch from base without checking it out.
func (c *Client) CreateBranch(ctx context.Context, name, base string) error {
	if err := validateGitBranchName(name); err != nil {
		return err
	}
	if err := validateGitBranchName(base); err != nil {
		return err
	}
	_, err := c.run(ctx, "branch", name, base)
	return err
}

// BranchExists reports whether a local branch exists.
func (c *Client) BranchExists(ctx context.Context, name string) (bool, error) {
	if err := validateGitBranchName(name); err != nil {
		return false, err
	}
	_, err := c.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		if strings.Contains(err.Error(), "exit status 1") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteBranchForce removes a branch even if unmerged.
func (c *Client) DeleteBranchForce(ctx context.Context, name string) error {
	if err := validateGitBranchName(name); err != nil {
		return err
	}
	_, err := c.run(ctx, "branch", "-D", name)
	return err
}

// IsClean reports whether the working tree has no pending changes.
func (c *Client) IsClean(ctx context.Context) (bool, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

// CommitAll stages everything and commits. Returns the commit hash, or ""
// with no error when there was nothing to commit.
func (c *Client) CommitAll(ctx context.Context, message string) (string, error) {
	if err := validateGitMessage(message); err != nil {
		return "", err
	}
	if _, err := c.run(ctx, "add", "-A"); err != nil {
		return "", err
	}
	clean, err := c.IsClean(ctx)
	if err != nil {
		return "", err
	}
	if clean {
		return "", nil
	}
	if _, err := c.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return c.run(ctx, "rev-parse", "HEAD")
}

// Push pushes a branch to a remote.
func (c *Client) Push(ctx context.Context, remote, branch string) error {
	if err := validateGitRemoteName(remote); err != nil {
		return err
	}
	if err := validateGitBranchName(branch); err != nil {
		return err
	}
	_, err := c.run(ctx, "push", "--set-upstream", remote, branch)
	return err
}

// HasRemote reports whether the named remote is configured.
func (c *Client) HasRemote(ctx context.Context, remote string) (bool, error) {
	if err := validateGitRemoteName(remote); err != nil {
		return false, err
	}
	out, err := c.run(ctx, "remote")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == remote {
			return true, nil
		}
	}
	return false, nil
}

// CreateWorktree adds a worktree for an existing branch at path.
func (c *Client) CreateWorktree(ctx context.Context, path, branch string) error {
	if err := validateGitPathArg(path); err != nil {
		return err
	}
	if err := validateGitBranchName(branch); err != nil {
		return err
	}
	_, err := c.run(ctx, "worktree", "add", path, branch)
	return err
}

// RemoveWorktree removes a worktree, forcing if it has local changes.
func (c *Client) RemoveWorktree(ctx context.Context, path string) error {
	if err := validateGitPathArg(path); err != nil {
		return err
	}
	_, err := c.run(ctx, "worktree", "remove", "--force", path)
	return err
}

func validateGitRemoteName(remote string) error {
	if err := validateNoNul("remote", remote); err != nil {
		return err
	}
	if remote == "" {
		return core.ErrValidation("INVALID_REMOTE", "remote name must not be empty")
	}
	if strings.HasPrefix(remote, "-") {
		return core.ErrValidation("INVALID_REMOTE", "remote name must not start with '-'")
	}
	for _, r := range remote {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return core.ErrValidation("INVALID_REMOTE", fmt.Sprintf("remote name contains invalid character: %q", r))
	}
	return nil
}

func validateGitBranchName(name string) error {
	if err := validateNoNul("branch", name); err != nil {
		return err
	}
	if name == "" {
		return core.ErrValidation("INVALID_BRANCH", "branch name must not be empty")
	}
	if strings.HasPrefix(name, "-") {
		return core.ErrValidation("INVALID_BRANCH", "branch name must not start with '-'")
	}
	// Conservative refname validation (subset of `git check-ref-format --branch`).
	if strings.ContainsAny(name, " \t\n\r") {
		return core.ErrValidation("INVALID_BRANCH", "branch name must not contain whitespace")
	}
	if strings.Contains(name, "..") || strings.Contains(name, "@{") || strings.Contains(name, "//") {
		return core.ErrValidation("INVALID_BRANCH", "branch name contains forbidden sequence")
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return core.ErrValidation("INVALID_BRANCH", "branch name has forbidden prefix/suffix")
	}
	for _, r := range name {
		switch r {
		case '~', '^', ':', '?', '*', '[', '\\':
			return core.ErrValidation("INVALID_BRANCH", fmt.Sprintf("branch name contains forbidden character: %q", r))
		}
		if r < 0x20 || r == 0x7f {
			return core.ErrValidation("INVALID_BRANCH", "branch name contains control character")
		}
	}
	return nil
}

func validateGitPathArg(p string) error {
	if err := validateNoNul("path", p); err != nil {
		return err
	}
	if p == "" {
		return core.ErrValidation("INVALID_PATH", "path must not be empty")
	}
	return nil
}

func validateGitMessage(msg string) error {
	if err := validateNoNul("message", msg); err != nil {
		return err
	}
	if msg == "" {
		return core.ErrValidation("INVALID_MESSAGE", "message must not be empty")
	}
	return nil
}

func validateNoNul(field, value string) error {
	if strings.IndexByte(value, 0) >= 0 {
		return core.ErrValidation("INVALID_INPUT", fmt.Sprintf("%s contains NUL byte", field))
	}
	return nil
}
