package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmind/worldmind/internal/core"
)

// fakeProvider scripts one sandbox run and records lifecycle calls.
type fakeProvider struct {
	openErr      error
	exitCode     int
	waitErr      error
	output       string
	captureErr   error
	teardowns    int
	lastRequest  OpenRequest
	writeDuring  string // file to create in the project while "running"
	projectPath  string
}

func (f *fakeProvider) OpenSandbox(_ context.Context, req OpenRequest) (string, error) {
	f.lastRequest = req
	if f.openErr != nil {
		return "", f.openErr
	}
	return "sbx-1", nil
}

func (f *fakeProvider) WaitForCompletion(_ context.Context, _ string, _ time.Duration) (int, error) {
	if f.writeDuring != "" {
		path := filepath.Join(f.projectPath, f.writeDuring)
		if err := os.WriteFile(path, []byte("generated"), 0o644); err != nil {
			return -1, err
		}
		// fsnotify delivery is asynchronous; give the watcher a beat.
		time.Sleep(50 * time.Millisecond)
	}
	if f.waitErr != nil {
		return -1, f.waitErr
	}
	return f.exitCode, nil
}

func (f *fakeProvider) CaptureOutput(_ context.Context, _ string) (string, error) {
	if f.captureErr != nil {
		return "", f.captureErr
	}
	return f.output, nil
}

func (f *fakeProvider) TeardownSandbox(_ context.Context, _ string) error {
	f.teardowns++
	return nil
}

func newTestManager(t *testing.T, provider Provider, cfg Config) (*Manager, string) {
	t.Helper()
	projectPath := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectPath, "main.go"), []byte("package main\n"), 0o644))
	return NewManager(cfg, provider, NewInstructionStore(0), nil), projectPath
}

func TestExecuteTask_HappyPath(t *testing.T) {
	fake := &fakeProvider{exitCode: 0, output: "done"}
	mgr, projectPath := newTestManager(t, fake, Config{})
	fake.projectPath = projectPath
	fake.writeDuring = "hello.py"

	res, err := mgr.ExecuteTask(context.Background(), ExecuteRequest{
		Agent:           core.AgentCoder,
		TaskID:          "TASK-001",
		ProjectPath:     projectPath,
		InstructionText: "## Objective\n\nCreate hello.py\n",
		RuntimeTag:      "python",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, "sbx-1", res.SandboxID)
	assert.Equal(t, 1, fake.teardowns, "teardown must run exactly once")
	require.NotEmpty(t, res.FileChanges)
	assert.Equal(t, "hello.py", res.FileChanges[0].Path)
	assert.Equal(t, core.FileChangeCreated, res.FileChanges[0].ChangeOp)

	// The instruction file is deleted after the run.
	_, statErr := os.Stat(fake.lastRequest.InstructionPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecuteTask_InstructionMaterialized(t *testing.T) {
	captured := make(chan string, 1)
	fake := &instructionSniffer{inner: &fakeProvider{}, captured: captured}
	mgr, projectPath := newTestManager(t, fake, Config{})

	_, err := mgr.ExecuteTask(context.Background(), ExecuteRequest{
		Agent:           core.AgentCoder,
		TaskID:          "TASK-007",
		ProjectPath:     projectPath,
		InstructionText: "## Objective\n\nBuild the thing\n",
	})
	require.NoError(t, err)

	content := <-captured
	assert.Contains(t, content, "Build the thing")
}

// instructionSniffer reads the instruction file while the sandbox is open,
// before the manager deletes it.
type instructionSniffer struct {
	inner    *fakeProvider
	captured chan string
}

func (s *instructionSniffer) OpenSandbox(ctx context.Context, req OpenRequest) (string, error) {
	data, err := os.ReadFile(req.InstructionPath)
	if err != nil {
		return "", err
	}
	s.captured <- string(data)
	return s.inner.OpenSandbox(ctx, req)
}

func (s *instructionSniffer) WaitForCompletion(ctx context.Context, id string, d time.Duration) (int, error) {
	return s.inner.WaitForCompletion(ctx, id, d)
}

func (s *instructionSniffer) CaptureOutput(ctx context.Context, id string) (string, error) {
	return s.inner.CaptureOutput(ctx, id)
}

func (s *instructionSniffer) TeardownSandbox(ctx context.Context, id string) error {
	return s.inner.TeardownSandbox(ctx, id)
}

func TestExecuteTask_OpenFailureIsProviderUnavailable(t *testing.T) {
	fake := &fakeProvider{openErr: errors.New("no capacity")}
	mgr, projectPath := newTestManager(t, fake, Config{})

	_, err := mgr.ExecuteTask(context.Background(), ExecuteRequest{
		Agent:       core.AgentCoder,
		TaskID:      "TASK-001",
		ProjectPath: projectPath,
	})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatExecution))
	var domErr *core.DomainError
	require.ErrorAs(t, err, &domErr)
	assert.Equal(t, core.CodeProviderUnavailable, domErr.Code)
	assert.Zero(t, fake.teardowns, "nothing to tear down when open failed")
}

func TestExecuteTask_WaitFailureStillTearsDown(t *testing.T) {
	fake := &fakeProvider{waitErr: errors.New("runtime lost"), output: "partial"}
	mgr, projectPath := newTestManager(t, fake, Config{})

	res, err := mgr.ExecuteTask(context.Background(), ExecuteRequest{
		Agent:       core.AgentCoder,
		TaskID:      "TASK-001",
		ProjectPath: projectPath,
	})
	require.NoError(t, err)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, 1, fake.teardowns)
}

func TestAssembleEnv_Contract(t *testing.T) {
	cfg := Config{
		BaseEnv:         map[string]string{"LANG": "C.UTF-8"},
		WorkspaceVolume: "/mnt/shared",
		LLM:             LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-5", APIKeys: map[string]string{"ANTHROPIC_API_KEY": "sk-test"}},
		MCP: []MCPServerConfig{
			{Name: "jira", URL: "https://jira.internal", Token: "tok-1"},
			{Name: "deploy-hub", URL: "https://hub.internal", Agents: []core.Agent{core.AgentDeployer}},
		},
		CF:    CFConfig{APIURL: "https://api.cf.internal", Username: "ci", Password: "secret", Org: "eng", Space: "dev"},
		Nexus: NexusConfig{URL: "https://nexus.internal", Token: "ntok"},
	}
	m := NewManager(cfg, &fakeProvider{}, nil, nil)

	coderEnv := m.assembleEnv(core.AgentCoder, map[string]string{"EXTRA": "1"})
	assert.Equal(t, "C.UTF-8", coderEnv["LANG"])
	assert.Equal(t, "/mnt/shared", coderEnv[EnvWorkspaceVolume])
	assert.Equal(t, "anthropic", coderEnv[EnvGooseProvider])
	assert.Equal(t, "claude-sonnet-4-5", coderEnv[EnvGooseModel])
	assert.Equal(t, "sk-test", coderEnv["ANTHROPIC_API_KEY"])
	assert.Equal(t, "jira", coderEnv[EnvMCPServers], "deploy-hub is deployer-scoped")
	assert.Equal(t, "https://jira.internal", coderEnv["MCP_SERVER_JIRA_URL"])
	assert.Equal(t, "tok-1", coderEnv["MCP_SERVER_JIRA_TOKEN"])
	assert.Equal(t, "1", coderEnv["EXTRA"])
	assert.NotContains(t, coderEnv, EnvCFPassword, "CF credentials are deployer-only")
	assert.NotContains(t, coderEnv, EnvGenAIServiceName, "explicit provider wins over bound services")
	assert.Equal(t, "https://nexus.internal", coderEnv[EnvNexusURL])

	deployerEnv := m.assembleEnv(core.AgentDeployer, nil)
	assert.Equal(t, "secret", deployerEnv[EnvCFPassword])
	assert.Equal(t, "jira,deploy-hub", deployerEnv[EnvMCPServers])
	assert.Equal(t, "https://hub.internal", deployerEnv["MCP_SERVER_DEPLOY_HUB_URL"])
}

func TestAssembleEnv_GenAIServiceFallback(t *testing.T) {
	m := NewManager(Config{LLM: LLMConfig{GenAIServiceName: "genai-svc"}}, &fakeProvider{}, nil, nil)
	env := m.assembleEnv(core.AgentCoder, nil)
	assert.Equal(t, "genai-svc", env[EnvGenAIServiceName])
	assert.NotContains(t, env, EnvGooseProvider)
}

func TestExecuteTask_MCPAppendixInInstruction(t *testing.T) {
	captured := make(chan string, 1)
	fake := &instructionSniffer{inner: &fakeProvider{}, captured: captured}
	cfg := Config{MCP: []MCPServerConfig{{Name: "jira", URL: "https://jira.internal"}}}
	mgr, projectPath := newTestManager(t, fake, cfg)

	_, err := mgr.ExecuteTask(context.Background(), ExecuteRequest{
		Agent:           core.AgentCoder,
		TaskID:          "TASK-002",
		ProjectPath:     projectPath,
		InstructionText: "## Objective\n\nDo it\n",
	})
	require.NoError(t, err)
	content := <-captured
	assert.Contains(t, content, "## MCP Tools")
	assert.Contains(t, content, "- jira")
}

func TestTruncateOutput(t *testing.T) {
	short := "short output"
	assert.Equal(t, short, TruncateOutput(short, 100))

	long := strings.Repeat("a", 600)
	got := TruncateOutput(long, 100)
	assert.Contains(t, got, "... [truncated 500 chars] ...")
	assert.True(t, strings.HasPrefix(got, "aaaa"))
	assert.True(t, strings.HasSuffix(got, "aaaa"))
	assert.Less(t, len(got), 200)
}

func TestInstructionStore_CapEviction(t *testing.T) {
	s := NewInstructionStore(3)
	s.Put("a", "1")
	s.Put("b", "2")
	s.Put("c", "3")
	require.Equal(t, 3, s.Len())

	// Overwriting an existing key does not evict.
	s.Put("b", "2b")
	assert.Equal(t, 3, s.Len())

	// A new key past the cap clears everything first.
	s.Put("d", "4")
	assert.Equal(t, 1, s.Len())
	got, ok := s.Get("d")
	require.True(t, ok)
	assert.Equal(t, "4", got)
	_, ok = s.Get("a")
	assert.False(t, ok)
}

func TestSnapshotDiff(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.go"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "touch.go"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0o644))

	before, err := SnapshotProject(dir)
	require.NoError(t, err)
	assert.NotContains(t, before, ".git/HEAD")

	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "touch.go"), future, future))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.go"), []byte("y"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".worldmind", "tasks"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".worldmind", "tasks", "TASK-001.md"), []byte("i"), 0o644))

	changes, err := DiffSnapshot(before, dir)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, core.FileChange{Path: "new.go", ChangeOp: core.FileChangeCreated}, changes[0])
	assert.Equal(t, core.FileChange{Path: "touch.go", ChangeOp: core.FileChangeModified}, changes[1])
}
