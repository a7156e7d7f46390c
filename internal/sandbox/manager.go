package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/worldmind/worldmind/internal/core"
	"github.com/worldmind/worldmind/internal/instructions"
)

// Environment variable names surfaced to the sandboxed process.
const (
	EnvWorkspaceVolume  = "WORKSPACE_VOLUME"
	EnvGooseProvider    = "GOOSE_PROVIDER"
	EnvGooseModel       = "GOOSE_MODEL"
	EnvGenAIServiceName = "GENAI_SERVICE_NAME"
	EnvMCPServers       = "MCP_SERVERS"
	EnvCFAPIURL         = "CF_API_URL"
	EnvCFUsername       = "CF_USERNAME"
	EnvCFPassword       = "CF_PASSWORD"
	EnvCFOrg            = "CF_ORG"
	EnvCFSpace          = "CF_SPACE"
	EnvNexusURL         = "NEXUS_URL"
	EnvNexusToken       = "NEXUS_TOKEN"
)

// LLMConfig selects the model runtime inside the sandbox. When Provider is
// empty, no credentials are injected and the sandbox resolves them from
// bound services via GENAI_SERVICE_NAME.
type LLMConfig struct {
	Provider         string            `mapstructure:"provider"`
	Model            string            `mapstructure:"model"`
	APIKeys          map[string]string `mapstructure:"api_keys"`
	GenAIServiceName string            `mapstructure:"genai_service_name"`
}

// MCPServerConfig describes one MCP server offered to agents. An empty
// Agents list offers the server to every agent.
type MCPServerConfig struct {
	Name   string       `mapstructure:"name"`
	URL    string       `mapstructure:"url"`
	Token  string       `mapstructure:"token"`
	Agents []core.Agent `mapstructure:"agents"`
}

// CFConfig carries Cloud Foundry credentials, injected for DEPLOYER tasks only.
type CFConfig struct {
	APIURL   string `mapstructure:"api_url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Org      string `mapstructure:"org"`
	Space    string `mapstructure:"space"`
}

// NexusConfig is the optional MCP-gateway contract.
type NexusConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// Config configures a Manager.
type Config struct {
	// TimeoutSeconds bounds one sandbox run. Zero means 300.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// BaseEnv is passed to every sandbox verbatim.
	BaseEnv map[string]string `mapstructure:"base_env"`
	// WorkspaceVolume, when set, marks the manager itself as containerized:
	// instruction files go to the shared volume and the volume path is
	// forwarded to the sandbox.
	WorkspaceVolume string `mapstructure:"workspace_volume"`

	LLM   LLMConfig         `mapstructure:"llm"`
	MCP   []MCPServerConfig `mapstructure:"mcp"`
	CF    CFConfig          `mapstructure:"cf"`
	Nexus NexusConfig       `mapstructure:"nexus"`
}

// Timeout returns the effective per-task timeout.
func (c Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ExecuteRequest names the inputs of one task execution.
type ExecuteRequest struct {
	Agent           core.Agent
	TaskID          core.TaskID
	ProjectPath     string
	InstructionText string
	EnvExtra        map[string]string
	GitRemote       string
	RuntimeTag      string
	Iteration       int
}

// Manager drives the sandbox lifecycle for task attempts.
type Manager struct {
	cfg      Config
	provider Provider
	store    *InstructionStore
	log      *slog.Logger
}

// NewManager creates a Manager. log may be nil.
func NewManager(cfg Config, provider Provider, store *InstructionStore, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		store = NewInstructionStore(0)
	}
	return &Manager{cfg: cfg, provider: provider, store: store, log: log}
}

// ExecuteTask runs one task attempt end to end: env assembly, instruction
// materialization, open, wait, capture, change detection, teardown. The
// returned error is non-nil only for infrastructure failures; a non-zero
// exit code is reported through the result.
func (m *Manager) ExecuteTask(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error) {
	start := time.Now()

	env := m.assembleEnv(req.Agent, req.EnvExtra)

	runtimeTag := req.RuntimeTag
	if rr, ok := m.provider.(RuntimeResolver); ok {
		runtimeTag = rr.ResolveRuntimeTag(ctx, req.RuntimeTag)
	}

	text := req.InstructionText
	if names := m.mcpServerNames(req.Agent); len(names) > 0 {
		text = instructions.WithMCPTools(text, req.Agent, names)
	}
	text = instructions.WithRuntimePreamble(text, runtimeTag)

	instructionPath, err := m.materializeInstruction(req.ProjectPath, req.TaskID, text)
	if err != nil {
		return nil, core.ErrInstructionIO(fmt.Sprintf("materializing instruction for %s: %v", req.TaskID, err)).WithCause(err)
	}
	storeKey := fmt.Sprintf("%s-%d", req.TaskID, req.Iteration)
	m.store.Put(storeKey, text)
	defer func() {
		m.store.Delete(storeKey)
		if rmErr := os.Remove(instructionPath); rmErr != nil && !os.IsNotExist(rmErr) {
			m.log.Debug("instruction file cleanup failed", "path", instructionPath, "error", rmErr)
		}
	}()

	before, watcher := m.beginChangeDetection(ctx, req.ProjectPath)

	sandboxID, err := m.provider.OpenSandbox(ctx, OpenRequest{
		Agent:           req.Agent,
		TaskID:          req.TaskID,
		ProjectPath:     req.ProjectPath,
		InstructionPath: instructionPath,
		Env:             env,
		GitRemote:       req.GitRemote,
		RuntimeTag:      runtimeTag,
		Iteration:       req.Iteration,
	})
	if err != nil {
		if watcher != nil {
			watcher.Stop()
		}
		return nil, core.ErrProviderUnavailable(fmt.Sprintf("opening sandbox for %s: %v", req.TaskID, err)).WithCause(err)
	}
	// Teardown is unconditional from here on, including on cancellation.
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if tdErr := m.provider.TeardownSandbox(teardownCtx, sandboxID); tdErr != nil {
			m.log.Warn("sandbox teardown failed", "sandbox_id", sandboxID, "error", tdErr)
		}
	}()

	exitCode, err := m.provider.WaitForCompletion(ctx, sandboxID, m.cfg.Timeout())
	if err != nil {
		exitCode = -1
		m.log.Warn("sandbox wait failed", "sandbox_id", sandboxID, "task_id", req.TaskID, "error", err)
	}

	output, err := m.provider.CaptureOutput(ctx, sandboxID)
	if err != nil {
		m.log.Warn("sandbox output capture failed", "sandbox_id", sandboxID, "error", err)
		output = fmt.Sprintf("[output capture failed: %v]", err)
	}

	changes, err := m.detectChanges(ctx, req.TaskID, req.ProjectPath, before, watcher)
	if err != nil {
		m.log.Warn("change detection failed", "task_id", req.TaskID, "error", err)
		changes = nil
	}

	return &ExecutionResult{
		ExitCode:    exitCode,
		Output:      TruncateOutput(output, DefaultOutputLimit),
		SandboxID:   sandboxID,
		FileChanges: changes,
		ElapsedMS:   time.Since(start).Milliseconds(),
	}, nil
}

// assembleEnv builds the sandbox environment per the provider contract:
// base vars, model credentials only when explicitly configured, per-agent MCP
// vars, CF credentials for DEPLOYER only, Nexus gateway when configured.
func (m *Manager) assembleEnv(agent core.Agent, extra map[string]string) map[string]string {
	env := make(map[string]string, len(m.cfg.BaseEnv)+len(extra)+8)
	for k, v := range m.cfg.BaseEnv {
		env[k] = v
	}

	if m.cfg.WorkspaceVolume != "" {
		env[EnvWorkspaceVolume] = m.cfg.WorkspaceVolume
	}

	if m.cfg.LLM.Provider != "" {
		env[EnvGooseProvider] = m.cfg.LLM.Provider
		if m.cfg.LLM.Model != "" {
			env[EnvGooseModel] = m.cfg.LLM.Model
		}
		for k, v := range m.cfg.LLM.APIKeys {
			env[k] = v
		}
	} else if m.cfg.LLM.GenAIServiceName != "" {
		env[EnvGenAIServiceName] = m.cfg.LLM.GenAIServiceName
	}

	if names := m.mcpServerNames(agent); len(names) > 0 {
		env[EnvMCPServers] = strings.Join(names, ",")
		for _, srv := range m.cfg.MCP {
			if !mcpServerFor(srv, agent) {
				continue
			}
			key := mcpEnvName(srv.Name)
			env["MCP_SERVER_"+key+"_URL"] = srv.URL
			if srv.Token != "" {
				env["MCP_SERVER_"+key+"_TOKEN"] = srv.Token
			}
		}
	}

	if agent == core.AgentDeployer && m.cfg.CF.APIURL != "" {
		env[EnvCFAPIURL] = m.cfg.CF.APIURL
		env[EnvCFUsername] = m.cfg.CF.Username
		env[EnvCFPassword] = m.cfg.CF.Password
		env[EnvCFOrg] = m.cfg.CF.Org
		env[EnvCFSpace] = m.cfg.CF.Space
	}

	if m.cfg.Nexus.URL != "" {
		env[EnvNexusURL] = m.cfg.Nexus.URL
		if m.cfg.Nexus.Token != "" {
			env[EnvNexusToken] = m.cfg.Nexus.Token
		}
	}

	for k, v := range extra {
		env[k] = v
	}
	return env
}

func (m *Manager) mcpServerNames(agent core.Agent) []string {
	var names []string
	for _, srv := range m.cfg.MCP {
		if mcpServerFor(srv, agent) {
			names = append(names, srv.Name)
		}
	}
	return names
}

func mcpServerFor(srv MCPServerConfig, agent core.Agent) bool {
	if len(srv.Agents) == 0 {
		return true
	}
	for _, a := range srv.Agents {
		if a == agent {
			return true
		}
	}
	return false
}

func mcpEnvName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

// materializeInstruction writes the instruction file atomically so a
// provider can never read a half-written directive.
func (m *Manager) materializeInstruction(projectPath string, taskID core.TaskID, text string) (string, error) {
	var dir string
	if m.cfg.WorkspaceVolume != "" {
		dir = filepath.Join(m.cfg.WorkspaceVolume, "tasks")
	} else {
		dir = filepath.Join(projectPath, ".worldmind", "tasks")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	path := filepath.Join(dir, string(taskID)+".md")
	if err := renameio.WriteFile(path, []byte(text), 0o640); err != nil {
		return "", err
	}
	return path, nil
}

// beginChangeDetection starts the cheapest viable detection for this
// provider: nothing when the provider detects changes itself, a provider
// snapshot when it offers one, else a local fsnotify watch with a snapshot
// fallback.
func (m *Manager) beginChangeDetection(ctx context.Context, projectPath string) (map[string]time.Time, *ChangeWatcher) {
	if _, ok := m.provider.(ChangeDetector); ok {
		return nil, nil
	}
	if sp, ok := m.provider.(Snapshotter); ok {
		before, err := sp.SnapshotProjectFiles(ctx, projectPath)
		if err == nil && before != nil {
			return before, nil
		}
		m.log.Warn("provider snapshot failed, falling back to local", "error", err)
	}

	// Local path: snapshot first (it doubles as the fallback if the watch
	// overflows), then try to start a watch on top.
	before, snapErr := SnapshotProject(projectPath)
	if snapErr != nil {
		m.log.Warn("project snapshot failed", "error", snapErr)
		before = nil
	}
	watcher, err := WatchProject(projectPath)
	if err != nil {
		watcher = nil
	}
	return before, watcher
}

func (m *Manager) detectChanges(ctx context.Context, taskID core.TaskID, projectPath string, before map[string]time.Time, watcher *ChangeWatcher) ([]core.FileChange, error) {
	if cd, ok := m.provider.(ChangeDetector); ok {
		changes, handled, err := cd.DetectChanges(ctx, taskID, projectPath)
		if err != nil {
			return nil, err
		}
		if handled {
			return changes, nil
		}
	}

	if watcher != nil {
		if changes, ok := watcher.Stop(); ok {
			return changes, nil
		}
		// Watch overflowed; fall through to snapshot diff.
	}

	if sp, ok := m.provider.(Snapshotter); ok && before != nil {
		changes, err := sp.DetectChangesBySnapshot(ctx, before, projectPath)
		if err == nil && changes != nil {
			return changes, nil
		}
	}
	if before == nil {
		return nil, nil
	}
	return DiffSnapshot(before, projectPath)
}
