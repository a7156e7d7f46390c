// Package mission wires the execution core together: the task executor
// bridge over the sandbox manager, the mission graph with its wave loop, and
// the runner that drives a mission from request to terminal state.
package mission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/worldmind/worldmind/internal/core"
	"github.com/worldmind/worldmind/internal/events"
	"github.com/worldmind/worldmind/internal/instructions"
	"github.com/worldmind/worldmind/internal/sandbox"
)

// WorktreeProvider is the optional per-task isolation layer. Implemented by
// the git adapter; nil when the mission runs directly in a local project
// directory.
type WorktreeProvider interface {
	AcquireWorktree(ctx context.Context, missionID string, taskID core.TaskID, baseBranch string) (string, error)
	CommitAndPush(ctx context.Context, missionID string, taskID core.TaskID) (bool, error)
	ReleaseWorktree(ctx context.Context, missionID string, taskID core.TaskID)
}

// ExecutorConfig carries the executor's static wiring.
type ExecutorConfig struct {
	ProjectPath    string
	GitRemote      string
	ReasoningLevel instructions.ReasoningLevel
	AppsDomain     string
	DeployerCfg    instructions.DeployerConfig
}

// Executor runs one task attempt end to end: instruction build, optional
// worktree acquisition, sandbox execution, success interpretation. It
// implements dispatch.Executor and qualitygate.AgentRunner.
type Executor struct {
	manager   *sandbox.Manager
	worktrees WorktreeProvider
	cfg       ExecutorConfig
	bus       *events.EventBus
	log       *slog.Logger
}

// NewExecutor creates an Executor. worktrees and bus may be nil.
func NewExecutor(manager *sandbox.Manager, worktrees WorktreeProvider, cfg ExecutorConfig, bus *events.EventBus, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{manager: manager, worktrees: worktrees, cfg: cfg, bus: bus, log: log}
}

// Execute implements dispatch.Executor.
func (x *Executor) Execute(ctx context.Context, state *core.MissionState, task *core.Task) (core.WaveDispatchResult, core.SandboxInfo, error) {
	instruction, err := x.buildInstruction(state, task)
	if err != nil {
		return core.WaveDispatchResult{}, core.SandboxInfo{}, err
	}

	projectPath := x.cfg.ProjectPath
	if x.worktrees != nil {
		wtPath, err := x.worktrees.AcquireWorktree(ctx, state.MissionID, task.ID, "")
		if err != nil {
			return core.WaveDispatchResult{}, core.SandboxInfo{}, fmt.Errorf("acquiring worktree for %s: %w", task.ID, err)
		}
		projectPath = wtPath
		defer x.worktrees.ReleaseWorktree(ctx, state.MissionID, task.ID)
	}

	started := time.Now()
	res, err := x.manager.ExecuteTask(ctx, sandbox.ExecuteRequest{
		Agent:           task.Agent,
		TaskID:          task.ID,
		ProjectPath:     projectPath,
		InstructionText: instruction,
		GitRemote:       x.cfg.GitRemote,
		RuntimeTag:      runtimeTag(state),
		Iteration:       task.Iteration,
	})
	if err != nil {
		return core.WaveDispatchResult{}, core.SandboxInfo{}, err
	}
	completed := time.Now()

	info := core.SandboxInfo{
		SandboxID:       res.SandboxID,
		Agent:           task.Agent,
		TaskID:          task.ID,
		LifecycleStatus: core.SandboxTornDown,
		StartedAt:       started,
		CompletedAt:     &completed,
	}
	x.publishSandbox(state.MissionID, info)

	status := interpretSuccess(task.Agent, res.ExitCode, res.FileChanges)

	if x.worktrees != nil && status != core.TaskFailed {
		if _, err := x.worktrees.CommitAndPush(ctx, state.MissionID, task.ID); err != nil {
			x.log.Warn("commit and push failed", "task_id", task.ID, "error", err)
		}
	}

	return core.WaveDispatchResult{
		TaskID:      task.ID,
		Status:      status,
		FileChanges: res.FileChanges,
		Output:      res.Output,
		ElapsedMS:   res.ElapsedMS,
	}, info, nil
}

// interpretSuccess maps a sandbox outcome to a task status: exit 0 or
// non-empty file changes counts as executed, but a CODER/REFACTORER attempt
// with no file changes failed regardless of exit code, and an executed
// CODER/REFACTORER still owes the quality gate.
func interpretSuccess(agent core.Agent, exitCode int, changes []core.FileChange) core.TaskStatus {
	executed := exitCode == 0 || len(changes) > 0
	if agent.IsLazyModelGuarded() && len(changes) == 0 {
		return core.TaskFailed
	}
	if !executed {
		return core.TaskFailed
	}
	if agent.RunsQualityGate() {
		return core.TaskVerifying
	}
	return core.TaskPassed
}

// RunAgent implements qualitygate.AgentRunner: TESTER/REVIEWER sub-dispatch
// against the mission workspace.
func (x *Executor) RunAgent(ctx context.Context, agent core.Agent, taskID core.TaskID, instructionText, tag string, iteration int) (string, core.SandboxInfo, error) {
	subID := core.TaskID(fmt.Sprintf("%s-%s", taskID, strings.ToLower(string(agent))))
	started := time.Now()
	res, err := x.manager.ExecuteTask(ctx, sandbox.ExecuteRequest{
		Agent:           agent,
		TaskID:          subID,
		ProjectPath:     x.cfg.ProjectPath,
		InstructionText: instructionText,
		GitRemote:       x.cfg.GitRemote,
		RuntimeTag:      tag,
		Iteration:       iteration,
	})
	if err != nil {
		return "", core.SandboxInfo{}, err
	}
	completed := time.Now()
	info := core.SandboxInfo{
		SandboxID:       res.SandboxID,
		Agent:           agent,
		TaskID:          taskID,
		LifecycleStatus: core.SandboxTornDown,
		StartedAt:       started,
		CompletedAt:     &completed,
	}
	x.publishSandbox("", info)
	return res.Output, info, nil
}

func (x *Executor) buildInstruction(state *core.MissionState, task *core.Task) (string, error) {
	switch task.Agent {
	case core.AgentResearcher:
		return instructions.BuildResearcher(task, state.ProjectContext), nil
	case core.AgentRefactorer:
		return instructions.BuildRefactorer(task, state.ProjectContext, baselineTests(state)), nil
	case core.AgentTester:
		return instructions.BuildTester(task, state.ProjectContext, task.FileChanges), nil
	case core.AgentReviewer:
		return instructions.BuildReviewer(task, state.ProjectContext, task.FileChanges, latestTestResult(state)), nil
	case core.AgentDeployer:
		return instructions.BuildDeployer(task, state.MissionID, x.cfg.AppsDomain,
			state.ManifestCreatedByTask, serviceBindings(state), appType(state), x.cfg.DeployerCfg)
	default:
		return instructions.Build(task, state.ProjectContext, x.cfg.ReasoningLevel), nil
	}
}

func (x *Executor) publishSandbox(missionID string, info core.SandboxInfo) {
	if x.bus == nil {
		return
	}
	x.bus.Publish(events.NewSandboxOpenedEvent(missionID, info.SandboxID, string(info.TaskID), string(info.Agent)))
	x.bus.Publish(events.NewSandboxTornDownEvent(missionID, info.SandboxID, string(info.TaskID)))
}

func runtimeTag(state *core.MissionState) string {
	if state.Classification != nil && state.Classification.RuntimeTag != "" {
		return state.Classification.RuntimeTag
	}
	return "base"
}

func baselineTests(state *core.MissionState) string {
	if len(state.TestResults) == 0 {
		return ""
	}
	latest := state.TestResults[len(state.TestResults)-1]
	return fmt.Sprintf("Tests run: %d, Failures: %d, Duration: %dms", latest.Total, latest.Failed, latest.DurationMS)
}

func latestTestResult(state *core.MissionState) *core.TestResult {
	if len(state.TestResults) == 0 {
		return nil
	}
	latest := state.TestResults[len(state.TestResults)-1]
	return &latest
}

// serviceBindings derives the manifest services from the clarifying answer,
// splitting on commas and newlines. The "No services needed" sentinel is
// passed through so the manifest renderer can omit the block.
func serviceBindings(state *core.MissionState) []string {
	if state.ClarifyingAnswers == nil {
		return nil
	}
	answer := strings.TrimSpace(*state.ClarifyingAnswers)
	if answer == "" {
		return nil
	}
	if strings.Contains(strings.ToLower(answer), strings.ToLower(instructions.NoServicesAnswer)) {
		return []string{instructions.NoServicesAnswer}
	}
	var bindings []string
	for _, part := range strings.FieldsFunc(answer, func(r rune) bool { return r == ',' || r == '\n' }) {
		part = strings.TrimSpace(part)
		if part != "" && looksLikeServiceName(part) {
			bindings = append(bindings, part)
		}
	}
	return bindings
}

// looksLikeServiceName filters free-text answer fragments down to plausible
// CF service instance names.
func looksLikeServiceName(s string) bool {
	if len(s) > 64 || strings.ContainsAny(s, " \t") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return false
	}
	return true
}

func appType(state *core.MissionState) string {
	if state.ProjectContext != nil {
		return state.ProjectContext.Language
	}
	return ""
}
