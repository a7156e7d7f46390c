package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/worldmind/worldmind/internal/adapters/git"
	"github.com/worldmind/worldmind/internal/checkpoint"
	"github.com/worldmind/worldmind/internal/config"
	"github.com/worldmind/worldmind/internal/control"
	"github.com/worldmind/worldmind/internal/core"
	"github.com/worldmind/worldmind/internal/dispatch"
	"github.com/worldmind/worldmind/internal/events"
	"github.com/worldmind/worldmind/internal/instructions"
	"github.com/worldmind/worldmind/internal/mission"
	"github.com/worldmind/worldmind/internal/planning"
	"github.com/worldmind/worldmind/internal/qualitygate"
	"github.com/worldmind/worldmind/internal/sandbox"
)

// stack is the assembled mission machinery for one CLI invocation.
type stack struct {
	runner  *mission.Runner
	store   checkpoint.Store
	bus     *events.EventBus
	metrics *events.InMemoryMetrics
	plane   *control.Plane
	close   func()
}

// effectiveMaxParallel derives the wave cap from the host when unset: half
// the logical CPUs, at least 1.
func effectiveMaxParallel(cfg *config.Config) int {
	if cfg.Mission.MaxParallel > 0 {
		return cfg.Mission.MaxParallel
	}
	count, err := cpu.Counts(true)
	if err != nil || count < 2 {
		return 1
	}
	return count / 2
}

func buildStore(cfg *config.Config) (checkpoint.Store, func(), error) {
	switch cfg.Checkpoint.Backend {
	case "memory":
		return checkpoint.NewMemoryStore(), func() {}, nil
	case "file":
		store, err := checkpoint.NewFileStore(cfg.Checkpoint.Path)
		return store, func() {}, err
	default:
		store, err := checkpoint.NewSQLiteStore(cfg.Checkpoint.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}

func buildProvider(cfg *config.Config) (sandbox.Provider, error) {
	switch cfg.Provider.Kind {
	case "container":
		return sandbox.NewContainerProvider(cfg.Provider.Binary, cfg.Provider.ImageRepo, logger.Logger), nil
	case "local":
		return sandbox.NewLocalProcessProvider(cfg.Provider.Binary, logger.Logger), nil
	default:
		return nil, fmt.Errorf("provider kind %q needs an externally wired platform runner", cfg.Provider.Kind)
	}
}

// lazyWorktrees defers mission workspace creation (a clone of gitURL) to the
// first worktree acquisition, since the mission id is only known once the
// runner mints it.
type lazyWorktrees struct {
	ctx    *git.WorktreeContext
	gitURL string
}

func (l *lazyWorktrees) AcquireWorktree(ctx context.Context, missionID string, taskID core.TaskID, baseBranch string) (string, error) {
	if _, err := l.ctx.CreateMissionWorkspace(ctx, missionID, l.gitURL); err != nil {
		return "", err
	}
	return l.ctx.AcquireWorktree(ctx, missionID, taskID, baseBranch)
}

func (l *lazyWorktrees) CommitAndPush(ctx context.Context, missionID string, taskID core.TaskID) (bool, error) {
	return l.ctx.CommitAndPush(ctx, missionID, taskID)
}

func (l *lazyWorktrees) ReleaseWorktree(ctx context.Context, missionID string, taskID core.TaskID) {
	l.ctx.ReleaseWorktree(ctx, missionID, taskID)
}

// buildStack assembles the runner over a caller and a project path. gitURL,
// when non-empty, switches execution into per-task worktrees over a mission
// clone instead of the shared project directory.
func buildStack(caller planning.StructuredCaller, projectPath, gitURL string) (*stack, error) {
	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}

	bus := events.New(256)
	metrics := events.NewInMemoryMetrics()
	plane := control.New()

	var worktrees mission.WorktreeProvider
	if gitURL != "" {
		worktrees = &lazyWorktrees{
			ctx:    git.NewWorktreeContext(cfg.Git.WorkspaceDir, logger.Logger),
			gitURL: gitURL,
		}
	}

	manager := sandbox.NewManager(cfg.Sandbox, provider, sandbox.NewInstructionStore(0), logger.Logger)
	executor := mission.NewExecutor(manager, worktrees, mission.ExecutorConfig{
		ProjectPath:    projectPath,
		GitRemote:      cfg.Git.Remote,
		ReasoningLevel: instructions.ReasoningLevel(cfg.Mission.ReasoningLevel),
		AppsDomain:     cfg.Deployer.AppsDomain,
		DeployerCfg:    cfg.Deployer.Defaults,
	}, bus, logger.Logger)

	maxParallel := effectiveMaxParallel(cfg)
	dispatcher := dispatch.New(executor, maxParallel, bus, metrics, logger.Logger)
	evaluator := qualitygate.NewEvaluator(executor, nil, bus, metrics, logger.Logger)
	nodes := planning.NewNodes(caller, planning.FSScanner{}, planApprover{plane: plane}, projectPath, bus, logger.Logger)

	runner := mission.NewRunner(store, nodes, dispatcher, evaluator, mission.RunnerOptions{
		MaxParallel:  maxParallel,
		WaveCooldown: time.Duration(cfg.Mission.WaveCooldownSeconds) * time.Second,
		Gate:         plane,
	}, bus, metrics, logger.Logger, plane)

	return &stack{
		runner:  runner,
		store:   store,
		bus:     bus,
		metrics: metrics,
		plane:   plane,
		close: func() {
			bus.Close()
			closeStore()
		},
	}, nil
}

// planApprover routes APPROVE_PLAN decisions through the control plane's
// operator input channel.
type planApprover struct {
	plane *control.Plane
}

// AwaitApproval implements planning.Approver.
func (a planApprover) AwaitApproval(ctx context.Context, state *core.MissionState) (bool, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan for mission %s (%d tasks):\n", state.MissionID, len(state.Tasks))
	for _, t := range state.Tasks {
		fmt.Fprintf(&b, "  %s  %-10s %s\n", t.ID, t.Agent, t.Description)
	}

	resp, err := a.plane.AwaitInput(ctx, control.InputRequest{
		ID:      "plan-approval-" + state.MissionID,
		Prompt:  "Approve this plan? [y/N]",
		Context: b.String(),
	})
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(resp.Input))
	return answer == "y" || answer == "yes", nil
}
