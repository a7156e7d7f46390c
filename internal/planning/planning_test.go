package planning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmind/worldmind/internal/core"
)

type fakeCaller struct {
	classification core.Classification
	questions      []string
	spec           core.ProductSpec
	plan           PlanResult
	classifyErr    error
	planErr        error
}

func (f *fakeCaller) Classify(context.Context, string) (core.Classification, error) {
	return f.classification, f.classifyErr
}

func (f *fakeCaller) Clarify(context.Context, ClarifyRequest) ([]string, error) {
	return f.questions, nil
}

func (f *fakeCaller) Specify(context.Context, SpecifyRequest) (core.ProductSpec, error) {
	return f.spec, nil
}

func (f *fakeCaller) Plan(context.Context, PlanRequest) (PlanResult, error) {
	return f.plan, f.planErr
}

type fakeScanner struct {
	ctx core.ProjectContext
	err error
}

func (f *fakeScanner) Scan(context.Context, string) (core.ProjectContext, error) {
	return f.ctx, f.err
}

func validClassification() core.Classification {
	return core.Classification{
		Category:         "feature",
		Complexity:       2,
		PlanningStrategy: "single_pass",
		RuntimeTag:       "python",
	}
}

func newState() *core.MissionState {
	return core.NewMissionState("m-1", "t-1", "add a hello endpoint", core.InteractionFullAuto, false)
}

func TestClassify(t *testing.T) {
	caller := &fakeCaller{classification: validClassification()}
	nodes := NewNodes(caller, &fakeScanner{}, nil, "/tmp/proj", nil, nil)

	patch, err := nodes.Classify(context.Background(), newState())
	require.NoError(t, err)
	require.NotNil(t, patch.Classification)
	assert.Equal(t, "feature", patch.Classification.Category)
	assert.Equal(t, core.MissionUploading, *patch.Status)
}

func TestClassify_EmptyRequest(t *testing.T) {
	nodes := NewNodes(&fakeCaller{}, &fakeScanner{}, nil, "", nil, nil)
	state := newState()
	state.Request = "   "
	_, err := nodes.Classify(context.Background(), state)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestClassify_IncompleteClassificationRejected(t *testing.T) {
	caller := &fakeCaller{classification: core.Classification{Category: "feature"}}
	nodes := NewNodes(caller, &fakeScanner{}, nil, "", nil, nil)
	_, err := nodes.Classify(context.Background(), newState())
	require.Error(t, err)
}

func TestUpload_FallbackNeverFails(t *testing.T) {
	nodes := NewNodes(&fakeCaller{}, &fakeScanner{err: errors.New("permission denied")}, nil, "/nope", nil, nil)

	patch, err := nodes.Upload(context.Background(), newState())
	require.NoError(t, err, "upload degrades instead of failing")
	require.NotNil(t, patch.ProjectContext)
	assert.Equal(t, "unknown", patch.ProjectContext.Language)
	require.Len(t, patch.Errors, 1)
	assert.Contains(t, patch.Errors[0], "project scan failed")
	assert.Equal(t, core.MissionClarifying, *patch.Status)
}

func TestClarify_InjectsCFServiceQuestion(t *testing.T) {
	caller := &fakeCaller{questions: []string{"Which database do you use?"}}
	nodes := NewNodes(caller, &fakeScanner{}, nil, "", nil, nil)
	state := newState()
	state.CreateCFDeployment = true

	patch, err := nodes.Clarify(context.Background(), state)
	require.NoError(t, err)
	require.NotNil(t, patch.ClarifyingQuestions)
	assert.True(t, patch.ClarifyingQuestions.CFServiceBindingInjected)
	assert.Contains(t, patch.ClarifyingQuestions.Questions, CFServiceBindingQuestion)
}

func TestClarify_SkipsWhenAnswered(t *testing.T) {
	nodes := NewNodes(&fakeCaller{questions: []string{"q?"}}, &fakeScanner{}, nil, "", nil, nil)
	state := newState()
	answers := "no preferences"
	state.ClarifyingAnswers = &answers

	patch, err := nodes.Clarify(context.Background(), state)
	require.NoError(t, err)
	assert.Nil(t, patch.ClarifyingQuestions)
	assert.Equal(t, core.MissionSpecifying, *patch.Status)
}

func TestPlan_RepairAndStatus(t *testing.T) {
	caller := &fakeCaller{plan: PlanResult{
		Tasks: []*core.Task{
			core.NewTask("TASK-010", core.AgentResearcher, "survey the code"),
			core.NewTask("TASK-020", core.AgentCoder, "implement endpoint"),
		},
		Strategy: core.StrategyParallel,
	}}
	nodes := NewNodes(caller, &fakeScanner{}, nil, "", nil, nil)

	patch, err := nodes.Plan(context.Background(), newState())
	require.NoError(t, err)
	require.NotNil(t, patch.Tasks)
	tasks := *patch.Tasks
	require.Len(t, tasks, 2)
	assert.Equal(t, core.TaskID("TASK-001"), tasks[0].ID)
	assert.Equal(t, core.TaskID("TASK-002"), tasks[1].ID)
	assert.Equal(t, []core.TaskID{"TASK-001"}, tasks[1].Dependencies)
	assert.Equal(t, core.StrategyParallel, *patch.ExecutionStrategy)
	assert.Equal(t, core.MissionAwaitingApproval, *patch.Status)
	assert.False(t, *patch.ManifestCreatedByTask)
}

func TestPlan_EmptyPlanRejected(t *testing.T) {
	nodes := NewNodes(&fakeCaller{plan: PlanResult{}}, &fakeScanner{}, nil, "", nil, nil)
	_, err := nodes.Plan(context.Background(), newState())
	require.Error(t, err)
}

func TestRepairPlan_DependencyRewriting(t *testing.T) {
	r1 := core.NewTask("TASK-001", core.AgentResearcher, "survey auth")
	r2 := core.NewTask("TASK-002", core.AgentResearcher, "survey storage")
	// Caller proposed a bogus edge; the rewrite discards it.
	c1 := core.NewTask("TASK-003", core.AgentCoder, "implement", "TASK-001")
	c2 := core.NewTask("TASK-004", core.AgentCoder, "wire up")
	tester := core.NewTask("TASK-005", core.AgentTester, "verify")
	reviewer := core.NewTask("TASK-006", core.AgentReviewer, "review")

	tasks, manifestByTask := RepairPlan([]*core.Task{r1, r2, c1, c2, tester, reviewer}, false)
	require.Len(t, tasks, 6)
	assert.False(t, manifestByTask)

	assert.Empty(t, tasks[0].Dependencies)
	assert.Empty(t, tasks[1].Dependencies)
	assert.Equal(t, []core.TaskID{"TASK-001", "TASK-002"}, tasks[2].Dependencies)
	assert.Equal(t, []core.TaskID{"TASK-001", "TASK-002"}, tasks[3].Dependencies)
	assert.Equal(t, []core.TaskID{"TASK-003", "TASK-004"}, tasks[4].Dependencies)
	assert.Equal(t, []core.TaskID{"TASK-003", "TASK-004"}, tasks[5].Dependencies)
}

func TestRepairPlan_InjectsCoder(t *testing.T) {
	researcher := core.NewTask("TASK-001", core.AgentResearcher, "survey")
	reviewer := core.NewTask("TASK-002", core.AgentReviewer, "review the changes")

	tasks, _ := RepairPlan([]*core.Task{researcher, reviewer}, false)
	require.Len(t, tasks, 3)
	assert.Equal(t, core.AgentResearcher, tasks[0].Agent)
	assert.Equal(t, core.AgentCoder, tasks[1].Agent, "coder injected after researchers")
	assert.Equal(t, core.AgentReviewer, tasks[2].Agent)
	assert.Equal(t, []core.TaskID{"TASK-001"}, tasks[1].Dependencies)
	assert.Equal(t, []core.TaskID{"TASK-002"}, tasks[2].Dependencies)
}

func TestRepairPlan_AppendsDeployer(t *testing.T) {
	coder := core.NewTask("TASK-001", core.AgentCoder, "implement")
	refactorer := core.NewTask("TASK-002", core.AgentRefactorer, "clean up")

	tasks, _ := RepairPlan([]*core.Task{coder, refactorer}, true)
	require.Len(t, tasks, 3)
	deployer := tasks[2]
	assert.Equal(t, core.AgentDeployer, deployer.Agent)
	assert.Equal(t, []string{"manifest.yml"}, deployer.TargetFiles)
	assert.Equal(t, []core.TaskID{"TASK-001", "TASK-002"}, deployer.Dependencies)
}

func TestRepairPlan_ManifestOwnedByTask(t *testing.T) {
	coder := core.NewTask("TASK-001", core.AgentCoder, "implement")
	coder.TargetFiles = []string{"src/app.py", "manifest.yml"}

	_, manifestByTask := RepairPlan([]*core.Task{coder}, true)
	assert.True(t, manifestByTask)
}

func TestConverge(t *testing.T) {
	nodes := NewNodes(&fakeCaller{}, &fakeScanner{}, nil, "", nil, nil)

	t.Run("completed", func(t *testing.T) {
		state := newState()
		task := core.NewTask("TASK-001", core.AgentCoder, "x")
		task.Status = core.TaskPassed
		task.Iteration = 1
		task.FileChanges = []core.FileChange{{Path: "a.go", ChangeOp: core.FileChangeCreated}}
		state.Tasks = []*core.Task{task}
		state.CompletedTaskIDs = []core.TaskID{"TASK-001"}
		state.WaveCount = 2
		state.TestResults = []core.TestResult{{Passed: true, Total: 5, Failed: 1}}

		start := time.Now()
		end := start.Add(90 * time.Second)
		state.Sandboxes = []core.SandboxInfo{
			{SandboxID: "s1", StartedAt: start, CompletedAt: &end},
			{SandboxID: "s2", StartedAt: start}, // still open; excluded
		}

		patch, err := nodes.Converge(context.Background(), state)
		require.NoError(t, err)
		assert.Equal(t, core.MissionCompleted, *patch.Status)
		m := patch.Metrics
		require.NotNil(t, m)
		assert.Equal(t, 1, m.TasksCompleted)
		assert.Equal(t, 0, m.TasksFailed)
		assert.Equal(t, 1, m.TotalIterations)
		assert.Equal(t, 1, m.FilesCreated)
		assert.Equal(t, 5, m.TestsRun)
		assert.Equal(t, 4, m.TestsPassed)
		assert.Equal(t, 2, m.WavesExecuted)
		assert.Equal(t, int64(90000), m.AggregateDurationMS)
	})

	t.Run("failed when nothing completed", func(t *testing.T) {
		state := newState()
		patch, err := nodes.Converge(context.Background(), state)
		require.NoError(t, err)
		assert.Equal(t, core.MissionFailed, *patch.Status)
	})

	t.Run("failed on terminal task failure", func(t *testing.T) {
		state := newState()
		ok := core.NewTask("TASK-001", core.AgentCoder, "x")
		ok.Status = core.TaskPassed
		bad := core.NewTask("TASK-002", core.AgentCoder, "y")
		bad.Status = core.TaskFailed
		state.Tasks = []*core.Task{ok, bad}
		state.CompletedTaskIDs = []core.TaskID{"TASK-001"}

		patch, err := nodes.Converge(context.Background(), state)
		require.NoError(t, err)
		assert.Equal(t, core.MissionFailed, *patch.Status)
	})
}

type fakeApprover struct {
	approved bool
	called   bool
}

func (f *fakeApprover) AwaitApproval(context.Context, *core.MissionState) (bool, error) {
	f.called = true
	return f.approved, nil
}

func TestAwaitApproval(t *testing.T) {
	t.Run("full auto passes through", func(t *testing.T) {
		approver := &fakeApprover{}
		nodes := NewNodes(&fakeCaller{}, &fakeScanner{}, approver, "", nil, nil)
		patch, err := nodes.AwaitApproval(context.Background(), newState())
		require.NoError(t, err)
		assert.Nil(t, patch.Status)
		assert.False(t, approver.called)
	})

	t.Run("rejection fails the mission", func(t *testing.T) {
		approver := &fakeApprover{approved: false}
		nodes := NewNodes(&fakeCaller{}, &fakeScanner{}, approver, "", nil, nil)
		state := newState()
		state.InteractionMode = core.InteractionApprovePlan

		patch, err := nodes.AwaitApproval(context.Background(), state)
		require.NoError(t, err)
		require.NotNil(t, patch.Status)
		assert.Equal(t, core.MissionFailed, *patch.Status)
		assert.True(t, approver.called)
	})

	t.Run("approval continues silently", func(t *testing.T) {
		approver := &fakeApprover{approved: true}
		nodes := NewNodes(&fakeCaller{}, &fakeScanner{}, approver, "", nil, nil)
		state := newState()
		state.InteractionMode = core.InteractionApprovePlan

		patch, err := nodes.AwaitApproval(context.Background(), state)
		require.NoError(t, err)
		assert.Nil(t, patch.Status)
	})
}
