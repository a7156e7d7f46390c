package qualitygate

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmind/worldmind/internal/core"
)

// scriptedRunner returns canned outputs per agent and counts invocations.
type scriptedRunner struct {
	testerOutput   string
	reviewerOutput string
	testerErr      error
	reviewerErr    error
	testerCalls    int
	reviewerCalls  int
}

func (r *scriptedRunner) RunAgent(_ context.Context, agent core.Agent, taskID core.TaskID, _, _ string, _ int) (string, core.SandboxInfo, error) {
	info := core.SandboxInfo{SandboxID: fmt.Sprintf("sbx-%s-%s", agent, taskID), Agent: agent, TaskID: taskID}
	switch agent {
	case core.AgentTester:
		r.testerCalls++
		if r.testerErr != nil {
			return "", core.SandboxInfo{}, r.testerErr
		}
		return r.testerOutput, info, nil
	case core.AgentReviewer:
		r.reviewerCalls++
		if r.reviewerErr != nil {
			return "", core.SandboxInfo{}, r.reviewerErr
		}
		return r.reviewerOutput, info, nil
	}
	return "", core.SandboxInfo{}, fmt.Errorf("unexpected agent %s", agent)
}

func gatedState(agent core.Agent, status core.TaskStatus, changes []core.FileChange) *core.MissionState {
	state := core.NewMissionState("m-1", "t-1", "build it", core.InteractionFullAuto, false)
	state.Classification = &core.Classification{Category: "feature", Complexity: 2, PlanningStrategy: "single", RuntimeTag: "python"}
	task := core.NewTask("TASK-001", agent, "create hello.py")
	task.Status = status
	task.FileChanges = changes
	state.Tasks = []*core.Task{task}
	state.WaveDispatchResults = []core.WaveDispatchResult{{
		TaskID:      "TASK-001",
		Status:      status,
		FileChanges: changes,
		Output:      "done",
	}}
	return state
}

func TestEvaluateWave_GateGranted(t *testing.T) {
	runner := &scriptedRunner{
		testerOutput:   "Tests run: 4, Failures: 0, Duration: 120ms",
		reviewerOutput: "Score: 9/10\nApproved: yes\nClean, focused change.",
	}
	e := NewEvaluator(runner, nil, nil, nil, nil)
	state := gatedState(core.AgentCoder, core.TaskVerifying, []core.FileChange{{Path: "hello.py", ChangeOp: core.FileChangeCreated}})

	out := e.EvaluateWave(context.Background(), state)
	assert.Equal(t, []core.TaskID{"TASK-001"}, out.CompletedTaskIDs)
	assert.False(t, out.MissionFailed)
	assert.Empty(t, out.RetryContext)
	assert.Equal(t, 1, runner.testerCalls)
	assert.Equal(t, 1, runner.reviewerCalls)
	require.Len(t, out.TestResults, 1)
	assert.True(t, out.TestResults[0].Passed)
	require.Len(t, out.UpdatedTasks, 1)
	assert.Equal(t, core.TaskPassed, out.UpdatedTasks[0].Status)
	assert.Len(t, out.Sandboxes, 2)
}

func TestEvaluateWave_GateDeniedRetries(t *testing.T) {
	runner := &scriptedRunner{
		testerOutput:   "Tests run: 4, Failures: 2, Duration: 120ms\nFAIL: TestHello",
		reviewerOutput: "Score: 6/10\nApproved: no\nIncomplete handling of empty input.",
	}
	e := NewEvaluator(runner, nil, nil, nil, nil)
	state := gatedState(core.AgentCoder, core.TaskVerifying, []core.FileChange{{Path: "hello.py", ChangeOp: core.FileChangeCreated}})

	out := e.EvaluateWave(context.Background(), state)
	assert.Empty(t, out.CompletedTaskIDs)
	assert.False(t, out.MissionFailed)
	assert.Contains(t, out.RetryContext, "TASK-001")
	assert.Contains(t, out.RetryContext, "tests failed")
	require.Len(t, out.UpdatedTasks, 1)
	assert.Equal(t, 1, out.UpdatedTasks[0].Iteration, "evaluator is the sole writer of iteration")
	assert.Equal(t, core.TaskFailed, out.UpdatedTasks[0].Status)
}

func TestEvaluateWave_LazyModelGuardSkipsSubDispatch(t *testing.T) {
	runner := &scriptedRunner{}
	e := NewEvaluator(runner, nil, nil, nil, nil)
	state := gatedState(core.AgentCoder, core.TaskVerifying, nil)

	out := e.EvaluateWave(context.Background(), state)
	assert.Zero(t, runner.testerCalls, "no tester run for a zero-change result")
	assert.Zero(t, runner.reviewerCalls)
	assert.Empty(t, out.CompletedTaskIDs)
	assert.Contains(t, out.RetryContext, "without producing any file changes")
	require.Len(t, out.UpdatedTasks, 1)
	assert.Equal(t, 1, out.UpdatedTasks[0].Iteration)
}

func TestEvaluateWave_DispatchFailureSkipsGate(t *testing.T) {
	runner := &scriptedRunner{}
	e := NewEvaluator(runner, nil, nil, nil, nil)
	state := gatedState(core.AgentCoder, core.TaskFailed, nil)
	state.WaveDispatchResults[0].Output = "provider unavailable: no capacity\nmore detail"

	out := e.EvaluateWave(context.Background(), state)
	assert.Zero(t, runner.testerCalls)
	assert.Contains(t, out.RetryContext, "provider unavailable: no capacity")
	assert.NotContains(t, out.RetryContext, "more detail", "diagnosis carries the first line only")
}

func TestEvaluateWave_InfraErrorSynthesizesFailedResults(t *testing.T) {
	runner := &scriptedRunner{
		testerErr:      errors.New("sandbox pool exhausted"),
		reviewerOutput: "Score: 8/10\nApproved: yes\nFine.",
	}
	e := NewEvaluator(runner, nil, nil, nil, nil)
	state := gatedState(core.AgentCoder, core.TaskVerifying, []core.FileChange{{Path: "a.go", ChangeOp: core.FileChangeModified}})

	out := e.EvaluateWave(context.Background(), state)
	require.Len(t, out.TestResults, 1)
	assert.False(t, out.TestResults[0].Passed)
	assert.Contains(t, out.TestResults[0].Output, "TESTER infrastructure error")
	// The decision rule still ran and denied on the failed tests.
	assert.Empty(t, out.CompletedTaskIDs)
	assert.NotEmpty(t, out.RetryContext)
}

func TestEvaluateWave_EscalatesWhenExhausted(t *testing.T) {
	runner := &scriptedRunner{
		testerOutput:   "Tests run: 1, Failures: 1, Duration: 10ms",
		reviewerOutput: "Score: 4/10\nApproved: no\nStill wrong.",
	}
	e := NewEvaluator(runner, nil, nil, nil, nil)
	state := gatedState(core.AgentCoder, core.TaskVerifying, []core.FileChange{{Path: "a.go", ChangeOp: core.FileChangeModified}})
	state.Tasks[0].Iteration = 3

	out := e.EvaluateWave(context.Background(), state)
	assert.True(t, out.MissionFailed)
	require.NotEmpty(t, out.Errors)
	assert.Contains(t, out.Errors[0], "TASK-001 escalated")
}

func TestEvaluateWave_CriticalReviewOverridesStrategy(t *testing.T) {
	runner := &scriptedRunner{
		testerOutput:   "Tests run: 1, Failures: 0, Duration: 10ms",
		reviewerOutput: "Score: 1/10\nApproved: no\nThe generated file is truncated and broken.",
	}
	e := NewEvaluator(runner, nil, nil, nil, nil)
	state := gatedState(core.AgentCoder, core.TaskVerifying, []core.FileChange{{Path: "a.go", ChangeOp: core.FileChangeModified}})

	out := e.EvaluateWave(context.Background(), state)
	assert.True(t, out.MissionFailed, "critical low-score review escalates even with retries left")
}

func TestEvaluateWave_TrustedAgentPasses(t *testing.T) {
	runner := &scriptedRunner{}
	e := NewEvaluator(runner, nil, nil, nil, nil)
	state := gatedState(core.AgentResearcher, core.TaskPassed, nil)

	out := e.EvaluateWave(context.Background(), state)
	assert.Equal(t, []core.TaskID{"TASK-001"}, out.CompletedTaskIDs)
	assert.Zero(t, runner.testerCalls, "trusted agents never trigger the gate")
}

func TestEvaluateWave_SkipStrategy(t *testing.T) {
	runner := &scriptedRunner{}
	e := NewEvaluator(runner, nil, nil, nil, nil)
	state := gatedState(core.AgentResearcher, core.TaskFailed, nil)
	state.Tasks[0].OnFailure = core.FailureSkip

	out := e.EvaluateWave(context.Background(), state)
	assert.Equal(t, []core.TaskID{"TASK-001"}, out.CompletedTaskIDs, "skip counts the task as completed")
	require.NotEmpty(t, out.Errors)
	assert.Contains(t, out.Errors[0], "warning")
}

func TestEvaluateWave_DeployerSuccessCapturesURL(t *testing.T) {
	runner := &scriptedRunner{}
	e := NewEvaluator(runner, nil, nil, nil, nil)
	state := gatedState(core.AgentDeployer, core.TaskPassed, nil)
	state.WaveDispatchResults[0].Output = "routes: wmnd-2026-0001.apps.example.com\nstatus: running\n"

	out := e.EvaluateWave(context.Background(), state)
	assert.Equal(t, []core.TaskID{"TASK-001"}, out.CompletedTaskIDs)
	assert.Equal(t, "wmnd-2026-0001.apps.example.com", out.DeploymentURL)
	assert.Zero(t, runner.testerCalls, "deployer never runs the quality gate")
}

func TestEvaluateWave_DeployerRetryWithDiagnosis(t *testing.T) {
	runner := &scriptedRunner{}
	e := NewEvaluator(runner, nil, nil, nil, nil)
	state := gatedState(core.AgentDeployer, core.TaskFailed, nil)
	state.WaveDispatchResults[0].Output = "Timed out waiting for health check"

	out := e.EvaluateWave(context.Background(), state)
	assert.False(t, out.MissionFailed)
	assert.Contains(t, out.RetryContext, "HEALTH_CHECK_TIMEOUT")
	require.Len(t, out.UpdatedTasks, 1)
	assert.Equal(t, 1, out.UpdatedTasks[0].Iteration)
	assert.Contains(t, out.UpdatedTasks[0].InputContext, "HEALTH_CHECK_TIMEOUT")
}

func TestEvaluateWave_DeployerExhaustedFailsMission(t *testing.T) {
	runner := &scriptedRunner{}
	e := NewEvaluator(runner, nil, nil, nil, nil)
	state := gatedState(core.AgentDeployer, core.TaskFailed, nil)
	state.Tasks[0].Iteration = 3
	state.WaveDispatchResults[0].Output = "[ERROR] BUILD FAILURE"

	out := e.EvaluateWave(context.Background(), state)
	assert.True(t, out.MissionFailed)
	require.NotEmpty(t, out.Errors)
	assert.Contains(t, out.Errors[0], "Deployment failed")
	assert.Contains(t, out.Errors[0], "pom.xml")
	assert.Empty(t, out.DeploymentURL)
}

func TestDecide_Table(t *testing.T) {
	baseTask := func() *core.Task {
		task := core.NewTask("TASK-001", core.AgentCoder, "x")
		task.OnFailure = core.FailureRetry
		return task
	}

	tests := []struct {
		name         string
		task         *core.Task
		test         core.TestResult
		review       core.ReviewFeedback
		wantGranted  bool
		wantStrategy core.FailureStrategy
	}{
		{
			name:        "all green",
			task:        baseTask(),
			test:        core.TestResult{Passed: true, Total: 3},
			review:      core.ReviewFeedback{Approved: true, Score: 7},
			wantGranted: true,
		},
		{
			name:         "score at threshold grants",
			task:         baseTask(),
			test:         core.TestResult{Passed: true},
			review:       core.ReviewFeedback{Approved: true, Score: 5},
			wantGranted:  true,
		},
		{
			name:         "failing tests deny with task strategy",
			task:         baseTask(),
			test:         core.TestResult{Passed: false, Total: 3, Failed: 1},
			review:       core.ReviewFeedback{Approved: true, Score: 8},
			wantGranted:  false,
			wantStrategy: core.FailureRetry,
		},
		{
			name:         "low score denies",
			task:         baseTask(),
			test:         core.TestResult{Passed: true},
			review:       core.ReviewFeedback{Approved: true, Score: 4},
			wantGranted:  false,
			wantStrategy: core.FailureRetry,
		},
		{
			name: "exhausted budget escalates",
			task: func() *core.Task {
				task := baseTask()
				task.Iteration = 3
				return task
			}(),
			test:         core.TestResult{Passed: false, Failed: 1, Total: 1},
			review:       core.ReviewFeedback{Approved: false, Score: 3},
			wantGranted:  false,
			wantStrategy: core.FailureEscalate,
		},
		{
			name:         "critical low score escalates despite retries left",
			task:         baseTask(),
			test:         core.TestResult{Passed: true},
			review:       core.ReviewFeedback{Approved: false, Score: 2, Summary: "output file is broken"},
			wantGranted:  false,
			wantStrategy: core.FailureEscalate,
		},
		{
			name:         "low score without critical text keeps task strategy",
			task:         baseTask(),
			test:         core.TestResult{Passed: true},
			review:       core.ReviewFeedback{Approved: false, Score: 2, Summary: "needs more tests"},
			wantGranted:  false,
			wantStrategy: core.FailureRetry,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := Decide(tt.task, tt.test, tt.review)
			assert.Equal(t, tt.wantGranted, decision.Granted)
			if !tt.wantGranted {
				assert.Equal(t, tt.wantStrategy, decision.Strategy)
				assert.NotEmpty(t, decision.Reason)
			}
		})
	}
}

func TestRegexParser_TestOutput(t *testing.T) {
	p := RegexParser{}

	res, err := p.ParseTestOutput(context.Background(), "Tests run: 12, Failures: 0, Duration: 340ms")
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 12, res.Total)
	assert.Equal(t, int64(340), res.DurationMS)

	res, err = p.ParseTestOutput(context.Background(), "Tests run: 0")
	require.NoError(t, err)
	assert.True(t, res.Passed, "an empty suite counts as passing")

	res, err = p.ParseTestOutput(context.Background(), "Tests run: 5, Failures: 2, Duration: 90ms")
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, 2, res.Failed)

	res, err = p.ParseTestOutput(context.Background(), "garbage with no report line")
	require.NoError(t, err)
	assert.False(t, res.Passed, "unrecognizable output never passes")
}

func TestRegexParser_ReviewOutput(t *testing.T) {
	p := RegexParser{}
	output := "Score: 9/10\nApproved: yes\nSolid, idiomatic change.\nIssues:\n- missing doc comment\nSuggestions:\n- add a benchmark"

	res, err := p.ParseReviewOutput(context.Background(), output)
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, 9, res.Score)
	assert.Equal(t, "Solid, idiomatic change.", res.Summary)
	assert.Equal(t, []string{"missing doc comment"}, res.Issues)
	assert.Equal(t, []string{"add a benchmark"}, res.Suggestions)

	res, err = p.ParseReviewOutput(context.Background(), "no verdict at all")
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Zero(t, res.Score)
}
