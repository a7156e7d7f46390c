package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmind/worldmind/internal/core"
	"github.com/worldmind/worldmind/internal/events"
)

type scriptedExecutor struct {
	mu          sync.Mutex
	inFlight    int32
	peakInFlight int32
	failTasks   map[core.TaskID]error
	seenInputs  map[core.TaskID]string
	delay       time.Duration
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		failTasks:  make(map[core.TaskID]error),
		seenInputs: make(map[core.TaskID]string),
	}
}

func (e *scriptedExecutor) Execute(_ context.Context, _ *core.MissionState, task *core.Task) (core.WaveDispatchResult, core.SandboxInfo, error) {
	cur := atomic.AddInt32(&e.inFlight, 1)
	defer atomic.AddInt32(&e.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&e.peakInFlight)
		if cur <= peak || atomic.CompareAndSwapInt32(&e.peakInFlight, peak, cur) {
			break
		}
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	e.mu.Lock()
	e.seenInputs[task.ID] = task.InputContext
	err := e.failTasks[task.ID]
	e.mu.Unlock()

	if err != nil {
		return core.WaveDispatchResult{}, core.SandboxInfo{}, err
	}
	return core.WaveDispatchResult{
			TaskID:      task.ID,
			Status:      core.TaskVerifying,
			FileChanges: []core.FileChange{{Path: "out.go", ChangeOp: core.FileChangeCreated}},
			Output:      "ok",
			ElapsedMS:   5,
		}, core.SandboxInfo{
			SandboxID: "sbx-" + string(task.ID),
			Agent:     task.Agent,
			TaskID:    task.ID,
		}, nil
}

func waveState(parallel bool, taskIDs ...string) *core.MissionState {
	state := core.NewMissionState("m-1", "t-1", "build it", core.InteractionFullAuto, false)
	for _, id := range taskIDs {
		state.Tasks = append(state.Tasks, core.NewTask(core.TaskID(id), core.AgentCoder, "work on "+id))
		state.WaveTaskIDs = append(state.WaveTaskIDs, core.TaskID(id))
	}
	if parallel {
		state.ExecutionStrategy = core.StrategyParallel
	} else {
		state.ExecutionStrategy = core.StrategySequential
	}
	return state
}

func TestDispatchWave_ResultsInWaveOrder(t *testing.T) {
	exec := newScriptedExecutor()
	d := New(exec, 4, nil, nil, nil)
	state := waveState(true, "TASK-001", "TASK-002", "TASK-003")

	outcome := d.DispatchWave(context.Background(), state)
	require.Len(t, outcome.Results, 3)
	for i, id := range []string{"TASK-001", "TASK-002", "TASK-003"} {
		assert.Equal(t, core.TaskID(id), outcome.Results[i].TaskID)
		assert.Equal(t, core.TaskVerifying, outcome.Results[i].Status)
	}
	assert.Len(t, outcome.Sandboxes, 3)
	assert.Empty(t, outcome.Errors)

	// Worker copies carry the updated status and changes; the shared state
	// tasks are untouched.
	for _, ut := range outcome.UpdatedTasks {
		require.NotNil(t, ut)
		assert.Equal(t, core.TaskVerifying, ut.Status)
		assert.NotEmpty(t, ut.FileChanges)
	}
	for _, orig := range state.Tasks {
		assert.Equal(t, core.TaskPending, orig.Status)
	}
}

func TestDispatchWave_BoundedConcurrency(t *testing.T) {
	exec := newScriptedExecutor()
	exec.delay = 30 * time.Millisecond
	d := New(exec, 2, nil, nil, nil)
	state := waveState(true, "TASK-001", "TASK-002", "TASK-003", "TASK-004", "TASK-005")

	d.DispatchWave(context.Background(), state)
	assert.LessOrEqual(t, exec.peakInFlight, int32(2))
}

func TestDispatchWave_InfraErrorBecomesFailedResult(t *testing.T) {
	exec := newScriptedExecutor()
	exec.failTasks["TASK-002"] = errors.New("provider unavailable: no capacity")
	d := New(exec, 4, nil, nil, nil)
	state := waveState(true, "TASK-001", "TASK-002")

	outcome := d.DispatchWave(context.Background(), state)
	require.Len(t, outcome.Results, 2)
	assert.Equal(t, core.TaskVerifying, outcome.Results[0].Status)
	assert.Equal(t, core.TaskFailed, outcome.Results[1].Status)
	assert.Contains(t, outcome.Results[1].Output, "no capacity")
	require.Len(t, outcome.Errors, 1)
	assert.True(t, strings.HasPrefix(outcome.Errors[0], "TASK-002:"))
}

func TestDispatchWave_RetryAugmentation(t *testing.T) {
	exec := newScriptedExecutor()
	d := New(exec, 1, nil, nil, nil)
	state := waveState(true, "TASK-001")
	state.RetryContext = "TASK-001 failed: tests did not pass"
	state.Tasks[0].InputContext = "original context"

	d.DispatchWave(context.Background(), state)

	seen := exec.seenInputs["TASK-001"]
	assert.True(t, strings.HasPrefix(seen, "## Retry Context (from previous attempt)"))
	assert.Contains(t, seen, "tests did not pass")
	assert.Contains(t, seen, "original context")
	// The shared state's task keeps its original context.
	assert.Equal(t, "original context", state.Tasks[0].InputContext)
}

func TestDispatchWave_UnknownTask(t *testing.T) {
	exec := newScriptedExecutor()
	d := New(exec, 1, nil, nil, nil)
	state := waveState(true, "TASK-001")
	state.WaveTaskIDs = append(state.WaveTaskIDs, "TASK-099")

	outcome := d.DispatchWave(context.Background(), state)
	require.Len(t, outcome.Results, 2)
	assert.Equal(t, core.TaskFailed, outcome.Results[1].Status)
	require.Len(t, outcome.Errors, 1)
	assert.Contains(t, outcome.Errors[0], "TASK-099")
}

func TestDispatchWave_MetricsEmitted(t *testing.T) {
	exec := newScriptedExecutor()
	sink := events.NewInMemoryMetrics()
	d := New(exec, 2, nil, sink, nil)
	state := waveState(true, "TASK-001", "TASK-002")

	d.DispatchWave(context.Background(), state)
	assert.Equal(t, int64(2), sink.Counter(events.MetricDispatchTotal, map[string]string{"agent": "CODER"}))
	assert.Len(t, sink.Timings(events.MetricTaskElapsedMS, map[string]string{"agent": "CODER"}), 2)
	assert.Len(t, sink.Timings(events.MetricWaveElapsedMS, nil), 1)
}
