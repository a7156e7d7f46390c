package mission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/worldmind/worldmind/internal/checkpoint"
	"github.com/worldmind/worldmind/internal/core"
	"github.com/worldmind/worldmind/internal/dispatch"
	"github.com/worldmind/worldmind/internal/events"
	"github.com/worldmind/worldmind/internal/graph"
	"github.com/worldmind/worldmind/internal/planning"
	"github.com/worldmind/worldmind/internal/qualitygate"
	"github.com/worldmind/worldmind/internal/scheduler"
)

// Graph node names.
const (
	NodeClassify         = "classify"
	NodeUpload           = "upload"
	NodeClarify          = "clarify"
	NodeSpec             = "spec"
	NodePlan             = "plan"
	NodeAwaitApproval    = "await_approval"
	NodeScheduleWave     = "schedule_wave"
	NodeParallelDispatch = "parallel_dispatch"
	NodeEvaluateWave     = "evaluate_wave"
	NodeConverge         = "converge"
)

// Input is the mission-submission record.
type Input struct {
	Request            string
	InteractionMode    core.InteractionMode
	CreateCFDeployment bool
	PRDDocument        string
	ReasoningLevel     string
	ClarifyingAnswers  *string
}

// WaveGate is consulted before each wave is scheduled. Implemented by
// internal/control.Plane: a held mission finishes its in-flight wave and
// idles at the gate; cancellation mid-hold surfaces as the returned error.
type WaveGate interface {
	WaitBeforeWave(ctx context.Context) error
}

// RunnerOptions bounds the wave loop.
type RunnerOptions struct {
	MaxParallel  int
	WaveCooldown time.Duration
	// Gate, when non-nil, is awaited before every scheduling round.
	Gate WaveGate
}

// Runner assembles the mission graph and drives missions through it.
type Runner struct {
	engine     *graph.Engine
	store      checkpoint.Store
	nodes      *planning.Nodes
	dispatcher *dispatch.Dispatcher
	evaluator  *qualitygate.Evaluator
	sched      *scheduler.Scheduler
	opts       RunnerOptions
	bus        *events.EventBus
	metrics    events.MetricsSink
	log        *slog.Logger

	missionStart time.Time
	lastWave     string
}

// NewRunner creates a Runner and registers the mission graph.
func NewRunner(store checkpoint.Store, nodes *planning.Nodes, dispatcher *dispatch.Dispatcher, evaluator *qualitygate.Evaluator, opts RunnerOptions, bus *events.EventBus, metrics events.MetricsSink, log *slog.Logger, cancel graph.Canceller) *Runner {
	if log == nil {
		log = slog.Default()
	}
	r := &Runner{
		store:      store,
		nodes:      nodes,
		dispatcher: dispatcher,
		evaluator:  evaluator,
		sched:      scheduler.New(scheduler.Options{MaxParallel: opts.MaxParallel}),
		opts:       opts,
		bus:        bus,
		metrics:    metrics,
		log:        log,
	}
	r.engine = graph.NewEngine(store, bus, metrics, log, cancel)
	r.register()
	return r
}

func (r *Runner) register() {
	r.engine.AddNode(graph.Node{Name: NodeClassify, Run: r.nodes.Classify, Next: always(NodeUpload)})
	r.engine.AddNode(graph.Node{Name: NodeUpload, Run: r.nodes.Upload, Next: always(NodeClarify)})
	r.engine.AddNode(graph.Node{Name: NodeClarify, Run: r.nodes.Clarify, Next: func(s *core.MissionState) string {
		if s.ClarifyingAnswers == nil {
			// Unanswered questions pause the graph; resume continues here
			// once the answers land on the state.
			return ""
		}
		return NodeSpec
	}})
	r.engine.AddNode(graph.Node{Name: NodeSpec, Run: r.nodes.Spec, Next: always(NodePlan)})
	r.engine.AddNode(graph.Node{Name: NodePlan, Run: r.nodes.Plan, Next: func(s *core.MissionState) string {
		if s.InteractionMode == core.InteractionApprovePlan {
			return NodeAwaitApproval
		}
		return NodeScheduleWave
	}})
	r.engine.AddNode(graph.Node{Name: NodeAwaitApproval, Run: r.nodes.AwaitApproval, Next: always(NodeScheduleWave)})
	r.engine.AddNode(graph.Node{Name: NodeScheduleWave, Run: r.scheduleWave, Next: func(s *core.MissionState) string {
		if len(s.WaveTaskIDs) == 0 {
			return NodeConverge
		}
		return NodeParallelDispatch
	}})
	r.engine.AddNode(graph.Node{Name: NodeParallelDispatch, Run: r.parallelDispatch, Next: always(NodeEvaluateWave)})
	r.engine.AddNode(graph.Node{Name: NodeEvaluateWave, Run: r.evaluateWave, Next: always(NodeScheduleWave)})
	r.engine.AddNode(graph.Node{Name: NodeConverge, Run: r.nodes.Converge, Next: func(*core.MissionState) string { return "" }})
}

func always(next string) graph.EdgeFunc {
	return func(*core.MissionState) string { return next }
}

// Submit creates a new mission from input and drives it to its first pause
// or terminal state.
func (r *Runner) Submit(ctx context.Context, input Input) (*core.MissionState, error) {
	missionID := fmt.Sprintf("wmnd-%s", uuid.NewString()[:8])
	threadID := missionID
	state := core.NewMissionState(missionID, threadID, input.Request, input.InteractionMode, input.CreateCFDeployment)
	state.PRDDocument = input.PRDDocument
	state.ReasoningLevel = input.ReasoningLevel
	state.ClarifyingAnswers = input.ClarifyingAnswers

	r.missionStart = time.Now()
	final, err := r.engine.Run(ctx, threadID, state, NodeClassify)
	r.observeMissionElapsed()
	return final, err
}

// Resume continues the mission for threadID from its latest checkpoint.
// answers, when non-nil, are applied before resuming (the clarify pause).
func (r *Runner) Resume(ctx context.Context, threadID string, answers *string) (*core.MissionState, error) {
	if answers != nil {
		snap, err := r.store.GetLatest(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			return nil, core.ErrNotFound("checkpoint", threadID)
		}
		next, err := core.ApplyPatch(snap.State, core.MissionPatch{ClarifyingAnswers: answers})
		if err != nil {
			return nil, err
		}
		if err := r.store.Put(ctx, threadID, snap.CheckpointID, snap.NodeName, next); err != nil {
			return nil, err
		}
	}

	r.missionStart = time.Now()
	final, err := r.engine.Resume(ctx, threadID)
	r.observeMissionElapsed()
	return final, err
}

// scheduleWave computes the next wave and detects oscillation. A held
// control plane blocks here, between waves, never mid-dispatch.
func (r *Runner) scheduleWave(ctx context.Context, state *core.MissionState) (core.MissionPatch, error) {
	if r.opts.Gate != nil {
		if err := r.opts.Gate.WaitBeforeWave(ctx); err != nil {
			return core.MissionPatch{}, err
		}
	}

	wave := r.sched.NextWave(state.Tasks, state.CompletedSet(), state.ExecutionStrategy, state.WaveCount)

	if wave.OscillationDetected {
		if r.metrics != nil {
			r.metrics.IncrCounter(events.MetricOscillationDetected, nil)
		}
		if r.bus != nil {
			r.bus.Publish(events.NewOscillationDetectedEvent(state.MissionID, state.WaveCount))
		}
		empty := []core.TaskID{}
		return core.MissionPatch{
			WaveTaskIDs: &empty,
			Errors:      []string{fmt.Sprintf("oscillation_detected: identical waves repeated after wave %d", state.WaveCount)},
		}, nil
	}

	ids := make([]string, len(wave.TaskIDs))
	for i, id := range wave.TaskIDs {
		ids[i] = string(id)
	}
	if r.bus != nil {
		r.bus.Publish(events.NewWaveScheduledEvent(state.MissionID, state.WaveCount+1, ids))
	}

	// A wave identical to the previous one means a task is retrying in
	// lockstep; cool down before burning the next attempt.
	fingerprint := fmt.Sprintf("%v", ids)
	if len(ids) > 0 && fingerprint == r.lastWave && r.opts.WaveCooldown > 0 {
		r.log.Info("wave repeats previous composition, cooling down", "cooldown", r.opts.WaveCooldown)
		select {
		case <-ctx.Done():
			return core.MissionPatch{}, ctx.Err()
		case <-time.After(r.opts.WaveCooldown):
		}
	}
	r.lastWave = fingerprint

	waveIDs := wave.TaskIDs
	if waveIDs == nil {
		waveIDs = []core.TaskID{}
	}
	patch := core.MissionPatch{WaveTaskIDs: &waveIDs}
	if len(waveIDs) > 0 {
		count := state.WaveCount + 1
		executing := core.MissionExecuting
		patch.WaveCount = &count
		patch.Status = &executing
	}
	return patch, nil
}

// parallelDispatch fans the wave out and merges the results.
func (r *Runner) parallelDispatch(ctx context.Context, state *core.MissionState) (core.MissionPatch, error) {
	outcome := r.dispatcher.DispatchWave(ctx, state)

	merged := mergeTasks(state.Tasks, outcome.UpdatedTasks)
	results := outcome.Results
	patch := core.MissionPatch{
		Tasks:               &merged,
		WaveDispatchResults: &results,
		Sandboxes:           outcome.Sandboxes,
		Errors:              outcome.Errors,
		ClearRetryContext:   state.RetryContext != "",
	}
	return patch, nil
}

// evaluateWave applies the quality gate and failure strategies.
func (r *Runner) evaluateWave(ctx context.Context, state *core.MissionState) (core.MissionPatch, error) {
	out := r.evaluator.EvaluateWave(ctx, state)

	merged := mergeTasks(state.Tasks, out.UpdatedTasks)
	patch := core.MissionPatch{
		Tasks:            &merged,
		CompletedTaskIDs: out.CompletedTaskIDs,
		TestResults:      out.TestResults,
		ReviewFeedback:   out.ReviewFeedback,
		Sandboxes:        out.Sandboxes,
		Errors:           out.Errors,
	}
	if out.RetryContext != "" {
		rc := out.RetryContext
		patch.RetryContext = &rc
	}
	if out.DeploymentURL != "" {
		url := out.DeploymentURL
		patch.DeploymentURL = &url
		if r.bus != nil {
			r.bus.Publish(events.NewDeploymentSucceededEvent(state.MissionID, "", url))
		}
	}
	if out.MissionFailed {
		failed := core.MissionFailed
		patch.Status = &failed
		// Converge never runs after a mid-wave failure; compute the final
		// metrics here so the terminal record still carries them.
		next, err := core.ApplyPatch(state, patch)
		if err == nil {
			metrics := planning.ComputeMetrics(next)
			patch.Metrics = &metrics
		}
	}
	return patch, nil
}

// mergeTasks replaces plan tasks with their post-execution copies, keyed by id.
func mergeTasks(current []*core.Task, updated []*core.Task) []*core.Task {
	byID := make(map[core.TaskID]*core.Task, len(updated))
	for _, t := range updated {
		if t != nil {
			byID[t.ID] = t
		}
	}
	merged := make([]*core.Task, len(current))
	for i, t := range current {
		if u, ok := byID[t.ID]; ok {
			merged[i] = u
		} else {
			merged[i] = t
		}
	}
	return merged
}

func (r *Runner) observeMissionElapsed() {
	if r.metrics != nil && !r.missionStart.IsZero() {
		r.metrics.ObserveTiming(events.MetricMissionElapsedMS, nil, time.Since(r.missionStart))
	}
}
