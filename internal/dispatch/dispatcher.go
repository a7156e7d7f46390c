// Package dispatch fans one scheduled wave out to concurrent workers, each
// executing one task attempt through the sandbox layer, and collects the
// per-task results for the evaluator. Worker failures never escape as
// errors; they become FAILED dispatch results subject to the quality-gate
// retry strategy.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/worldmind/worldmind/internal/core"
	"github.com/worldmind/worldmind/internal/events"
	"github.com/worldmind/worldmind/internal/instructions"
)

// Executor runs one task attempt end to end (instruction build, sandbox
// lifecycle, success interpretation) and returns the dispatch result plus
// the sandbox record. An error return means infrastructure failure, not a
// task-level failure.
type Executor interface {
	Execute(ctx context.Context, state *core.MissionState, task *core.Task) (core.WaveDispatchResult, core.SandboxInfo, error)
}

// WaveOutcome is everything the dispatcher hands back for one wave, in wave
// order regardless of completion order.
type WaveOutcome struct {
	Results      []core.WaveDispatchResult
	Sandboxes    []core.SandboxInfo
	UpdatedTasks []*core.Task
	Errors       []string
	ElapsedMS    int64
}

// Dispatcher executes waves with bounded concurrency.
type Dispatcher struct {
	exec        Executor
	maxParallel int
	bus         *events.EventBus
	metrics     events.MetricsSink
	log         *slog.Logger
}

// New creates a Dispatcher. bus and metrics may be nil; maxParallel below 1
// is raised to 1.
func New(exec Executor, maxParallel int, bus *events.EventBus, metrics events.MetricsSink, log *slog.Logger) *Dispatcher {
	if maxParallel < 1 {
		maxParallel = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{exec: exec, maxParallel: maxParallel, bus: bus, metrics: metrics, log: log}
}

// DispatchWave runs every task named by state.WaveTaskIDs concurrently
// (capped at maxParallel) and returns the merged outcome. Each worker owns a
// Task copy; the shared state is never written from worker goroutines.
func (d *Dispatcher) DispatchWave(ctx context.Context, state *core.MissionState) WaveOutcome {
	waveStart := time.Now()
	n := len(state.WaveTaskIDs)
	outcome := WaveOutcome{
		Results:      make([]core.WaveDispatchResult, n),
		UpdatedTasks: make([]*core.Task, n),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxParallel)

	for i, taskID := range state.WaveTaskIDs {
		g.Go(func() error {
			task := state.TaskByID(taskID)
			if task == nil {
				mu.Lock()
				outcome.Results[i] = core.WaveDispatchResult{TaskID: taskID, Status: core.TaskFailed, Output: "task not found in plan"}
				outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: task not found in plan", taskID))
				mu.Unlock()
				return nil
			}

			worker := task.Clone()
			if state.RetryContext != "" {
				worker.InputContext = instructions.RetryBlock(state.RetryContext) + "\n" + worker.InputContext
			}
			worker.Status = core.TaskExecuting

			d.publish(events.NewTaskDispatchedEvent(state.MissionID, string(worker.ID), string(worker.Agent), worker.Iteration))
			d.count(events.MetricDispatchTotal, map[string]string{"agent": string(worker.Agent)})

			start := time.Now()
			result, sandboxInfo, err := d.exec.Execute(gctx, state, worker)
			elapsed := time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.log.Warn("task dispatch failed", "task_id", worker.ID, "agent", worker.Agent, "error", err)
				result = core.WaveDispatchResult{
					TaskID:    worker.ID,
					Status:    core.TaskFailed,
					Output:    err.Error(),
					ElapsedMS: elapsed.Milliseconds(),
				}
				outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: %v", worker.ID, err))
			}
			worker.Status = result.Status
			worker.FileChanges = result.FileChanges
			worker.ElapsedMS = result.ElapsedMS

			outcome.Results[i] = result
			outcome.UpdatedTasks[i] = worker
			if sandboxInfo.SandboxID != "" {
				outcome.Sandboxes = append(outcome.Sandboxes, sandboxInfo)
			}

			d.publish(events.NewMissionTaskCompletedEvent(state.MissionID, string(worker.ID), string(result.Status), result.ElapsedMS))
			d.timing(events.MetricTaskElapsedMS, map[string]string{"agent": string(worker.Agent)}, elapsed)
			return nil
		})
	}
	_ = g.Wait()

	outcome.ElapsedMS = time.Since(waveStart).Milliseconds()
	d.timing(events.MetricWaveElapsedMS, nil, time.Since(waveStart))
	return outcome
}

func (d *Dispatcher) publish(ev events.Event) {
	if d.bus != nil {
		d.bus.Publish(ev)
	}
}

func (d *Dispatcher) count(name string, labels map[string]string) {
	if d.metrics != nil {
		d.metrics.IncrCounter(name, labels)
	}
}

func (d *Dispatcher) timing(name string, labels map[string]string, elapsed time.Duration) {
	if d.metrics != nil {
		d.metrics.ObserveTiming(name, labels, elapsed)
	}
}
