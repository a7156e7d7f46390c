// Package graph implements C2: a directed graph of named nodes with
// conditional edges, driven one mission at a time, with a checkpoint written
// before and after every node so a mission can resume from its
// last-committed node after a restart.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/worldmind/worldmind/internal/checkpoint"
	"github.com/worldmind/worldmind/internal/core"
	"github.com/worldmind/worldmind/internal/events"
)

// NodeFunc runs one node's logic against an immutable state view and returns
// a partial patch for the reducer to apply.
type NodeFunc func(ctx context.Context, state *core.MissionState) (core.MissionPatch, error)

// EdgeFunc computes the next node name from the state produced by the
// current node. An empty return value means the graph has no further edge
// from this node (the engine stops and returns control to the caller).
type EdgeFunc func(state *core.MissionState) string

// Node is one vertex of the mission graph.
type Node struct {
	Name string
	Run  NodeFunc
	Next EdgeFunc
}

// Canceller is satisfied by internal/control.Plane. Kept as a small
// interface here so graph does not import control directly.
type Canceller interface {
	CheckCancelled() error
}

// Engine drives one mission at a time through its registered nodes,
// checkpointing before and after every node.
type Engine struct {
	nodes   map[string]*Node
	store   checkpoint.Store
	bus     *events.EventBus
	metrics events.MetricsSink
	log     *slog.Logger
	cancel  Canceller

	step int
}

// NewEngine creates an Engine. bus and metrics may be nil (events/metrics are
// best-effort); cancel may be nil (no cooperative cancellation).
func NewEngine(store checkpoint.Store, bus *events.EventBus, metrics events.MetricsSink, log *slog.Logger, cancel Canceller) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		nodes:   make(map[string]*Node),
		store:   store,
		bus:     bus,
		metrics: metrics,
		log:     log,
		cancel:  cancel,
	}
}

// AddNode registers a node. Panics on duplicate registration — that is a
// wiring bug, not a runtime condition.
func (e *Engine) AddNode(n Node) {
	if _, exists := e.nodes[n.Name]; exists {
		panic(fmt.Sprintf("graph: duplicate node %q", n.Name))
	}
	e.nodes[n.Name] = &n
}

// Run drives state through the graph starting at startNode until a terminal
// mission status is reached or a node has no outgoing edge.
func (e *Engine) Run(ctx context.Context, threadID string, state *core.MissionState, startNode string) (*core.MissionState, error) {
	node, ok := e.nodes[startNode]
	if !ok {
		return state, core.ErrValidation(core.CodeInvalidState, fmt.Sprintf("unknown start node %q", startNode))
	}
	return e.drive(ctx, threadID, state, node)
}

// Resume loads the latest checkpoint for threadID and continues execution
// from the node after the last-committed one.
func (e *Engine) Resume(ctx context.Context, threadID string) (*core.MissionState, error) {
	snap, err := e.store.GetLatest(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("loading latest checkpoint: %w", err)
	}
	if snap == nil {
		return nil, core.ErrNotFound("checkpoint", threadID)
	}
	state := snap.State
	if state.Status.IsTerminal() {
		return state, nil
	}

	last, ok := e.nodes[snap.NodeName]
	if !ok {
		return nil, core.ErrInvariantViolation(core.CodeInvalidState,
			fmt.Sprintf("checkpoint references unknown node %q", snap.NodeName))
	}
	nextName := last.Next(state)
	if nextName == "" {
		return state, nil
	}
	next, ok := e.nodes[nextName]
	if !ok {
		return nil, core.ErrInvariantViolation(core.CodeInvalidState,
			fmt.Sprintf("edge from %q points to unknown node %q", snap.NodeName, nextName))
	}
	return e.drive(ctx, threadID, state, next)
}

func (e *Engine) drive(ctx context.Context, threadID string, state *core.MissionState, node *Node) (*core.MissionState, error) {
	for {
		if e.cancel != nil {
			if err := e.cancel.CheckCancelled(); err != nil {
				return state, err
			}
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		e.step++
		stepID := fmt.Sprintf("%s-%d", node.Name, e.step)

		if err := e.checkpointStep(ctx, threadID, stepID, node.Name, state); err != nil {
			e.log.Warn("checkpoint write failed before node", "node", node.Name, "error", err)
		}

		e.log.Info("graph node starting", "thread_id", threadID, "node", node.Name, "status", state.Status)
		patch, runErr := node.Run(ctx, state)
		if runErr != nil {
			// Cooperative cancellation surfacing from inside a node (the
			// wave gate) stops the engine without converging, exactly like
			// the boundary check above, so the mission stays resumable.
			if core.IsCancelled(runErr) || errors.Is(runErr, context.Canceled) {
				return state, runErr
			}
			// Otherwise node code is expected to catch predictable failures
			// itself and return a patch with errors and/or status=FAILED. A
			// raw error return here means the node did not; convert it to a
			// fatal mission failure so the checkpoint trail still lets the
			// operator inspect what happened.
			failed := core.MissionFailed
			patch = core.MissionPatch{
				Status: &failed,
				Errors: []string{fmt.Sprintf("%s: %v", node.Name, runErr)},
			}
		}

		next, err := core.ApplyPatch(state, patch)
		if err != nil {
			return state, err
		}
		state = next

		if err := e.checkpointStep(ctx, threadID, stepID, node.Name, state); err != nil {
			e.log.Warn("checkpoint write failed after node", "node", node.Name, "error", err)
		}

		if e.bus != nil {
			e.bus.Publish(events.NewNodeCompletedEvent(state.MissionID, node.Name))
		}

		if state.Status.IsTerminal() {
			return state, nil
		}

		nextName := node.Next(state)
		if nextName == "" {
			return state, nil
		}
		nextNode, ok := e.nodes[nextName]
		if !ok {
			return state, core.ErrInvariantViolation(core.CodeInvalidState,
				fmt.Sprintf("edge from %q points to unknown node %q", node.Name, nextName))
		}
		node = nextNode
	}
}

func (e *Engine) checkpointStep(ctx context.Context, threadID, stepID, nodeName string, state *core.MissionState) error {
	if e.store == nil {
		return nil
	}
	return e.store.Put(ctx, threadID, stepID, nodeName, state)
}
