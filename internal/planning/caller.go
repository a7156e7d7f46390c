// Package planning implements the LLM-delegated mission nodes (classify,
// upload, clarify, spec, plan, await-approval, converge). Only their control
// flow and invariants live here; the language-model work itself is behind
// the StructuredCaller contract, and project scanning behind ProjectScanner.
package planning

import (
	"context"

	"github.com/worldmind/worldmind/internal/core"
)

// ClarifyRequest carries everything the clarify call may condition on.
type ClarifyRequest struct {
	Request        string
	Classification core.Classification
	ProjectContext core.ProjectContext
	PRDDocument    string
}

// SpecifyRequest carries the inputs of the specification call.
type SpecifyRequest struct {
	Request        string
	Classification core.Classification
	ProjectContext core.ProjectContext
	Questions      []string
	Answers        string
}

// PlanRequest carries the inputs of the planning call.
type PlanRequest struct {
	Request        string
	Classification core.Classification
	ProjectContext core.ProjectContext
	ProductSpec    core.ProductSpec
}

// PlanResult is the raw plan as proposed by the caller, before the
// deterministic repair pass (id renumbering, dependency rewriting, CODER
// injection, DEPLOYER appending).
type PlanResult struct {
	Tasks    []*core.Task
	Strategy core.ExecutionStrategy
}

// StructuredCaller is the delegation boundary for every model-backed
// planning step. Implementations are external collaborators; the nodes here
// only enforce the structural invariants on what comes back.
type StructuredCaller interface {
	Classify(ctx context.Context, request string) (core.Classification, error)
	Clarify(ctx context.Context, req ClarifyRequest) ([]string, error)
	Specify(ctx context.Context, req SpecifyRequest) (core.ProductSpec, error)
	Plan(ctx context.Context, req PlanRequest) (PlanResult, error)
}

// ProjectScanner produces the project context from the mission workspace.
type ProjectScanner interface {
	Scan(ctx context.Context, projectPath string) (core.ProjectContext, error)
}

// Approver gates plan execution when the mission runs in APPROVE_PLAN mode.
// AwaitApproval blocks until the operator decides (or ctx ends).
type Approver interface {
	AwaitApproval(ctx context.Context, state *core.MissionState) (approved bool, err error)
}
