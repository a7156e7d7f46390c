package planning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/worldmind/worldmind/internal/core"
	"github.com/worldmind/worldmind/internal/events"
)

// CFServiceBindingQuestion is auto-appended to the clarifying questions when
// the mission will deploy to Cloud Foundry, so the manifest's services block
// is never guessed.
const CFServiceBindingQuestion = "Which platform services should the deployed application bind to? Answer \"No services needed\" if none."

// Nodes builds the planning-side node functions over the delegated callers.
type Nodes struct {
	caller   StructuredCaller
	scanner  ProjectScanner
	approver Approver
	// ProjectPath is the mission workspace scanned by upload.
	ProjectPath string

	bus *events.EventBus
	log *slog.Logger
}

// NewNodes creates the planning node set. approver may be nil when the
// mission never runs in APPROVE_PLAN mode; bus may be nil.
func NewNodes(caller StructuredCaller, scanner ProjectScanner, approver Approver, projectPath string, bus *events.EventBus, log *slog.Logger) *Nodes {
	if log == nil {
		log = slog.Default()
	}
	return &Nodes{caller: caller, scanner: scanner, approver: approver, ProjectPath: projectPath, bus: bus, log: log}
}

// Classify validates the request and produces the mission classification.
func (n *Nodes) Classify(ctx context.Context, state *core.MissionState) (core.MissionPatch, error) {
	if strings.TrimSpace(state.Request) == "" {
		return core.MissionPatch{}, core.ErrValidation(core.CodeEmptyRequest, "mission request cannot be empty")
	}
	if len(state.Request) > core.MaxRequestLength {
		return core.MissionPatch{}, core.ErrValidation(core.CodeEmptyRequest,
			fmt.Sprintf("mission request exceeds %d characters", core.MaxRequestLength))
	}

	classification, err := n.caller.Classify(ctx, state.Request)
	if err != nil {
		return core.MissionPatch{}, fmt.Errorf("classifying request: %w", err)
	}
	if err := classification.Validate(); err != nil {
		return core.MissionPatch{}, err
	}

	status := core.MissionUploading
	return core.MissionPatch{Classification: &classification, Status: &status}, nil
}

// Upload scans the project workspace. IO failures degrade to the unknown
// context plus a recorded error; the node itself never fails.
func (n *Nodes) Upload(ctx context.Context, state *core.MissionState) (core.MissionPatch, error) {
	status := core.MissionClarifying
	projectContext, err := n.scanner.Scan(ctx, n.ProjectPath)
	if err != nil {
		n.log.Warn("project scan failed, continuing with unknown context", "error", err)
		fallback := core.UnknownProjectContext()
		return core.MissionPatch{
			ProjectContext: &fallback,
			Status:         &status,
			Errors:         []string{fmt.Sprintf("project scan failed: %v", err)},
		}, nil
	}
	return core.MissionPatch{ProjectContext: &projectContext, Status: &status}, nil
}

// Clarify produces clarifying questions, or skips straight to specification
// when answers are already on the state (resubmission or FULL_AUTO defaults).
func (n *Nodes) Clarify(ctx context.Context, state *core.MissionState) (core.MissionPatch, error) {
	if state.ClarifyingAnswers != nil {
		status := core.MissionSpecifying
		return core.MissionPatch{Status: &status}, nil
	}

	req := ClarifyRequest{
		Request:     state.Request,
		PRDDocument: state.PRDDocument,
	}
	if state.Classification != nil {
		req.Classification = *state.Classification
	}
	if state.ProjectContext != nil {
		req.ProjectContext = *state.ProjectContext
	}

	questions, err := n.caller.Clarify(ctx, req)
	if err != nil {
		return core.MissionPatch{}, fmt.Errorf("generating clarifying questions: %w", err)
	}

	clarifying := core.ClarifyingQuestions{Questions: questions}
	if state.CreateCFDeployment && !containsQuestion(questions, "bind") {
		clarifying.Questions = append(clarifying.Questions, CFServiceBindingQuestion)
		clarifying.CFServiceBindingInjected = true
	}

	return core.MissionPatch{ClarifyingQuestions: &clarifying}, nil
}

func containsQuestion(questions []string, keyword string) bool {
	for _, q := range questions {
		if strings.Contains(strings.ToLower(q), keyword) {
			return true
		}
	}
	return false
}

// Spec produces the product specification from the request and the answers.
func (n *Nodes) Spec(ctx context.Context, state *core.MissionState) (core.MissionPatch, error) {
	req := SpecifyRequest{Request: state.Request}
	if state.Classification != nil {
		req.Classification = *state.Classification
	}
	if state.ProjectContext != nil {
		req.ProjectContext = *state.ProjectContext
	}
	if state.ClarifyingQuestions != nil {
		req.Questions = state.ClarifyingQuestions.Questions
	}
	if state.ClarifyingAnswers != nil {
		req.Answers = *state.ClarifyingAnswers
	}

	spec, err := n.caller.Specify(ctx, req)
	if err != nil {
		return core.MissionPatch{}, fmt.Errorf("producing specification: %w", err)
	}

	status := core.MissionPlanning
	return core.MissionPatch{ProductSpec: &spec, Status: &status}, nil
}

// Plan produces the task plan and repairs it deterministically.
func (n *Nodes) Plan(ctx context.Context, state *core.MissionState) (core.MissionPatch, error) {
	req := PlanRequest{Request: state.Request}
	if state.Classification != nil {
		req.Classification = *state.Classification
	}
	if state.ProjectContext != nil {
		req.ProjectContext = *state.ProjectContext
	}
	if state.ProductSpec != nil {
		req.ProductSpec = *state.ProductSpec
	}

	proposed, err := n.caller.Plan(ctx, req)
	if err != nil {
		return core.MissionPatch{}, fmt.Errorf("planning: %w", err)
	}
	if len(proposed.Tasks) == 0 {
		return core.MissionPatch{}, core.ErrValidation(core.CodeMissingTasks, "plan produced no tasks")
	}

	tasks, manifestByTask := RepairPlan(proposed.Tasks, state.CreateCFDeployment)
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return core.MissionPatch{}, err
		}
	}

	strategy := proposed.Strategy
	if strategy == "" {
		strategy = core.StrategySequential
	}

	status := core.MissionAwaitingApproval
	return core.MissionPatch{
		Tasks:                 &tasks,
		ExecutionStrategy:     &strategy,
		ManifestCreatedByTask: &manifestByTask,
		Status:                &status,
	}, nil
}

// AwaitApproval blocks on the operator's plan decision in APPROVE_PLAN mode.
// Rejection fails the mission; FULL_AUTO missions pass straight through.
func (n *Nodes) AwaitApproval(ctx context.Context, state *core.MissionState) (core.MissionPatch, error) {
	if state.InteractionMode != core.InteractionApprovePlan || n.approver == nil {
		return core.MissionPatch{}, nil
	}
	approved, err := n.approver.AwaitApproval(ctx, state)
	if err != nil {
		return core.MissionPatch{}, fmt.Errorf("awaiting plan approval: %w", err)
	}
	if !approved {
		failed := core.MissionFailed
		return core.MissionPatch{
			Status: &failed,
			Errors: []string{"plan rejected by operator"},
		}, nil
	}
	return core.MissionPatch{}, nil
}

// Converge computes the final metrics and the terminal status: COMPLETED iff
// at least one task completed and none failed terminally.
func (n *Nodes) Converge(_ context.Context, state *core.MissionState) (core.MissionPatch, error) {
	metrics := ComputeMetrics(state)

	status := core.MissionCompleted
	if metrics.TasksCompleted == 0 || metrics.TasksFailed > 0 {
		status = core.MissionFailed
	}

	if n.bus != nil {
		n.bus.Publish(events.NewMissionCompletedEvent(state.MissionID, string(status), metrics.TasksCompleted, metrics.TasksFailed))
	}
	return core.MissionPatch{Metrics: &metrics, Status: &status}, nil
}

// ComputeMetrics aggregates the converge-time statistics from the state.
func ComputeMetrics(state *core.MissionState) core.MissionMetrics {
	m := core.MissionMetrics{
		TasksCompleted: len(state.CompletedTaskIDs),
		WavesExecuted:  state.WaveCount,
	}
	completed := state.CompletedSet()
	for _, t := range state.Tasks {
		m.TotalIterations += t.Iteration
		if t.Status == core.TaskFailed && !completed[t.ID] {
			m.TasksFailed++
		}
		for _, fc := range t.FileChanges {
			switch fc.ChangeOp {
			case core.FileChangeCreated:
				m.FilesCreated++
			case core.FileChangeModified:
				m.FilesModified++
			}
		}
	}
	for _, tr := range state.TestResults {
		m.TestsRun += tr.Total
		m.TestsPassed += tr.Total - tr.Failed
	}

	var earliest, latest time.Time
	for _, sbx := range state.Sandboxes {
		if sbx.CompletedAt == nil {
			continue
		}
		m.AggregateDurationMS += sbx.CompletedAt.Sub(sbx.StartedAt).Milliseconds()
		if earliest.IsZero() || sbx.StartedAt.Before(earliest) {
			earliest = sbx.StartedAt
		}
		if latest.IsZero() || sbx.CompletedAt.After(latest) {
			latest = *sbx.CompletedAt
		}
	}
	if !earliest.IsZero() {
		m.TotalDurationMS = latest.Sub(earliest).Milliseconds()
	}
	return m
}
