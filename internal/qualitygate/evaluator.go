package qualitygate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/worldmind/worldmind/internal/core"
	"github.com/worldmind/worldmind/internal/deploy"
	"github.com/worldmind/worldmind/internal/events"
	"github.com/worldmind/worldmind/internal/instructions"
)

// AgentRunner executes one synthesized sub-agent run (TESTER or REVIEWER)
// against the mission workspace and returns the captured output. The mission
// bridge implements this over the sandbox manager.
type AgentRunner interface {
	RunAgent(ctx context.Context, agent core.Agent, taskID core.TaskID, instructionText, runtimeTag string, iteration int) (output string, info core.SandboxInfo, err error)
}

// Outcome collects everything the evaluator decided for one wave, expressed
// as patch ingredients for the evaluate_wave node.
type Outcome struct {
	CompletedTaskIDs []core.TaskID
	UpdatedTasks     []*core.Task
	TestResults      []core.TestResult
	ReviewFeedback   []core.ReviewFeedback
	Sandboxes        []core.SandboxInfo
	RetryContext     string
	Errors           []string
	MissionFailed    bool
	DeploymentURL    string
}

// Evaluator applies the per-task quality-gate logic over a finished wave.
type Evaluator struct {
	runner  AgentRunner
	parser  OutputParser
	bus     *events.EventBus
	metrics events.MetricsSink
	log     *slog.Logger
}

// NewEvaluator creates an Evaluator. parser may be nil (RegexParser); bus and
// metrics may be nil.
func NewEvaluator(runner AgentRunner, parser OutputParser, bus *events.EventBus, metrics events.MetricsSink, log *slog.Logger) *Evaluator {
	if parser == nil {
		parser = RegexParser{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{runner: runner, parser: parser, bus: bus, metrics: metrics, log: log}
}

// EvaluateWave judges every task in the finished wave. state must already
// reflect the dispatch results (task copies updated with status and file
// changes). The returned Outcome is merged by the evaluate_wave node.
func (e *Evaluator) EvaluateWave(ctx context.Context, state *core.MissionState) Outcome {
	var out Outcome
	for _, result := range state.WaveDispatchResults {
		task := state.TaskByID(result.TaskID)
		if task == nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: dispatch result references unknown task", result.TaskID))
			continue
		}
		e.evaluateTask(ctx, state, task.Clone(), result, &out)
	}
	return out
}

func (e *Evaluator) evaluateTask(ctx context.Context, state *core.MissionState, task *core.Task, result core.WaveDispatchResult, out *Outcome) {
	switch {
	case task.Agent == core.AgentDeployer:
		e.evaluateDeployer(task, result, out)
	case task.Agent.RunsQualityGate():
		e.evaluateGated(ctx, state, task, result, out)
	default:
		e.evaluateTrusted(task, result, out)
	}
	out.UpdatedTasks = append(out.UpdatedTasks, task)
}

// evaluateTrusted handles agents whose dispatch result is taken at face
// value (RESEARCHER, standalone TESTER/REVIEWER tasks).
func (e *Evaluator) evaluateTrusted(task *core.Task, result core.WaveDispatchResult, out *Outcome) {
	if result.Status == core.TaskPassed {
		task.Status = core.TaskPassed
		out.CompletedTaskIDs = append(out.CompletedTaskIDs, task.ID)
		return
	}
	reason := fmt.Sprintf("dispatch failed: %s", firstLine(result.Output))
	e.applyStrategy(task, e.strategyFor(task), reason, out)
}

// evaluateGated handles CODER and REFACTORER results.
func (e *Evaluator) evaluateGated(ctx context.Context, state *core.MissionState, task *core.Task, result core.WaveDispatchResult, out *Outcome) {
	executed := result.Status == core.TaskVerifying || result.Status == core.TaskPassed

	if executed && len(result.FileChanges) == 0 {
		// A zero-change "success" means the model declared victory without
		// doing the work; retry without burning tester/reviewer runs on it.
		task.Status = core.TaskFailed
		reason := "completed without producing any file changes"
		e.applyStrategy(task, e.strategyFor(task), reason, out)
		return
	}
	if !executed {
		reason := fmt.Sprintf("dispatch failed: %s", firstLine(result.Output))
		e.applyStrategy(task, e.strategyFor(task), reason, out)
		return
	}

	test, testSbx := e.runTester(ctx, state, task, result)
	review, reviewSbx := e.runReviewer(ctx, state, task, result, test)
	out.TestResults = append(out.TestResults, test)
	out.ReviewFeedback = append(out.ReviewFeedback, review)
	for _, sbx := range []core.SandboxInfo{testSbx, reviewSbx} {
		if sbx.SandboxID != "" {
			out.Sandboxes = append(out.Sandboxes, sbx)
		}
	}

	decision := Decide(task, test, review)
	e.publishDecision(state.MissionID, task.ID, decision)

	if decision.Granted {
		task.Status = core.TaskPassed
		out.CompletedTaskIDs = append(out.CompletedTaskIDs, task.ID)
		return
	}

	task.Status = core.TaskFailed
	diagnosis := RetryDiagnosis(task, decision, test, review)
	e.applyDecidedStrategy(task, decision.Strategy, decision.Reason, diagnosis, out)
}

// evaluateDeployer classifies deployer output; the quality gate never runs.
func (e *Evaluator) evaluateDeployer(task *core.Task, result core.WaveDispatchResult, out *Outcome) {
	outcome := deploy.Diagnose(result.Output)
	if outcome.Succeeded {
		task.Status = core.TaskPassed
		out.CompletedTaskIDs = append(out.CompletedTaskIDs, task.ID)
		if outcome.DeploymentURL != "" {
			out.DeploymentURL = outcome.DeploymentURL
		}
		return
	}

	d := outcome.Diagnosis
	task.Status = core.TaskFailed
	if task.CanRetry() {
		task.Iteration++
		task.InputContext = fmt.Sprintf("## Deployment Diagnosis (%s)\n%s\n\n%s", d.Category, d.EnrichedContext, task.InputContext)
		out.RetryContext = fmt.Sprintf("%s deployment failed with %s.\n%s", task.ID, d.Category, d.EnrichedContext)
		e.count(events.MetricRetryTotal, map[string]string{"agent": string(task.Agent)})
		return
	}

	out.MissionFailed = true
	msg := fmt.Sprintf("%s: %s", task.ID, d.TerminalMessage)
	if d.Category == core.DiagServiceBindingFailure && d.ServiceName != "" {
		msg = fmt.Sprintf("%s (service: %s)", msg, d.ServiceName)
	}
	out.Errors = append(out.Errors, msg)
}

// strategyFor picks the task's configured strategy while budget remains,
// escalating once it is spent.
func (e *Evaluator) strategyFor(task *core.Task) core.FailureStrategy {
	if task.CanRetry() {
		return task.OnFailure
	}
	return core.FailureEscalate
}

func (e *Evaluator) applyStrategy(task *core.Task, strategy core.FailureStrategy, reason string, out *Outcome) {
	diagnosis := fmt.Sprintf("Previous attempt of %s failed.\nReason: %s", task.ID, reason)
	e.applyDecidedStrategy(task, strategy, reason, diagnosis, out)
}

func (e *Evaluator) applyDecidedStrategy(task *core.Task, strategy core.FailureStrategy, reason, diagnosis string, out *Outcome) {
	task.Status = core.TaskFailed
	switch strategy {
	case core.FailureRetry:
		task.Iteration++
		out.RetryContext = diagnosis
		e.count(events.MetricRetryTotal, map[string]string{"agent": string(task.Agent)})
	case core.FailureSkip:
		out.CompletedTaskIDs = append(out.CompletedTaskIDs, task.ID)
		out.Errors = append(out.Errors, fmt.Sprintf("warning: %s skipped after failure: %s", task.ID, reason))
	case core.FailureEscalate:
		out.MissionFailed = true
		out.Errors = append(out.Errors, fmt.Sprintf("%s escalated: %s", task.ID, reason))
	case core.FailureReplan:
		out.MissionFailed = true
		out.Errors = append(out.Errors, fmt.Sprintf("%s requires replanning: %s", task.ID, reason))
	}
}

// runTester sub-dispatches the TESTER. Infrastructure failures become a
// synthetic failed result; the decision rule still runs.
func (e *Evaluator) runTester(ctx context.Context, state *core.MissionState, task *core.Task, result core.WaveDispatchResult) (core.TestResult, core.SandboxInfo) {
	instruction := instructions.BuildTester(task, state.ProjectContext, result.FileChanges)
	output, info, err := e.runner.RunAgent(ctx, core.AgentTester, task.ID, instruction, runtimeTag(state), task.Iteration)
	if err != nil {
		e.log.Warn("tester sub-dispatch failed", "task_id", task.ID, "error", err)
		return core.TestResult{
			Passed: false,
			Output: fmt.Sprintf("TESTER infrastructure error: %v", err),
		}, info
	}
	test, parseErr := e.parser.ParseTestOutput(ctx, output)
	if parseErr != nil {
		return core.TestResult{
			Passed: false,
			Output: fmt.Sprintf("TESTER infrastructure error: unparseable output: %v", parseErr),
		}, info
	}
	return test, info
}

// runReviewer sub-dispatches the REVIEWER with the tester's verdict in hand.
func (e *Evaluator) runReviewer(ctx context.Context, state *core.MissionState, task *core.Task, result core.WaveDispatchResult, test core.TestResult) (core.ReviewFeedback, core.SandboxInfo) {
	instruction := instructions.BuildReviewer(task, state.ProjectContext, result.FileChanges, &test)
	output, info, err := e.runner.RunAgent(ctx, core.AgentReviewer, task.ID, instruction, runtimeTag(state), task.Iteration)
	if err != nil {
		e.log.Warn("reviewer sub-dispatch failed", "task_id", task.ID, "error", err)
		return core.ReviewFeedback{
			Approved: false,
			Score:    0,
			Summary:  fmt.Sprintf("REVIEWER infrastructure error: %v", err),
		}, info
	}
	review, parseErr := e.parser.ParseReviewOutput(ctx, output)
	if parseErr != nil {
		return core.ReviewFeedback{
			Approved: false,
			Score:    0,
			Summary:  fmt.Sprintf("REVIEWER infrastructure error: unparseable output: %v", parseErr),
		}, info
	}
	return review, info
}

func (e *Evaluator) publishDecision(missionID string, taskID core.TaskID, decision core.QualityGateDecision) {
	if e.bus != nil {
		e.bus.Publish(events.NewQualityGateDecidedEvent(missionID, string(taskID), decision.Granted, string(decision.Strategy), decision.Reason))
	}
	e.count(events.MetricQualityGateDecisions, map[string]string{"granted": fmt.Sprintf("%t", decision.Granted)})
}

func (e *Evaluator) count(name string, labels map[string]string) {
	if e.metrics != nil {
		e.metrics.IncrCounter(name, labels)
	}
}

func runtimeTag(state *core.MissionState) string {
	if state.Classification != nil {
		return state.Classification.RuntimeTag
	}
	return "base"
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
