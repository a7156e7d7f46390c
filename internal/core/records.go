package core

import "time"

// Classification is the output of the classify node.
type Classification struct {
	Category            string   `json:"category"`
	Complexity          int      `json:"complexity"` // 1..5
	AffectedComponents  []string `json:"affected_components"`
	PlanningStrategy    string   `json:"planning_strategy"`
	RuntimeTag          string   `json:"runtime_tag"`
}

// Validate checks the classification record is fully populated.
func (c Classification) Validate() error {
	if c.Category == "" {
		return ErrValidation("CLASSIFICATION_INCOMPLETE", "classification category is required")
	}
	if c.Complexity < 1 || c.Complexity > 5 {
		return ErrValidation("CLASSIFICATION_INCOMPLETE", "classification complexity must be 1..5")
	}
	if c.PlanningStrategy == "" {
		return ErrValidation("CLASSIFICATION_INCOMPLETE", "classification planning_strategy is required")
	}
	if c.RuntimeTag == "" {
		return ErrValidation("CLASSIFICATION_INCOMPLETE", "classification runtime_tag is required")
	}
	return nil
}

// ProjectContext is the output of the upload node.
type ProjectContext struct {
	Language     string   `json:"language"`
	Framework    string   `json:"framework"`
	FileTree     []string `json:"file_tree"`
	Dependencies []string `json:"dependencies"`
	Summary      string   `json:"summary"`
}

// UnknownProjectContext is the fallback written by upload on an IO failure,
// so the node degrades instead of failing.
func UnknownProjectContext() ProjectContext {
	return ProjectContext{Language: "unknown", FileTree: []string{}, Dependencies: []string{}}
}

// ClarifyingQuestions is the output of the clarify node.
type ClarifyingQuestions struct {
	Questions []string `json:"questions"`
	// CFServiceBindingInjected records whether the auto-injected Cloud
	// Foundry service-binding question was appended.
	CFServiceBindingInjected bool `json:"cf_service_binding_injected"`
}

// ProductSpec is the output of the spec node. Its shape is otherwise owned by
// the delegated StructuredCaller; only a rendered summary is retained here.
type ProductSpec struct {
	Summary      string   `json:"summary"`
	Requirements []string `json:"requirements"`
}

// WaveDispatchResult is the per-task outcome of one dispatcher invocation
// within a wave.
type WaveDispatchResult struct {
	TaskID      TaskID       `json:"task_id"`
	Status      TaskStatus   `json:"status"`
	FileChanges []FileChange `json:"file_changes"`
	Output      string       `json:"output"`
	ElapsedMS   int64        `json:"elapsed_ms"`
}

// SandboxInfo records the lifecycle of one sandbox allocated for one task
// attempt.
type SandboxInfo struct {
	SandboxID      string     `json:"sandbox_id"`
	Agent          Agent      `json:"agent"`
	TaskID         TaskID     `json:"task_id"`
	LifecycleStatus string    `json:"lifecycle_status"` // opened, running, completed, torn_down
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

const (
	SandboxOpened    = "opened"
	SandboxRunning   = "running"
	SandboxCompleted = "completed"
	SandboxTornDown  = "torn_down"
)

// TestResult is the parsed output of a TESTER sub-dispatch.
type TestResult struct {
	Passed     bool   `json:"passed"`
	Total      int    `json:"total"`
	Failed     int    `json:"failed"`
	DurationMS int64  `json:"duration_ms"`
	Output     string `json:"output"`
}

// ReviewFeedback is the parsed output of a REVIEWER sub-dispatch.
type ReviewFeedback struct {
	Approved    bool     `json:"approved"`
	Score       int      `json:"score"` // 0..10
	Summary     string   `json:"summary"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
}

// FailureStrategy aliases OnFailure in the quality-gate decision context.
type FailureStrategy = OnFailure

// QualityGateDecision is the outcome of the decision rule.
type QualityGateDecision struct {
	Granted  bool             `json:"granted"`
	Strategy FailureStrategy  `json:"strategy,omitempty"`
	Reason   string           `json:"reason"`
}

// DeploymentDiagnosisCategory classifies a DEPLOYER failure.
type DeploymentDiagnosisCategory string

const (
	DiagBuildFailure           DeploymentDiagnosisCategory = "BUILD_FAILURE"
	DiagStagingFailure         DeploymentDiagnosisCategory = "STAGING_FAILURE"
	DiagAppCrashed             DeploymentDiagnosisCategory = "APP_CRASHED"
	DiagHealthCheckTimeout     DeploymentDiagnosisCategory = "HEALTH_CHECK_TIMEOUT"
	DiagServiceBindingFailure  DeploymentDiagnosisCategory = "SERVICE_BINDING_FAILURE"
	DiagUnknown                DeploymentDiagnosisCategory = "UNKNOWN"
)

// DeploymentDiagnosis is the structured outcome of a DEPLOYER failure
// classification.
type DeploymentDiagnosis struct {
	Category         DeploymentDiagnosisCategory `json:"category"`
	EnrichedContext  string                      `json:"enriched_context"`
	TerminalMessage  string                      `json:"terminal_message"`
	ServiceName      string                      `json:"service_name,omitempty"`
}

// MissionMetrics aggregates converge-time statistics.
type MissionMetrics struct {
	TasksCompleted     int   `json:"tasks_completed"`
	TasksFailed        int   `json:"tasks_failed"`
	TotalIterations    int   `json:"total_iterations"`
	FilesCreated       int   `json:"files_created"`
	FilesModified      int   `json:"files_modified"`
	TestsRun           int   `json:"tests_run"`
	TestsPassed        int   `json:"tests_passed"`
	WavesExecuted      int   `json:"waves_executed"`
	AggregateDurationMS int64 `json:"aggregate_duration_ms"`
	TotalDurationMS    int64 `json:"total_duration_ms"`
}
