package events

// Topic strings published by the mission execution core.
const (
	TypeMissionStatusChanged = "mission.status_changed"
	TypeMissionCompleted     = "mission.completed"
	TypeWaveScheduled        = "wave.scheduled"
	TypeTaskDispatched       = "task.dispatched"
	TypeTaskCompleted        = "task.completed"
	TypeTaskRetry            = "task.retry"
	TypeQualityGateDecided   = "quality_gate.decided"
	TypeOscillationDetected  = "oscillation.detected"
	TypeDeploymentSucceeded  = "deployment.succeeded"
	TypeSandboxOpened        = "sandbox.opened"
	TypeSandboxTornDown      = "sandbox.torn_down"
	TypeNodeCompleted        = "node.completed"
)

// MissionStatusChangedEvent is emitted on every status DAG transition.
type MissionStatusChangedEvent struct {
	BaseEvent
	Status string `json:"status"`
}

// NewMissionStatusChangedEvent creates a MissionStatusChangedEvent.
func NewMissionStatusChangedEvent(missionID, status string) MissionStatusChangedEvent {
	return MissionStatusChangedEvent{
		BaseEvent: NewBaseEvent(TypeMissionStatusChanged, missionID),
		Status:    status,
	}
}

// NodeCompletedEvent is emitted after each graph node commits its patch.
type NodeCompletedEvent struct {
	BaseEvent
	Node string `json:"node"`
}

// NewNodeCompletedEvent creates a NodeCompletedEvent.
func NewNodeCompletedEvent(missionID, node string) NodeCompletedEvent {
	return NodeCompletedEvent{
		BaseEvent: NewBaseEvent(TypeNodeCompleted, missionID),
		Node:      node,
	}
}

// WaveScheduledEvent is emitted once per computed wave, including the empty
// wave that signals convergence.
type WaveScheduledEvent struct {
	BaseEvent
	WaveCount int      `json:"wave_count"`
	TaskIDs   []string `json:"task_ids"`
}

// NewWaveScheduledEvent creates a WaveScheduledEvent.
func NewWaveScheduledEvent(missionID string, waveCount int, taskIDs []string) WaveScheduledEvent {
	return WaveScheduledEvent{
		BaseEvent: NewBaseEvent(TypeWaveScheduled, missionID),
		WaveCount: waveCount,
		TaskIDs:   taskIDs,
	}
}

// TaskDispatchedEvent is emitted when a worker begins one task attempt.
type TaskDispatchedEvent struct {
	BaseEvent
	TaskID    string `json:"task_id"`
	Agent     string `json:"agent"`
	Iteration int    `json:"iteration"`
}

// NewTaskDispatchedEvent creates a TaskDispatchedEvent.
func NewTaskDispatchedEvent(missionID, taskID, agent string, iteration int) TaskDispatchedEvent {
	return TaskDispatchedEvent{
		BaseEvent: NewBaseEvent(TypeTaskDispatched, missionID),
		TaskID:    taskID,
		Agent:     agent,
		Iteration: iteration,
	}
}

// MissionTaskCompletedEvent is emitted when a wave task attempt finishes,
// successfully or not.
type MissionTaskCompletedEvent struct {
	BaseEvent
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// NewMissionTaskCompletedEvent creates a MissionTaskCompletedEvent.
func NewMissionTaskCompletedEvent(missionID, taskID, status string, elapsedMS int64) MissionTaskCompletedEvent {
	return MissionTaskCompletedEvent{
		BaseEvent: NewBaseEvent(TypeTaskCompleted, missionID),
		TaskID:    taskID,
		Status:    status,
		ElapsedMS: elapsedMS,
	}
}

// TaskRetryEvent is emitted when a denied or failed task earns another
// attempt.
type TaskRetryEvent struct {
	BaseEvent
	TaskID    string `json:"task_id"`
	Iteration int    `json:"iteration"`
	Reason    string `json:"reason"`
}

// NewTaskRetryEvent creates a TaskRetryEvent.
func NewTaskRetryEvent(missionID, taskID string, iteration int, reason string) TaskRetryEvent {
	return TaskRetryEvent{
		BaseEvent: NewBaseEvent(TypeTaskRetry, missionID),
		TaskID:    taskID,
		Iteration: iteration,
		Reason:    reason,
	}
}

// QualityGateDecidedEvent is emitted once per evaluated CODER/REFACTORER task.
type QualityGateDecidedEvent struct {
	BaseEvent
	TaskID   string `json:"task_id"`
	Granted  bool   `json:"granted"`
	Strategy string `json:"strategy,omitempty"`
	Reason   string `json:"reason"`
}

// NewQualityGateDecidedEvent creates a QualityGateDecidedEvent.
func NewQualityGateDecidedEvent(missionID, taskID string, granted bool, strategy, reason string) QualityGateDecidedEvent {
	return QualityGateDecidedEvent{
		BaseEvent: NewBaseEvent(TypeQualityGateDecided, missionID),
		TaskID:    taskID,
		Granted:   granted,
		Strategy:  strategy,
		Reason:    reason,
	}
}

// OscillationDetectedEvent is emitted when the scheduler forces an empty
// wave after repeated identical waves.
type OscillationDetectedEvent struct {
	BaseEvent
	WaveCount int `json:"wave_count"`
}

// NewOscillationDetectedEvent creates an OscillationDetectedEvent.
func NewOscillationDetectedEvent(missionID string, waveCount int) OscillationDetectedEvent {
	return OscillationDetectedEvent{
		BaseEvent: NewBaseEvent(TypeOscillationDetected, missionID),
		WaveCount: waveCount,
	}
}

// DeploymentSucceededEvent is emitted when a DEPLOYER task produces a
// running route.
type DeploymentSucceededEvent struct {
	BaseEvent
	TaskID string `json:"task_id"`
	URL    string `json:"url"`
}

// NewDeploymentSucceededEvent creates a DeploymentSucceededEvent.
func NewDeploymentSucceededEvent(missionID, taskID, url string) DeploymentSucceededEvent {
	return DeploymentSucceededEvent{
		BaseEvent: NewBaseEvent(TypeDeploymentSucceeded, missionID),
		TaskID:    taskID,
		URL:       url,
	}
}

// MissionCompletedEvent is emitted once by converge. Published with
// priority: terminal events must never be dropped.
type MissionCompletedEvent struct {
	BaseEvent
	Status         string `json:"status"`
	TasksCompleted int    `json:"tasks_completed"`
	TasksFailed    int    `json:"tasks_failed"`
}

// NewMissionCompletedEvent creates a MissionCompletedEvent.
func NewMissionCompletedEvent(missionID, status string, tasksCompleted, tasksFailed int) MissionCompletedEvent {
	return MissionCompletedEvent{
		BaseEvent:      NewBaseEvent(TypeMissionCompleted, missionID),
		Status:         status,
		TasksCompleted: tasksCompleted,
		TasksFailed:    tasksFailed,
	}
}

// SandboxOpenedEvent is emitted when a sandbox is allocated for a task attempt.
type SandboxOpenedEvent struct {
	BaseEvent
	SandboxID string `json:"sandbox_id"`
	TaskID    string `json:"task_id"`
	Agent     string `json:"agent"`
}

// NewSandboxOpenedEvent creates a SandboxOpenedEvent.
func NewSandboxOpenedEvent(missionID, sandboxID, taskID, agent string) SandboxOpenedEvent {
	return SandboxOpenedEvent{
		BaseEvent: NewBaseEvent(TypeSandboxOpened, missionID),
		SandboxID: sandboxID,
		TaskID:    taskID,
		Agent:     agent,
	}
}

// SandboxTornDownEvent is emitted after guaranteed teardown completes.
type SandboxTornDownEvent struct {
	BaseEvent
	SandboxID string `json:"sandbox_id"`
	TaskID    string `json:"task_id"`
}

// NewSandboxTornDownEvent creates a SandboxTornDownEvent.
func NewSandboxTornDownEvent(missionID, sandboxID, taskID string) SandboxTornDownEvent {
	return SandboxTornDownEvent{
		BaseEvent: NewBaseEvent(TypeSandboxTornDown, missionID),
		SandboxID: sandboxID,
		TaskID:    taskID,
	}
}
