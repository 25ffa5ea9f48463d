package models

// Event kinds published on the workspace event bus (internal/eventbus) and
// persisted to the audit trail. These mirror the streaming interface named
// in the public API surface (spec §6).
const (
	EventTaskStatusChanged     = "task.status_changed"
	EventGoalProgressUpdated   = "goal.progress_updated"
	EventDeliverableReady      = "deliverable.ready"
	EventRecoveryAttempted     = "recovery.attempted"
	EventWorkspaceStateChanged = "workspace.state_changed"
	EventSupervisorTickError   = "supervisor.tick_error"
	EventAgentStarvation       = "agent.starvation"
)
