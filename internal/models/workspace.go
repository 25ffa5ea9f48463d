package models

import "time"

// WorkspaceStatus is the top-level state of a workspace's autonomous run.
//
// needs_intervention from the source system is deprecated and forbidden:
// recovery is always autonomous, so no status value here ever requires a
// human to unblock it.
type WorkspaceStatus string

const (
	WorkspaceStatusCreated        WorkspaceStatus = "created"
	WorkspaceStatusActive         WorkspaceStatus = "active"
	WorkspaceStatusAutoRecovering WorkspaceStatus = "auto_recovering"
	WorkspaceStatusDegradedMode   WorkspaceStatus = "degraded_mode"
	WorkspaceStatusCompleted      WorkspaceStatus = "completed"
	WorkspaceStatusArchived       WorkspaceStatus = "archived"
)

// CanDispatch reports whether the workspace is allowed to dispatch tasks.
// Only active workspaces dispatch at full parallelism; degraded_mode
// workspaces still dispatch, at reduced parallelism (see ParallelismCap).
func (s WorkspaceStatus) CanDispatch() bool {
	return s == WorkspaceStatusActive || s == WorkspaceStatusDegradedMode
}

// IsTerminal reports whether the workspace has stopped ticking entirely.
func (s WorkspaceStatus) IsTerminal() bool {
	return s == WorkspaceStatusCompleted || s == WorkspaceStatusArchived
}

// Workspace is the tenant-scoped top-level unit of work.
type Workspace struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	GoalText          string          `json:"goal_text"`
	Status            WorkspaceStatus `json:"status"`
	ComplianceScore   float64         `json:"compliance_score"`
	RecoveryCount     int             `json:"recovery_count"`
	LastRecoveryAt    *time.Time      `json:"last_recovery_at,omitempty"`
	TotalRecoveries   int             `json:"total_recovery_attempts"`
	SuccessfulRecov   int             `json:"successful_recoveries"`
	ConsecutiveNoDone int             `json:"-"` // ticks since last successful completion, degraded-mode trigger
	ConsecutiveDone   int             `json:"-"` // successful completions since entering degraded_mode, recovery trigger
	Version           int             `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ParallelismCap returns the per-workspace concurrent task-job ceiling for
// the workspace's current status.
func (w *Workspace) ParallelismCap(active, degraded int) int {
	if w.Status == WorkspaceStatusDegradedMode {
		return degraded
	}
	return active
}

// RecordRecoveryAttempt updates the workspace's recovery counters. Call once
// per RecoveryAttempt closed, success or not.
func (w *Workspace) RecordRecoveryAttempt(success bool, at time.Time) {
	w.TotalRecoveries++
	if success {
		w.SuccessfulRecov++
	}
	w.RecoveryCount++
	w.LastRecoveryAt = &at
}
