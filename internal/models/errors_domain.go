package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is matching; the structured types below satisfy
// RecoverableError and also implement Is(target) so callers can match
// either the sentinel or the concrete type.
var (
	ErrDuplicateTask        = errors.New("duplicate task: semantic hash already exists in workspace")
	ErrUnknownGoal          = errors.New("unknown goal")
	ErrGoalInactive         = errors.New("goal is in a terminal status")
	ErrQueueBackpressure    = errors.New("task queue backpressure: pending ceiling reached")
	ErrVersionConflict      = errors.New("version conflict: record was modified by another process")
	ErrTransientStoreConflict = errors.New("transient store conflict: optimistic concurrency retry exhausted")
	ErrNotFound             = errors.New("entity not found")
)

// DuplicateTaskError is returned by taskqueue.Enqueue when the computed
// semantic_hash collides with an existing row in the same workspace.
type DuplicateTaskError struct {
	WorkspaceID    string
	SemanticHash   string
	ExistingTaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task in workspace %s (existing task %s)", e.WorkspaceID, e.ExistingTaskID)
}
func (e *DuplicateTaskError) ErrorCode() string { return "DUPLICATE_TASK" }
func (e *DuplicateTaskError) Context() map[string]string {
	return map[string]string{
		"workspace_id":    e.WorkspaceID,
		"semantic_hash":   e.SemanticHash,
		"existing_task_id": e.ExistingTaskID,
	}
}
func (e *DuplicateTaskError) SuggestedAction() string {
	return "use the existing task id " + e.ExistingTaskID + " instead of re-enqueuing"
}
func (e *DuplicateTaskError) Is(target error) bool { return target == ErrDuplicateTask }

// UnknownGoalError is returned when a task references a goal_id that does
// not exist in the workspace.
type UnknownGoalError struct {
	GoalID string
}

func (e *UnknownGoalError) Error() string           { return "unknown goal: " + e.GoalID }
func (e *UnknownGoalError) ErrorCode() string       { return "UNKNOWN_GOAL" }
func (e *UnknownGoalError) Context() map[string]string {
	return map[string]string{"goal_id": e.GoalID}
}
func (e *UnknownGoalError) SuggestedAction() string { return "create the goal before enqueuing tasks against it" }
func (e *UnknownGoalError) Is(target error) bool    { return target == ErrUnknownGoal }

// GoalInactiveError is returned when enqueueing against a goal whose status
// is terminal (completed, failed, cancelled) or paused.
type GoalInactiveError struct {
	GoalID string
	Status GoalStatus
}

func (e *GoalInactiveError) Error() string {
	return fmt.Sprintf("goal %s is inactive (status=%s)", e.GoalID, e.Status)
}
func (e *GoalInactiveError) ErrorCode() string { return "GOAL_INACTIVE" }
func (e *GoalInactiveError) Context() map[string]string {
	return map[string]string{"goal_id": e.GoalID, "status": string(e.Status)}
}
func (e *GoalInactiveError) SuggestedAction() string {
	return "resume or reopen the goal before scheduling more work against it"
}
func (e *GoalInactiveError) Is(target error) bool { return target == ErrGoalInactive }

// QueueBackpressureError is returned when a workspace's pending task count
// would exceed the configured ceiling.
type QueueBackpressureError struct {
	WorkspaceID string
	Pending     int
	Ceiling     int
}

func (e *QueueBackpressureError) Error() string {
	return fmt.Sprintf("queue backpressure: %d pending tasks at ceiling %d", e.Pending, e.Ceiling)
}
func (e *QueueBackpressureError) ErrorCode() string { return "QUEUE_BACKPRESSURE" }
func (e *QueueBackpressureError) Context() map[string]string {
	return map[string]string{
		"workspace_id": e.WorkspaceID,
		"pending":      fmt.Sprintf("%d", e.Pending),
		"ceiling":      fmt.Sprintf("%d", e.Ceiling),
	}
}
func (e *QueueBackpressureError) SuggestedAction() string {
	return "wait for pending tasks to drain or raise QueueBackpressureCeiling"
}
func (e *QueueBackpressureError) Is(target error) bool { return target == ErrQueueBackpressure }

// VersionConflictError is returned by any optimistic-concurrency update that
// lost a race against a concurrent writer.
type VersionConflictError struct {
	Entity  string
	ID      string
	Version int
}

func (e *VersionConflictError) Error() string {
	return "version conflict: record was modified by another process"
}
func (e *VersionConflictError) ErrorCode() string { return "VERSION_CONFLICT" }
func (e *VersionConflictError) Context() map[string]string {
	return map[string]string{
		"entity":  e.Entity,
		"id":      e.ID,
		"version": fmt.Sprintf("%d", e.Version),
	}
}
func (e *VersionConflictError) SuggestedAction() string { return "reload and retry the operation" }
func (e *VersionConflictError) Is(target error) bool    { return target == ErrVersionConflict }

// TransientStoreConflictError describes an optimistic-concurrency conflict
// that persisted after a retry. No store function in this module returns
// it; a version conflict surfaces as *VersionConflictError.
type TransientStoreConflictError struct {
	Entity string
	ID     string
}

func (e *TransientStoreConflictError) Error() string {
	return fmt.Sprintf("transient store conflict on %s %s after retry", e.Entity, e.ID)
}
func (e *TransientStoreConflictError) ErrorCode() string { return "TRANSIENT_STORE_CONFLICT" }
func (e *TransientStoreConflictError) Context() map[string]string {
	return map[string]string{"entity": e.Entity, "id": e.ID}
}
func (e *TransientStoreConflictError) SuggestedAction() string {
	return "retry the caller-level operation with a fresh read"
}
func (e *TransientStoreConflictError) Is(target error) bool {
	return target == ErrTransientStoreConflict
}

// NotFoundError is returned when a lookup by ID finds no row.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string               { return e.Entity + " not found: " + e.ID }
func (e *NotFoundError) ErrorCode() string            { return "NOT_FOUND" }
func (e *NotFoundError) Context() map[string]string   { return map[string]string{"entity": e.Entity, "id": e.ID} }
func (e *NotFoundError) SuggestedAction() string       { return "verify the id and workspace scope" }
func (e *NotFoundError) Is(target error) bool          { return target == ErrNotFound }
