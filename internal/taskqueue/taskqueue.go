// Package taskqueue is the Task Queue: enqueue/dedup, ready-task selection,
// and the status transitions that move a task through in_progress, complete,
// failed, and requeued. It is layered over internal/store's tasks.go and
// task_claim_next.go exactly as SPEC_FULL.md's domain stack calls for.
package taskqueue

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dotcommander/orchestron/internal/capability"
	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/store"
)

// DefaultBackpressureCeiling is the default maximum pending (non-terminal)
// task count per workspace before Enqueue refuses new work.
const DefaultBackpressureCeiling = 200

// RecoveryPenaltyPerAttempt is subtracted from priority per recovery_count,
// to avoid thrashing on chronically failing work.
const RecoveryPenaltyPerAttempt = 0.1

// Queue is the Task Queue.
type Queue struct {
	db                  *sql.DB
	classifier          capability.Capability // optional AI-aided priority scorer; nil uses the deterministic formula only
	backpressureCeiling int
}

// New returns a Queue. classifier may be nil to always use the deterministic
// priority formula.
func New(db *sql.DB, classifier capability.Capability) *Queue {
	return &Queue{db: db, classifier: classifier, backpressureCeiling: DefaultBackpressureCeiling}
}

// SetBackpressureCeiling overrides the default 200-pending-task ceiling.
func (q *Queue) SetBackpressureCeiling(n int) { q.backpressureCeiling = n }

// Enqueue computes the task's deterministic base priority, then asks the
// classifier (if configured) to refine it, validates the goal, checks
// backpressure, and inserts. Re-enqueuing a semantically identical task
// (same workspace+name+description+goal) returns the existing row wrapped in
// *models.DuplicateTaskError rather than inserting a duplicate.
func (q *Queue) Enqueue(ctx context.Context, workspaceID, goalID, name, description string, contributionValue float64) (*models.Task, error) {
	goal, err := store.GetGoal(q.db, goalID)
	if err != nil {
		return nil, &models.UnknownGoalError{GoalID: goalID}
	}
	if goal.Status.IsTerminal() || goal.Status == models.GoalStatusPaused {
		return nil, &models.GoalInactiveError{GoalID: goalID, Status: goal.Status}
	}

	pending, err := store.CountPendingTasks(q.db, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("count pending tasks: %w", err)
	}
	if pending >= q.backpressureCeiling {
		return nil, &models.QueueBackpressureError{WorkspaceID: workspaceID, Pending: pending, Ceiling: q.backpressureCeiling}
	}

	priority := q.priorityScore(ctx, description, goal.Priority, 0, time.Now())

	var task *models.Task
	err = store.Transact(q.db, func(tx *sql.Tx) error {
		var err error
		task, err = store.EnqueueTaskTx(tx, workspaceID, goalID, name, description, priority, contributionValue)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// PickReady returns up to n ready tasks in a workspace eligible for dispatch
// right now: status=ready, cooldown elapsed, belonging to a goal that is
// pending or active (not paused, not terminal). Already ordered by
// priority_score desc, created_at asc by the underlying store query.
func (q *Queue) PickReady(workspaceID string, n int) ([]*models.Task, error) {
	allReady, err := store.ListTasksByWorkspace(q.db, workspaceID, models.TaskStatusReady)
	if err != nil {
		return nil, fmt.Errorf("list ready tasks: %w", err)
	}
	activeGoals, err := store.ListActiveGoalsByWorkspace(q.db, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list active goals: %w", err)
	}
	allowedGoal := make(map[string]struct{}, len(activeGoals))
	for _, g := range activeGoals {
		allowedGoal[g.ID] = struct{}{}
	}

	now := time.Now()
	out := make([]*models.Task, 0, n)
	for _, t := range allReady {
		if _, ok := allowedGoal[t.GoalID]; !ok {
			continue
		}
		if !t.IsReady(now) {
			continue
		}
		out = append(out, t)
		if n > 0 && len(out) >= n {
			break
		}
	}
	return out, nil
}

// MarkInProgress transitions a task to in_progress and binds it to agentID.
func (q *Queue) MarkInProgress(taskID string, taskVersion int, agentID string) error {
	return store.Transact(q.db, func(tx *sql.Tx) error {
		return store.AssignTaskAgentTx(tx, taskID, agentID, taskVersion)
	})
}

// MarkComplete records a task's output and marks it completed, optionally
// flagging it degraded when the recovery engine synthesized the completion.
func (q *Queue) MarkComplete(taskID string, taskVersion int, out *models.TaskOutput, payloadJSON string, qualityFlag models.QualityFlag) error {
	return store.Transact(q.db, func(tx *sql.Tx) error {
		if err := store.InsertTaskOutputTx(tx, taskID, out, payloadJSON); err != nil {
			return err
		}
		return store.MarkTaskCompletedTx(tx, taskID, qualityFlag, taskVersion)
	})
}

// MarkFailed records a failure and transitions the task to nextStatus
// (typically failed or ready-under-cooldown, per the recovery engine's
// chosen strategy).
func (q *Queue) MarkFailed(taskID string, taskVersion int, failureKind models.FailureKind, nextStatus models.TaskStatus, cooldownUntil *time.Time) error {
	var cd any
	if cooldownUntil != nil {
		cd = *cooldownUntil
	}
	return store.Transact(q.db, func(tx *sql.Tx) error {
		return store.RecordTaskFailureTx(tx, taskID, failureKind, nextStatus, cd, taskVersion)
	})
}

// Requeue returns a task to ready status under a future cooldown, without
// touching its recovery bookkeeping — used by callers that want a task
// retried without counting it as a failure (e.g. a manual operator retry).
func (q *Queue) Requeue(taskID string, taskVersion int, delay time.Duration) error {
	until := time.Now().Add(delay)
	return store.Transact(q.db, func(tx *sql.Tx) error {
		return store.SetTaskCooldownTx(tx, taskID, until, taskVersion)
	})
}

// priorityScore implements §4.2's deterministic formula:
// base_priority + urgency_boost(age) + goal_priority_weight -
// recovery_penalty(recovery_count). Age is always zero at enqueue time, so
// urgency_boost only grows for tasks re-scored later (e.g. by a future
// re-prioritization sweep); recovery_count is likewise zero for a freshly
// enqueued task. When a classifier is configured, its response refines
// (but never replaces) the deterministic floor — a classifier error or
// unparseable response silently falls back to the formula alone.
func (q *Queue) priorityScore(ctx context.Context, description string, goalPriority models.GoalPriority, recoveryCount int, createdAt time.Time) float64 {
	age := time.Since(createdAt)
	base := 0.5
	urgency := math.Sqrt(age.Minutes())
	goalWeight := goalPriority.Weight()
	recoveryPenalty := RecoveryPenaltyPerAttempt * float64(recoveryCount)

	score := base + urgency + goalWeight - recoveryPenalty

	if q.classifier != nil {
		if refined, ok := q.aiPriority(ctx, description, score); ok {
			return refined
		}
	}
	return score
}

func (q *Queue) aiPriority(ctx context.Context, description string, deterministic float64) (float64, bool) {
	prompt := fmt.Sprintf(
		"Given the deterministic priority score %.3f for this task, refine it to a float "+
			"between 0.0 and 10.0 reflecting urgency and impact. Task: %q. Respond with only the number.",
		deterministic, description,
	)
	resp, err := q.classifier.Complete(ctx, prompt)
	if err != nil {
		return 0, false
	}
	refined, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, false
	}
	return refined, true
}
