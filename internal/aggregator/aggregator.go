// Package aggregator is the Aggregator: it folds a completed task's output
// into its goal's one deliverable, merging structured content by field
// union rather than overwrite, then reports the task's contribution back to
// the Goal Registry so goal progress and the deliverable's own readiness
// advance together.
package aggregator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dotcommander/orchestron/internal/eventbus"
	"github.com/dotcommander/orchestron/internal/goalregistry"
	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/store"
)

// DegradedContributionFactor is how much of a task's normal contribution
// value counts toward its goal when the recovery engine's
// skip_with_fallback strategy synthesized the completion, per spec.md §4.5.
const DegradedContributionFactor = 0.8

// DefaultMinCompletedTasksForDeliverable is how many distinct tasks must
// have contributed to a deliverable before it can close, even once its
// running total has reached the goal's target value.
const DefaultMinCompletedTasksForDeliverable = 2

// Aggregator is the Aggregator.
type Aggregator struct {
	db                 *sql.DB
	goals              *goalregistry.Registry
	bus                *eventbus.Client // nil is valid: deliverable-ready is then only persisted, not published live
	minCompletedTasks  int
}

// New returns an Aggregator.
func New(db *sql.DB, goals *goalregistry.Registry, bus *eventbus.Client) *Aggregator {
	return &Aggregator{db: db, goals: goals, bus: bus, minCompletedTasks: DefaultMinCompletedTasksForDeliverable}
}

// SetMinCompletedTasks overrides the default contributing-task floor a
// deliverable must clear before it can be marked completed.
func (a *Aggregator) SetMinCompletedTasks(n int) { a.minCompletedTasks = n }

// content is the structured JSON shape stored in deliverables.content_json.
// Each task's output folds into it by appending to the relevant slice —
// a union, never an overwrite — so no earlier task's contribution is lost
// when a later one lands.
type content struct {
	Summaries []string                 `json:"summaries,omitempty"`
	Records   []map[string]any         `json:"records,omitempty"`
	Documents []string                 `json:"documents,omitempty"`
	Artifacts []models.ArtifactPayload `json:"artifacts,omitempty"`
}

// Ingest folds a completed task's output into its goal's deliverable
// (creating one on first contribution), reports the resulting progress to
// the Goal Registry, and returns the deliverable's post-ingest state.
func (a *Aggregator) Ingest(task *models.Task, out *models.TaskOutput) (*models.Deliverable, error) {
	goal, err := a.goals.Get(task.GoalID)
	if err != nil {
		return nil, fmt.Errorf("load goal: %w", err)
	}

	contribution := task.ContributionValue
	if task.QualityFlag == models.QualityFlagDegraded {
		contribution *= DegradedContributionFactor
	}

	var deliverableID string
	var becameReady bool
	err = store.Transact(a.db, func(tx *sql.Tx) error {
		d, getErr := store.GetDeliverableByGoalTx(tx, task.GoalID)
		if errors.Is(getErr, sql.ErrNoRows) {
			var createErr error
			d, createErr = store.CreateDeliverableTx(tx, task.WorkspaceID, task.GoalID, deliverableTitle(goal))
			if createErr != nil {
				return createErr
			}
		} else if getErr != nil {
			return getErr
		}
		deliverableID = d.ID

		merged, mergeErr := mergeContent(d.Content, out)
		if mergeErr != nil {
			return mergeErr
		}
		newTotal := d.ContributingTotal + contribution
		businessValue := 1.0
		if goal.TargetValue > 0 {
			businessValue = newTotal / goal.TargetValue
			if businessValue > 1 {
				businessValue = 1
			}
		}
		if err := store.SetDeliverableContentTx(tx, d.ID, merged, businessValue, d.Version); err != nil {
			return err
		}
		d.Version++

		wasReady := d.Status == models.DeliverableStatusCompleted
		if err := store.ContributeTaskOutputTx(tx, d.ID, task.ID, contribution, goal.TargetValue, a.minCompletedTasks, d.Version); err != nil {
			return err
		}
		contributingCount := len(d.ContributingTaskIDs) + 1
		becameReady = !wasReady && newTotal >= goal.TargetValue && contributingCount >= a.minCompletedTasks
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest task output: %w", err)
	}

	newGoalCurrent := goal.CurrentValue + contribution
	reportedPct := 0.0
	if goal.TargetValue > 0 {
		reportedPct = 100 * newGoalCurrent / goal.TargetValue
		if reportedPct > 100 {
			reportedPct = 100
		}
	}
	if err := a.goals.ReportProgress(goal.ID, newGoalCurrent, reportedPct); err != nil {
		return nil, fmt.Errorf("report goal progress: %w", err)
	}

	deliverable, err := store.GetDeliverable(a.db, deliverableID)
	if err != nil {
		return nil, fmt.Errorf("reload deliverable: %w", err)
	}

	if becameReady && a.bus != nil {
		_ = a.bus.Publish(eventbus.Event{
			WorkspaceID: task.WorkspaceID,
			Kind:        models.EventDeliverableReady,
			EntityID:    deliverable.ID,
			Metadata: map[string]any{
				"goal_id": goal.ID,
				"title":   deliverable.Title,
			},
			OccurredAt: time.Now(),
		})
	}

	return deliverable, nil
}

// Get returns a goal's deliverable, or nil if no task has contributed yet.
func (a *Aggregator) Get(ctx context.Context, goalID string) (*models.Deliverable, error) {
	var d *models.Deliverable
	err := store.Transact(a.db, func(tx *sql.Tx) error {
		var getErr error
		d, getErr = store.GetDeliverableByGoalTx(tx, goalID)
		return getErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// List returns every deliverable in a workspace.
func (a *Aggregator) List(workspaceID string) ([]*models.Deliverable, error) {
	return store.ListDeliverablesByWorkspace(a.db, workspaceID)
}

func deliverableTitle(goal *models.Goal) string {
	return goal.Description
}

// mergeContent unions out's populated fields into the deliverable's
// existing structured content. An empty or malformed existingJSON starts a
// fresh content envelope rather than failing the ingest — a deliverable's
// first contribution always has empty content_json ("{}").
func mergeContent(existingJSON string, out *models.TaskOutput) (string, error) {
	var c content
	if existingJSON != "" {
		_ = json.Unmarshal([]byte(existingJSON), &c)
	}

	if out.Summary != "" {
		c.Summaries = append(c.Summaries, out.Summary)
	}
	if len(out.StructuredRecords) > 0 {
		c.Records = append(c.Records, out.StructuredRecords...)
	}
	if out.DocumentBody != "" {
		c.Documents = append(c.Documents, out.DocumentBody)
	}
	if len(out.Artifacts) > 0 {
		c.Artifacts = append(c.Artifacts, out.Artifacts...)
	}

	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal merged deliverable content: %w", err)
	}
	return string(b), nil
}
