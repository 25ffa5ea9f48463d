// Package goalregistry is the Goal Registry: goal CRUD, progress updates,
// and transparency-gap detection, layered over internal/store's goal
// persistence. It is what the Supervisor consults each tick for
// under-satisfied goals, and what the Aggregator reports progress back to
// after a deliverable absorbs a task's output.
package goalregistry

import (
	"database/sql"
	"fmt"

	"github.com/dotcommander/orchestron/internal/eventbus"
	"github.com/dotcommander/orchestron/internal/memorystore"
	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/store"
)

// Registry is the Goal Registry.
type Registry struct {
	db     *sql.DB
	memory *memorystore.Store
	bus    *eventbus.Client // nil is valid: transparency-gap events are then only persisted as insights
}

// New returns a Registry. bus may be nil if no workspace event bus is wired
// (e.g. in tests that only care about persisted state).
func New(db *sql.DB, memory *memorystore.Store, bus *eventbus.Client) *Registry {
	return &Registry{db: db, memory: memory, bus: bus}
}

// Create adds a new goal to a workspace, pending until its first progress
// update activates it.
func (r *Registry) Create(workspaceID, description string, metricType models.GoalMetricType, targetValue float64, priority models.GoalPriority) (*models.Goal, error) {
	var g *models.Goal
	err := store.Transact(r.db, func(tx *sql.Tx) error {
		var err error
		g, err = store.CreateGoalTx(tx, workspaceID, description, metricType, targetValue, priority)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create goal: %w", err)
	}
	return g, nil
}

// Get returns a goal by ID.
func (r *Registry) Get(id string) (*models.Goal, error) {
	return store.GetGoal(r.db, id)
}

// UnderSatisfied returns every active (pending or active) goal in a
// workspace, in the priority/creation order the Supervisor pulls work from.
func (r *Registry) UnderSatisfied(workspaceID string) ([]*models.Goal, error) {
	return store.ListActiveGoalsByWorkspace(r.db, workspaceID)
}

// ReportProgress advances a goal's current_value and the externally reported
// percentage used for the transparency-gap comparison. If the two progress
// figures diverge by more than the epsilon in models.Goal.ProgressGap, it
// records a `risk` insight and publishes a goal.progress_updated event with
// transparency_gap=true — per spec, the divergence itself is the signal;
// it is never silently reconciled.
func (r *Registry) ReportProgress(goalID string, currentValue, reportedProgressPercentage float64) error {
	g, err := store.GetGoal(r.db, goalID)
	if err != nil {
		return err
	}

	if err := store.Transact(r.db, func(tx *sql.Tx) error {
		return store.UpdateGoalProgressTx(tx, goalID, currentValue, reportedProgressPercentage, g.Version)
	}); err != nil {
		return fmt.Errorf("report goal progress: %w", err)
	}

	updated, err := store.GetGoal(r.db, goalID)
	if err != nil {
		return fmt.Errorf("reload goal after progress update: %w", err)
	}

	gap, hasGap := updated.ProgressGap()
	if hasGap {
		if r.memory != nil {
			_, insErr := r.memory.Record(models.InsightRisk, updated.WorkspaceID,
				fmt.Sprintf("transparency gap on goal %s: calculated=%.2f reported=%.2f (diff=%.2f)",
					updated.ID, updated.ProgressPercentage(), updated.ReportedProgressPercentage, gap),
				0.9, 0.7, []string{"transparency_gap"}, "")
			if insErr != nil {
				return fmt.Errorf("record transparency gap insight: %w", insErr)
			}
		}
		if r.bus != nil {
			_ = r.bus.Publish(eventbus.Event{
				WorkspaceID: updated.WorkspaceID,
				Kind:        models.EventGoalProgressUpdated,
				EntityID:    updated.ID,
				Metadata: map[string]any{
					"transparency_gap": true,
					"calculated_pct":   updated.ProgressPercentage(),
					"reported_pct":     updated.ReportedProgressPercentage,
					"gap":              gap,
				},
			})
		}
		return nil
	}

	if r.bus != nil {
		_ = r.bus.Publish(eventbus.Event{
			WorkspaceID: updated.WorkspaceID,
			Kind:        models.EventGoalProgressUpdated,
			EntityID:    updated.ID,
			Metadata: map[string]any{
				"transparency_gap": false,
				"progress_pct":     updated.ProgressPercentage(),
			},
		})
	}
	return nil
}

// Pause, Resume, and Cancel transition a goal's status directly without
// touching its progress values.
func (r *Registry) Pause(goalID string) error  { return r.setStatus(goalID, models.GoalStatusPaused) }
func (r *Registry) Resume(goalID string) error { return r.setStatus(goalID, models.GoalStatusActive) }
func (r *Registry) Cancel(goalID string) error {
	return r.setStatus(goalID, models.GoalStatusCancelled)
}

func (r *Registry) setStatus(goalID string, status models.GoalStatus) error {
	g, err := store.GetGoal(r.db, goalID)
	if err != nil {
		return err
	}
	return store.Transact(r.db, func(tx *sql.Tx) error {
		return store.UpdateGoalStatusTx(tx, goalID, status, g.Version)
	})
}
