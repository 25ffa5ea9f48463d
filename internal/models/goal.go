package models

import "time"

// GoalMetricType describes how a goal's current/target values are measured.
type GoalMetricType string

const (
	GoalMetricCount       GoalMetricType = "count"
	GoalMetricRatio       GoalMetricType = "ratio"
	GoalMetricTextQuality GoalMetricType = "text_quality"
	GoalMetricTimeline    GoalMetricType = "timeline"
	GoalMetricCustom      GoalMetricType = "custom"
)

// GoalStatus is a goal's lifecycle state.
type GoalStatus string

const (
	GoalStatusPending   GoalStatus = "pending"
	GoalStatusActive    GoalStatus = "active"
	GoalStatusPaused    GoalStatus = "paused"
	GoalStatusCompleted GoalStatus = "completed"
	GoalStatusFailed    GoalStatus = "failed"
	GoalStatusCancelled GoalStatus = "cancelled"
)

// IsTerminal reports whether no further task work should accrue to this goal.
func (s GoalStatus) IsTerminal() bool {
	return s == GoalStatusCompleted || s == GoalStatusFailed || s == GoalStatusCancelled
}

// GoalPriority orders goals when multiple are under-satisfied at once.
type GoalPriority string

const (
	GoalPriorityLow      GoalPriority = "low"
	GoalPriorityMedium   GoalPriority = "medium"
	GoalPriorityHigh     GoalPriority = "high"
	GoalPriorityCritical GoalPriority = "critical"
)

// Weight returns the deterministic scoring weight used by the task queue's
// priority_score formula (goal_priority_weight term).
func (p GoalPriority) Weight() float64 {
	switch p {
	case GoalPriorityCritical:
		return 30
	case GoalPriorityHigh:
		return 20
	case GoalPriorityMedium:
		return 10
	case GoalPriorityLow:
		return 0
	default:
		return 0
	}
}

// Goal is a measurable sub-target decomposed from a workspace's goal text.
type Goal struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Description string         `json:"description"`
	MetricType  GoalMetricType `json:"metric_type"`
	TargetValue float64        `json:"target_value"`
	// CurrentValue is the system's own ledger of progress toward
	// TargetValue; store.UpdateGoalProgressTx writes it as given.
	CurrentValue float64      `json:"current_value"`
	Status       GoalStatus   `json:"status"`
	Priority     GoalPriority `json:"priority"`
	// ReportedProgressPercentage is whatever value was last surfaced to a
	// caller (e.g. cached in a UI, or independently computed by a caller).
	// It exists so ProgressGap has something external to compare against;
	// components that only read Goal should use ProgressPercentage().
	ReportedProgressPercentage float64 `json:"reported_progress_percentage"`
	Version                    int     `json:"version"`
	CreatedAt                  time.Time `json:"created_at"`
	UpdatedAt                  time.Time `json:"updated_at"`
}

// ProgressPercentage is the derived progress: min(100, 100*current/target)
// when target > 0, else 0.
func (g *Goal) ProgressPercentage() float64 {
	if g.TargetValue <= 0 {
		return 0
	}
	pct := 100 * g.CurrentValue / g.TargetValue
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// IsSatisfied reports whether current_value has reached target_value.
func (g *Goal) IsSatisfied() bool {
	return g.TargetValue > 0 && g.CurrentValue >= g.TargetValue
}

// ProgressGap reports a transparency gap: a mismatch between the goal's own
// calculated progress and whatever was last reported for it. The spec
// mandates these be equal; any divergence is itself the signal to emit, not
// silently reconciled.
func (g *Goal) ProgressGap() (gap float64, hasGap bool) {
	calculated := g.ProgressPercentage()
	diff := calculated - g.ReportedProgressPercentage
	if diff < 0 {
		diff = -diff
	}
	const epsilon = 0.01
	return diff, diff > epsilon
}
