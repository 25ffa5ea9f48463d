package models

import "time"

// DisplayFormat is the user-facing rendering format of a deliverable.
type DisplayFormat string

const (
	DisplayFormatHTML     DisplayFormat = "html"
	DisplayFormatMarkdown DisplayFormat = "markdown"
	DisplayFormatText     DisplayFormat = "text"
)

// TransformationStatus tracks the Content Transformer's progress on a
// deliverable's display_content.
type TransformationStatus string

const (
	TransformationPending TransformationStatus = "pending"
	TransformationSuccess TransformationStatus = "success"
	TransformationFailed  TransformationStatus = "failed"
	TransformationSkipped TransformationStatus = "skipped"
)

// DeliverableStatus is the aggregation lifecycle of a deliverable.
type DeliverableStatus string

const (
	DeliverableStatusDraft      DeliverableStatus = "draft"
	DeliverableStatusInProgress DeliverableStatus = "in_progress"
	DeliverableStatusCompleted  DeliverableStatus = "completed"
	DeliverableStatusFailed     DeliverableStatus = "failed"
)

// Deliverable is an aggregated, goal-scoped output with dual-format content:
// Content is the structured execution format; DisplayContent is the cached,
// AI-transformed user-facing rendering.
type Deliverable struct {
	ID                    string                `json:"id"`
	WorkspaceID           string                `json:"workspace_id"`
	GoalID                string                `json:"goal_id"`
	Title                 string                `json:"title"`
	Content               string                `json:"content"` // JSON-encoded structured execution format
	DisplayContent        string                `json:"display_content,omitempty"`
	DisplayFormat         DisplayFormat         `json:"display_format,omitempty"`
	DisplayQualityScore   float64               `json:"display_quality_score"`
	TransformationStatus  TransformationStatus  `json:"transformation_status"`
	TransformationTimestamp *time.Time          `json:"transformation_timestamp,omitempty"`
	Status                DeliverableStatus     `json:"status"`
	BusinessValueScore    float64               `json:"business_value_score"`
	ContributingTaskIDs   []string              `json:"contributing_task_ids"`
	ContributingTotal     float64               `json:"contributing_total"`
	Version               int                   `json:"version"`
	CreatedAt              time.Time            `json:"created_at"`
	UpdatedAt               time.Time           `json:"updated_at"`
}

// HasDisplayContent reports whether display_content has been populated.
// It may legitimately be absent while transformation_status is pending,
// failed, or skipped.
func (d *Deliverable) HasDisplayContent() bool {
	return d.DisplayContent != ""
}
