package models

import "time"

// FailureKind classifies why a task execution failed. The Recovery Engine
// switches on this enum, never on an exception class (see DESIGN NOTES:
// "rich exception hierarchies for control flow" is re-architected away).
type FailureKind string

const (
	FailureTimeout        FailureKind = "timeout"
	FailureToolFailure    FailureKind = "tool_failure"
	FailureLLMRefusal     FailureKind = "llm_refusal"
	FailureParseError     FailureKind = "parse_error"
	FailureQuotaExceeded  FailureKind = "quota_exceeded"
	FailureContextOverflow FailureKind = "context_overflow"
	FailureUnknown        FailureKind = "unknown"
)

// RecoveryStrategy is the Recovery Engine's decision for how to respond to a
// classified failure.
type RecoveryStrategy string

const (
	StrategyRetryWithDelay         RecoveryStrategy = "retry_with_delay"
	StrategyRetryDifferentAgent    RecoveryStrategy = "retry_with_different_agent"
	StrategyDecompose              RecoveryStrategy = "decompose"
	StrategyAlternativeApproach    RecoveryStrategy = "alternative_approach"
	StrategySkipWithFallback       RecoveryStrategy = "skip_with_fallback"
	StrategyContextReconstruction  RecoveryStrategy = "context_reconstruction"
)

// RecoveryAttempt is the audit record of one recovery event.
type RecoveryAttempt struct {
	ID            string           `json:"id"`
	TaskID        string           `json:"task_id"`
	WorkspaceID   string           `json:"workspace_id"`
	Strategy      RecoveryStrategy `json:"strategy"`
	AttemptNumber int              `json:"attempt_number"`
	Confidence    float64          `json:"confidence"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	Success       *bool            `json:"success,omitempty"`
	Reasoning     string           `json:"reasoning"`
}

// Severity grades how visible a RecoveryExplanation must be in the
// workspace snapshot.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RecoveryExplanation is the human-readable counterpart to a RecoveryAttempt,
// persisted for audit. Critical-severity explanations stay surfaced in the
// workspace snapshot until AcknowledgedAt is set.
type RecoveryExplanation struct {
	ID                  string     `json:"id"`
	RecoveryAttemptID   string     `json:"recovery_attempt_id"`
	WorkspaceID         string     `json:"workspace_id"`
	Summary             string     `json:"summary"`
	RootCause           string     `json:"root_cause"`
	Decision            RecoveryStrategy `json:"decision"`
	UserActionRequired  string     `json:"user_action_required,omitempty"`
	Severity            Severity   `json:"severity"`
	CreatedAt           time.Time  `json:"created_at"`
	AcknowledgedAt       *time.Time `json:"acknowledged_at,omitempty"`
}

// RecoveryDecision is what handleFailure returns to its caller: the
// strategy chosen, how confident the engine is in it, and the persisted
// records produced along the way.
type RecoveryDecision struct {
	Strategy    RecoveryStrategy
	Confidence  float64
	Attempt     *RecoveryAttempt
	Explanation *RecoveryExplanation
	// RetryDelay is populated for StrategyRetryWithDelay.
	RetryDelay time.Duration
	// SubtaskSpecs is populated for StrategyDecompose.
	SubtaskSpecs []TaskSpec
}

// TaskSpec is the minimal shape needed to create a new task, used by
// decomposition (both the original goal-driven planner and the recovery
// engine's decompose strategy).
type TaskSpec struct {
	Name        string
	Description string
	GoalID      string
	Priority    float64
}

// FailurePattern tracks repeated occurrences of the same failure signature
// within a workspace, used by the decompose escalation rule (≥3 occurrences).
type FailurePattern struct {
	ID              string    `json:"id"`
	WorkspaceID     string    `json:"workspace_id"`
	Signature       string    `json:"signature"` // sha256(kind + normalized_message)
	Kind            FailureKind `json:"kind"`
	OccurrenceCount int       `json:"occurrence_count"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// RecoveryJobStatus is the lease state machine for a queued retry_with_delay
// job, modeled on the teacher's retrospective_jobs claim/lease pattern.
type RecoveryJobStatus string

const (
	RecoveryJobQueued    RecoveryJobStatus = "queued"
	RecoveryJobRunning   RecoveryJobStatus = "running"
	RecoveryJobRetry     RecoveryJobStatus = "retry"
	RecoveryJobSucceeded RecoveryJobStatus = "succeeded"
	RecoveryJobDead      RecoveryJobStatus = "dead"
)

// RecoveryJob is a durable, lease-claimed unit of delayed re-dispatch work.
// When the Recovery Engine picks StrategyRetryWithDelay, it enqueues one of
// these instead of sleeping in-process; the Supervisor's recovery sweep
// claims due jobs and re-enqueues their task.
type RecoveryJob struct {
	ID             string            `json:"id"`
	WorkspaceID    string            `json:"workspace_id"`
	TaskID         string            `json:"task_id"`
	Status         RecoveryJobStatus `json:"status"`
	Attempt        int               `json:"attempt"`
	MaxAttempts    int               `json:"max_attempts"`
	NextRunAt      time.Time         `json:"next_run_at"`
	ClaimedBy      string            `json:"claimed_by,omitempty"`
	ClaimExpiresAt *time.Time        `json:"claim_expires_at,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}
