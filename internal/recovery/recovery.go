// Package recovery is the Recovery Engine: it classifies a failed task
// execution and decides how to respond, following the ordered rule chain in
// SPEC_FULL.md §4.5. Every decision is persisted as a RecoveryAttempt plus a
// human-readable RecoveryExplanation, so a workspace's failure history is
// always auditable even when the engine chooses to retry silently.
package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dotcommander/orchestron/internal/capability"
	"github.com/dotcommander/orchestron/internal/eventbus"
	"github.com/dotcommander/orchestron/internal/memorystore"
	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/store"
	"github.com/dotcommander/orchestron/internal/taskqueue"
	"github.com/dotcommander/orchestron/internal/telemetry"
)

// Tuning constants, per spec.md §4.5's ordered rule chain. The retry-delay
// and max-attempts knobs are configurable (see Config) and default to
// spec.md §6's values; these constants only back DefaultConfig.
const (
	DecomposeOccurrenceThreshold  = 3
	SkipFallbackContribution      = 0.8
	MaxSubtasks                   = 4
	DefaultMaxRecoveryAttempts    = 5
	DefaultBaseRetryDelay         = 30 * time.Second
	DefaultMaxRetryDelay          = 10 * time.Minute
	RetryJitterFraction           = 0.2
	ConfidenceFloor               = 0.7
	DefaultRecoveryJobMaxAttempts = 5
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Config holds the recovery tuning knobs spec.md §6 exposes via
// Settings.MaxAutoRecoveryAttempts/RecoveryDelayBaseSeconds/
// RecoveryDelayCapSeconds.
type Config struct {
	MaxAttempts    int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
}

// DefaultConfig returns the spec-default recovery tuning.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    DefaultMaxRecoveryAttempts,
		BaseRetryDelay: DefaultBaseRetryDelay,
		MaxRetryDelay:  DefaultMaxRetryDelay,
	}
}

// Engine is the Recovery Engine.
type Engine struct {
	db         *sql.DB
	queue      *taskqueue.Queue
	mem        *memorystore.Store
	bus        *eventbus.Client // nil is valid: events are then only persisted, not published live
	classifier capability.Capability
	cfg        Config
	metrics    *telemetry.Metrics
}

// New returns an Engine. classifier may be nil to always use deterministic
// confidence scores.
func New(db *sql.DB, queue *taskqueue.Queue, mem *memorystore.Store, bus *eventbus.Client, classifier capability.Capability) *Engine {
	return &Engine{
		db:         db,
		queue:      queue,
		mem:        mem,
		bus:        bus,
		classifier: classifier,
		cfg:        DefaultConfig(),
	}
}

// SetConfig overrides the default recovery tuning.
func (e *Engine) SetConfig(cfg Config) { e.cfg = cfg }

// SetMetrics attaches a telemetry.Metrics instance that HandleFailure
// reports attempt counts to, by strategy and outcome. Safe to leave unset.
func (e *Engine) SetMetrics(m *telemetry.Metrics) { e.metrics = m }

// HandleFailure is called by whatever drove Executor.Execute once it
// receives a non-nil *models.ExecutionError. It classifies the failure,
// picks a strategy, applies its side effects to the task (and, for
// decompose, to new sibling tasks), and returns the full decision for
// logging/testing.
func (e *Engine) HandleFailure(ctx context.Context, task *models.Task, execErr *models.ExecutionError) (*models.RecoveryDecision, error) {
	normalized := normalizeMessage(execErr.Message)
	signature := store.FailureSignatureOf(execErr.Kind, normalized)

	var pattern *models.FailurePattern
	err := store.Transact(e.db, func(tx *sql.Tx) error {
		var err error
		pattern, err = store.UpsertFailurePatternTx(tx, task.WorkspaceID, signature, execErr.Kind)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upsert failure pattern: %w", err)
	}

	strategy, confidence, reasoning := e.decideStrategy(task, execErr, pattern)

	if e.classifier != nil {
		if refined, ok := e.refineConfidence(ctx, reasoning, confidence); ok {
			confidence = refined
		}
	}
	if confidence < ConfidenceFloor && strategy != models.StrategySkipWithFallback && strategy != models.StrategyRetryWithDelay {
		reasoning = fmt.Sprintf("confidence %.2f in %q fell below the %.2f floor; falling back to retry_with_delay. Original reasoning: %s",
			confidence, strategy, ConfidenceFloor, reasoning)
		strategy = models.StrategyRetryWithDelay
		confidence = ConfidenceFloor
	}

	attemptNumber := task.RecoveryCount + 1
	var attempt *models.RecoveryAttempt
	err = store.Transact(e.db, func(tx *sql.Tx) error {
		var err error
		attempt, err = store.InsertRecoveryAttemptTx(tx, task.WorkspaceID, task.ID, strategy, attemptNumber, confidence, reasoning)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert recovery attempt: %w", err)
	}

	decision := &models.RecoveryDecision{
		Strategy:   strategy,
		Confidence: confidence,
		Attempt:    attempt,
	}

	applyErr := e.applyStrategy(ctx, task, execErr, pattern, strategy, decision)
	success := applyErr == nil

	if compErr := store.Transact(e.db, func(tx *sql.Tx) error {
		return store.CompleteRecoveryAttemptTx(tx, attempt.ID, success)
	}); compErr != nil {
		return decision, fmt.Errorf("complete recovery attempt: %w", compErr)
	}

	explanation, expErr := e.explain(task, attempt.ID, execErr, strategy, success)
	if expErr == nil {
		decision.Explanation = explanation
	}

	if e.metrics != nil {
		outcome := "failed"
		if success {
			outcome = "succeeded"
		}
		e.metrics.RecoveryAttempts.WithLabelValues(task.WorkspaceID, string(strategy), outcome).Inc()
	}

	if e.bus != nil {
		_ = e.bus.Publish(eventbus.Event{
			WorkspaceID: task.WorkspaceID,
			Kind:        models.EventRecoveryAttempted,
			EntityID:    task.ID,
			Metadata: map[string]any{
				"strategy":   string(strategy),
				"confidence": confidence,
				"success":    success,
			},
			OccurredAt: time.Now(),
		})
	}

	if e.mem != nil && strategy == models.StrategySkipWithFallback {
		_, _ = e.mem.Record(models.InsightFailureLesson, task.WorkspaceID,
			fmt.Sprintf("task %q exhausted recovery attempts and was completed as a degraded fallback: %s", task.Name, reasoning),
			confidence, task.ContributionValue, []string{"recovery", "skip_with_fallback"}, task.ID)
	}

	return decision, applyErr
}

// decideStrategy implements the ordered rule chain:
//  1. recovery_count >= Config.MaxAttempts             -> skip_with_fallback
//  2. transient {timeout, quota_exceeded, tool_failure} -> retry_with_delay
//  3. context_overflow                                  -> context_reconstruction
//  4. parse_error or repeated same-agent failure        -> retry_with_different_agent
//  5. failure pattern seen >= 3 times workspace-wide    -> decompose
//  6. otherwise                                         -> alternative_approach
func (e *Engine) decideStrategy(task *models.Task, execErr *models.ExecutionError, pattern *models.FailurePattern) (models.RecoveryStrategy, float64, string) {
	switch {
	case task.RecoveryCount >= e.cfg.MaxAttempts:
		return models.StrategySkipWithFallback, 0.95,
			fmt.Sprintf("task has failed %d times (>= %d); synthesizing an %.0f%%-contribution degraded deliverable instead of retrying again",
				task.RecoveryCount, e.cfg.MaxAttempts, SkipFallbackContribution*100)

	case execErr.IsTransient && isRetryableKind(execErr.Kind):
		return models.StrategyRetryWithDelay, 0.85,
			fmt.Sprintf("failure kind %q is transient; retrying with exponential backoff", execErr.Kind)

	case execErr.Kind == models.FailureContextOverflow:
		return models.StrategyContextReconstruction, 0.8,
			"response exceeded the output budget; rescheduling immediately with a pruned prompt"

	case execErr.Kind == models.FailureParseError || sameAgentRepeatedFailure(task, execErr):
		return models.StrategyRetryDifferentAgent, 0.75,
			"the assigned agent's output could not be parsed, or has failed this task twice in a row; retrying with a different agent"

	case pattern != nil && pattern.OccurrenceCount >= DecomposeOccurrenceThreshold:
		return models.StrategyDecompose, 0.7,
			fmt.Sprintf("failure signature seen %d times workspace-wide; decomposing into smaller subtasks", pattern.OccurrenceCount)

	default:
		return models.StrategyAlternativeApproach, 0.5,
			"no rule matched cleanly; asking the agent to retry with a materially different approach"
	}
}

func isRetryableKind(k models.FailureKind) bool {
	switch k {
	case models.FailureTimeout, models.FailureQuotaExceeded, models.FailureToolFailure:
		return true
	}
	return false
}

// sameAgentRepeatedFailure approximates "two consecutive failures by the
// same agent" from the fields a Task actually persists: an agent is still
// assigned, the task has already failed at least once, and the failure
// kind recurred.
func sameAgentRepeatedFailure(task *models.Task, execErr *models.ExecutionError) bool {
	return task.AgentID != "" && task.RecoveryCount >= 1 && task.LastFailureType == string(execErr.Kind)
}

// applyStrategy performs the persisted side effects for the chosen
// strategy: task status transitions, recovery job scheduling, decompose's
// sibling tasks.
func (e *Engine) applyStrategy(ctx context.Context, task *models.Task, execErr *models.ExecutionError, pattern *models.FailurePattern, strategy models.RecoveryStrategy, decision *models.RecoveryDecision) error {
	switch strategy {
	case models.StrategySkipWithFallback:
		return e.applySkipWithFallback(task)

	case models.StrategyRetryWithDelay:
		delay := e.retryDelay(task.RecoveryCount)
		decision.RetryDelay = delay
		return e.applyRetryWithDelay(task, execErr, delay)

	case models.StrategyContextReconstruction:
		return e.applyImmediateRetry(task, execErr, false)

	case models.StrategyRetryDifferentAgent:
		return e.applyImmediateRetry(task, execErr, true)

	case models.StrategyDecompose:
		specs, decomposeErr := e.decompose(ctx, task, pattern)
		if decomposeErr != nil {
			// Decomposition itself failed (AI decomposer unavailable and
			// fallback still errored) — don't leave the task stuck; fall
			// back to an immediate different-agent retry instead.
			return e.applyImmediateRetry(task, execErr, true)
		}
		decision.SubtaskSpecs = specs
		return e.applyDecompose(task, specs)

	case models.StrategyAlternativeApproach:
		return e.applyImmediateRetry(task, execErr, false)

	default:
		return fmt.Errorf("recovery: unhandled strategy %q", strategy)
	}
}

// applySkipWithFallback synthesizes a degraded completion. The actual 80%
// contribution discount is applied by the aggregator when it reads
// QualityFlagDegraded off the task, not here — the recovery engine's job
// ends at marking the task complete with the right flag.
func (e *Engine) applySkipWithFallback(task *models.Task) error {
	out := &models.TaskOutput{
		Kind:    models.OutputDocument,
		Summary: "synthesized fallback after repeated recovery attempts",
		DocumentBody: fmt.Sprintf(
			"Task %q could not be completed after %d attempts. A degraded placeholder result was generated so downstream goal progress is not blocked indefinitely.",
			task.Name, task.RecoveryCount),
	}
	payload, err := marshalOutput(out)
	if err != nil {
		return err
	}
	if err := e.releaseAgent(task); err != nil {
		return err
	}
	return e.queue.MarkComplete(task.ID, task.Version, out, payload, models.QualityFlagDegraded)
}

// applyRetryWithDelay marks the task failed (out of the ready pool) and
// schedules a durable RecoveryJob for the Supervisor's recovery sweep to
// claim once the backoff delay elapses.
func (e *Engine) applyRetryWithDelay(task *models.Task, execErr *models.ExecutionError, delay time.Duration) error {
	if err := e.releaseAgent(task); err != nil {
		return err
	}
	version := task.Version
	if err := e.queue.MarkFailed(task.ID, version, execErr.Kind, models.TaskStatusFailed, nil); err != nil {
		return err
	}
	return store.Transact(e.db, func(tx *sql.Tx) error {
		_, err := store.ScheduleRecoveryJobTx(tx, task.WorkspaceID, task.ID, int(delay.Seconds()), DefaultRecoveryJobMaxAttempts)
		return err
	})
}

// applyImmediateRetry marks the task failed-then-ready with no cooldown so
// the next PickReady sweep picks it up right away; when unassignAgent is
// true the current agent is cleared first (retry_with_different_agent).
func (e *Engine) applyImmediateRetry(task *models.Task, execErr *models.ExecutionError, unassignAgent bool) error {
	if unassignAgent {
		if err := e.releaseAgent(task); err != nil {
			return err
		}
		version := task.Version
		if err := store.Transact(e.db, func(tx *sql.Tx) error {
			return store.UnassignTaskAgentTx(tx, task.ID, version)
		}); err != nil {
			return err
		}
		version++
		return e.queue.MarkFailed(task.ID, version, execErr.Kind, models.TaskStatusReady, nil)
	}
	if err := e.releaseAgent(task); err != nil {
		return err
	}
	version := task.Version
	return e.queue.MarkFailed(task.ID, version, execErr.Kind, models.TaskStatusReady, nil)
}

// releaseAgent frees the agent bound to task back to idle, if any, so it is
// eligible for other matches immediately. Tolerates a version conflict on
// the agent row (e.g. the agent was independently cooled down already).
func (e *Engine) releaseAgent(task *models.Task) error {
	if task.AgentID == "" {
		return nil
	}
	return store.Transact(e.db, func(tx *sql.Tx) error {
		return store.SetAgentStatusTx(tx, task.AgentID, models.AgentStatusIdle)
	})
}

// applyDecompose cancels the original task and enqueues its subtasks,
// splitting the original contribution value evenly across them.
func (e *Engine) applyDecompose(task *models.Task, specs []models.TaskSpec) error {
	if err := e.releaseAgent(task); err != nil {
		return err
	}
	if err := store.Transact(e.db, func(tx *sql.Tx) error {
		return store.UpdateTaskStatusWithEventTx(tx, task.WorkspaceID, task.ID, models.TaskStatusCancelled, task.Version)
	}); err != nil {
		return err
	}
	share := task.ContributionValue / float64(len(specs))
	for _, spec := range specs {
		if _, err := e.queue.Enqueue(context.Background(), task.WorkspaceID, spec.GoalID, spec.Name, spec.Description, share); err != nil {
			var dup *models.DuplicateTaskError
			if errors.As(err, &dup) {
				continue
			}
			return fmt.Errorf("enqueue subtask %q: %w", spec.Name, err)
		}
	}
	return nil
}

// decompose asks the classifier for up to MaxSubtasks narrower subtasks; on
// any failure (no classifier, unparseable response, zero subtasks) it falls
// back to a single subtask duplicating the original with a narrowed scope
// note appended to its description.
func (e *Engine) decompose(ctx context.Context, task *models.Task, pattern *models.FailurePattern) ([]models.TaskSpec, error) {
	if e.classifier != nil {
		prompt := fmt.Sprintf(
			"Task %q has failed repeatedly (pattern seen %d times): %q. "+
				"Break it into at most %d smaller, independent subtasks that together accomplish the same goal. "+
				"Respond with one subtask per line, each as \"name | description\", nothing else.",
			task.Name, pattern.OccurrenceCount, task.Description, MaxSubtasks)
		resp, err := e.classifier.Complete(ctx, prompt)
		if err == nil {
			if specs := parseSubtaskLines(resp, task.GoalID); len(specs) > 0 {
				return specs, nil
			}
		}
	}
	return []models.TaskSpec{{
		Name:        task.Name + " (narrowed)",
		Description: task.Description + " — scope narrowed after repeated failure; focus on the smallest viable slice.",
		GoalID:      task.GoalID,
	}}, nil
}

func parseSubtaskLines(resp, goalID string) []models.TaskSpec {
	lines := strings.Split(strings.TrimSpace(resp), "\n")
	var specs []models.TaskSpec
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		desc := strings.TrimSpace(parts[1])
		if name == "" || desc == "" {
			continue
		}
		specs = append(specs, models.TaskSpec{Name: name, Description: desc, GoalID: goalID})
		if len(specs) >= MaxSubtasks {
			break
		}
	}
	return specs
}

// retryDelay implements base·2^recovery_count, jittered ±20%, capped at
// Config.MaxRetryDelay, via backoff/v4's exponential policy.
func (e *Engine) retryDelay(recoveryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BaseRetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = RetryJitterFraction
	b.MaxInterval = e.cfg.MaxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i <= recoveryCount; i++ {
		d = b.NextBackOff()
		if d == backoff.Stop {
			return e.cfg.MaxRetryDelay
		}
	}
	if d > e.cfg.MaxRetryDelay {
		d = e.cfg.MaxRetryDelay
	}
	return d
}

// refineConfidence asks the classifier to sanity-check the deterministic
// confidence score; any error or unparseable/out-of-range response silently
// keeps the deterministic value.
func (e *Engine) refineConfidence(ctx context.Context, reasoning string, deterministic float64) (float64, bool) {
	prompt := fmt.Sprintf(
		"A recovery engine is about to act on this reasoning: %q. Its deterministic confidence is %.2f. "+
			"Respond with only a float between 0.0 and 1.0 reflecting how confident you are this is the right call.",
		reasoning, deterministic)
	resp, err := e.classifier.Complete(ctx, prompt)
	if err != nil {
		return 0, false
	}
	refined, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil || refined < 0 || refined > 1 {
		return 0, false
	}
	return refined, true
}

func (e *Engine) explain(task *models.Task, attemptID string, execErr *models.ExecutionError, strategy models.RecoveryStrategy, success bool) (*models.RecoveryExplanation, error) {
	severity := e.severityFor(strategy, task.RecoveryCount, success)
	summary := fmt.Sprintf("Task %q failed (%s); recovery chose %s.", task.Name, execErr.Kind, strategy)
	rootCause := execErr.Message
	userAction := ""
	if strategy == models.StrategySkipWithFallback {
		userAction = "Review the degraded deliverable this task produced; it may need manual completion."
	}
	if !success {
		userAction = "The recovery action itself failed to apply; this task needs manual attention."
	}

	var explanation *models.RecoveryExplanation
	err := store.Transact(e.db, func(tx *sql.Tx) error {
		var innerErr error
		explanation, innerErr = store.InsertRecoveryExplanationTx(tx, task.WorkspaceID, attemptID, summary, rootCause, strategy, userAction, severity)
		return innerErr
	})
	return explanation, err
}

func (e *Engine) severityFor(strategy models.RecoveryStrategy, recoveryCount int, success bool) models.Severity {
	if !success {
		return models.SeverityCritical
	}
	switch strategy {
	case models.StrategySkipWithFallback:
		return models.SeverityHigh
	case models.StrategyDecompose:
		return models.SeverityMedium
	default:
		if recoveryCount >= e.cfg.MaxAttempts-1 {
			return models.SeverityMedium
		}
		return models.SeverityLow
	}
}

func normalizeMessage(msg string) string {
	msg = strings.ToLower(msg)
	msg = whitespaceRun.ReplaceAllString(msg, " ")
	return strings.TrimSpace(msg)
}

func marshalOutput(out *models.TaskOutput) (string, error) {
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal task output: %w", err)
	}
	return string(b), nil
}
