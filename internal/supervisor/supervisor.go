// Package supervisor is the Supervisor: the per-workspace tick loop that
// dispatches ready tasks to idle agents, validates goal/workspace state, and
// sweeps due recovery jobs back onto the queue. Three independent tickers
// run concurrently per workspace; ticks across workspaces interleave on a
// shared worker pool via a global concurrency semaphore passed in by the
// caller that starts multiple Supervisors.
package supervisor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dotcommander/orchestron/internal/agentpool"
	"github.com/dotcommander/orchestron/internal/aggregator"
	"github.com/dotcommander/orchestron/internal/eventbus"
	"github.com/dotcommander/orchestron/internal/executor"
	"github.com/dotcommander/orchestron/internal/goalregistry"
	"github.com/dotcommander/orchestron/internal/memorystore"
	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/recovery"
	"github.com/dotcommander/orchestron/internal/store"
	"github.com/dotcommander/orchestron/internal/taskqueue"
	"github.com/dotcommander/orchestron/internal/telemetry"
)

// Config holds the knobs named in spec.md §6's configuration table that the
// Supervisor itself reads.
type Config struct {
	ActiveConcurrency      int
	DegradedConcurrency    int
	TaskPollInterval       time.Duration
	GoalValidationInterval time.Duration
	RecoverySweepInterval  time.Duration
	RecoveryLeaseSeconds   int
	DegradedModeThreshold  int // consecutive no-completion-with-recovery ticks before degraded_mode
	RecoveryModeThreshold  int // consecutive completion ticks in degraded_mode before back to active
	StoreUnavailableGrace  time.Duration
}

// DefaultConfig returns the spec-default tick cadence and thresholds.
func DefaultConfig() Config {
	return Config{
		ActiveConcurrency:      4,
		DegradedConcurrency:    2,
		TaskPollInterval:       2 * time.Second,
		GoalValidationInterval: 20 * time.Minute,
		RecoverySweepInterval:  60 * time.Second,
		RecoveryLeaseSeconds:   60,
		DegradedModeThreshold:  3,
		RecoveryModeThreshold:  2,
		StoreUnavailableGrace:  60 * time.Second,
	}
}

// Supervisor runs one workspace's autonomous tick loop.
type Supervisor struct {
	db          *sql.DB
	workspaceID string
	workerName  string

	queue *taskqueue.Queue
	pool  *agentpool.Pool
	exec  *executor.Executor
	rec   *recovery.Engine
	agg   *aggregator.Aggregator
	goals *goalregistry.Registry
	mem   *memorystore.Store
	bus   *eventbus.Client // nil is valid: tick/state events are then only persisted

	global  *semaphore.Weighted // shared across every Supervisor in the process, caps GLOBAL_CONCURRENCY
	cfg     Config
	metrics *telemetry.Metrics

	firstStoreFailure *time.Time
}

// New returns a Supervisor for one workspace. global is the process-wide
// concurrency semaphore shared by every workspace's Supervisor; callers
// running N workspaces construct one semaphore.NewWeighted(GLOBAL_CONCURRENCY)
// and pass it to each.
func New(
	db *sql.DB,
	workspaceID string,
	queue *taskqueue.Queue,
	pool *agentpool.Pool,
	exec *executor.Executor,
	rec *recovery.Engine,
	agg *aggregator.Aggregator,
	goals *goalregistry.Registry,
	mem *memorystore.Store,
	bus *eventbus.Client,
	global *semaphore.Weighted,
) *Supervisor {
	return &Supervisor{
		db: db, workspaceID: workspaceID,
		workerName: "supervisor-" + workspaceID,
		queue:      queue, pool: pool, exec: exec, rec: rec, agg: agg, goals: goals, mem: mem, bus: bus,
		global: global, cfg: DefaultConfig(),
	}
}

// SetConfig overrides the default tick cadence and thresholds.
func (s *Supervisor) SetConfig(cfg Config) { s.cfg = cfg }

// SetMetrics attaches a telemetry.Metrics instance that each tick reports
// queue depth and degraded-mode state to. m may be nil, in which case the
// ticks simply skip reporting.
func (s *Supervisor) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// Run starts the three tickers and blocks until ctx is cancelled or the
// store has been unavailable for longer than StoreUnavailableGrace. A
// single tick's error is logged as an insight and a supervisor.tick_error
// event; it never aborts the loop on its own.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.loop(ctx, s.cfg.TaskPollInterval, s.dispatchTick) })
	g.Go(func() error { return s.loop(ctx, s.cfg.GoalValidationInterval, s.goalValidationTick) })
	g.Go(func() error { return s.loop(ctx, s.cfg.RecoverySweepInterval, s.recoverySweepTick) })

	return g.Wait()
}

// loop runs fn every interval until ctx is cancelled or fn's own error
// signals the store has been unavailable past grace — the only condition
// that propagates out of the tick loop.
func (s *Supervisor) loop(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.guardedTick(ctx, fn); err != nil {
				return err
			}
		}
	}
}

// guardedTick runs fn, translating a tick failure into a persisted insight
// and event rather than letting it escalate, unless the store has now been
// unreachable continuously for longer than StoreUnavailableGrace.
func (s *Supervisor) guardedTick(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		s.firstStoreFailure = nil
		return nil
	}

	now := time.Now()
	if s.firstStoreFailure == nil {
		s.firstStoreFailure = &now
	} else if now.Sub(*s.firstStoreFailure) > s.cfg.StoreUnavailableGrace {
		return fmt.Errorf("store unavailable for longer than grace period: %w", err)
	}

	s.recordTickError(err)
	return nil
}

func (s *Supervisor) recordTickError(tickErr error) {
	if s.mem != nil {
		_, _ = s.mem.Record(models.InsightRisk, s.workspaceID,
			fmt.Sprintf("supervisor tick error: %v", tickErr), 0.6, 0.3, []string{"supervisor_tick_error"}, "")
	}
	if s.bus != nil {
		_ = s.bus.Publish(eventbus.Event{
			WorkspaceID: s.workspaceID,
			Kind:        models.EventSupervisorTickError,
			Metadata:    map[string]any{"error": tickErr.Error()},
			OccurredAt:  time.Now(),
		})
	}
}

// dispatchTick pulls up to the workspace's current parallelism cap of ready
// tasks, matches each to an idle agent, and executes them concurrently —
// bounded by both the per-workspace cap and the process-global semaphore.
func (s *Supervisor) dispatchTick(ctx context.Context) error {
	ws, err := store.GetWorkspace(s.db, s.workspaceID)
	if err != nil {
		return fmt.Errorf("load workspace: %w", err)
	}
	if !ws.Status.CanDispatch() {
		return nil
	}

	parallelism := ws.ParallelismCap(s.cfg.ActiveConcurrency, s.cfg.DegradedConcurrency)
	ready, err := s.queue.PickReady(s.workspaceID, parallelism)
	if err != nil {
		return fmt.Errorf("pick ready tasks: %w", err)
	}
	if s.metrics != nil {
		s.metrics.QueueDepth.WithLabelValues(s.workspaceID, string(models.TaskStatusReady)).Set(float64(len(ready)))
	}

	completions := make(chan bool, len(ready))
	recoveries := make(chan bool, len(ready))

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range ready {
		task := task
		g.Go(func() error {
			if err := s.global.Acquire(gctx, 1); err != nil {
				return nil // context cancelled: let the tick end quietly
			}
			defer s.global.Release(1)

			completed, recovered := s.runTask(gctx, task)
			completions <- completed
			recoveries <- recovered
			return nil
		})
	}
	_ = g.Wait()
	close(completions)
	close(recoveries)

	hadCompletion, hadRecovery := false, false
	for c := range completions {
		hadCompletion = hadCompletion || c
	}
	for r := range recoveries {
		hadRecovery = hadRecovery || r
	}

	return s.updateDegradedMode(ws, hadCompletion, hadRecovery)
}

// runTask matches an agent, executes the task, and routes the outcome to
// the Aggregator (on success) or the Recovery Engine (on failure). It
// reports whether the task completed and whether a recovery was attempted,
// for the degraded-mode streak counters; errors here are swallowed into the
// tick-error path by the caller, not propagated per-task.
func (s *Supervisor) runTask(ctx context.Context, task *models.Task) (completed, recovered bool) {
	agent, err := s.pool.MatchAgent(ctx, task)
	if err != nil {
		return false, false
	}
	if err := s.pool.MarkExecuting(task.ID, task.Version, agent.ID); err != nil {
		return false, false
	}
	task, err = store.GetTask(s.db, task.ID)
	if err != nil {
		return false, false
	}

	out, execErr := s.exec.Execute(ctx, task, agent)
	if execErr != nil {
		if _, err := s.rec.HandleFailure(ctx, task, execErr); err != nil {
			return false, false
		}
		return false, true
	}

	payload, err := marshalOutput(out)
	if err != nil {
		return false, false
	}
	if err := s.queue.MarkComplete(task.ID, task.Version, out, payload, models.QualityFlagNone); err != nil {
		return false, false
	}
	if err := s.pool.MarkIdle(agent.ID); err != nil {
		return false, false
	}

	if _, err := s.agg.Ingest(task, out); err != nil {
		return false, false
	}
	return true, false
}

// updateDegradedMode advances the consecutive-tick streaks named in
// spec.md §8 scenario 5 and flips workspace status when a threshold is
// crossed: DegradedModeThreshold consecutive ticks with no completion but
// at least one recovery attempt enters degraded_mode; RecoveryModeThreshold
// consecutive completion ticks while degraded returns to active.
func (s *Supervisor) updateDegradedMode(ws *models.Workspace, hadCompletion, hadRecovery bool) error {
	noDone, done := ws.ConsecutiveNoDone, ws.ConsecutiveDone

	switch {
	case hadCompletion:
		noDone = 0
		done++
	case hadRecovery:
		noDone++
		done = 0
	default:
		// idle tick: neither completion nor recovery: streaks unaffected
	}

	nextStatus := ws.Status
	if ws.Status == models.WorkspaceStatusActive && noDone >= s.cfg.DegradedModeThreshold {
		nextStatus = models.WorkspaceStatusDegradedMode
		done = 0
	} else if ws.Status == models.WorkspaceStatusDegradedMode && done >= s.cfg.RecoveryModeThreshold {
		nextStatus = models.WorkspaceStatusActive
		noDone = 0
	}

	err := store.Transact(s.db, func(tx *sql.Tx) error {
		return store.UpdateWorkspaceComplianceTx(tx, ws.ID, ws.ComplianceScore, noDone, done, ws.Version)
	})
	if err != nil {
		return fmt.Errorf("update workspace compliance counters: %w", err)
	}

	if nextStatus != ws.Status {
		if err := store.Transact(s.db, func(tx *sql.Tx) error {
			return store.UpdateWorkspaceStatusTx(tx, ws.ID, nextStatus, ws.Version+1)
		}); err != nil {
			return fmt.Errorf("transition workspace status: %w", err)
		}
		if s.metrics != nil {
			s.metrics.SetDegraded(ws.ID, nextStatus == models.WorkspaceStatusDegradedMode)
		}
		if s.bus != nil {
			_ = s.bus.Publish(eventbus.Event{
				WorkspaceID: ws.ID,
				Kind:        models.EventWorkspaceStateChanged,
				Metadata:    map[string]any{"from": string(ws.Status), "to": string(nextStatus)},
				OccurredAt:  time.Now(),
			})
		}
	}
	return nil
}

// goalValidationTick marks the workspace completed once every goal it owns
// has reached completed status, and otherwise leaves state untouched — the
// transparency-gap check itself already runs inline inside
// goalregistry.ReportProgress at ingest time.
func (s *Supervisor) goalValidationTick(ctx context.Context) error {
	ws, err := store.GetWorkspace(s.db, s.workspaceID)
	if err != nil {
		return fmt.Errorf("load workspace: %w", err)
	}
	if ws.Status.IsTerminal() {
		return nil
	}

	active, err := s.goals.UnderSatisfied(s.workspaceID)
	if err != nil {
		return fmt.Errorf("list active goals: %w", err)
	}
	if len(active) > 0 {
		return nil // still work to do; skip the exhaustive all-goals scan below
	}

	all, err := store.ListGoalsByWorkspace(s.db, s.workspaceID)
	if err != nil {
		return fmt.Errorf("list goals: %w", err)
	}
	if len(all) == 0 {
		return nil
	}
	for _, g := range all {
		if g.Status != models.GoalStatusCompleted {
			return nil
		}
	}

	err = store.Transact(s.db, func(tx *sql.Tx) error {
		return store.UpdateWorkspaceStatusTx(tx, ws.ID, models.WorkspaceStatusCompleted, ws.Version)
	})
	if err != nil {
		return fmt.Errorf("mark workspace completed: %w", err)
	}
	if s.bus != nil {
		_ = s.bus.Publish(eventbus.Event{
			WorkspaceID: ws.ID,
			Kind:        models.EventWorkspaceStateChanged,
			Metadata:    map[string]any{"from": string(ws.Status), "to": string(models.WorkspaceStatusCompleted)},
			OccurredAt:  time.Now(),
		})
	}
	return nil
}

// recoverySweepTick claims every recovery job due right now and requeues
// each one's task to ready, and releases any agent cooldowns that have
// elapsed — the durable counterpart to the in-process retry_with_delay
// strategy recovery.Engine only schedules, never executes directly.
func (s *Supervisor) recoverySweepTick(ctx context.Context) error {
	var errs error
	for {
		var job *models.RecoveryJob
		err := store.Transact(s.db, func(tx *sql.Tx) error {
			var claimErr error
			job, claimErr = store.ClaimNextDueRecoveryJobTx(tx, s.workerName, s.cfg.RecoveryLeaseSeconds)
			return claimErr
		})
		if err != nil {
			return fmt.Errorf("claim recovery job: %w", err)
		}
		if job == nil {
			break
		}
		if err := s.requeueRecoveryJob(job); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if _, err := s.pool.ReleaseExpiredCooldowns(s.workspaceID); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("release expired agent cooldowns: %w", err))
	}
	return errs
}

func (s *Supervisor) requeueRecoveryJob(job *models.RecoveryJob) error {
	task, err := store.GetTask(s.db, job.TaskID)
	if err != nil {
		return s.deadLetterOrRetry(job, fmt.Errorf("load task for recovery job: %w", err))
	}

	err = store.Transact(s.db, func(tx *sql.Tx) error {
		return store.UpdateTaskStatusWithEventTx(tx, s.workspaceID, task.ID, models.TaskStatusReady, task.Version)
	})
	if err != nil {
		return s.deadLetterOrRetry(job, fmt.Errorf("requeue task: %w", err))
	}

	return store.Transact(s.db, func(tx *sql.Tx) error {
		return store.MarkRecoveryJobSucceededTx(tx, job.ID)
	})
}

func marshalOutput(out *models.TaskOutput) (string, error) {
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal task output: %w", err)
	}
	return string(b), nil
}

func (s *Supervisor) deadLetterOrRetry(job *models.RecoveryJob, cause error) error {
	if job.Attempt >= job.MaxAttempts {
		return store.Transact(s.db, func(tx *sql.Tx) error {
			return store.MarkRecoveryJobDeadTx(tx, job.ID, cause.Error())
		})
	}
	return store.Transact(s.db, func(tx *sql.Tx) error {
		return store.MarkRecoveryJobRetryTx(tx, job.ID, cause.Error(), 30)
	})
}
