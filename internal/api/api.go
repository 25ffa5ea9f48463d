// Package api is the transport-neutral facade over orchestron's component
// packages. It implements the public surface from the Workspace
// Orchestrator's external interface: workspace lifecycle, goal/task/
// deliverable listing, manual recovery sweeps, and insight queries. Every
// call is attributed a trace_id so it can be correlated against the events
// and insights the underlying components record along the way.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/dotcommander/orchestron/internal/aggregator"
	"github.com/dotcommander/orchestron/internal/agentpool"
	"github.com/dotcommander/orchestron/internal/app"
	"github.com/dotcommander/orchestron/internal/capability"
	"github.com/dotcommander/orchestron/internal/eventbus"
	"github.com/dotcommander/orchestron/internal/executor"
	"github.com/dotcommander/orchestron/internal/goalregistry"
	"github.com/dotcommander/orchestron/internal/memorystore"
	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/recovery"
	"github.com/dotcommander/orchestron/internal/store"
	"github.com/dotcommander/orchestron/internal/supervisor"
	"github.com/dotcommander/orchestron/internal/taskqueue"
	"github.com/dotcommander/orchestron/internal/telemetry"
	"github.com/dotcommander/orchestron/internal/toolbus"
)

// Facade wires the component packages together behind the API surface of
// spec §6. It holds no state of its own beyond the shared db handle and the
// settings that size its sub-components; callers are expected to construct
// one per process and reuse it across requests.
type Facade struct {
	db       *sql.DB
	settings app.Settings
	bus      *eventbus.Client

	mem   *memorystore.Store
	goals *goalregistry.Registry
	queue *taskqueue.Queue
	pool  *agentpool.Pool
	exec  *executor.Executor
	rec   *recovery.Engine
	agg   *aggregator.Aggregator

	metrics *telemetry.Metrics
}

// New builds a Facade over an already-open database handle. cap may be nil,
// in which case components fall back to their deterministic heuristics.
func New(db *sql.DB, settings app.Settings, bus *eventbus.Client, cap capability.Capability) *Facade {
	mem := memorystore.New(db)
	goals := goalregistry.New(db, mem, bus)
	queue := taskqueue.New(db, cap)
	queue.SetBackpressureCeiling(settings.QueueBackpressureCeiling)
	pool := agentpool.New(db, mem, bus, cap)
	pool.SetThreshold(settings.AgentMatchThreshold)

	tools := toolbus.NewBus(settings.ToolTimeout())
	tools.Register(toolbus.NewMemorySearchTool(mem))

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	exec := executor.New(db, cap, tools, mem, goals)
	exec.SetMetrics(metrics)
	rec := recovery.New(db, queue, mem, bus, cap)
	rec.SetMetrics(metrics)
	rec.SetConfig(recovery.Config{
		MaxAttempts:    settings.MaxAutoRecoveryAttempts,
		BaseRetryDelay: time.Duration(settings.RecoveryDelayBaseSeconds) * time.Second,
		MaxRetryDelay:  time.Duration(settings.RecoveryDelayCapSeconds) * time.Second,
	})
	agg := aggregator.New(db, goals, bus)
	agg.SetMinCompletedTasks(settings.MinCompletedTasksForDeliverable)

	return &Facade{
		db: db, settings: settings, bus: bus,
		mem: mem, goals: goals, queue: queue, pool: pool, exec: exec, rec: rec, agg: agg,
		metrics: metrics,
	}
}

// newTraceID produces a correlation id for a single facade call, threaded
// into every event and insight the call's work ends up recording.
func newTraceID() string { return uuid.New().String() }

// WorkspaceCreateResult is the response shape for WorkspaceCreate.
type WorkspaceCreateResult struct {
	Workspace *models.Workspace `json:"workspace"`
	TraceID   string            `json:"trace_id"`
}

// WorkspaceCreate provisions a new workspace in status "created" with its
// root goal text recorded but no goal, agent, or task rows yet — those are
// added once a proposal is approved.
func (f *Facade) WorkspaceCreate(ctx context.Context, name, goalText string) (*WorkspaceCreateResult, error) {
	ws, err := store.CreateWorkspace(f.db, name, goalText)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &WorkspaceCreateResult{Workspace: ws, TraceID: newTraceID()}, nil
}

// WorkspaceGetResult is a point-in-time snapshot of a workspace and its
// goals, used for both the "get" API row and as the approve precondition
// check.
type WorkspaceGetResult struct {
	Workspace *models.Workspace `json:"workspace"`
	Goals     []*models.Goal    `json:"goals"`
	TraceID   string            `json:"trace_id"`
}

// WorkspaceGet returns the current workspace snapshot.
func (f *Facade) WorkspaceGet(ctx context.Context, workspaceID string) (*WorkspaceGetResult, error) {
	ws, err := store.GetWorkspace(f.db, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	goals, err := store.ListGoalsByWorkspace(f.db, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	return &WorkspaceGetResult{Workspace: ws, Goals: goals, TraceID: newTraceID()}, nil
}

// WorkspaceProposalResult is the response shape for WorkspaceProposal.
type WorkspaceProposalResult struct {
	Proposal *models.Proposal `json:"proposal"`
	TraceID  string           `json:"trace_id"`
}

// estimatedHoursPerAgent is the heuristic unit this facade uses to turn a
// goal's word count into a completion estimate: every ten words of goal
// text is treated as roughly an hour of work for one agent, spread across
// the recommended team.
const estimatedHoursPerAgent = 0.1

// agentHourlyCost is the heuristic per-agent-hour cost used to produce
// estimated_cost. There is no billing system behind this; it exists purely
// to give the proposal a number an operator can sanity-check before
// approving.
const agentHourlyCost = 25.0

// WorkspaceProposal recommends a team and cost estimate for a goal, drawn
// from the agents already registered in the workspace, and persists it as a
// pending Proposal. It does not create the goal itself — that happens on
// WorkspaceApprove, once an operator has signed off on the staffing plan.
func (f *Facade) WorkspaceProposal(ctx context.Context, workspaceID, goal, feedback string) (*WorkspaceProposalResult, error) {
	agents, err := f.pool.ListAgents(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	team := make([]string, 0, len(agents))
	for _, a := range agents {
		team = append(team, a.Name)
	}
	words := len(strings.Fields(goal))
	hoursPerAgent := float64(words) * estimatedHoursPerAgent
	if hoursPerAgent <= 0 {
		hoursPerAgent = estimatedHoursPerAgent
	}
	teamSize := len(team)
	if teamSize == 0 {
		teamSize = 1 // a goal with no agents yet still costs at least a single hire
	}
	estimatedCost := hoursPerAgent * float64(teamSize) * agentHourlyCost
	estimatedSeconds := int(hoursPerAgent * 3600)

	var p *models.Proposal
	err = store.Transact(f.db, func(tx *sql.Tx) error {
		var txErr error
		p, txErr = store.CreateProposalTx(tx, workspaceID, goal, feedback, team, estimatedCost, estimatedSeconds)
		return txErr
	})
	if err != nil {
		return nil, fmt.Errorf("create proposal: %w", err)
	}
	return &WorkspaceProposalResult{Proposal: p, TraceID: newTraceID()}, nil
}

// WorkspaceApproveResult is the response shape for WorkspaceApprove.
type WorkspaceApproveResult struct {
	Status                     models.ProposalStatus `json:"status"`
	EstimatedCompletionSeconds int                    `json:"estimated_completion_seconds"`
	TraceID                    string                 `json:"trace_id"`
}

// WorkspaceApprove approves a pending proposal, registers its recommended
// team as agents (any already-registered name is left alone — Register is
// additive, not a resync), creates the workspace's root goal from the
// proposal's goal text, and transitions the workspace into active so the
// Supervisor starts ticking on its next cycle.
func (f *Facade) WorkspaceApprove(ctx context.Context, workspaceID, proposalID string) (*WorkspaceApproveResult, error) {
	p, err := store.GetProposal(f.db, proposalID)
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	if p.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("proposal %s does not belong to workspace %s", proposalID, workspaceID)
	}
	if p.IsTerminal() {
		return nil, fmt.Errorf("proposal %s already %s", proposalID, p.Status)
	}

	ws, err := store.GetWorkspace(f.db, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}

	existing, err := f.pool.ListAgents(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, a := range existing {
		have[a.Name] = true
	}
	for _, name := range p.Team {
		if have[name] {
			continue
		}
		if _, err := f.pool.Register(workspaceID, name, "generalist", models.SenioritySenior, nil); err != nil {
			return nil, fmt.Errorf("register proposed agent %s: %w", name, err)
		}
	}

	if _, err := f.goals.Create(workspaceID, p.Goal, models.GoalMetricCount, 1, models.GoalPriorityMedium); err != nil {
		return nil, fmt.Errorf("create goal from proposal: %w", err)
	}

	err = store.Transact(f.db, func(tx *sql.Tx) error {
		if txErr := store.UpdateProposalStatusTx(tx, proposalID, models.ProposalStatusApproved, p.Version); txErr != nil {
			return txErr
		}
		return store.UpdateWorkspaceStatusTx(tx, workspaceID, models.WorkspaceStatusActive, ws.Version)
	})
	if err != nil {
		return nil, fmt.Errorf("approve proposal: %w", err)
	}

	return &WorkspaceApproveResult{
		Status:                     models.ProposalStatusApproved,
		EstimatedCompletionSeconds: p.EstimatedCompletionSeconds,
		TraceID:                    newTraceID(),
	}, nil
}

// GoalList lists the goals in a workspace.
func (f *Facade) GoalList(ctx context.Context, workspaceID string) ([]*models.Goal, error) {
	return store.ListGoalsByWorkspace(f.db, workspaceID)
}

// TaskList lists tasks in a workspace, optionally filtered by status. Pass
// the empty string to list every status.
func (f *Facade) TaskList(ctx context.Context, workspaceID string, status models.TaskStatus) ([]*models.Task, error) {
	return store.ListTasksByWorkspace(f.db, workspaceID, status)
}

// DeliverableList lists deliverables in a workspace.
func (f *Facade) DeliverableList(ctx context.Context, workspaceID string) ([]*models.Deliverable, error) {
	return f.agg.List(workspaceID)
}

// InsightList queries the workspace's memory store, mirroring
// internal/memorystore.Store.Query's (kind, minConfidence, limit) filter.
func (f *Facade) InsightList(ctx context.Context, workspaceID string, kind models.InsightKind, minConfidence float64, limit int) ([]*models.Insight, error) {
	return f.mem.Query(workspaceID, kind, minConfidence, limit)
}

// RecoveryRunResult reports the outcome of one manual recovery sweep.
type RecoveryRunResult struct {
	Requeued int    `json:"requeued"`
	TraceID  string `json:"trace_id"`
}

// RecoveryRun claims and processes every currently-due recovery job for a
// workspace, the same lease-claim loop the Supervisor's recoverySweepTick
// runs on a timer — exposed here for operator-triggered or test-driven
// sweeps between scheduled ticks.
func (f *Facade) RecoveryRun(ctx context.Context, workspaceID, workerName string, leaseSeconds int) (*RecoveryRunResult, error) {
	requeued := 0
	for {
		job, ok, err := f.claimNext(workspaceID, workerName, leaseSeconds)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if err := f.requeueJob(job); err != nil {
			return nil, err
		}
		requeued++
	}
	return &RecoveryRunResult{Requeued: requeued, TraceID: newTraceID()}, nil
}

// claimNext claims the next due job system-wide and reports whether it
// belongs to workspaceID; a claimed job for a different workspace is left
// alone (its own sweep will pick it up) and ok is false.
func (f *Facade) claimNext(workspaceID, workerName string, leaseSeconds int) (*models.RecoveryJob, bool, error) {
	var job *models.RecoveryJob
	err := store.Transact(f.db, func(tx *sql.Tx) error {
		var txErr error
		job, txErr = store.ClaimNextDueRecoveryJobTx(tx, workerName, leaseSeconds)
		return txErr
	})
	if err != nil {
		return nil, false, fmt.Errorf("claim recovery job: %w", err)
	}
	if job == nil || job.WorkspaceID != workspaceID {
		return nil, false, nil
	}
	return job, true, nil
}

// requeueJob flips a claimed job's task back to ready, mirroring
// Supervisor.recoverySweepTick's happy path; failures fall back to a
// bounded retry rather than failing the whole sweep.
func (f *Facade) requeueJob(job *models.RecoveryJob) error {
	task, err := store.GetTask(f.db, job.TaskID)
	if err != nil {
		return store.Transact(f.db, func(tx *sql.Tx) error {
			return store.MarkRecoveryJobDeadTx(tx, job.ID, err.Error())
		})
	}
	err = store.Transact(f.db, func(tx *sql.Tx) error {
		return store.UpdateTaskStatusWithEventTx(tx, task.WorkspaceID, task.ID, models.TaskStatusReady, task.Version)
	})
	if err != nil {
		return store.Transact(f.db, func(tx *sql.Tx) error {
			return store.MarkRecoveryJobRetryTx(tx, job.ID, err.Error(), 30)
		})
	}
	return store.Transact(f.db, func(tx *sql.Tx) error {
		return store.MarkRecoveryJobSucceededTx(tx, job.ID)
	})
}

// NewSupervisor builds a ticking Supervisor for a workspace, wired to this
// facade's shared components, a process-global dispatch semaphore, and the
// tick cadence/thresholds loaded from Settings.
func (f *Facade) NewSupervisor(workspaceID string, global *semaphore.Weighted) *supervisor.Supervisor {
	sup := supervisor.New(f.db, workspaceID, f.queue, f.pool, f.exec, f.rec, f.agg, f.goals, f.mem, f.bus, global)
	sup.SetConfig(supervisor.Config{
		ActiveConcurrency:      f.settings.MaxConcurrentTasksPerWorkspace,
		DegradedConcurrency:    f.settings.DegradedConcurrency,
		TaskPollInterval:       f.settings.TaskQueuePollInterval,
		GoalValidationInterval: f.settings.GoalValidationInterval,
		RecoverySweepInterval:  f.settings.RecoverySweepInterval,
		RecoveryLeaseSeconds:   supervisor.DefaultConfig().RecoveryLeaseSeconds,
		DegradedModeThreshold:  supervisor.DefaultConfig().DegradedModeThreshold,
		RecoveryModeThreshold:  supervisor.DefaultConfig().RecoveryModeThreshold,
		StoreUnavailableGrace:  f.settings.StoreUnavailableGrace,
	})
	sup.SetMetrics(f.metrics)
	return sup
}
