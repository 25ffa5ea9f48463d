// Package executor is the Task Executor: it binds an agent to a task,
// assembles a prompt from workspace memory, goal, and recent deliverable
// context, drives the tool-call loop against a capability.Capability, and
// produces a tagged TaskOutput or a classified ExecutionError.
package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dotcommander/orchestron/internal/capability"
	"github.com/dotcommander/orchestron/internal/goalregistry"
	"github.com/dotcommander/orchestron/internal/memorystore"
	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/store"
	"github.com/dotcommander/orchestron/internal/telemetry"
	"github.com/dotcommander/orchestron/internal/toolbus"
)

// Default per-task constraints, per spec.md §4.4.
const (
	DefaultHardTimeout      = 180 * time.Second
	DefaultMaxToolRounds    = 8
	DefaultMaxOutputBytes   = 64 * 1024
	insightContextLimit     = 5
	deliverableContextLimit = 3
)

// Config holds the per-task constraints an Executor enforces.
type Config struct {
	HardTimeout    time.Duration
	MaxToolRounds  int
	MaxOutputBytes int
}

// DefaultConfig returns the spec-default constraint set.
func DefaultConfig() Config {
	return Config{
		HardTimeout:    DefaultHardTimeout,
		MaxToolRounds:  DefaultMaxToolRounds,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}

// Executor is the Task Executor.
type Executor struct {
	db    *sql.DB
	cap   capability.Capability
	tools *toolbus.Bus
	mem     *memorystore.Store
	goals   *goalregistry.Registry
	cfg     Config
	metrics *telemetry.Metrics
}

// New returns an Executor. tools may be nil if the capability/agent never
// issues tool calls for this deployment.
func New(db *sql.DB, cap capability.Capability, tools *toolbus.Bus, mem *memorystore.Store, goals *goalregistry.Registry) *Executor {
	return &Executor{db: db, cap: cap, tools: tools, mem: mem, goals: goals, cfg: DefaultConfig()}
}

// SetConfig overrides the default per-task constraints.
func (e *Executor) SetConfig(cfg Config) { e.cfg = cfg }

// SetMetrics attaches a telemetry.Metrics instance that Execute reports
// task duration and success/failure counts to. Safe to leave unset.
func (e *Executor) SetMetrics(m *telemetry.Metrics) { e.metrics = m }

// envelope is the wire shape a capability response is parsed as. A response
// carries either pending tool calls (another round is needed) or a final
// output, never neither.
type envelope struct {
	ToolCalls []toolbus.Call `json:"tool_calls,omitempty"`
	Final     *finalOutput   `json:"final,omitempty"`
}

type finalOutput struct {
	Kind              models.OutputKind        `json:"kind"`
	Summary           string                   `json:"summary"`
	StructuredRecords []map[string]any         `json:"structured_records,omitempty"`
	DocumentBody      string                   `json:"document_body,omitempty"`
	Artifacts         []models.ArtifactPayload `json:"artifacts,omitempty"`
}

// Execute binds agent to task for the duration of the call, runs the
// prompt/tool-call loop up to MaxToolRounds, and returns either a populated
// TaskOutput or a classified *models.ExecutionError. Exactly one of the two
// return values is non-nil. If a telemetry.Metrics is attached, the task's
// duration and terminal outcome are recorded against it either way.
func (e *Executor) Execute(ctx context.Context, task *models.Task, agent *models.Agent) (*models.TaskOutput, *models.ExecutionError) {
	start := time.Now()
	out, execErr := e.execute(ctx, task, agent)
	if e.metrics != nil {
		e.metrics.TaskDuration.WithLabelValues(task.WorkspaceID).Observe(time.Since(start).Seconds())
		if execErr != nil {
			e.metrics.TasksFailed.WithLabelValues(task.WorkspaceID, string(execErr.Kind)).Inc()
		} else {
			e.metrics.TasksCompleted.WithLabelValues(task.WorkspaceID).Inc()
		}
	}
	return out, execErr
}

func (e *Executor) execute(ctx context.Context, task *models.Task, agent *models.Agent) (*models.TaskOutput, *models.ExecutionError) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HardTimeout)
	defer cancel()

	prompt, err := e.assemblePrompt(task)
	if err != nil {
		return nil, &models.ExecutionError{Kind: models.FailureUnknown, Message: fmt.Sprintf("assemble prompt: %v", err), IsTransient: true}
	}

	var trace []models.ToolCallTrace
	for round := 0; round < e.cfg.MaxToolRounds; round++ {
		callStart := time.Now()
		resp, err := e.cap.Complete(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &models.ExecutionError{
					Kind: models.FailureTimeout, Message: err.Error(), IsTransient: true,
					PartialOutput: partialOutput(trace, start),
				}
			}
			return nil, &models.ExecutionError{
				Kind: models.FailureLLMRefusal, Message: err.Error(), IsTransient: false,
				PartialOutput: partialOutput(trace, start),
			}
		}

		if len(resp) > e.cfg.MaxOutputBytes {
			return nil, &models.ExecutionError{
				Kind: models.FailureContextOverflow,
				Message: fmt.Sprintf("response %d bytes exceeds %d byte limit", len(resp), e.cfg.MaxOutputBytes),
				IsTransient: true,
				PartialOutput: partialOutput(trace, start),
			}
		}

		var env envelope
		if err := json.Unmarshal([]byte(strings.TrimSpace(resp)), &env); err != nil {
			return nil, &models.ExecutionError{
				Kind: models.FailureParseError, Message: fmt.Sprintf("unparseable capability response: %v", err), IsTransient: false,
				PartialOutput: partialOutput(trace, start),
			}
		}

		if env.Final != nil {
			out := &models.TaskOutput{
				Kind:              env.Final.Kind,
				Summary:           env.Final.Summary,
				StructuredRecords: env.Final.StructuredRecords,
				DocumentBody:      env.Final.DocumentBody,
				Artifacts:         env.Final.Artifacts,
				ToolTrace:         trace,
				ExecutionTimeMS:   time.Since(start).Milliseconds(),
				AgentMetadata:     map[string]string{"agent_id": agent.ID, "agent_name": agent.Name},
			}
			return out, nil
		}

		if len(env.ToolCalls) == 0 {
			return nil, &models.ExecutionError{
				Kind: models.FailureParseError, Message: "capability response carried neither tool_calls nor final output", IsTransient: false,
				PartialOutput: partialOutput(trace, start),
			}
		}

		if e.tools == nil {
			return nil, &models.ExecutionError{
				Kind: models.FailureToolFailure, Message: "capability requested tool calls but no tool bus is configured", IsTransient: false,
				PartialOutput: partialOutput(trace, start),
			}
		}

		results, dispatchErr := e.tools.Dispatch(ctx, env.ToolCalls)
		for i, r := range results {
			t := models.ToolCallTrace{
				ToolName:  r.Tool,
				Request:   fmt.Sprintf("%v", env.ToolCalls[i].Args),
				StartedAt: callStart,
			}
			if rb, mErr := json.Marshal(r.Output); mErr == nil {
				t.Response = string(rb)
			}
			if dispatchErr != nil && i == len(results)-1 {
				t.Err = dispatchErr.Error()
			}
			t.DurationMS = time.Since(callStart).Milliseconds()
			trace = append(trace, t)
		}
		if dispatchErr != nil {
			kind := models.FailureToolFailure
			if ctx.Err() != nil {
				kind = models.FailureTimeout
			}
			return nil, &models.ExecutionError{
				Kind: kind, Message: dispatchErr.Error(), IsTransient: true,
				PartialOutput: partialOutput(trace, start),
			}
		}

		prompt = appendToolResults(prompt, results)
	}

	return nil, &models.ExecutionError{
		Kind: models.FailureUnknown, Message: fmt.Sprintf("exceeded max tool-call rounds (%d)", e.cfg.MaxToolRounds), IsTransient: true,
		PartialOutput: partialOutput(trace, start),
	}
}

func partialOutput(trace []models.ToolCallTrace, start time.Time) *models.TaskOutput {
	if len(trace) == 0 {
		return nil
	}
	return &models.TaskOutput{
		Kind:            models.OutputMixed,
		Summary:         "partial: execution did not complete",
		ToolTrace:       trace,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}
}

func appendToolResults(prompt string, results []toolbus.Result) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nTool results from the previous round:\n")
	for _, r := range results {
		rb, _ := json.Marshal(r.Output)
		fmt.Fprintf(&b, "- %s: %s\n", r.Tool, string(rb))
	}
	b.WriteString("\nContinue: either issue more tool_calls or return a final output.\n")
	return b.String()
}

// assemblePrompt builds the initial prompt from the task description,
// top-scoring workspace insights, goal context, and recent deliverables for
// the same goal, per spec.md §4.4.
func (e *Executor) assemblePrompt(task *models.Task) (string, error) {
	goal, err := e.goals.Get(task.GoalID)
	if err != nil {
		return "", fmt.Errorf("load goal: %w", err)
	}

	var insights []*models.Insight
	if e.mem != nil {
		insights, err = e.mem.Query(task.WorkspaceID, "", 0, insightContextLimit)
		if err != nil {
			return "", fmt.Errorf("query insights: %w", err)
		}
	}

	deliverables, err := store.ListDeliverablesByWorkspace(e.db, task.WorkspaceID)
	if err != nil {
		return "", fmt.Errorf("list deliverables: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nDescription: %s\n\n", task.Name, task.Description)
	fmt.Fprintf(&b, "Goal: %s (target %.2f, current %.2f, priority %s)\n\n", goal.Description, goal.TargetValue, goal.CurrentValue, goal.Priority)

	if len(insights) > 0 {
		b.WriteString("Relevant workspace insights:\n")
		for _, ins := range insights {
			fmt.Fprintf(&b, "- [%s] %s\n", ins.Kind, ins.Content)
		}
		b.WriteString("\n")
	}

	recent := 0
	for i := len(deliverables) - 1; i >= 0 && recent < deliverableContextLimit; i-- {
		d := deliverables[i]
		if d.GoalID != task.GoalID {
			continue
		}
		fmt.Fprintf(&b, "Recent deliverable for this goal: %q (status=%s)\n", d.Title, d.Status)
		recent++
	}

	b.WriteString("\nRespond with a JSON object shaped either " +
		`{"tool_calls":[{"tool":"...","args":{...}}, ...]} or ` +
		`{"final":{"kind":"structured|document|artifact|mixed","summary":"...",` +
		`"structured_records":[...],"document_body":"...","artifacts":[...]}}.`)

	return b.String(), nil
}
