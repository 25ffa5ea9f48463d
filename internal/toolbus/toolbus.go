// Package toolbus is the tool-dispatch contract the task executor invokes
// parsed tool calls through: dispatch, per-tool circuit breaking, and
// per-call timeout behavior. The only concrete tool it ships is
// MemorySearchTool (memorytool.go); any other tool is registered by
// whatever wires up a Bus.
package toolbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Call is a single parsed tool invocation the executor wants dispatched.
type Call struct {
	Tool string
	Args map[string]any
}

// Result is what a Tool returns on success.
type Result struct {
	Tool   string
	Output map[string]any
}

// Tool is a concrete tool implementation, registered with a Bus.
// MemorySearchTool is the one implementation in this package.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Bus dispatches tool calls serially per task, wrapping every registered
// tool in its own gobreaker.CircuitBreaker so a failing tool can't starve
// the others sharing a task's executor.
type Bus struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	breakers    map[string]*gobreaker.CircuitBreaker[any]
	callTimeout time.Duration
}

// NewBus returns an empty Bus. callTimeout bounds every individual tool
// invocation (spec default 30s); the executor separately enforces the
// task-level hard timeout around the whole dispatch loop.
func NewBus(callTimeout time.Duration) *Bus {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Bus{
		tools:       make(map[string]Tool),
		breakers:    make(map[string]*gobreaker.CircuitBreaker[any]),
		callTimeout: callTimeout,
	}
}

// Register adds a tool to the bus, giving it its own circuit breaker: opens
// after 5 consecutive failures within 60s, half-open probe after 30s.
func (b *Bus) Register(tool Tool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	name := tool.Name()
	b.tools[name] = tool
	b.breakers[name] = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// Dispatch runs calls one at a time, in order — tool calls within a task are
// strictly serialized per the executor's contract. It stops at the first
// failure and returns the results gathered so far alongside the error, so
// the executor can preserve a partial tool trace.
func (b *Bus) Dispatch(ctx context.Context, calls []Call) ([]Result, error) {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		res, err := b.dispatchOne(ctx, call)
		if err != nil {
			return results, fmt.Errorf("tool %s: %w", call.Tool, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (b *Bus) dispatchOne(ctx context.Context, call Call) (Result, error) {
	b.mu.RLock()
	tool, ok := b.tools[call.Tool]
	breaker := b.breakers[call.Tool]
	b.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("unregistered tool %q", call.Tool)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	out, err := breaker.Execute(func() (any, error) {
		return tool.Invoke(callCtx, call.Args)
	})
	if err != nil {
		return Result{}, err
	}
	output, _ := out.(map[string]any)
	return Result{Tool: call.Tool, Output: output}, nil
}

// State reports the current circuit-breaker state for a registered tool,
// primarily for telemetry/insight surfacing.
func (b *Bus) State(toolName string) (gobreaker.State, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	breaker, ok := b.breakers[toolName]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return breaker.State(), true
}
