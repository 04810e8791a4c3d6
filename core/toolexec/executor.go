// Package toolexec implements the tool executor: the state machine that
// owns the assistant→tool→assistant iteration for one model turn. It
// drives an abstract ToolRunner and never talks to a concrete sandbox,
// permission prompt, or context tracker directly — those are wired in by
// the coordinator.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"

	"anchor/core/provider"
	"anchor/core/store"
)

// State is one step of the Tool Executor's state machine.
type State int

const (
	StateIdle State = iota
	StateExecuting
	StateShowPermissionPrompt
	StateRenderRequested
	StateIterationComplete
	StateIterationLimitReached
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateShowPermissionPrompt:
		return "show_permission_prompt"
	case StateRenderRequested:
		return "render_requested"
	case StateIterationComplete:
		return "iteration_complete"
	case StateIterationLimitReached:
		return "iteration_limit_reached"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state ends the executor's run.
func (s State) IsTerminal() bool {
	return s == StateIterationComplete || s == StateIterationLimitReached
}

// PermissionDecision is supplied by the coordinator after a permission
// prompt is shown and the user responds.
type PermissionDecision int

const (
	PermissionPending PermissionDecision = iota
	PermissionAllow
	PermissionDeny
)

// ToolResult is what a ToolRunner returns for one invocation.
type ToolResult struct {
	// Value is marshaled to JSON to become the tool message's content.
	Value any
	// DisplaySummary is a short human-readable line for the display_only
	// message shown in the UI.
	DisplaySummary string
	Err            error
}

// ToolRunner is the concrete execution backend (anchor's is a
// V8-sandboxed JS engine). The Tool Executor treats it as an interface so
// the state machine stays independent of any particular sandbox.
type ToolRunner interface {
	// RequiresPermission reports whether this call should suspend at
	// show_permission_prompt before executing.
	RequiresPermission(call provider.ToolCall) bool
	// Run executes the tool synchronously.
	Run(ctx context.Context, call provider.ToolCall) ToolResult
}

// DefaultMaxToolCallDepth is the global iteration budget.
const DefaultMaxToolCallDepth = 25

// Executor is the Tool Executor state machine for one assistant turn's
// batch of tool calls.
type Executor struct {
	Runner       ToolRunner
	Store        *store.Store
	MaxDepth     int
	depth        int
	state        State
	pendingCalls []provider.ToolCall
	cursor       int
	permission   PermissionDecision
	lastErr      error
}

// New creates an Executor for one batch of tool calls emitted by a single
// assistant message.
func New(runner ToolRunner, s *store.Store, calls []provider.ToolCall, depthSoFar int) *Executor {
	maxDepth := DefaultMaxToolCallDepth
	return &Executor{
		Runner:       runner,
		Store:        s,
		MaxDepth:     maxDepth,
		depth:        depthSoFar,
		state:        StateIdle,
		pendingCalls: calls,
	}
}

// State returns the current state.
func (e *Executor) State() State { return e.state }

// LastError returns the last error encountered, if any.
func (e *Executor) LastError() error { return e.lastErr }

// SupplyPermission is called by the coordinator once the user has
// responded to a show_permission_prompt event.
func (e *Executor) SupplyPermission(decision PermissionDecision) {
	e.permission = decision
}

// Tick advances the state machine by exactly one step and is called from
// the main loop until IsTerminal() is true.
func (e *Executor) Tick(ctx context.Context) State {
	switch e.state {
	case StateIdle:
		e.state = e.startNextCall()
	case StateShowPermissionPrompt:
		e.state = e.resolvePermission(ctx)
	case StateExecuting:
		e.state = e.executeCurrent(ctx)
	case StateRenderRequested:
		e.cursor++
		e.state = e.startNextCall()
	default:
		// already terminal; tick() is a no-op
	}
	return e.state
}

func (e *Executor) startNextCall() State {
	if e.depth >= e.MaxDepth {
		return StateIterationLimitReached
	}
	if e.cursor >= len(e.pendingCalls) {
		return StateIterationComplete
	}
	call := e.pendingCalls[e.cursor]
	if e.Runner != nil && e.Runner.RequiresPermission(call) {
		e.permission = PermissionPending
		return StateShowPermissionPrompt
	}
	return StateExecuting
}

func (e *Executor) resolvePermission(ctx context.Context) State {
	switch e.permission {
	case PermissionAllow:
		return StateExecuting
	case PermissionDeny:
		call := e.pendingCalls[e.cursor]
		e.appendDenied(call)
		e.cursor++
		e.depth++
		return e.startNextCall()
	default:
		// still pending; coordinator hasn't responded yet
		return StateShowPermissionPrompt
	}
}

func (e *Executor) executeCurrent(ctx context.Context) State {
	call := e.pendingCalls[e.cursor]
	result := e.Runner.Run(ctx, call)
	e.appendResult(call, result)
	e.depth++
	return StateRenderRequested
}

// appendResult appends the two-message contract: a display_only message
// for the UI, followed by a tool message carrying the JSON result bound to
// the originating tool_call_id.
func (e *Executor) appendResult(call provider.ToolCall, result ToolResult) {
	summary := result.DisplaySummary
	if summary == "" {
		summary = fmt.Sprintf("Ran %s", call.Name)
	}
	e.Store.Append(provider.Message{Role: provider.RoleDisplayOnly, Content: summary})

	content := marshalToolContent(result)
	e.Store.Append(provider.Message{Role: provider.RoleTool, Content: content, ToolCallID: call.ID})

	if result.Err != nil {
		e.lastErr = result.Err
	}
}

func (e *Executor) appendDenied(call provider.ToolCall) {
	e.Store.Append(provider.Message{Role: provider.RoleDisplayOnly, Content: fmt.Sprintf("Permission denied for %s", call.Name)})
	denied, _ := json.Marshal(map[string]any{"error": "permission_denied", "tool": call.Name})
	e.Store.Append(provider.Message{Role: provider.RoleTool, Content: string(denied), ToolCallID: call.ID})
}

func marshalToolContent(result ToolResult) string {
	if result.Err != nil {
		data, _ := json.Marshal(map[string]any{"error": result.Err.Error()})
		return string(data)
	}
	switch v := result.Value.(type) {
	case string:
		return v
	case json.RawMessage:
		return string(v)
	default:
		data, err := json.Marshal(result.Value)
		if err != nil {
			return fmt.Sprintf(`{"error":%q}`, err.Error())
		}
		return string(data)
	}
}

// Depth returns the cumulative tool_call_depth consumed across this
// executor's calls so far, for the coordinator to carry into the next batch.
func (e *Executor) Depth() int { return e.depth }
