package toolexec

import (
	"context"
	"encoding/json"
	"testing"

	"anchor/core/provider"
	"anchor/core/store"
)

type stubRunner struct {
	needsPermission map[string]bool
	results         map[string]ToolResult
}

func (r stubRunner) RequiresPermission(call provider.ToolCall) bool {
	return r.needsPermission[call.ID]
}

func (r stubRunner) Run(ctx context.Context, call provider.ToolCall) ToolResult {
	if res, ok := r.results[call.ID]; ok {
		return res
	}
	return ToolResult{Value: map[string]any{"ok": true}}
}

func runToCompletion(t *testing.T, e *Executor) State {
	t.Helper()
	for i := 0; i < 1000; i++ {
		s := e.Tick(context.Background())
		if s.IsTerminal() {
			return s
		}
		if s == StateShowPermissionPrompt && e.permission == PermissionPending {
			return s // caller must supply a decision
		}
	}
	t.Fatal("executor did not reach a terminal state")
	return StateIdle
}

func TestExecutorAppendsTwoMessagesPerCall(t *testing.T) {
	s := store.New()
	calls := []provider.ToolCall{{ID: "call_1", Name: "read_file"}}
	runner := stubRunner{results: map[string]ToolResult{
		"call_1": {Value: map[string]any{"path": "a.go", "content": "x"}, DisplaySummary: "Read a.go"},
	}}
	e := New(runner, s, calls, 0)

	final := runToCompletion(t, e)
	if final != StateIterationComplete {
		t.Fatalf("final state = %v, want iteration_complete", final)
	}

	all := s.All()
	if len(all) != 2 {
		t.Fatalf("len(All()) = %d, want 2", len(all))
	}
	if all[0].Role != provider.RoleDisplayOnly {
		t.Fatalf("first message role = %v, want display_only", all[0].Role)
	}
	if all[1].Role != provider.RoleTool || all[1].ToolCallID != "call_1" {
		t.Fatalf("second message = %+v, want tool/call_1", all[1])
	}
}

func TestExecutorSuspendsForPermission(t *testing.T) {
	s := store.New()
	calls := []provider.ToolCall{{ID: "call_1", Name: "bash"}}
	runner := stubRunner{needsPermission: map[string]bool{"call_1": true}}
	e := New(runner, s, calls, 0)

	state := runToCompletion(t, e)
	if state != StateShowPermissionPrompt {
		t.Fatalf("state = %v, want show_permission_prompt", state)
	}
	if s.Len() != 0 {
		t.Fatalf("no messages should be appended before permission is resolved, got %d", s.Len())
	}

	e.SupplyPermission(PermissionAllow)
	final := runToCompletion(t, e)
	if final != StateIterationComplete {
		t.Fatalf("final state = %v, want iteration_complete", final)
	}
	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2 after permission granted", s.Len())
	}
}

func TestExecutorPermissionDeniedStillAdvances(t *testing.T) {
	s := store.New()
	calls := []provider.ToolCall{{ID: "call_1", Name: "bash"}, {ID: "call_2", Name: "read_file"}}
	runner := stubRunner{needsPermission: map[string]bool{"call_1": true}}
	e := New(runner, s, calls, 0)

	state := runToCompletion(t, e)
	if state != StateShowPermissionPrompt {
		t.Fatalf("state = %v, want show_permission_prompt", state)
	}
	e.SupplyPermission(PermissionDeny)

	final := runToCompletion(t, e)
	if final != StateIterationComplete {
		t.Fatalf("final state = %v, want iteration_complete", final)
	}
	all := s.All()
	if len(all) != 4 {
		t.Fatalf("len = %d, want 4 (2 per call)", len(all))
	}
	var denialMsg map[string]any
	if err := json.Unmarshal([]byte(all[1].Content), &denialMsg); err != nil {
		t.Fatalf("denial message not valid JSON: %v", err)
	}
	if denialMsg["error"] != "permission_denied" {
		t.Fatalf("expected permission_denied error, got: %v", denialMsg)
	}
}

func TestExecutorIterationLimitReached(t *testing.T) {
	s := store.New()
	calls := []provider.ToolCall{{ID: "call_1", Name: "read_file"}}
	runner := stubRunner{}
	e := New(runner, s, calls, DefaultMaxToolCallDepth)

	final := runToCompletion(t, e)
	if final != StateIterationLimitReached {
		t.Fatalf("final state = %v, want iteration_limit_reached", final)
	}
	if s.Len() != 0 {
		t.Fatalf("no tool should run once the depth budget is exhausted, got %d messages", s.Len())
	}
}

func TestExecutorOrderPreserved(t *testing.T) {
	s := store.New()
	calls := []provider.ToolCall{{ID: "call_1", Name: "a"}, {ID: "call_2", Name: "b"}, {ID: "call_3", Name: "c"}}
	e := New(stubRunner{}, s, calls, 0)

	runToCompletion(t, e)
	all := s.All()
	if len(all) != 6 {
		t.Fatalf("len = %d, want 6", len(all))
	}
	wantIDs := []string{"call_1", "call_2", "call_3"}
	for i, id := range wantIDs {
		toolMsg := all[i*2+1]
		if toolMsg.ToolCallID != id {
			t.Fatalf("tool message %d has ToolCallID=%q, want %q", i, toolMsg.ToolCallID, id)
		}
	}
}
