package store

import (
	"testing"

	"anchor/core/provider"
)

func TestAppendAndAll(t *testing.T) {
	s := New()
	s.Append(provider.Message{Role: provider.RoleUser, Content: "hi"})
	s.Append(provider.Message{Role: provider.RoleAssistant, Content: "hello"})
	all := s.All()
	if len(all) != 2 {
		t.Fatalf("len(All()) = %d, want 2", len(all))
	}
	if all[0].Content != "hi" || all[1].Content != "hello" {
		t.Fatalf("unexpected content order: %+v", all)
	}
}

func TestIterateForModelDropsDisplayOnly(t *testing.T) {
	s := New()
	s.Append(provider.Message{Role: provider.RoleUser, Content: "u1"})
	s.Append(provider.Message{Role: provider.RoleDisplayOnly, Content: "shown only"})
	s.Append(provider.Message{Role: provider.RoleAssistant, Content: "a1"})

	model := s.IterateForModel()
	if len(model) != 2 {
		t.Fatalf("len(IterateForModel()) = %d, want 2", len(model))
	}
	for _, m := range model {
		if m.Role == provider.RoleDisplayOnly {
			t.Fatalf("display_only message leaked into model view: %+v", m)
		}
	}
}

func TestReplaceContentAtClearsToolCallsWhenRoleChanges(t *testing.T) {
	s := New()
	idx := s.Append(provider.Message{
		Role:      provider.RoleAssistant,
		Content:   "calling a tool",
		ToolCalls: []provider.ToolCall{{ID: "call_1", Name: "read_file"}},
	})
	newRole := provider.RoleSystem
	if ok := s.ReplaceContentAt(idx, "compressed summary", &newRole); !ok {
		t.Fatal("ReplaceContentAt returned false")
	}
	msg, _ := s.At(idx)
	if msg.Role != provider.RoleSystem {
		t.Fatalf("role = %v, want system", msg.Role)
	}
	if msg.ToolCalls != nil {
		t.Fatalf("tool_calls not cleared after role change: %+v", msg.ToolCalls)
	}
	if msg.Content != "compressed summary" {
		t.Fatalf("content = %q", msg.Content)
	}
}

func TestReplaceContentAtPreservesToolCallsWhenRoleUnchanged(t *testing.T) {
	s := New()
	idx := s.Append(provider.Message{
		Role:      provider.RoleAssistant,
		Content:   "calling a tool",
		ToolCalls: []provider.ToolCall{{ID: "call_1", Name: "read_file"}},
	})
	if ok := s.ReplaceContentAt(idx, "still calling a tool", nil); !ok {
		t.Fatal("ReplaceContentAt returned false")
	}
	msg, _ := s.At(idx)
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("tool_calls unexpectedly cleared: %+v", msg.ToolCalls)
	}
}

func TestRemoveRangeRewritesOrphanedToolMessageToSystem(t *testing.T) {
	s := New()
	s.Append(provider.Message{
		Role:      provider.RoleAssistant,
		Content:   "a1",
		ToolCalls: []provider.ToolCall{{ID: "call_1", Name: "read_file"}},
	})
	s.Append(provider.Message{Role: provider.RoleTool, Content: `{"ok":true}`, ToolCallID: "call_1"})
	s.Append(provider.Message{Role: provider.RoleUser, Content: "u2"})

	// Remove the assistant message that owned call_1; the following tool
	// message must be rewritten to system, not left dangling.
	if ok := s.RemoveRange(0, 0); !ok {
		t.Fatal("RemoveRange returned false")
	}
	all := s.All()
	if len(all) != 2 {
		t.Fatalf("len(All()) = %d, want 2", len(all))
	}
	if all[0].Role != provider.RoleSystem {
		t.Fatalf("orphaned tool message role = %v, want system", all[0].Role)
	}
	if all[0].Content != `{"ok":true}` {
		t.Fatalf("orphaned tool message content changed: %q", all[0].Content)
	}
}

func TestRemoveRangeKeepsPairedToolMessageAsTool(t *testing.T) {
	s := New()
	s.Append(provider.Message{
		Role:      provider.RoleAssistant,
		Content:   "a1",
		ToolCalls: []provider.ToolCall{{ID: "call_1", Name: "read_file"}},
	})
	s.Append(provider.Message{Role: provider.RoleTool, Content: `{"ok":true}`, ToolCallID: "call_1"})
	s.Append(provider.Message{Role: provider.RoleUser, Content: "u_to_remove"})
	s.Append(provider.Message{Role: provider.RoleAssistant, Content: "a_to_remove"})

	if ok := s.RemoveRange(2, 3); !ok {
		t.Fatal("RemoveRange returned false")
	}
	all := s.All()
	if len(all) != 2 {
		t.Fatalf("len(All()) = %d, want 2", len(all))
	}
	if all[1].Role != provider.RoleTool {
		t.Fatalf("paired tool message role changed to %v", all[1].Role)
	}
}

func TestRemoveRangeInvalidBounds(t *testing.T) {
	s := New()
	s.Append(provider.Message{Role: provider.RoleUser, Content: "u1"})
	if ok := s.RemoveRange(-1, 0); ok {
		t.Fatal("expected false for negative start")
	}
	if ok := s.RemoveRange(0, 5); ok {
		t.Fatal("expected false for out-of-range end")
	}
}
