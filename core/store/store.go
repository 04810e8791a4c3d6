// Package store implements the message store: the ordered, mutable
// sequence of conversation messages. It is the sole owner of message
// contents — callers that want to change a message go through
// ReplaceContentAt / RemoveRange rather than mutating a returned slice.
package store

import (
	"sync"
	"time"

	"anchor/core/provider"
)

// Store holds the ordered message sequence for one conversation.
type Store struct {
	mu       sync.Mutex
	messages []provider.Message
}

// New creates an empty Store.
func New() *Store {
	return &Store{}
}

// Append adds a message to the end of the store and returns its index.
func (s *Store) Append(msg provider.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.messages = append(s.messages, msg)
	return len(s.messages) - 1
}

// Len returns the number of messages currently stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// At returns a copy of the message at index, and whether index was valid.
func (s *Store) At(index int) (provider.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.messages) {
		return provider.Message{}, false
	}
	return s.messages[index], true
}

// All returns a copy of every message currently stored, in order.
func (s *Store) All() []provider.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ReplaceContentAt rewrites the content (and optionally role) of the message
// at index in place. Passing a nil newRole leaves the role unchanged.
//
// A compression rewrite of an assistant message clears any tool_calls it
// carried, since the corresponding tool-result messages must have been
// compressed or removed in the same operation — callers that rewrite an
// assistant message's role away from assistant must arrange for that
// themselves; ReplaceContentAt enforces only the tool_calls-follows-role
// part of the invariant.
func (s *Store) ReplaceContentAt(index int, newContent string, newRole *provider.Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.messages) {
		return false
	}
	msg := &s.messages[index]
	msg.Content = newContent
	msg.ProcessedContent = ""
	if newRole != nil {
		if *newRole != provider.RoleAssistant {
			msg.ToolCalls = nil
		}
		msg.Role = *newRole
	}
	return true
}

// ClearToolCallsAt drops the tool_calls carried by the message at index,
// leaving its role and content untouched. Used when a rewrite invalidates an
// assistant message's original tool request (e.g. compression summarizing
// its content) without also changing its role.
func (s *Store) ClearToolCallsAt(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.messages) {
		return false
	}
	s.messages[index].ToolCalls = nil
	return true
}

// RemoveRange deletes messages [start, endInclusive] and repairs the
// tool-call/result pairing invariant: any surviving `tool` message whose
// ToolCallID no longer resolves to a preceding assistant message's ToolCalls
// is rewritten to role `system`, its content retained as plain context.
func (s *Store) RemoveRange(start, endInclusive int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.messages)
	if start < 0 || endInclusive < start || endInclusive >= n {
		return false
	}
	kept := make([]provider.Message, 0, n-(endInclusive-start+1))
	kept = append(kept, s.messages[:start]...)
	kept = append(kept, s.messages[endInclusive+1:]...)
	s.messages = repairToolPairing(kept)
	return true
}

// repairToolPairing rewrites any tool message whose ToolCallID no longer
// resolves to a preceding assistant message's ToolCalls to role `system`.
func repairToolPairing(msgs []provider.Message) []provider.Message {
	knownCalls := make(map[string]bool)
	for i := range msgs {
		m := &msgs[i]
		if m.Role == provider.RoleAssistant {
			for _, tc := range m.ToolCalls {
				knownCalls[tc.ID] = true
			}
			continue
		}
		if m.Role == provider.RoleTool {
			if !knownCalls[m.ToolCallID] {
				m.Role = provider.RoleSystem
			}
		}
	}
	return msgs
}

// IterateForModel returns the messages to send to the LLM: display_only
// messages are dropped, order and tool-call/result pairing are preserved.
func (s *Store) IterateForModel() []provider.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.Role == provider.RoleDisplayOnly {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ReplaceAll atomically swaps the entire message slice. Used by the
// Compression Engine to commit a rewritten conversation in one step, and by
// session restore to repopulate a store from a saved snapshot.
func (s *Store) ReplaceAll(msgs []provider.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]provider.Message{}, msgs...)
}
