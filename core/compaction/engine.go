// Package compaction implements the compression engine: it decides what
// to compress when the token tracker reports the trigger fraction has been
// exceeded, rewrites tool-result metadata cheaply, and falls back to LLM
// summarization for user/assistant dialogue — all while preserving message
// ordering and tool-call/result pairing.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"anchor/core/ctxtrack"
	"anchor/core/provider"
	"anchor/core/store"
	"anchor/core/tokens"
)

// ProtectedTailCount is how many of the most recent user/assistant messages
// are never touched by compression.
const ProtectedTailCount = 5

// DefaultMaxAgentRounds bounds the tool-calling compression-agent loop.
const DefaultMaxAgentRounds = 15

// Target token counts for LLM summarization.
const (
	UserSummaryTargetTokens      = 50
	AssistantSummaryTargetTokens = 200
)

const (
	compressedReadPrefix  = "📄 [Compressed] "
	compressedEditPrefix  = "✏️ [Compressed] "
	compressedOtherPrefix = "🔧 [Compressed] Tool executed successfully"
	compressedTextPrefix  = "💬 [Compressed] "
	compressedTruncPrefix = "💬 [Compressed/Truncated] "
)

// Summarizer performs a single LLM summarization call against the same
// model server used for the conversation. Implementations should use a low
// temperature.
type Summarizer interface {
	Summarize(ctx context.Context, content string, targetTokens int) (string, error)
}

// Engine drives compression of a Message Store against a Token Tracker and
// Context Tracker.
type Engine struct {
	Store      *store.Store
	Tokens     *tokens.Tracker
	ContextTrk *ctxtrack.Tracker
	Summarizer Summarizer // may be nil; falls back to truncation
	MaxRounds  int        // default DefaultMaxAgentRounds
}

// New constructs an Engine wired to the given collaborators.
func New(s *store.Store, tr *tokens.Tracker, ct *ctxtrack.Tracker, summarizer Summarizer) *Engine {
	return &Engine{Store: s, Tokens: tr, ContextTrk: ct, Summarizer: summarizer, MaxRounds: DefaultMaxAgentRounds}
}

// Compress reduces the Message Store's estimated token total toward target
// when needed by running the deterministic algorithm; it does not use the
// bounded tool-calling agent driver, which is reached only through
// CompressWithAgent. Afterward the token tracker is reset and every
// surviving message is re-sampled.
func (e *Engine) Compress(ctx context.Context, maxContext int, targetFraction float64) error {
	target := tokens.Target(maxContext, targetFraction)
	if err := e.compressDeterministic(ctx, target); err != nil {
		log.Printf("compaction: deterministic pass returned an error, proceeding with best-effort result: %v", err)
	}
	e.resample()
	return nil
}

// resample clears the token tracker and re-tracks every surviving message.
func (e *Engine) resample() {
	e.Tokens.Reset()
	for i, m := range e.Store.All() {
		e.Tokens.Track(i, m.Content, m.Role)
	}
}

// compressDeterministic implements the priority-ordered deterministic
// algorithm: compress tool messages (largest first), then assistant
// messages (oldest first), then user messages (oldest first), stopping as
// soon as the total is at or below target or the compressible set is
// exhausted.
func (e *Engine) compressDeterministic(ctx context.Context, target int) error {
	for round := 0; round < 10000; round++ {
		msgs := e.Store.All()
		if tokens.EstimateMessages(msgs) <= target {
			return nil
		}

		protected := protectedIndices(msgs)
		idx, kind, ok := nextCompressionCandidate(msgs, protected)
		if !ok {
			log.Printf("compaction: target %d not reached; compressible set exhausted at total %d", target, tokens.EstimateMessages(msgs))
			return nil
		}

		switch kind {
		case candidateDisplayOnly:
			e.Store.RemoveRange(idx, idx)
		case candidateTool:
			e.compressToolMessage(msgs[idx], idx)
		case candidateAssistant, candidateUser:
			e.compressDialogueMessage(ctx, msgs[idx], idx)
		}
	}
	return fmt.Errorf("compaction: exceeded safety round limit without reaching target")
}

type candidateKind int

const (
	candidateNone candidateKind = iota
	candidateDisplayOnly
	candidateTool
	candidateAssistant
	candidateUser
)

// protectedIndices returns the set of message indices protected from
// compression: the last ProtectedTailCount messages with role user or
// assistant, walked back-to-front.
func protectedIndices(msgs []provider.Message) map[int]bool {
	protected := make(map[int]bool)
	count := 0
	for i := len(msgs) - 1; i >= 0 && count < ProtectedTailCount; i-- {
		if msgs[i].Role == provider.RoleUser || msgs[i].Role == provider.RoleAssistant {
			protected[i] = true
			count++
		}
	}
	return protected
}

// nextCompressionCandidate picks the next message to compress under the
// priority order: display_only (dropped for free, doesn't touch the
// budget but must happen eventually), then tool (largest first), then
// assistant (oldest first), then user (oldest first).
func nextCompressionCandidate(msgs []provider.Message, protected map[int]bool) (int, candidateKind, bool) {
	bestToolIdx, bestToolSize := -1, -1
	for i, m := range msgs {
		if protected[i] {
			continue
		}
		switch m.Role {
		case provider.RoleDisplayOnly:
			return i, candidateDisplayOnly, true
		case provider.RoleTool:
			if isAlreadyCompressed(m.Content) {
				continue
			}
			if len(m.Content) > bestToolSize {
				bestToolIdx, bestToolSize = i, len(m.Content)
			}
		}
	}
	if bestToolIdx != -1 {
		return bestToolIdx, candidateTool, true
	}
	for i, m := range msgs {
		if protected[i] || m.Role != provider.RoleAssistant {
			continue
		}
		if isAlreadyCompressed(m.Content) {
			continue
		}
		return i, candidateAssistant, true
	}
	for i, m := range msgs {
		if protected[i] || m.Role != provider.RoleUser {
			continue
		}
		if isAlreadyCompressed(m.Content) {
			continue
		}
		return i, candidateUser, true
	}
	return -1, candidateNone, false
}

func isAlreadyCompressed(content string) bool {
	for _, p := range []string{compressedReadPrefix, compressedEditPrefix, compressedOtherPrefix, compressedTextPrefix, compressedTruncPrefix} {
		if strings.HasPrefix(content, p) {
			return true
		}
	}
	return false
}

// compressToolMessage rewrites a tool message's content in place using the
// cheap metadata-rewrite strategy. Role and tool_call_id are preserved.
func (e *Engine) compressToolMessage(msg provider.Message, idx int) {
	summary := e.summarizeToolResult(msg.Content)
	e.Store.ReplaceContentAt(idx, summary, nil)
}

func (e *Engine) summarizeToolResult(rawResult string) string {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(rawResult), &parsed); err != nil {
		return compressedOtherPrefix
	}

	path, hasPath := parsed["path"].(string)
	content, hasContent := parsed["content"].(string)

	if hasPath && hasContent {
		lines := strings.Count(content, "\n") + 1
		if e.ContextTrk != nil {
			if rec, ok := e.ContextTrk.FileRead(path); ok && rec.CuratedResult != nil {
				summary := rec.CuratedResult.Summary
				if len(summary) > 200 {
					summary = summary[:200]
				}
				return fmt.Sprintf("%sRead %s (%d lines, hash:%x) • %s • Full content cached",
					compressedReadPrefix, path, lines, rec.OriginalHash, summary)
			}
		}
		return fmt.Sprintf("%sRead %s (%d lines)", compressedReadPrefix, path, lines)
	}

	if hasPath {
		if op, hasOp := parsed["op"].(string); hasOp {
			return e.summarizeWriteResult(path, op)
		}
	}

	return compressedOtherPrefix
}

func (e *Engine) summarizeWriteResult(path, op string) string {
	verb := map[string]string{"created": "Created", "modified": "Modified", "deleted": "Deleted"}[op]
	if verb == "" {
		verb = "Modified"
	}
	if e.ContextTrk == nil {
		return fmt.Sprintf("%s%s %s", compressedEditPrefix, verb, path)
	}
	for _, rec := range recentModificationsForPath(e.ContextTrk, path) {
		dt := time.Since(rec.Timestamp).Minutes()
		suffix := ""
		if rec.RelatedTodoID != "" {
			suffix = fmt.Sprintf(" • Related to todo: %s", rec.RelatedTodoID)
		}
		return fmt.Sprintf("%s%s %s (%.0fm)%s", compressedEditPrefix, verb, path, dt, suffix)
	}
	return fmt.Sprintf("%s%s %s", compressedEditPrefix, verb, path)
}

func recentModificationsForPath(ct *ctxtrack.Tracker, path string) []ctxtrack.ModificationRecord {
	all := ct.RecentModifications(0)
	var out []ctxtrack.ModificationRecord
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Path == path {
			out = append(out, all[i])
		}
	}
	return out
}

// compressDialogueMessage rewrites a user or assistant message using
// LLM summarization, falling back to truncation on any failure. Role and
// timestamp are preserved; an assistant message's tool_calls are cleared,
// since the summary replaces the original content that requested them and
// their paired tool-result messages are compressed independently as their
// own tool candidates.
func (e *Engine) compressDialogueMessage(ctx context.Context, msg provider.Message, idx int) {
	targetTokens := AssistantSummaryTargetTokens
	if msg.Role == provider.RoleUser {
		targetTokens = UserSummaryTargetTokens
	}

	newRole := msg.Role
	var summary string
	summarized := false
	if e.Summarizer != nil {
		s, err := e.Summarizer.Summarize(ctx, msg.Content, targetTokens)
		if err == nil && strings.TrimSpace(s) != "" {
			summary = compressedTextPrefix + s
			summarized = true
		}
	}
	if !summarized {
		truncLen := targetTokens * 4
		truncated := msg.Content
		if len(truncated) > truncLen {
			truncated = truncated[:truncLen]
		}
		summary = compressedTruncPrefix + truncated
	}

	e.Store.ReplaceContentAt(idx, summary, &newRole)
	if msg.Role == provider.RoleAssistant && len(msg.ToolCalls) > 0 {
		e.Store.ClearToolCallsAt(idx)
	}
}

// CompressSegment replaces a contiguous range [i, j] of non-protected
// user/assistant messages with a single system message holding a combined
// summary. The range must not split an assistant/tool pair; callers are
// responsible for choosing boundaries that respect that invariant.
func (e *Engine) CompressSegment(ctx context.Context, i, j int, combinedSummary string) error {
	if j < i {
		return fmt.Errorf("validation_failed: segment end %d precedes start %d", j, i)
	}
	msgs := e.Store.All()
	protected := protectedIndices(msgs)
	for k := i; k <= j; k++ {
		if k < 0 || k >= len(msgs) {
			return fmt.Errorf("validation_failed: segment index %d out of range", k)
		}
		if protected[k] {
			return fmt.Errorf("validation_failed: segment includes protected message at index %d", k)
		}
	}

	systemRole := provider.RoleSystem
	e.Store.ReplaceContentAt(i, combinedSummary, &systemRole)
	if j > i {
		e.Store.RemoveRange(i+1, j)
	}
	return nil
}

