package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"anchor/core/provider"
	"anchor/core/tokens"
)

// Driver model: compression is itself run as a bounded, tool-calling inner
// loop. These four tools are the only path by which a compression agent may
// mutate the store; each validates preconditions and returns a structured
// result. If the agent fails or exhausts its iteration budget,
// CompressWithAgent falls back to the deterministic algorithm in engine.go.

// CompressionTools returns the tool definitions exposed to a compression
// agent, wired to this Engine's store/tracker state.
func (e *Engine) CompressionTools() []provider.ToolDefinition {
	return []provider.ToolDefinition{
		{
			Name:        "get_compression_metadata",
			Description: "Return the current message count, protected indices, and estimated token total.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "compress_tool_result",
			Description: "Apply the deterministic metadata rewrite to the tool message at the given index.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"index": map[string]any{"type": "integer"},
				},
				"required": []string{"index"},
			},
		},
		{
			Name:        "compress_conversation_segment",
			Description: "Replace a contiguous range of non-protected user/assistant messages with one summary.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start":   map[string]any{"type": "integer"},
					"end":     map[string]any{"type": "integer"},
					"summary": map[string]any{"type": "string"},
				},
				"required": []string{"start", "end", "summary"},
			},
		},
		{
			Name:        "verify_compression_target",
			Description: "Report whether the estimated token total is at or below the target.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target": map[string]any{"type": "integer"},
				},
				"required": []string{"target"},
			},
		},
	}
}

// CallTool dispatches one compression-agent tool call by name, returning a
// JSON-serializable result or an error. Every precondition violation
// (out-of-range index, protected message, role mismatch) is returned as an
// error rather than panicking, so an agent loop can recover and try again.
func (e *Engine) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "get_compression_metadata":
		return e.toolGetMetadata(), nil
	case "compress_tool_result":
		return e.toolCompressToolResult(args)
	case "compress_conversation_segment":
		return e.toolCompressSegment(ctx, args)
	case "verify_compression_target":
		return e.toolVerifyTarget(args)
	default:
		return nil, fmt.Errorf("validation_failed: unknown compression tool %q", name)
	}
}

type compressionMetadata struct {
	MessageCount    int   `json:"messageCount"`
	ProtectedIndices []int `json:"protectedIndices"`
	EstimatedTokens int   `json:"estimatedTokens"`
}

func (e *Engine) toolGetMetadata() compressionMetadata {
	msgs := e.Store.All()
	protected := protectedIndices(msgs)
	idxs := make([]int, 0, len(protected))
	for i := range protected {
		idxs = append(idxs, i)
	}
	return compressionMetadata{
		MessageCount:     len(msgs),
		ProtectedIndices: idxs,
		EstimatedTokens:  tokens.EstimateMessages(msgs),
	}
}

func (e *Engine) toolCompressToolResult(args map[string]any) (any, error) {
	idxF, ok := args["index"].(float64)
	if !ok {
		return nil, fmt.Errorf("validation_failed: missing integer index")
	}
	idx := int(idxF)
	msgs := e.Store.All()
	if idx < 0 || idx >= len(msgs) {
		return nil, fmt.Errorf("validation_failed: index %d out of range", idx)
	}
	if msgs[idx].Role != provider.RoleTool {
		return nil, fmt.Errorf("validation_failed: message at %d is not a tool message", idx)
	}
	if protectedIndices(msgs)[idx] {
		return nil, fmt.Errorf("validation_failed: message at %d is protected", idx)
	}
	e.compressToolMessage(msgs[idx], idx)
	return map[string]any{"ok": true, "index": idx}, nil
}

func (e *Engine) toolCompressSegment(ctx context.Context, args map[string]any) (any, error) {
	startF, ok1 := args["start"].(float64)
	endF, ok2 := args["end"].(float64)
	summary, ok3 := args["summary"].(string)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("validation_failed: start, end, and summary are required")
	}
	if err := e.CompressSegment(ctx, int(startF), int(endF), summary); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (e *Engine) toolVerifyTarget(args map[string]any) (any, error) {
	targetF, ok := args["target"].(float64)
	if !ok {
		return nil, fmt.Errorf("validation_failed: missing integer target")
	}
	total := tokens.EstimateMessages(e.Store.All())
	return map[string]any{"ok": true, "estimatedTokens": total, "target": int(targetF), "reached": total <= int(targetF)}, nil
}

// CompressWithAgent drives the compression agent loop: it sends the
// current state plus the four tools to agentProvider, executes whatever
// tool calls come back via CallTool, and stops after verify_compression_target
// reports reached=true, the model stops requesting tools, or MaxRounds is
// exhausted. Any error (including exhausting the round budget) falls back
// to the deterministic algorithm.
func (e *Engine) CompressWithAgent(ctx context.Context, agentProvider provider.Provider, model string, maxContext int, targetFraction float64) error {
	target := tokens.Target(maxContext, targetFraction)
	maxRounds := e.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxAgentRounds
	}

	if agentProvider == nil {
		return e.Compress(ctx, maxContext, targetFraction)
	}

	if err := e.runAgentLoop(ctx, agentProvider, model, target, maxRounds); err != nil {
		log.Printf("compaction: agent-driven compression failed (%v), falling back to deterministic algorithm", err)
		return e.Compress(ctx, maxContext, targetFraction)
	}
	e.resample()
	return nil
}

func (e *Engine) runAgentLoop(ctx context.Context, p provider.Provider, model string, target, maxRounds int) error {
	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: compressionAgentSystemPrompt},
		{Role: provider.RoleUser, Content: fmt.Sprintf("Target estimated token total: %d. Use the tools to reach it.", target)},
	}

	for round := 0; round < maxRounds; round++ {
		req := provider.Request{
			Model:    model,
			Messages: messages,
			Tools:    e.CompressionTools(),
		}
		stream, err := p.Send(ctx, req)
		if err != nil {
			return fmt.Errorf("internal_error: compression agent request failed: %w", err)
		}

		assistantMsg, toolCalls, err := drainAssistantTurn(stream)
		if err != nil {
			return err
		}
		messages = append(messages, assistantMsg)

		if len(toolCalls) == 0 {
			return nil
		}

		reachedTarget := false
		for _, tc := range toolCalls {
			args, err := provider.NormalizeToolArgs(tc.Input)
			if err != nil {
				messages = append(messages, provider.Message{Role: provider.RoleTool, ToolCallID: tc.ID, Content: err.Error()})
				continue
			}
			result, callErr := e.CallTool(ctx, tc.Name, args)
			if callErr != nil {
				messages = append(messages, provider.Message{Role: provider.RoleTool, ToolCallID: tc.ID, Content: callErr.Error()})
				continue
			}
			resultJSON, _ := json.Marshal(result)
			messages = append(messages, provider.Message{Role: provider.RoleTool, ToolCallID: tc.ID, Content: string(resultJSON)})

			if tc.Name == "verify_compression_target" {
				if m, ok := result.(map[string]any); ok {
					if reached, _ := m["reached"].(bool); reached {
						reachedTarget = true
					}
				}
			}
		}
		if reachedTarget {
			return nil
		}
	}
	return fmt.Errorf("internal_error: compression agent exhausted %d rounds without reaching target", maxRounds)
}

// drainAssistantTurn reads a full streamed response into one assistant
// Message plus its requested tool calls, accumulating delta chunks the same
// way the Main Loop Coordinator does for a normal conversational turn.
func drainAssistantTurn(stream provider.StreamIterator) (provider.Message, []provider.ToolCall, error) {
	defer stream.Close()

	var text string
	var calls []provider.ToolCall
	current := map[string]*struct {
		name  string
		input string
	}{}
	var order []string

	for {
		chunk, err := stream.Next()
		if err != nil {
			break
		}
		switch chunk.Event {
		case provider.EventTextDelta:
			text += chunk.Text
		case provider.EventToolStart:
			current[chunk.ToolCallID] = &struct {
				name  string
				input string
			}{name: chunk.ToolName}
			order = append(order, chunk.ToolCallID)
		case provider.EventToolDelta:
			if c, ok := current[chunk.ToolCallID]; ok {
				c.input += chunk.InputDelta
			}
		case provider.EventToolEnd:
			// finalized below once all chunks are drained
		case provider.EventMessageStop:
		}
	}

	for _, id := range order {
		c := current[id]
		args, err := provider.NormalizeToolArgs(c.input)
		if err != nil {
			args = map[string]any{}
		}
		calls = append(calls, provider.ToolCall{ID: id, Name: c.name, Input: args})
	}

	return provider.Message{Role: provider.RoleAssistant, Content: text, ToolCalls: calls}, calls, nil
}

const compressionAgentSystemPrompt = `You compress a conversation's message store to reduce its estimated token total toward a target. You may only mutate the store through the four tools provided: get_compression_metadata, compress_tool_result, compress_conversation_segment, verify_compression_target. Never touch protected messages. Call verify_compression_target after each change; stop once it reports the target is reached.`
