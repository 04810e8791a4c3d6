package localopenai

import (
	"fmt"
	"io"

	"anchor/core/provider"

	"github.com/sashabaranov/go-openai"
)

// toolCallState accumulates one index-keyed tool-call fragment stream into
// a single logical call.
type toolCallState struct {
	id      string
	name    string
	started bool
}

// openaiIterator adapts go-openai's delta-chunk stream to provider.StreamIterator.
// Each Recv() can translate into zero or more normalized chunks (a tool-call
// delta that also carries its first argument fragment, for instance), so
// translated chunks are queued and drained one at a time by Next().
type openaiIterator struct {
	stream *openai.ChatCompletionStream

	queue []provider.StreamChunk

	toolOrder []int
	tools     map[int]*toolCallState

	finishReason string
	usage        *provider.Usage
	upstreamDone bool
	stopQueued   bool
}

func (it *openaiIterator) Next() (provider.StreamChunk, error) {
	for {
		if len(it.queue) > 0 {
			chunk := it.queue[0]
			it.queue = it.queue[1:]
			return chunk, nil
		}

		if it.upstreamDone {
			if it.stopQueued {
				return provider.StreamChunk{}, io.EOF
			}
			it.stopQueued = true
			it.queue = append(it.queue, it.closeOpenToolCalls()...)
			it.queue = append(it.queue, provider.StreamChunk{
				Event:      provider.EventMessageStop,
				StopReason: normalizeFinishReason(it.finishReason),
				Usage:      it.usage,
			})
			continue
		}

		resp, err := it.stream.Recv()
		if err != nil {
			if err == io.EOF {
				it.upstreamDone = true
				continue
			}
			return provider.StreamChunk{}, fmt.Errorf("localopenai stream: %w", classifyErr(err))
		}

		if resp.Usage != nil {
			it.usage = &provider.Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			}
		}

		for _, choice := range resp.Choices {
			it.translateChoice(choice)
		}
	}
}

func (it *openaiIterator) translateChoice(choice openai.ChatCompletionStreamChoice) {
	delta := choice.Delta

	if choice.FinishReason != "" {
		it.finishReason = string(choice.FinishReason)
	}

	if delta.Content != "" {
		it.queue = append(it.queue, provider.StreamChunk{
			Event: provider.EventTextDelta,
			Text:  delta.Content,
		})
	}

	if delta.ReasoningContent != "" {
		it.queue = append(it.queue, provider.StreamChunk{
			Event:    provider.EventThinkingDelta,
			Thinking: delta.ReasoningContent,
		})
	}

	for _, tc := range delta.ToolCalls {
		it.translateToolCallDelta(tc)
	}
}

func (it *openaiIterator) translateToolCallDelta(tc openai.ToolCall) {
	if tc.Index == nil {
		return
	}
	idx := *tc.Index

	if it.tools == nil {
		it.tools = make(map[int]*toolCallState)
	}
	state, ok := it.tools[idx]
	if !ok {
		state = &toolCallState{}
		it.tools[idx] = state
		it.toolOrder = append(it.toolOrder, idx)
	}

	if !state.started {
		state.started = true
		state.id = tc.ID
		state.name = tc.Function.Name
		it.queue = append(it.queue, provider.StreamChunk{
			Event:      provider.EventToolStart,
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
		})
	}

	if tc.Function.Arguments != "" {
		it.queue = append(it.queue, provider.StreamChunk{
			Event:      provider.EventToolDelta,
			InputDelta: tc.Function.Arguments,
		})
	}
}

// closeOpenToolCalls emits EventToolEnd for every tool call started during
// the stream, in the order first seen, once the upstream stream is exhausted.
func (it *openaiIterator) closeOpenToolCalls() []provider.StreamChunk {
	var ends []provider.StreamChunk
	for _, idx := range it.toolOrder {
		if state := it.tools[idx]; state != nil && state.started {
			ends = append(ends, provider.StreamChunk{Event: provider.EventToolEnd})
		}
	}
	return ends
}

func (it *openaiIterator) Close() error {
	it.stream.Close()
	return nil
}

// normalizeFinishReason maps OpenAI's finish_reason vocabulary onto the
// stop-reason strings the core loop branches on.
func normalizeFinishReason(reason string) string {
	if reason == "tool_calls" {
		return "tool_use"
	}
	return "end_turn"
}
