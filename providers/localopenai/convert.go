package localopenai

import (
	"encoding/json"
	"fmt"

	"anchor/core/provider"

	"github.com/sashabaranov/go-openai"
)

func buildChatCompletionRequest(req provider.Request) (openai.ChatCompletionRequest, error) {
	msgs, err := toOpenAIMessages(req)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	ccr := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      true,
		Temperature: float32(req.Temperature),
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	if req.MaxPredict > 0 {
		ccr.MaxTokens = req.MaxPredict
	}

	if len(req.Tools) > 0 {
		tools, err := toOpenAITools(req.Tools)
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		ccr.Tools = tools
	}

	if req.ResponseFormat != nil {
		ccr.ResponseFormat = toOpenAIResponseFormat(*req.ResponseFormat)
	}

	// req.KeepAlive has no equivalent field on openai.ChatCompletionRequest —
	// Ollama's OpenAI-compat layer accepts it as a raw top-level JSON field,
	// but go-openai's typed request has no way to add one. Capabilities still
	// reports SupportsKeepAlive so the coordinator knows the underlying
	// server understands the concept even though this dialect can't send it.

	return ccr, nil
}

// toOpenAIMessages converts the core's message list into OpenAI chat turns.
// Unlike Bedrock, the OpenAI dialect accepts tool-role messages directly
// (one per ToolCallID) and a mid-conversation system role, so no merging or
// re-rolling is needed — each provider.Message maps to exactly one
// ChatCompletionMessage.
func toOpenAIMessages(req provider.Request) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, m := range req.Messages {
		if m.Role == provider.RoleDisplayOnly {
			continue
		}
		msg, err := toOpenAIMessage(m)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func toOpenAIMessage(m provider.Message) (openai.ChatCompletionMessage, error) {
	role, err := toOpenAIRole(m.Role)
	if err != nil {
		return openai.ChatCompletionMessage{}, err
	}

	msg := openai.ChatCompletionMessage{
		Role:    role,
		Content: m.Content,
	}

	if m.Role == provider.RoleTool {
		msg.ToolCallID = m.ToolCallID
		return msg, nil
	}

	for _, tc := range m.ToolCalls {
		argsJSON, err := json.Marshal(tc.Input)
		if err != nil {
			return openai.ChatCompletionMessage{}, fmt.Errorf("marshal tool call args for %s: %w", tc.Name, err)
		}
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: string(argsJSON),
			},
		})
	}

	return msg, nil
}

func toOpenAIRole(r provider.Role) (string, error) {
	switch r {
	case provider.RoleUser:
		return openai.ChatMessageRoleUser, nil
	case provider.RoleAssistant:
		return openai.ChatMessageRoleAssistant, nil
	case provider.RoleSystem:
		return openai.ChatMessageRoleSystem, nil
	case provider.RoleTool:
		return openai.ChatMessageRoleTool, nil
	default:
		return "", fmt.Errorf("unknown message role: %q", r)
	}
}

// toOpenAITools renders tool definitions in the JSON-schema-string shape
// the model-server contract specifies: parameters travels as a JSON-encoded
// string rather than a nested object, matching what function-calling
// grammars on local servers expect to parse out of the prompt template.
func toOpenAITools(defs []provider.ToolDefinition) ([]openai.Tool, error) {
	out := make([]openai.Tool, len(defs))
	for i, d := range defs {
		schema, err := json.Marshal(d.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for tool %s: %w", d.Name, err)
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  string(schema),
			},
		}
	}
	return out, nil
}

// toOpenAIResponseFormat handles the one response-format shape every local
// server's OpenAI-compat layer reliably supports. json_schema constraints
// aren't forwarded — few local servers honor strict schema enforcement, so
// callers needing that guarantee should validate the parsed result instead.
func toOpenAIResponseFormat(rf provider.ResponseFormat) *openai.ChatCompletionResponseFormat {
	if rf.Type != "json_object" {
		return nil
	}
	return &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
}
