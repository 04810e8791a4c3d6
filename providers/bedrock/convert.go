package bedrock

import (
	"anchor/core/provider"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brdocument "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const defaultMaxTokens = 4096

func buildConverseStreamInput(req provider.Request) (*bedrockruntime.ConverseStreamInput, error) {
	msgs, err := toBedrockMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.Model),
		Messages: msgs,
	}

	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}

	maxTokens := req.MaxPredict
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	input.InferenceConfig = &brtypes.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(maxTokens)),
	}

	if len(req.Tools) > 0 {
		tc, err := toBedrockToolConfig(req.Tools)
		if err != nil {
			return nil, err
		}
		input.ToolConfig = tc
	}

	return input, nil
}

// toBedrockMessages converts the core's per-message conversation into
// Bedrock's turn-based shape. Bedrock only accepts user/assistant roles and
// requires every tool result for one assistant turn to arrive bundled into
// a single following user message, whereas the core stores one `tool` role
// message per result — so consecutive tool messages are merged into one
// Bedrock user turn here. A `system` role message found mid-conversation
// (produced when compaction repairs an orphaned tool message) has no
// Bedrock equivalent outside the top-level System field, so it is folded
// into a user-role text block instead of being dropped.
func toBedrockMessages(msgs []provider.Message) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role == provider.RoleDisplayOnly {
			continue
		}
		if m.Role == provider.RoleTool {
			group := []provider.Message{m}
			for i+1 < len(msgs) && msgs[i+1].Role == provider.RoleTool {
				i++
				group = append(group, msgs[i])
			}
			bm, err := toBedrockToolResultMessage(group)
			if err != nil {
				return nil, err
			}
			out = append(out, bm)
			continue
		}
		bm, err := toBedrockMessage(m)
		if err != nil {
			return nil, err
		}
		out = append(out, bm)
	}
	return out, nil
}

func toBedrockMessage(m provider.Message) (brtypes.Message, error) {
	role, err := toBedrockRole(m.Role)
	if err != nil {
		return brtypes.Message{}, err
	}

	msg := brtypes.Message{Role: role}

	if m.Content != "" {
		msg.Content = append(msg.Content, &brtypes.ContentBlockMemberText{Value: m.Content})
	}

	for _, tc := range m.ToolCalls {
		msg.Content = append(msg.Content, &brtypes.ContentBlockMemberToolUse{
			Value: brtypes.ToolUseBlock{
				ToolUseId: aws.String(tc.ID),
				Name:      aws.String(tc.Name),
				Input:     brdocument.NewLazyDocument(tc.Input),
			},
		})
	}

	if len(msg.Content) == 0 {
		return brtypes.Message{}, fmt.Errorf("message with role %q has no content (need text or tool calls)", m.Role)
	}

	return msg, nil
}

// toBedrockToolResultMessage bundles one or more `tool` role messages into
// a single Bedrock user-role turn carrying one ToolResultBlock per message,
// in the same order they were appended.
func toBedrockToolResultMessage(group []provider.Message) (brtypes.Message, error) {
	msg := brtypes.Message{Role: brtypes.ConversationRoleUser}
	for _, tr := range group {
		status := brtypes.ToolResultStatusSuccess
		if isErrorResult(tr.Content) {
			status = brtypes.ToolResultStatusError
		}
		msg.Content = append(msg.Content, &brtypes.ContentBlockMemberToolResult{
			Value: brtypes.ToolResultBlock{
				ToolUseId: aws.String(tr.ToolCallID),
				Status:    status,
				Content: []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: tr.Content},
				},
			},
		})
	}
	return msg, nil
}

// isErrorResult reports whether a tool message's JSON content carries an
// "error" key, the convention the Tool Executor uses for failed calls.
func isErrorResult(content string) bool {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return false
	}
	_, hasError := parsed["error"]
	return hasError
}

func toBedrockRole(r provider.Role) (brtypes.ConversationRole, error) {
	switch r {
	case provider.RoleUser:
		return brtypes.ConversationRoleUser, nil
	case provider.RoleAssistant:
		return brtypes.ConversationRoleAssistant, nil
	case provider.RoleSystem:
		// Folded into a user-role text block: Bedrock has no mid-conversation
		// system turn, only the top-level System field.
		return brtypes.ConversationRoleUser, nil
	default:
		return "", fmt.Errorf("unknown message role: %q", r)
	}
}

func toBedrockToolConfig(tools []provider.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	brTools := make([]brtypes.Tool, len(tools))
	for i, t := range tools {
		brTools[i] = &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{
					Value: brdocument.NewLazyDocument(t.InputSchema),
				},
			},
		}
	}

	return &brtypes.ToolConfiguration{Tools: brTools}, nil
}
