// Package provider defines the LLM provider abstraction for Anchor.
// It contains only interfaces and data types — no implementation. Concrete
// dialects (providers/bedrock, providers/localopenai) adapt a specific
// model server's wire format onto these types; the core never branches on
// provider identity, only on StreamChunk.Event and a Capabilities record.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Common errors returned by providers.
var (
	ErrThrottled     = errors.New("provider: request throttled")
	ErrAccessDenied  = errors.New("provider: access denied")
	ErrModelNotFound = errors.New("provider: model not found")
	ErrModelNotReady = errors.New("provider: model not ready")
)

// Role identifies who authored a conversation message, or why it exists.
type Role string

const (
	RoleUser        Role = "user"
	RoleAssistant   Role = "assistant"
	RoleSystem      Role = "system"
	RoleTool        Role = "tool"
	RoleDisplayOnly Role = "display_only"
)

// Message is the single persisted unit of conversation.
//
// A tool message's ToolCallID must reference a ToolCall emitted by an
// earlier assistant message. A display_only message is never sent to the
// model — it exists solely for UI and is dropped by iterate_for_model.
type Message struct {
	Role             Role
	Content          string // raw text, may contain markdown
	ProcessedContent string // rendered form for UI; derivable from Content
	Timestamp        time.Time

	ToolCalls       []ToolCall // only set on assistant messages; order is the stream order
	ToolCallID      string     // only set when Role == RoleTool
	ThinkingContent string     // internal reasoning surfaced by some model servers
}

// ToolCall represents the LLM requesting a tool invocation.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolDefinition describes a tool the LLM can invoke. InputSchema is a
// JSON Schema object; ToWireFormat renders it in the shape every dialect
// expects: {type:"function", function:{name, description, parameters}}.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToWireFormat renders the tool definition as the JSON-schema-string shape
// independent of which provider dialect consumes it.
func (t ToolDefinition) ToWireFormat() (map[string]any, error) {
	schema, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal tool schema for %s: %w", t.Name, err)
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  string(schema),
		},
	}, nil
}

// NormalizeToolArgs accepts tool-call arguments as either a JSON object or
// a JSON-encoded string (both shapes appear across model-server dialects)
// and returns a normalized map.
func NormalizeToolArgs(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case string:
		if v == "" {
			return map[string]any{}, nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, fmt.Errorf("parse_error: tool arguments not valid JSON: %w", err)
		}
		return out, nil
	case json.RawMessage:
		var out map[string]any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, fmt.Errorf("parse_error: tool arguments not valid JSON: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parse_error: unsupported tool argument shape %T", raw)
	}
}

// StreamEvent identifies the type of a streaming chunk. Two wire shapes are
// accepted by the chunk callback: whole-message chunks
// (one message per chunk, complete ToolCalls) and delta chunks
// (incremental content/reasoning/tool-call fragments that accumulate
// across chunks). Both are normalized to this single event vocabulary
// before reaching the core.
type StreamEvent int

const (
	EventTextDelta     StreamEvent = iota // Partial text content
	EventThinkingDelta                    // Partial reasoning/thinking content
	EventToolStart                        // Tool invocation begins
	EventToolDelta                        // Partial tool input JSON
	EventToolEnd                          // Tool invocation block complete
	EventMessageStop                      // Response finished
)

// StreamChunk is one unit of streamed LLM output. Fields are relevant per
// event type; others are zero-valued.
type StreamChunk struct {
	Event      StreamEvent
	Text       string // EventTextDelta
	Thinking   string // EventThinkingDelta
	ToolCallID string // EventToolStart
	ToolName   string // EventToolStart
	InputDelta string // EventToolDelta: partial JSON fragment
	StopReason string // EventMessageStop: "end_turn", "tool_use"
	Usage      *Usage // Set on EventMessageStop
}

// Usage holds token counts from a single LLM response.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ModelInfo describes a model's metadata and pricing.
type ModelInfo struct {
	ID              string // Provider-specific model identifier
	Name            string // Human-readable display name
	ContextWindow   int
	InputCostPer1M  float64
	OutputCostPer1M float64
}

// ResponseFormat constrains the model to a structured output shape.
// Nil means unconstrained free-form text.
type ResponseFormat struct {
	Type   string         // e.g. "json_object", "json_schema"
	Schema map[string]any // present iff Type == "json_schema"
}

// Request bundles everything sent to the LLM for one round-trip. Fields a
// given dialect's capabilities don't support are nulled out by the caller
// before dispatch rather than branched on inside providers.
type Request struct {
	Model          string
	System         string
	Messages       []Message
	Tools          []ToolDefinition
	EnableThinking bool
	ResponseFormat *ResponseFormat
	KeepAlive      *time.Duration
	MaxContext     int // num_ctx
	MaxPredict     int // max tokens to generate
	Temperature    float64
	RepeatPenalty  float64
}

// StreamIterator provides token-by-token iteration over a streamed response.
// Callers loop on Next() until it returns io.EOF.
type StreamIterator interface {
	Next() (StreamChunk, error)
	Close() error
}

// Capabilities describes what a model-server dialect supports. The
// coordinator consults this and nulls out unsupported Request fields
// before dispatch instead of branching on provider name.
type Capabilities struct {
	SupportsThinking   bool
	SupportsKeepAlive  bool
	SupportsTools      bool
	SupportsStreaming  bool
	SupportsContextAPI bool
	DefaultPort        int // 0 if the dialect has no conventional local port
}

// Provider is the LLM provider abstraction that the core loop consumes.
type Provider interface {
	Send(ctx context.Context, req Request) (StreamIterator, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Capabilities() Capabilities
}

// PrepareRequest clears fields the dialect's capabilities don't support,
// so individual providers never need to special-case unsupported options.
func PrepareRequest(req Request, caps Capabilities) Request {
	if !caps.SupportsThinking {
		req.EnableThinking = false
	}
	if !caps.SupportsTools {
		req.Tools = nil
	}
	if !caps.SupportsKeepAlive {
		req.KeepAlive = nil
	}
	return req
}

// PricingConfig holds provider-agnostic settings for dynamic pricing.
// Passed to provider constructors to decouple providers from the application config.
type PricingConfig struct {
	Enabled  bool   // Whether to fetch dynamic pricing
	CacheDir string // Directory for caching pricing data
	CacheTTL int    // Check interval in hours
}
