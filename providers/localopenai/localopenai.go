// Package localopenai implements provider.Provider against the
// OpenAI-compatible chat completions endpoint exposed by local model
// servers such as Ollama and llama.cpp's server mode.
package localopenai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"anchor/core/provider"

	"github.com/sashabaranov/go-openai"
)

// defaultPort is Ollama's conventional local listen port, the more common
// target for a terminal coding assistant talking to a local model server.
const defaultPort = 11434

// knownModels holds static context-window metadata for local models whose
// OpenAI-compatible /v1/models listing carries no such field. Local
// inference has no per-token billing, so cost fields are left at zero.
var knownModels = map[string]provider.ModelInfo{
	"llama3.1":            {ID: "llama3.1", Name: "Llama 3.1", ContextWindow: 128_000},
	"llama3.2":            {ID: "llama3.2", Name: "Llama 3.2", ContextWindow: 128_000},
	"qwen2.5-coder":       {ID: "qwen2.5-coder", Name: "Qwen 2.5 Coder", ContextWindow: 32_768},
	"deepseek-coder-v2":   {ID: "deepseek-coder-v2", Name: "DeepSeek Coder V2", ContextWindow: 128_000},
	"codellama":           {ID: "codellama", Name: "Code Llama", ContextWindow: 16_384},
	"mistral":             {ID: "mistral", Name: "Mistral", ContextWindow: 32_768},
	"phi3":                {ID: "phi3", Name: "Phi-3", ContextWindow: 128_000},
}

// LocalOpenAI implements Provider against an OpenAI-compatible chat
// completions endpoint. One instance serves one configured base URL; Send
// opens its own HTTP connection for the lifetime of the call.
type LocalOpenAI struct {
	client *openai.Client
}

// New creates a provider pointed at baseURL (e.g. "http://localhost:11434/v1").
// An empty apiKey is fine — most local servers don't check it, but
// go-openai's client requires a non-empty string in the Authorization header.
func New(baseURL, apiKey string) *LocalOpenAI {
	if apiKey == "" {
		apiKey = "local"
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &LocalOpenAI{client: openai.NewClientWithConfig(cfg)}
}

// NewWithHTTPClient is like New but lets the caller supply a custom
// *http.Client, e.g. to adjust timeouts for slow local inference.
func NewWithHTTPClient(baseURL, apiKey string, httpClient *http.Client) *LocalOpenAI {
	if apiKey == "" {
		apiKey = "local"
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpClient
	return &LocalOpenAI{client: openai.NewClientWithConfig(cfg)}
}

// Send starts a streaming chat completion.
func (p *LocalOpenAI) Send(ctx context.Context, req provider.Request) (provider.StreamIterator, error) {
	ccr, err := buildChatCompletionRequest(req)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, ccr)
	if err != nil {
		return nil, classifyErr(err)
	}

	return &openaiIterator{stream: stream}, nil
}

// ListModels returns the models the local server currently has loaded,
// enriched with static context-window metadata where known.
func (p *LocalOpenAI) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, classifyErr(err)
	}

	models := make([]provider.ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		if known, ok := knownModels[m.ID]; ok {
			models = append(models, known)
			continue
		}
		models = append(models, provider.ModelInfo{ID: m.ID, Name: m.ID})
	}
	return models, nil
}

// Capabilities reports the delta-chunk OpenAI-compatible dialect: thinking
// content arrives as a separate reasoning_content delta field (supported by
// a growing set of local servers), tool calls stream as index-keyed
// fragments, and local servers conventionally listen on defaultPort and
// support keep_alive-style idle unloading.
func (p *LocalOpenAI) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsThinking:   true,
		SupportsKeepAlive:  true,
		SupportsTools:      true,
		SupportsStreaming:  true,
		SupportsContextAPI: false,
		DefaultPort:        defaultPort,
	}
}

// classifyErr wraps go-openai request errors into provider-level sentinels.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", provider.ErrThrottled, apiErr.Message)
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", provider.ErrAccessDenied, apiErr.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", provider.ErrModelNotFound, apiErr.Message)
		case http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %s", provider.ErrModelNotReady, apiErr.Message)
		}
	}

	return fmt.Errorf("localopenai: %w", err)
}

// Compile-time check that LocalOpenAI implements provider.Provider.
var _ provider.Provider = (*LocalOpenAI)(nil)
