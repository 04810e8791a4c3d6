// Package coordinator implements the single driving loop that wires the
// token tracker, context tracker, message store, hot-context injector,
// compression engine, and tool executor together. It owns every state
// mutation; the only cross-thread structure is the streaming chunk queue
// handed to it by the provider's worker goroutine.
package coordinator

import (
	"context"
	"fmt"
	"log"

	"anchor/core/compaction"
	"anchor/core/ctxtrack"
	"anchor/core/hotcontext"
	"anchor/core/provider"
	"anchor/core/store"
	"anchor/core/toolexec"
)

// Config bundles the tunables an application must supply.
type Config struct {
	MaxContext       int // num_ctx
	TriggerFraction  float64
	TargetFraction   float64
	EnableThinking   bool
	ModelKeepAliveOn bool
}

// DefaultConfig returns the documented default trigger/target fractions.
func DefaultConfig(maxContext int) Config {
	// kept in sync with tokens.DefaultTriggerFraction / tokens.DefaultTargetFraction
	return Config{
		MaxContext:      maxContext,
		TriggerFraction: 0.70,
		TargetFraction:  0.40,
	}
}

// ModalHost lets the coordinator service an open modal editor (config
// editor, permission prompt dialog, …) at the highest priority. Out of
// core scope — the concrete implementation is the ui package.
type ModalHost interface {
	Active() bool
	Service()
}

// Redrawer is called at priority (5) when no stream is active.
type Redrawer interface {
	Redraw()
}

// Coordinator drives one conversation's turn loop.
type Coordinator struct {
	Store      *store.Store
	Tokens     tokenTracker
	CtxTrack   *ctxtrack.Tracker
	Compactor  *compaction.Engine
	Provider   provider.Provider
	Model      string
	Config     Config
	Indexer    hotcontext.Indexer
	ToolRunner toolexec.ToolRunner
	Modal      ModalHost
	Redraw     Redrawer

	// SystemPrompt, Tools and MaxPredict are carried on every outgoing
	// request alongside the store-derived message history.
	SystemPrompt string
	Tools        []provider.ToolDefinition
	MaxPredict   int

	// Hooks let an application observe turn progress without the
	// coordinator importing anything UI-shaped. All are optional; a nil
	// hook is simply skipped.
	OnTextDelta       func(text string)
	OnAssistantTurn   func()
	OnUsage           func(ctx context.Context, usage *provider.Usage)
	OnCompactionStart func(mode string)
	OnCompactionDone  func(oldTokens, newTokens int)
	OnCompactionFail  func(err error)

	quit bool

	pendingExecutor *toolexec.Executor
	activeStream    provider.StreamIterator
	toolCallDepth   int
}

// tokenTracker is the subset of *tokens.Tracker the coordinator needs;
// declared narrowly so tests can substitute a fake.
type tokenTracker interface {
	Track(messageIndex int, content string, role provider.Role)
	ShouldCompress(maxContext int, triggerFraction float64) bool
	Total() int
	Reset()
}

// New constructs a Coordinator. All fields may also be set directly on the
// returned value for test wiring.
func New(s *store.Store, tr tokenTracker, ct *ctxtrack.Tracker, eng *compaction.Engine, p provider.Provider, model string, cfg Config) *Coordinator {
	return &Coordinator{
		Store:     s,
		Tokens:    tr,
		CtxTrack:  ct,
		Compactor: eng,
		Provider:  p,
		Model:     model,
		Config:    cfg,
	}
}

// Quit requests that the loop stop at the next opportunity.
func (c *Coordinator) Quit() { c.quit = true }

// Quitting reports whether Quit has been requested.
func (c *Coordinator) Quitting() bool { return c.quit }

// SubmitUserMessage appends a user message and starts a model turn: hot
// context is assembled, the request is dispatched, and the response is
// drained. Ordering within the turn is fixed: append → hot-context
// assembly → dispatch → streamed chunks in arrival order → tool execution
// in emitted order → tool results in that same order → optional further
// assistant turn.
func (c *Coordinator) SubmitUserMessage(ctx context.Context, content string) error {
	idx := c.Store.Append(provider.Message{Role: provider.RoleUser, Content: content})
	c.Tokens.Track(idx, content, provider.RoleUser)
	c.toolCallDepth = 0
	return c.dispatchTurn(ctx)
}

func (c *Coordinator) dispatchTurn(ctx context.Context) error {
	req := c.buildRequest()
	stream, err := c.Provider.Send(ctx, req)
	if err != nil {
		return fmt.Errorf("internal_error: model request failed: %w", err)
	}
	c.activeStream = stream
	return c.drainStream(ctx)
}

// buildRequest assembles the outgoing request: the model-visible messages
// from the store, plus a hot-context system message inserted immediately
// before the newest user message (never persisted in the store). With no
// user message it goes before the newest message.
func (c *Coordinator) buildRequest() provider.Request {
	messages := c.Store.IterateForModel()

	hot, ok := hotcontext.Generate(c.CtxTrack, messages, c.Indexer)
	if ok {
		at := max(len(messages)-1, 0)
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == provider.RoleUser {
				at = i
				break
			}
		}
		injected := make([]provider.Message, 0, len(messages)+1)
		injected = append(injected, messages[:at]...)
		injected = append(injected, provider.Message{Role: provider.RoleSystem, Content: hot})
		injected = append(injected, messages[at:]...)
		messages = injected
	}

	caps := provider.Capabilities{}
	if c.Provider != nil {
		caps = c.Provider.Capabilities()
	}

	req := provider.Request{
		Model:          c.Model,
		System:         c.SystemPrompt,
		Messages:       messages,
		Tools:          c.Tools,
		EnableThinking: c.Config.EnableThinking,
		MaxContext:     c.Config.MaxContext,
		MaxPredict:     c.MaxPredict,
	}
	return provider.PrepareRequest(req, caps)
}

// drainStream appends streamed assistant chunks in arrival order, then
// (if the assistant requested tools) starts the Tool Executor; otherwise it
// fires the compression checkpoint.
func (c *Coordinator) drainStream(ctx context.Context) error {
	defer func() {
		if c.activeStream != nil {
			c.activeStream.Close()
			c.activeStream = nil
		}
	}()

	var text, thinking string
	var usage *provider.Usage
	type callAccum struct {
		name  string
		input string
	}
	accum := map[string]*callAccum{}
	var order []string

	for {
		chunk, err := c.activeStream.Next()
		if err != nil {
			break
		}
		switch chunk.Event {
		case provider.EventTextDelta:
			text += chunk.Text
			if c.OnTextDelta != nil {
				c.OnTextDelta(chunk.Text)
			}
		case provider.EventThinkingDelta:
			thinking += chunk.Thinking
		case provider.EventToolStart:
			accum[chunk.ToolCallID] = &callAccum{name: chunk.ToolName}
			order = append(order, chunk.ToolCallID)
		case provider.EventToolDelta:
			if a, ok := accum[chunk.ToolCallID]; ok {
				a.input += chunk.InputDelta
			}
		case provider.EventToolEnd:
			// finalized once all chunks are drained below
		case provider.EventMessageStop:
			usage = chunk.Usage
		}
	}

	var calls []provider.ToolCall
	for _, id := range order {
		a := accum[id]
		args, err := provider.NormalizeToolArgs(a.input)
		if err != nil {
			log.Printf("coordinator: dropping malformed tool call args for %s: %v", a.name, err)
			args = map[string]any{}
		}
		calls = append(calls, provider.ToolCall{ID: id, Name: a.name, Input: args})
	}

	idx := c.Store.Append(provider.Message{
		Role:            provider.RoleAssistant,
		Content:         text,
		ThinkingContent: thinking,
		ToolCalls:       calls,
	})
	c.Tokens.Track(idx, text, provider.RoleAssistant)

	if c.OnUsage != nil {
		c.OnUsage(ctx, usage)
	}
	if c.OnAssistantTurn != nil {
		c.OnAssistantTurn()
	}

	if len(calls) == 0 {
		// End-of-stream with no further tool calls: checkpoint fires here.
		return c.checkpoint(ctx)
	}

	c.pendingExecutor = toolexec.New(c.ToolRunner, c.Store, calls, c.toolCallDepth)
	return c.runToolExecutor(ctx)
}

// runToolExecutor ticks the Tool Executor to completion (permission
// prompts are expected to be resolved out-of-band by the coordinator's
// caller via the pendingExecutor accessor in a real async loop; this
// synchronous helper is used when no prompt is outstanding).
func (c *Coordinator) runToolExecutor(ctx context.Context) error {
	for {
		state := c.pendingExecutor.Tick(ctx)
		if state == toolexec.StateShowPermissionPrompt {
			return nil // caller must service the modal and call ServicePendingExecutor
		}
		if state.IsTerminal() {
			return c.finishToolIteration(ctx, state)
		}
	}
}

// ServicePendingExecutor resumes a tool executor left suspended at a
// permission prompt. It is the coordinator's priority-(2) unit of work.
func (c *Coordinator) ServicePendingExecutor(ctx context.Context, decision toolexec.PermissionDecision) error {
	if c.pendingExecutor == nil {
		return nil
	}
	c.pendingExecutor.SupplyPermission(decision)
	return c.runToolExecutor(ctx)
}

func (c *Coordinator) finishToolIteration(ctx context.Context, state toolexec.State) error {
	c.toolCallDepth = c.pendingExecutor.Depth()
	c.pendingExecutor = nil

	if state == toolexec.StateIterationLimitReached {
		return c.checkpoint(ctx)
	}

	// iteration_complete: checkpoint fires here too.
	if err := c.checkpoint(ctx); err != nil {
		return err
	}
	return c.dispatchTurn(ctx)
}

// checkpoint asks the token tracker whether compression is needed, runs the
// compression engine synchronously if so, then resets and re-samples.
func (c *Coordinator) checkpoint(ctx context.Context) error {
	if !c.Tokens.ShouldCompress(c.Config.MaxContext, c.Config.TriggerFraction) {
		return nil
	}
	return c.runCompaction(ctx, "automatic")
}

// Compact runs the compression engine immediately, bypassing the trigger-
// fraction gate. It is the priority-order-independent entry point for a
// user-issued manual compaction command.
func (c *Coordinator) Compact(ctx context.Context) error {
	return c.runCompaction(ctx, "manual")
}

func (c *Coordinator) runCompaction(ctx context.Context, mode string) error {
	if c.Compactor == nil {
		return nil
	}
	oldTokens := c.Tokens.Total()
	if c.OnCompactionStart != nil {
		c.OnCompactionStart(mode)
	}
	if err := c.Compactor.Compress(ctx, c.Config.MaxContext, c.Config.TargetFraction); err != nil {
		if c.OnCompactionFail != nil {
			c.OnCompactionFail(err)
		}
		return fmt.Errorf("internal_error: compression checkpoint failed: %w", err)
	}
	if c.OnCompactionDone != nil {
		c.OnCompactionDone(oldTokens, c.Tokens.Total())
	}
	return nil
}

// Step services exactly one unit of work under a fixed priority order and
// reports whether it did anything. A caller (the app's event loop) calls
// Step repeatedly until Quitting().
func (c *Coordinator) Step(ctx context.Context) bool {
	if c.Modal != nil && c.Modal.Active() {
		c.Modal.Service()
		return true
	}
	if c.pendingExecutor != nil {
		state := c.pendingExecutor.Tick(ctx)
		if state.IsTerminal() {
			_ = c.finishToolIteration(ctx, state)
		}
		return true
	}
	if c.activeStream != nil {
		return true // a real event loop reads one chunk here; tests drive drainStream directly
	}
	if c.Redraw != nil {
		c.Redraw.Redraw()
		return true
	}
	return false
}
