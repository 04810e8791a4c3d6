package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"anchor/core/compaction"
	"anchor/core/coordinator"
	"anchor/core/ctxtrack"
	"anchor/core/provider"
	"anchor/core/store"
	"anchor/core/tokens"
	"anchor/core/toolexec"
	"anchor/engine/manifest"
	"anchor/engine/policy"
	"anchor/engine/vfs"

	"github.com/google/uuid"
)

const (
	// defaultPermissionTimeout is used when no explicit timeout has been configured.
	defaultPermissionTimeout = 30 * time.Second

	// defaultMaxContextWindow seeds the coordinator's trigger/target math
	// before the first ListModels round-trip resolves the model's real
	// context window; overwritten as soon as that lookup succeeds.
	defaultMaxContextWindow = 200000

	// compactionPromptTemplate is the prompt sent to the LLM to summarize
	// one over-budget dialogue message during compaction.
	compactionPromptTemplate = `You are tasked with summarizing part of a coding conversation to reduce token usage while preserving all critical information.

**Guidelines:**
- Preserve all technical decisions, code snippets, file paths, and function names
- Maintain chronological order of key developments
- Omit pleasantries, redundant explanations, and off-topic tangents
- Use concise technical language

**Message to Summarize:**
%s

Write the summary in markdown format. Be extremely concise.`
)

// ToolExecutor runs a tool and returns its result.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input map[string]any) (string, error)
}

// permissionRuleProvider is implemented by tool executors that can expose the
// manifest-declared permission rules for a tool, so the session can decide
// whether to prompt before running it. runtime.V8Executor satisfies this.
type permissionRuleProvider interface {
	ToolPermissionRules(name string) (agentName string, rules []manifest.PermissionRule, ok bool)
}

// snapshotContextSetter is implemented by vfs.Snapshotter. Declared as an
// interface here so this file does not need to import engine/vfs types
// beyond the constructor signature used by callers.
type snapshotContextSetter interface {
	SetSnapshotContext(interactionID, toolCallID string)
}

// Session drives one conversation: it owns the goroutine that serializes
// user messages, the permission-prompt bridge, and the VFS/audit wiring, and
// delegates the actual turn loop — the message store, token tracker,
// context tracker, hot-context injection, compression, and tool execution —
// to a coordinator.Coordinator.
type Session struct {
	provider       provider.Provider
	pricingTracker *Tracker
	notifier       Notifier // UI update channel
	executor       ToolExecutor
	tools          []provider.ToolDefinition

	model      string
	systemMsg  string
	maxPredict int

	id          string // UUID v4, generated at creation
	createdAt   time.Time
	auditLogger *policy.AuditLogger // nil if audit disabled
	evaluator   *policy.Evaluator   // nil if permission prompting disabled

	snapshotter       snapshotContextSetter // nil if VFS snapshotting disabled
	permissionTimeout time.Duration
	sessionsDir       string

	store     *store.Store
	tokenTrk  *tokens.Tracker
	ctxTrk    *ctxtrack.Tracker
	compactor *compaction.Engine
	coord     *coordinator.Coordinator

	mu          sync.Mutex
	history     []provider.Message // mirror of store.All(), refreshed after each turn for SaveSession/resume
	userMsgChan chan string
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup // Tracks in-flight operations (loop, message processing)

	cachedModelInfo *provider.ModelInfo
	modelInfoOnce   sync.Once

	warnedThisWindow bool // one early-warning per trigger-fraction window, reset after compaction

	currentInteractionID string
	fileChangeCount      int
}

// Notifier interface for UI updates. The Send method accepts any event type;
// the adapter in app/adapter.go translates core events into framework-specific messages.
type Notifier interface {
	Send(msg any)
}

// NewSession creates a new conversation session, wiring a message store,
// token tracker, context tracker, compression engine and coordinator around
// the supplied provider/executor/policy collaborators.
func NewSession(
	sessionID string,
	prov provider.Provider,
	tracker *Tracker,
	notifier Notifier,
	model string,
	systemMsg string,
	maxPredict int,
	executor ToolExecutor,
	tools []provider.ToolDefinition,
	auditLogger *policy.AuditLogger,
	evaluator *policy.Evaluator,
) *Session {
	msgStore := store.New()
	tokenTrk := tokens.New()
	ctxTrk := ctxtrack.New()

	s := &Session{
		provider:          prov,
		pricingTracker:    tracker,
		notifier:          notifier,
		model:             model,
		systemMsg:         systemMsg,
		maxPredict:        maxPredict,
		executor:          executor,
		tools:             tools,
		id:                sessionID,
		createdAt:         time.Now().UTC(),
		auditLogger:       auditLogger,
		evaluator:         evaluator,
		permissionTimeout: defaultPermissionTimeout,
		store:             msgStore,
		tokenTrk:          tokenTrk,
		ctxTrk:            ctxTrk,
		history:           []provider.Message{},
		userMsgChan:       make(chan string, 16), // Buffered for responsiveness
		stopChan:          make(chan struct{}),
	}

	s.compactor = compaction.New(msgStore, tokenTrk, ctxTrk, &providerSummarizer{s: s})

	cfg := coordinator.DefaultConfig(defaultMaxContextWindow)
	coord := coordinator.New(msgStore, tokenTrk, ctxTrk, s.compactor, prov, model, cfg)
	coord.ToolRunner = &sessionToolRunner{s: s}
	coord.SystemPrompt = systemMsg
	coord.Tools = tools
	coord.MaxPredict = maxPredict
	coord.OnTextDelta = func(text string) {
		s.notifier.Send(TokenEvent{Text: text})
	}
	coord.OnAssistantTurn = func() {
		s.notifier.Send(CompletionEvent{})
	}
	coord.OnUsage = s.handleUsage
	coord.OnCompactionStart = func(mode string) {
		s.notifier.Send(CompactionStartEvent{Mode: mode})
	}
	coord.OnCompactionDone = func(oldTokens, newTokens int) {
		s.mu.Lock()
		s.warnedThisWindow = false
		s.mu.Unlock()
		s.notifier.Send(CompactionCompleteEvent{OldTokens: oldTokens, NewTokens: newTokens})
	}
	coord.OnCompactionFail = func(err error) {
		s.notifier.Send(CompactionFailedEvent{Error: err.Error()})
	}
	s.coord = coord

	return s
}

// SetSnapshotContextUpdater wires the VFS snapshotter used to record file
// changes made by tool calls. Passing nil disables changelog tracking.
func (s *Session) SetSnapshotContextUpdater(snap *vfs.Snapshotter) {
	if snap == nil {
		s.snapshotter = nil
		return
	}
	s.snapshotter = snap
}

// SetPermissionTimeout overrides the default wait time for a permission prompt.
func (s *Session) SetPermissionTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.permissionTimeout = d
}

// SetSessionsDir records where saved sessions live, enabling the /resume completion.
func (s *Session) SetSessionsDir(dir string) {
	s.sessionsDir = dir
}

// slashCommands lists the built-in commands offered for tab completion.
var slashCommands = []string{"/compact", "/clear", "/resume "}

// Completions implements ui.CompletionProvider, offering slash-command
// completion and, for "/resume ", the names of sessions saved to disk.
func (s *Session) Completions(prefix string) []string {
	if arg, ok := strings.CutPrefix(prefix, "/resume "); ok {
		infos, err := ListSavedSessions(s.sessionsDir)
		if err != nil {
			return nil
		}
		var out []string
		for _, info := range infos {
			if strings.HasPrefix(info.Filename, arg) {
				out = append(out, "/resume "+info.Filename)
			}
		}
		return out
	}
	if !strings.HasPrefix(prefix, "/") {
		return nil
	}
	var out []string
	for _, c := range slashCommands {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// RecordFileChange is invoked by the bootstrap's snapshot callback after each
// successful fs.write/fs.unlink, and emits a FileChangeEvent describing it.
func (s *Session) RecordFileChange(path, operation string, wasNewFile bool) {
	s.mu.Lock()
	interactionID := s.currentInteractionID
	s.fileChangeCount++
	count := s.fileChangeCount
	s.mu.Unlock()

	if interactionID == "" {
		return
	}

	s.notifier.Send(FileChangeEvent{
		InteractionID: interactionID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Description:   fmt.Sprintf("%d file change(s) this turn", count),
		Files: []FileChange{
			{Path: path, Operation: operation, WasNew: wasNewFile},
		},
	})
}

// SubmitMessage queues a user message for processing
func (s *Session) SubmitMessage(text string) {
	select {
	case s.userMsgChan <- text:
	case <-s.stopChan:
		// Session stopped, drop message
	}
}

// Start begins the background conversation loop
func (s *Session) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop gracefully terminates the session. It is safe to call multiple times.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait() // Wait for loop and in-flight message processing to complete
		if s.auditLogger != nil {
			if err := s.auditLogger.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "anchor: audit log close failed: %v\n", err)
			}
		}
	})
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// loop is the main goroutine that processes user messages
func (s *Session) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case userText := <-s.userMsgChan:
			s.wg.Add(1)
			if err := s.processUserMessage(ctx, userText); err != nil {
				// Send error to UI
				s.notifier.Send(ErrorEvent{Error: err.Error()})
			}
			s.wg.Done()
		}
	}
}

// processUserMessage handles one user prompt. Slash commands are
// intercepted before reaching the coordinator; everything else becomes a
// coordinator turn, which streams the reply, runs any requested tools, and
// checkpoints compression — all driven synchronously on this goroutine.
func (s *Session) processUserMessage(ctx context.Context, text string) error {
	if text == "/compact" {
		return s.handleCompactCommand(ctx)
	}
	if arg, ok := strings.CutPrefix(text, "/resume "); ok {
		return s.handleResumeCommand(arg)
	}

	// Each user turn gets a fresh interaction ID, used to group file changes
	// recorded by the VFS snapshotter into one changelog entry.
	s.mu.Lock()
	s.currentInteractionID = uuid.NewString()
	s.fileChangeCount = 0
	s.mu.Unlock()

	if err := s.coord.SubmitUserMessage(ctx, text); err != nil {
		return fmt.Errorf("turn failed: %w", err)
	}

	s.syncHistoryMirror()
	return nil
}

// syncHistoryMirror refreshes the mutex-guarded history slice SaveSession
// and /resume read from, after the coordinator has mutated the store.
func (s *Session) syncHistoryMirror() {
	all := s.store.All()
	s.mu.Lock()
	s.history = all
	s.mu.Unlock()
}

// handleUsage is the coordinator's OnUsage hook: it records cost, refreshes
// the coordinator's notion of the model's context window once it is known,
// and reports the token tracker's running percentage of that window.
func (s *Session) handleUsage(ctx context.Context, usage *provider.Usage) {
	if usage == nil {
		return
	}
	modelInfo, err := s.getModelInfo(ctx)
	if err != nil || modelInfo == nil {
		return
	}
	s.pricingTracker.Record(*modelInfo, *usage, SourcePrompt)

	if modelInfo.ContextWindow <= 0 {
		return
	}
	s.coord.Config.MaxContext = modelInfo.ContextWindow

	total := s.tokenTrk.Total()
	pct := float64(total) / float64(modelInfo.ContextWindow) * 100.0
	s.notifier.Send(ContextUpdateEvent{Percentage: pct, ModelID: s.model})

	triggerPct := s.coord.Config.TriggerFraction * 100.0
	switch {
	case pct >= triggerPct:
		s.notifier.Send(ContextAutoCompactEvent{Percentage: pct, ModelID: s.model})
	case pct >= triggerPct/2:
		s.mu.Lock()
		shouldWarn := !s.warnedThisWindow
		if shouldWarn {
			s.warnedThisWindow = true
		}
		s.mu.Unlock()
		if shouldWarn {
			s.notifier.Send(ContextWarningEvent{Percentage: pct, Threshold: triggerPct / 2, ModelID: s.model})
		}
	}
}

// currentInteractionIDSnapshot returns the active interaction ID under lock.
func (s *Session) currentInteractionIDSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentInteractionID
}

// resolveToolPermission decides whether a tool call may proceed. It returns
// the agent name and raw permission rule key (for audit logging), whether the
// call is allowed, and — when denied because a prompt could not be answered
// (timeout, cancellation, shutdown) — a human-readable reason.
func (s *Session) resolveToolPermission(ctx context.Context, call provider.ToolCall) (agentName, ruleKey string, allowed bool, denyReason string) {
	effect, agent, key, ok := s.evaluateToolPermission(call)
	if !ok {
		return "", "", true, ""
	}
	agentName, ruleKey = agent, key

	switch effect {
	case policy.EffectAllow:
		return agentName, ruleKey, true, ""
	case policy.EffectDeny:
		return agentName, ruleKey, false, ""
	}

	decision, denyReason := s.promptForPermission(ctx, call, agentName, ruleKey)
	if denyReason == "" && decision.Remember && effect == policy.EffectPromptOnce && s.evaluator != nil {
		if err := s.evaluator.RecordOnceDecision(agentName, ruleKey, decision.Allowed); err != nil {
			fmt.Fprintf(os.Stderr, "anchor: recording permission decision failed: %v\n", err)
		}
	}
	return agentName, ruleKey, decision.Allowed, denyReason
}

// evaluateToolPermission looks up the tool's manifest permission rules and
// evaluates them against the active policy. The broadest declared rule (one
// without a specific target) is preferred, since permission is decided
// per-tool, not per-resolved-argument — the synchronous V8 callback that
// actually touches a path cannot interactively prompt.
func (s *Session) evaluateToolPermission(call provider.ToolCall) (effect policy.Effect, agentName, ruleKey string, ok bool) {
	prp, isPrp := s.executor.(permissionRuleProvider)
	if !isPrp || s.evaluator == nil {
		return policy.EffectAllow, "", "", false
	}
	agent, rules, found := prp.ToolPermissionRules(call.Name)
	if !found || len(rules) == 0 {
		return policy.EffectAllow, "", "", false
	}

	best := rules[0]
	for _, r := range rules {
		if !r.Key.HasTarget {
			best = r
			break
		}
	}

	decision := s.evaluator.Evaluate(agent, best.Key, rules)
	return decision.Effect, agent, best.Key.Raw, true
}

// promptForPermission emits a PermissionRequestEvent and blocks for the UI's
// decision, the configured timeout, or session shutdown — whichever comes
// first. A non-empty denyReason means no explicit decision was made and the
// call defaults to denied.
func (s *Session) promptForPermission(ctx context.Context, call provider.ToolCall, agentName, ruleKey string) (decision PermissionResponse, denyReason string) {
	respCh := make(chan PermissionResponse, 1)
	defaultAllow := false

	s.notifier.Send(PermissionRequestEvent{
		ToolCallID:   call.ID,
		ToolName:     call.Name,
		AgentName:    agentName,
		Permission:   ruleKey,
		Description:  fmt.Sprintf("%s requests permission %q", call.Name, ruleKey),
		Timeout:      s.permissionTimeout,
		DefaultAllow: defaultAllow,
		ResponseChan: respCh,
	})

	timer := time.NewTimer(s.permissionTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, ""
	case <-timer.C:
		close(respCh)
		s.notifier.Send(PermissionTimeoutEvent{ToolCallID: call.ID, Allowed: defaultAllow})
		return PermissionResponse{Allowed: defaultAllow}, "permission request timed out"
	case <-ctx.Done():
		return PermissionResponse{Allowed: false}, "context cancelled"
	case <-s.stopChan:
		return PermissionResponse{Allowed: false}, "session stopped"
	}
}

// sessionToolRunner adapts Session's permission/audit/snapshot/context-
// tracking machinery into the toolexec.ToolRunner interface the coordinator
// drives. Permission is resolved synchronously inside Run — the suspend
// path (toolexec.StateShowPermissionPrompt) is deliberately unused here
// since the session already blocks on promptForPermission's own timeout/
// cancellation select, matching the single-goroutine loop the rest of the
// session relies on.
type sessionToolRunner struct {
	s *Session
}

func (r *sessionToolRunner) RequiresPermission(call provider.ToolCall) bool {
	return false
}

func (r *sessionToolRunner) Run(ctx context.Context, call provider.ToolCall) toolexec.ToolResult {
	s := r.s
	inputJSON, _ := json.Marshal(call.Input)
	s.notifier.Send(ToolUseEvent{ToolCallID: call.ID, ToolName: call.Name, Input: string(inputJSON)})

	agentName, ruleKey, allowed, denyReason := s.resolveToolPermission(ctx, call)

	var content string
	var isError bool
	if !allowed {
		if denyReason != "" {
			content = "Permission denied: " + denyReason
		} else {
			content = "Permission denied: " + call.Name
		}
		isError = true
	} else if s.executor == nil {
		content = "no tool executor configured"
		isError = true
	} else {
		if s.snapshotter != nil {
			s.snapshotter.SetSnapshotContext(s.currentInteractionIDSnapshot(), call.ID)
		}
		result, execErr := s.executor.Execute(ctx, call.Name, call.Input)
		content = result
		if execErr != nil {
			content = execErr.Error()
			isError = true
		}
	}

	s.notifier.Send(ToolResultEvent{ToolCallID: call.ID, ToolName: call.Name, Result: content, IsError: isError})
	s.notifier.Send(ToolExecutionEvent{ToolCallID: call.ID, ToolName: call.Name, Input: string(inputJSON), Output: content, IsError: isError})

	if s.auditLogger != nil {
		perm := ruleKey
		if perm == "" {
			perm = "none"
		}
		if err := s.auditLogger.Log(policy.AuditEntry{
			Agent:      agentName,
			Tool:       call.Name,
			Permission: perm,
			Decision:   decisionFromError(isError),
			Source:     "manifest",
			Arguments:  call.Input,
			ToolCallID: call.ID,
			Error:      errorString(isError, content),
		}); err != nil {
			fmt.Fprintf(os.Stderr, "anchor: audit log failed: %v\n", err)
		}
	}

	if !isError {
		s.trackContextFromToolResult(call, content)
	}

	summary := fmt.Sprintf("Ran %s", call.Name)
	if isError {
		summary = fmt.Sprintf("%s failed", call.Name)
	}
	return toolexec.ToolResult{Value: content, DisplaySummary: summary}
}

// trackContextFromToolResult feeds the context tracker from a tool result's
// raw shape, mirroring the two JSON shapes the compression engine already
// parses for the same purpose: {path, content} for a file read, and
// {path, op} for a write/delete.
func (s *Session) trackContextFromToolResult(call provider.ToolCall, content string) {
	if s.ctxTrk == nil {
		return
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return
	}
	path, hasPath := parsed["path"].(string)
	if !hasPath {
		return
	}
	if fileContent, hasContent := parsed["content"].(string); hasContent {
		s.ctxTrk.TrackFileRead(path, fileContent, ctxtrack.ReadModeFull, nil)
		return
	}
	op, hasOp := parsed["op"].(string)
	if !hasOp {
		return
	}
	kind := ctxtrack.ModModified
	switch op {
	case "created":
		kind = ctxtrack.ModCreated
	case "deleted":
		kind = ctxtrack.ModDeleted
	}
	relatedTodo := ""
	if active := s.ctxTrk.ActiveTodo(); active != nil {
		relatedTodo = active.ID
	}
	s.ctxTrk.TrackModification(path, kind, fmt.Sprintf("%s via %s", op, call.Name), relatedTodo)
}

// providerSummarizer adapts a Session's provider/model into the
// compaction.Summarizer interface, issuing a single non-tool request per
// over-budget message the compression engine asks it to shrink.
type providerSummarizer struct {
	s *Session
}

func (p *providerSummarizer) Summarize(ctx context.Context, content string, targetTokens int) (string, error) {
	s := p.s
	req := provider.Request{
		Model:      s.model,
		System:     "You are a technical summarizer for a coding assistant.",
		Messages:   []provider.Message{{Role: provider.RoleUser, Content: fmt.Sprintf(compactionPromptTemplate, content)}},
		MaxPredict: targetTokens * 2, // safety margin over the target so the model isn't cut off mid-sentence
	}
	req = provider.PrepareRequest(req, s.provider.Capabilities())

	iter, err := s.provider.Send(ctx, req)
	if err != nil {
		return "", fmt.Errorf("requesting summary: %w", err)
	}
	defer iter.Close()

	var summary strings.Builder
	for {
		chunk, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("summary stream error: %w", err)
		}
		if chunk.Event == provider.EventTextDelta {
			summary.WriteString(chunk.Text)
		}
	}

	return summary.String(), nil
}

// handleResumeCommand loads a previously saved session's history, replacing
// the live conversation in place.
func (s *Session) handleResumeCommand(filename string) error {
	saved, err := LoadSavedSession(s.sessionsDir, filename)
	if err != nil {
		s.notifier.Send(ErrorEvent{Error: fmt.Sprintf("resume failed: %v", err)})
		return err
	}

	s.store.ReplaceAll(saved.History)
	s.tokenTrk.Reset()
	for i, m := range saved.History {
		s.tokenTrk.Track(i, m.Content, m.Role)
	}

	s.mu.Lock()
	s.history = saved.History
	s.model = saved.Model
	s.warnedThisWindow = false
	s.mu.Unlock()

	s.coord.Model = saved.Model

	s.notifier.Send(CompletionEvent{})
	return nil
}

// stripRegionalPrefix removes a Bedrock regional prefix (e.g. "us.", "eu.", "ap.")
// from a model ID, returning the base model ID.
func stripRegionalPrefix(modelID string) string {
	prefixes := []string{"us.", "eu.", "ap."}
	for _, p := range prefixes {
		if after, found := strings.CutPrefix(modelID, p); found {
			return after
		}
	}
	return modelID
}

// getModelInfo retrieves model info for pricing, caching the result after the
// first successful lookup to avoid repeated ListModels API calls.
// Returns nil if not found (non-fatal).
func (s *Session) getModelInfo(ctx context.Context) (*provider.ModelInfo, error) {
	var fetchErr error
	s.modelInfoOnce.Do(func() {
		models, err := s.provider.ListModels(ctx)
		if err != nil {
			fetchErr = err
			return
		}

		baseModel := stripRegionalPrefix(s.model)
		for _, m := range models {
			if m.ID == s.model || m.ID == baseModel {
				info := m
				s.cachedModelInfo = &info
				return
			}
		}
	})
	if fetchErr != nil {
		// Reset Once so next call retries on transient errors
		s.modelInfoOnce = sync.Once{}
		return nil, fetchErr
	}
	return s.cachedModelInfo, nil
}

// handleCompactCommand processes the /compact user command: it runs the
// compression engine immediately, bypassing the trigger-fraction gate.
func (s *Session) handleCompactCommand(ctx context.Context) error {
	if err := s.coord.Compact(ctx); err != nil {
		return err
	}
	s.syncHistoryMirror()
	return nil
}

// decisionFromError converts tool execution error status to audit decision.
func decisionFromError(isError bool) string {
	if isError {
		return "denied"
	}
	return "allowed"
}

// errorString extracts the error message from a tool result, if any.
func errorString(isError bool, content string) string {
	if isError {
		return content
	}
	return ""
}
