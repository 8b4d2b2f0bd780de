package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/codeloop-ai/codeloop/internal/checkpoint"
	"github.com/codeloop-ai/codeloop/internal/llm"
	"github.com/codeloop-ai/codeloop/internal/tools"
)

// StreamingState is the orchestrator's externally visible state.
type StreamingState string

const (
	StateIdle                   StreamingState = "idle"
	StateResponding             StreamingState = "responding"
	StateWaitingForConfirmation StreamingState = "waiting_for_confirmation"
)

// CommandResultType discriminates pre-processor outcomes.
type CommandResultType string

const (
	CommandHandled      CommandResultType = "handled"
	CommandSubmitPrompt CommandResultType = "submit_prompt"
	CommandScheduleTool CommandResultType = "schedule_tool"
)

// CommandResult is what a slash/at/shell pre-processor returns.
type CommandResult struct {
	Type     CommandResultType
	Content  string
	ToolName string
	ToolArgs map[string]any
}

// CommandProcessor intercepts raw input before it reaches the model.
// A nil result means the processor did not claim the input.
type CommandProcessor interface {
	Process(ctx context.Context, input string) (*CommandResult, error)
}

// Options wires the orchestrator's collaborators. Emit and Sink may be
// nil; processors are optional.
type Options struct {
	Emit           EventSink
	Sink           HistorySink
	Checkpoints    *checkpoint.Recorder
	SystemPrompt   string
	SlashProcessor CommandProcessor
	AtProcessor    CommandProcessor
	ShellProcessor CommandProcessor

	// OnToolUpdate receives scheduler status snapshots for rendering.
	OnToolUpdate UpdateCallback

	// CompressionTokenThreshold enables history compression when the
	// estimated prompt size crosses it. Zero disables compression.
	CompressionTokenThreshold int
}

// finishReasonWarnings maps abnormal finish reasons to the user-facing
// warning the orchestrator surfaces. STOP is absent on purpose.
var finishReasonWarnings = map[llm.FinishReason]string{
	llm.FinishMaxTokens:          "Response truncated: the model hit its output token limit.",
	llm.FinishSafety:             "Response stopped by safety filters.",
	llm.FinishRecitation:         "Response stopped: potential recitation detected.",
	llm.FinishLanguage:           "Response stopped: unsupported response language.",
	llm.FinishBlocklist:          "Response stopped: blocked terms encountered.",
	llm.FinishProhibitedContent:  "Response stopped: prohibited content.",
	llm.FinishSPII:               "Response stopped: sensitive personal information detected.",
	llm.FinishOther:              "Response stopped for an unspecified reason.",
	llm.FinishMalformedFunction:  "Response stopped: the model produced a malformed function call.",
	llm.FinishImageSafety:        "Response stopped by image safety filters.",
	llm.FinishUnexpectedToolCall: "Response stopped: the model called a tool it was not offered.",
}

// Orchestrator runs the outer loop: it owns history, drives turns,
// routes tool calls to the scheduler and re-submits tool responses as
// continuations until a turn ends without tool calls.
type Orchestrator struct {
	session   *Session
	gen       llm.ContentGenerator
	registry  *tools.Registry
	scheduler *Scheduler
	opts      Options
	debug     *llm.DebugBuffer

	batchDone chan []*TrackedToolCall

	mu         sync.Mutex
	active     bool
	cancel     context.CancelFunc
	turnCount  int
	pending    strings.Builder
	toolErrors []ToolCallResponse
}

// NewOrchestrator wires the loop together. The scheduler's completion
// callback is injected here so neither side holds the other.
func NewOrchestrator(session *Session, gen llm.ContentGenerator, registry *tools.Registry, opts Options) *Orchestrator {
	o := &Orchestrator{
		session:   session,
		gen:       gen,
		registry:  registry,
		opts:      opts,
		debug:     llm.NewDebugBuffer(),
		batchDone: make(chan []*TrackedToolCall, 1),
	}
	o.scheduler = NewScheduler(
		registry,
		opts.Checkpoints,
		session.History,
		func(batch []*TrackedToolCall) { o.batchDone <- batch },
		opts.OnToolUpdate,
		o.emit,
	)
	return o
}

// Scheduler exposes the tool scheduler for UI status rendering.
func (o *Orchestrator) Scheduler() *Scheduler { return o.scheduler }

// Session returns the session this orchestrator drives.
func (o *Orchestrator) Session() *Session { return o.session }

// State reports Idle, Responding or WaitingForConfirmation.
func (o *Orchestrator) State() StreamingState {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	if !active {
		return StateIdle
	}
	if o.scheduler.HasPendingConfirmations() {
		return StateWaitingForConfirmation
	}
	return StateResponding
}

// Confirm forwards a confirmation decision to the scheduler.
func (o *Orchestrator) Confirm(callID string, outcome tools.ConfirmOutcome, modifiedArgs map[string]any) {
	o.scheduler.Confirm(callID, outcome, modifiedArgs)
}

// Cancel aborts the in-flight submission, if any. Idempotent.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ToolErrors returns the failed tool responses of the last submission.
func (o *Orchestrator) ToolErrors() []ToolCallResponse {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ToolCallResponse, len(o.toolErrors))
	copy(out, o.toolErrors)
	return out
}

func (o *Orchestrator) emit(event StreamEvent) {
	if o.opts.Emit != nil {
		o.opts.Emit(event)
	}
}

func (o *Orchestrator) appendItem(item HistoryItem) {
	if o.opts.Sink != nil {
		o.opts.Sink.Append(item)
	}
}

// Submit runs one user submission to completion, including any
// continuations its tool calls produce. It blocks until the session is
// idle again, and returns an error only for auth failures (surfaced to
// the auth dialog) and rejected submissions.
func (o *Orchestrator) Submit(ctx context.Context, input string) error {
	if o.State() != StateIdle {
		return fmt.Errorf("a turn is already in progress")
	}

	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}

	_, handled, err := o.preprocess(ctx, input)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.active = true
	o.cancel = cancel
	o.pending.Reset()
	o.toolErrors = nil
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		o.active = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	o.session.SetQuotaError(false)
	promptID := o.session.NextPromptID()

	o.appendItem(HistoryItem{Type: ItemUser, Text: input})
	return o.run(ctx, llm.UserText(input), promptID, false)
}

// preprocess routes slash, at and shell commands. It returns the
// outbound text, or handled=true when no model call should happen.
func (o *Orchestrator) preprocess(ctx context.Context, input string) (string, bool, error) {
	for _, proc := range []CommandProcessor{o.opts.SlashProcessor, o.opts.AtProcessor, o.opts.ShellProcessor} {
		if proc == nil {
			continue
		}
		result, err := proc.Process(ctx, input)
		if err != nil {
			return "", false, err
		}
		if result == nil {
			continue
		}
		switch result.Type {
		case CommandHandled:
			return "", true, nil
		case CommandScheduleTool:
			o.runClientInitiated(ctx, result.ToolName, result.ToolArgs)
			return "", true, nil
		case CommandSubmitPrompt:
			input = result.Content
		}
	}
	return input, false, nil
}

// runClientInitiated executes a UI-issued tool call. Its result is
// displayed but never echoed to the model.
func (o *Orchestrator) runClientInitiated(ctx context.Context, toolName string, args map[string]any) {
	o.mu.Lock()
	o.active = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.active = false
		o.mu.Unlock()
	}()

	o.scheduler.Schedule(ctx, []ToolCallRequest{{
		CallID:            synthesizeCallID(toolName),
		Name:              toolName,
		Args:              args,
		IsClientInitiated: true,
	}})
	select {
	case batch := <-o.batchDone:
		o.appendItem(HistoryItem{Type: ItemToolGroup, Calls: snapshotBatch(batch)})
	case <-ctx.Done():
	}
}

// run executes one turn: a backend request, its event stream, and the
// tool batch plus continuation it produces.
func (o *Orchestrator) run(ctx context.Context, outbound llm.Message, promptID string, isContinuation bool) error {
	max := o.session.MaxSessionTurns
	o.mu.Lock()
	turnCount := o.turnCount
	o.mu.Unlock()
	if max >= 0 && turnCount >= max {
		if isContinuation {
			// Tool responses still land in history so no call is left
			// unfulfilled when the budget runs out mid-turn.
			o.session.AddHistory(outbound)
		}
		o.emit(StreamEvent{Type: EventMaxSessionTurns})
		o.appendItem(HistoryItem{
			Type: ItemInfo,
			Text: fmt.Sprintf("Session turn limit reached (%d). Start a new session to continue.", max),
		})
		return nil
	}
	o.mu.Lock()
	o.turnCount++
	o.mu.Unlock()

	o.session.AddHistory(outbound)
	o.compressIfNeeded(ctx)

	req := llm.Request{
		Model:    o.session.ModelName,
		Messages: o.session.CuratedHistory(),
	}
	if o.opts.SystemPrompt != "" {
		system := llm.UserText(o.opts.SystemPrompt)
		req.SystemInstruction = &system
	}
	if decls := o.registry.Declarations(); len(decls) > 0 {
		req.Tools = []llm.Tool{{FunctionDeclarations: decls}}
	}

	turn := NewTurn(o.gen, o.debug, promptID)
	detector := newLoopDetector()

	var modelText strings.Builder
	var requests []ToolCallRequest
	loopDetected := false
	failed := false
	cancelled := false

	for event := range turn.Run(ctx, req) {
		switch event.Type {
		case EventThought:
			o.emit(event)
		case EventContent:
			modelText.WriteString(event.Content)
			if detector.RecordContent(event.Content) {
				loopDetected = true
			}
			o.bufferContent(event.Content)
			o.emit(event)
		case EventToolCallRequest:
			requests = append(requests, *event.ToolCall)
			if detector.RecordToolCall(event.ToolCall.Name, event.ToolCall.Args) {
				loopDetected = true
			}
			o.emit(event)
		case EventFinished:
			if warning, ok := finishReasonWarnings[event.Finish]; ok {
				o.appendItem(HistoryItem{Type: ItemInfo, Text: warning})
			}
			o.emit(event)
		case EventUserCancelled:
			cancelled = true
			o.finalizePending()
			o.appendItem(HistoryItem{Type: ItemInfo, Text: "Request cancelled."})
			o.emit(event)
		case EventError:
			failed = true
			o.finalizePending()
			o.handleTurnError(event)
		default:
			o.emit(event)
		}
	}

	if err := turn.AuthError(); err != nil {
		// The model turn never became valid; drop it and bubble the
		// auth failure to the outer UI.
		o.session.DropLastModelTurn()
		return err
	}

	// Record the model turn, including its function calls, so tool
	// responses always have a matching call in history.
	modelMsg := llm.Message{Role: llm.RoleModel}
	if text := modelText.String(); text != "" {
		modelMsg.Parts = append(modelMsg.Parts, llm.Part{Text: text})
	}
	for i := range requests {
		modelMsg.Parts = append(modelMsg.Parts, llm.Part{FunctionCall: &llm.FunctionCall{
			ID:   requests[i].CallID,
			Name: requests[i].Name,
			Args: requests[i].Args,
		}})
	}
	o.session.AddHistory(modelMsg)
	o.finalizePending()

	if loopDetected {
		// Deferred so the pending history flushes first.
		o.emit(StreamEvent{Type: EventLoopDetected})
		o.appendItem(HistoryItem{Type: ItemInfo, Text: "A potential loop was detected; the current turn was halted."})
		return nil
	}
	if cancelled || failed {
		return nil
	}
	if len(requests) == 0 {
		return nil
	}

	return o.dispatchTools(ctx, requests, promptID)
}

// dispatchTools hands the turn's batch to the scheduler, waits for it
// to become terminal and submits the merged responses as a
// continuation.
func (o *Orchestrator) dispatchTools(ctx context.Context, requests []ToolCallRequest, promptID string) error {
	o.scheduler.Schedule(ctx, requests)

	// Cancellation settles every call to a terminal status, so the
	// batch callback always fires; waiting here is safe either way.
	batch := <-o.batchDone
	o.appendItem(HistoryItem{Type: ItemToolGroup, Calls: snapshotBatch(batch)})

	var responses []*ToolCallResponse
	var callIDs []string
	allCancelled := true
	for _, call := range batch {
		if call.Request.IsClientInitiated || call.Response == nil {
			continue
		}
		responses = append(responses, call.Response)
		callIDs = append(callIDs, call.Request.CallID)
		if call.Status != StatusCancelled {
			allCancelled = false
		}
		if call.Status == StatusError {
			o.mu.Lock()
			o.toolErrors = append(o.toolErrors, *call.Response)
			o.mu.Unlock()
		}
	}
	if len(responses) == 0 {
		return nil
	}

	merged := llm.Message{Role: llm.RoleTool}
	for _, resp := range responses {
		merged.Parts = append(merged.Parts, resp.ResponseParts...)
	}

	if allCancelled || o.session.QuotaErrorOccurred() || ctx.Err() != nil {
		// No continuation: the responses still land in history so the
		// model never sees an unfulfilled call.
		o.session.AddHistory(merged)
		o.scheduler.MarkSubmitted(callIDs)
		return nil
	}

	o.scheduler.MarkSubmitted(callIDs)
	return o.run(ctx, merged, promptID, true)
}

func (o *Orchestrator) handleTurnError(event StreamEvent) {
	message := event.Error.Message
	if event.Error.Status != 0 {
		if event.Error.Status == 429 {
			o.session.SetQuotaError(true)
			if o.session.ModelName != llm.FlashFallbackModel {
				slog.Info("quota exceeded, falling back", "from", o.session.ModelName, "to", llm.FlashFallbackModel)
				o.session.ModelName = llm.FlashFallbackModel
			}
		}
		message = llm.FriendlyMessage(
			llm.NewAPIError(event.Error.Status, event.Error.Message, nil),
			o.session.ModelName, llm.FlashFallbackModel,
		)
	}
	o.appendItem(HistoryItem{Type: ItemError, Text: message})
	o.emit(event)
}

// bufferContent accumulates streamed text and flushes completed
// paragraphs once the live buffer grows past the rendering threshold.
func (o *Orchestrator) bufferContent(chunk string) {
	o.mu.Lock()
	o.pending.WriteString(chunk)
	prefix, suffix := splitPending(o.pending.String())
	if prefix != "" {
		o.pending.Reset()
		o.pending.WriteString(suffix)
	}
	o.mu.Unlock()
	if prefix != "" {
		o.appendItem(HistoryItem{Type: ItemModelContent, Text: prefix})
	}
}

// finalizePending flushes whatever is left in the streaming buffer as a
// completed model message.
func (o *Orchestrator) finalizePending() {
	o.mu.Lock()
	text := o.pending.String()
	o.pending.Reset()
	o.mu.Unlock()
	if text != "" {
		o.appendItem(HistoryItem{Type: ItemModelContent, Text: text})
	}
}

// compressIfNeeded replaces a conversation that outgrew the threshold
// with a model-written summary, preserving the tail exchange.
func (o *Orchestrator) compressIfNeeded(ctx context.Context) {
	threshold := o.opts.CompressionTokenThreshold
	if threshold <= 0 {
		return
	}
	history := o.session.CuratedHistory()
	if len(history) < 4 {
		return
	}
	oldTokens, err := o.gen.CountTokens(ctx, llm.Request{Model: o.session.ModelName, Messages: history})
	if err != nil || oldTokens < threshold {
		return
	}

	summaryReq := llm.Request{
		Model: o.session.ModelName,
		Messages: append(history, llm.UserText(
			"Summarize the conversation so far in a compact form that preserves "+
				"all facts, decisions, file paths and open tasks. Respond with the summary only.")),
	}
	resp, err := o.gen.Generate(ctx, summaryReq, "compression")
	if err != nil || resp.Text() == "" {
		slog.Warn("history compression failed", "error", err)
		return
	}

	o.session.mu.Lock()
	tail := o.session.history[len(o.session.history)-1:]
	o.session.history = append([]llm.Message{
		llm.UserText("Context summary of the earlier conversation:\n" + resp.Text()),
	}, tail...)
	o.session.mu.Unlock()

	newTokens, err := o.gen.CountTokens(ctx, llm.Request{Model: o.session.ModelName, Messages: o.session.CuratedHistory()})
	if err != nil {
		newTokens = 0
	}
	info := &CompressionInfo{OldTokens: oldTokens, NewTokens: newTokens}
	o.emit(StreamEvent{Type: EventChatCompressed, Compression: info})
	o.appendItem(HistoryItem{
		Type: ItemInfo,
		Text: fmt.Sprintf("Conversation compressed: %d tokens -> %d tokens.", oldTokens, newTokens),
	})
}

func snapshotBatch(batch []*TrackedToolCall) []TrackedToolCall {
	out := make([]TrackedToolCall, 0, len(batch))
	for _, call := range batch {
		out = append(out, *call)
	}
	return out
}
