package agent

import (
	"context"
	"io"
	"strings"

	"github.com/codeloop-ai/codeloop/internal/llm"
)

// Turn drives one backend request and translates its streamed responses
// into typed events. A Turn is single-use: Run may be called once.
type Turn struct {
	gen      llm.ContentGenerator
	debug    *llm.DebugBuffer
	promptID string

	pendingCalls []ToolCallRequest
	finishReason llm.FinishReason
	authErr      error
}

// NewTurn creates a turn bound to one prompt id. debug may be shared
// across turns so diagnostics span the whole submission.
func NewTurn(gen llm.ContentGenerator, debug *llm.DebugBuffer, promptID string) *Turn {
	if debug == nil {
		debug = llm.NewDebugBuffer()
	}
	return &Turn{gen: gen, debug: debug, promptID: promptID}
}

// PendingToolCalls returns the tool-call requests collected during Run.
func (t *Turn) PendingToolCalls() []ToolCallRequest {
	return t.pendingCalls
}

// FinishReason returns the last finish reason seen, if any.
func (t *Turn) FinishReason() llm.FinishReason {
	return t.finishReason
}

// AuthError returns a pending auth failure that the orchestrator must
// re-raise instead of reporting as a plain error.
func (t *Turn) AuthError() error {
	return t.authErr
}

// DebugReport renders the raw request/response buffer for diagnostics.
func (t *Turn) DebugReport() string {
	return t.debug.Report()
}

// Run issues the request and emits events until the stream ends or ctx
// is cancelled. The returned channel closes when the turn is over.
func (t *Turn) Run(ctx context.Context, req llm.Request) <-chan StreamEvent {
	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		t.debug.RecordRequest(req)

		stream, err := t.gen.GenerateStream(ctx, req, t.promptID)
		if err != nil {
			t.emitFailure(ctx, events, err)
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if err == io.EOF {
				return
			}
			if err != nil {
				t.emitFailure(ctx, events, err)
				return
			}
			if ctx.Err() != nil {
				events <- StreamEvent{Type: EventUserCancelled}
				return
			}
			t.debug.RecordResponse(resp)
			t.emitResponse(events, resp)
		}
	}()
	return events
}

func (t *Turn) emitResponse(events chan<- StreamEvent, resp *llm.Response) {
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		parts := resp.Candidates[0].Content.Parts
		if len(parts) > 0 && parts[0].Thought {
			events <- StreamEvent{Type: EventThought, Thought: parseThought(parts[0].Text)}
		} else if text := resp.Text(); text != "" {
			events <- StreamEvent{Type: EventContent, Content: text}
		}
	}

	for _, fc := range resp.FunctionCalls() {
		callID := fc.ID
		if callID == "" {
			callID = synthesizeCallID(fc.Name)
		}
		request := ToolCallRequest{
			CallID:   callID,
			Name:     fc.Name,
			Args:     fc.Args,
			PromptID: t.promptID,
		}
		t.pendingCalls = append(t.pendingCalls, request)
		events <- StreamEvent{Type: EventToolCallRequest, ToolCall: &request}
	}

	if reason := resp.FinishReason(); reason != "" {
		t.finishReason = reason
		events <- StreamEvent{Type: EventFinished, Finish: reason}
	}
}

// emitFailure classifies a stream failure: cancellation becomes
// UserCancelled, auth failures are held for the orchestrator to
// re-raise, everything else becomes an Error event.
func (t *Turn) emitFailure(ctx context.Context, events chan<- StreamEvent, err error) {
	if ctx.Err() != nil || llm.IsCancelled(err) {
		events <- StreamEvent{Type: EventUserCancelled}
		return
	}
	if llm.IsUnauthorized(err) {
		t.authErr = err
		return
	}
	payload := &ErrorPayload{Message: err.Error()}
	if apiErr, ok := llm.AsAPIError(err); ok {
		payload.Status = apiErr.StatusCode
	}
	events <- StreamEvent{Type: EventError, Error: payload}
}

// parseThought splits "**subject** description" into its fields. Text
// without the bold prefix becomes a description-only thought.
func parseThought(text string) *ThoughtSummary {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "**") {
		if end := strings.Index(trimmed[2:], "**"); end >= 0 {
			return &ThoughtSummary{
				Subject:     strings.TrimSpace(trimmed[2 : 2+end]),
				Description: strings.TrimSpace(trimmed[4+end:]),
			}
		}
	}
	return &ThoughtSummary{Description: trimmed}
}
