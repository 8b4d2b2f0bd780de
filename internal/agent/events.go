package agent

import (
	"github.com/codeloop-ai/codeloop/internal/llm"
	"github.com/codeloop-ai/codeloop/internal/tools"
)

// EventType discriminates stream events.
type EventType string

const (
	EventContent              EventType = "content"
	EventThought              EventType = "thought"
	EventToolCallRequest      EventType = "tool_call_request"
	EventToolCallConfirmation EventType = "tool_call_confirmation"
	EventToolCallResponse     EventType = "tool_call_response"
	EventUserCancelled        EventType = "user_cancelled"
	EventError                EventType = "error"
	EventChatCompressed       EventType = "chat_compressed"
	EventFinished             EventType = "finished"
	EventMaxSessionTurns      EventType = "max_session_turns"
	EventLoopDetected         EventType = "loop_detected"
)

// ThoughtSummary is a parsed model thought: a bold **subject** prefix
// and the remaining description.
type ThoughtSummary struct {
	Subject     string
	Description string
}

// ErrorPayload carries a failed turn's message and, when known, the
// HTTP status that caused it.
type ErrorPayload struct {
	Message string
	Status  int
}

// CompressionInfo reports a history compression.
type CompressionInfo struct {
	OldTokens int
	NewTokens int
}

// ConfirmationRequest surfaces a pending tool confirmation to the UI.
type ConfirmationRequest struct {
	CallID  string
	Details *tools.Confirmation
}

// StreamEvent is the tagged union a Turn emits. Exactly one payload
// field matches Type.
type StreamEvent struct {
	Type         EventType
	Content      string
	Thought      *ThoughtSummary
	ToolCall     *ToolCallRequest
	Confirmation *ConfirmationRequest
	Response     *ToolCallResponse
	Error        *ErrorPayload
	Compression  *CompressionInfo
	Finish       llm.FinishReason
}

// EventSink receives orchestrator events destined for the UI layer.
type EventSink func(StreamEvent)

// HistoryItemType labels typed history-append events for the UI.
type HistoryItemType string

const (
	ItemUser         HistoryItemType = "user"
	ItemModel        HistoryItemType = "model"
	ItemModelContent HistoryItemType = "model_content"
	ItemToolGroup    HistoryItemType = "tool_group"
	ItemInfo         HistoryItemType = "info"
	ItemError        HistoryItemType = "error"
	ItemSystemPrompt HistoryItemType = "system_prompt"
)

// HistoryItem is one typed entry in the UI-facing transcript.
type HistoryItem struct {
	Type  HistoryItemType
	Text  string
	Calls []TrackedToolCall
}

// HistorySink receives history-append events. The UI layer supplies it;
// a nil sink is legal and drops items.
type HistorySink interface {
	Append(item HistoryItem)
}
