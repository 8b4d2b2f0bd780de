// Package agent contains the core loop: the turn engine that translates
// one streaming model response into typed events, the scheduler that
// drives tool calls to completion, and the orchestrator that couples the
// two across continuations.
package agent

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/codeloop-ai/codeloop/internal/llm"
	"github.com/codeloop-ai/codeloop/internal/tools"
)

// ToolCallRequest is a model- or client-initiated tool invocation.
// Client-initiated calls (slash commands) are never echoed back to the
// model.
type ToolCallRequest struct {
	CallID            string
	Name              string
	Args              map[string]any
	IsClientInitiated bool
	PromptID          string
}

// ToolCallResponse carries a finished call's result.
type ToolCallResponse struct {
	CallID        string
	ResponseParts []llm.Part
	ResultDisplay string
	Error         error
	ErrorType     tools.ErrorType
}

// CallStatus is the lifecycle state of a tracked call.
type CallStatus string

const (
	StatusValidating       CallStatus = "validating"
	StatusScheduled        CallStatus = "scheduled"
	StatusAwaitingApproval CallStatus = "awaiting_approval"
	StatusExecuting        CallStatus = "executing"
	StatusSuccess          CallStatus = "success"
	StatusError            CallStatus = "error"
	StatusCancelled        CallStatus = "cancelled"
)

// Terminal reports whether a status is final.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled:
		return true
	}
	return false
}

// TrackedToolCall is a request plus its scheduling state. A call flips
// ResponseSubmittedToModel only after its parts were included in a
// continuation or, for cancelled calls, appended directly to history.
type TrackedToolCall struct {
	Request                  ToolCallRequest
	Status                   CallStatus
	Response                 *ToolCallResponse
	Confirmation             *tools.Confirmation
	ResponseSubmittedToModel bool
}

// synthesizeCallID builds a call id for backends that omit one.
func synthesizeCallID(name string) string {
	return fmt.Sprintf("%s-%d-%04x", name, time.Now().UnixMilli(), rand.Intn(1<<16))
}

// errorResponseParts builds the function-response payload for a failed
// or cancelled call.
func errorResponseParts(callID, name, message string) []llm.Part {
	return []llm.Part{{
		FunctionResponse: &llm.FunctionResponse{
			ID:       callID,
			Name:     name,
			Response: map[string]any{"error": message},
		},
	}}
}
