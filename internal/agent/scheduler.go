package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/codeloop-ai/codeloop/internal/checkpoint"
	"github.com/codeloop-ai/codeloop/internal/llm"
	"github.com/codeloop-ai/codeloop/internal/tools"
)

// BatchCallback fires once when every call in a scheduled batch has
// reached a terminal status. It is injected at construction to break the
// orchestrator/scheduler cycle.
type BatchCallback func(batch []*TrackedToolCall)

// UpdateCallback receives a snapshot of the batch whenever any call's
// status changes, for UI rendering.
type UpdateCallback func(calls []TrackedToolCall)

// Scheduler drives batches of tool calls through validation,
// confirmation, execution and recording. Approved calls within one
// batch execute in parallel; only the confirmation step serializes.
type Scheduler struct {
	registry    *tools.Registry
	checkpoints *checkpoint.Recorder
	historyFn   func() []llm.Message
	onBatch     BatchCallback
	onUpdate    UpdateCallback
	emit        EventSink

	mu          sync.Mutex
	batch       []*TrackedToolCall
	pending     map[string]chan confirmDecision
	alwaysAllow map[tools.Kind]bool
	remaining   int

	confirmMu sync.Mutex
}

type confirmDecision struct {
	outcome      tools.ConfirmOutcome
	modifiedArgs map[string]any
}

// NewScheduler builds a scheduler. historyFn is a read-only history
// accessor used for checkpoint snapshots; checkpoints may be nil when
// checkpointing is disabled.
func NewScheduler(registry *tools.Registry, checkpoints *checkpoint.Recorder, historyFn func() []llm.Message, onBatch BatchCallback, onUpdate UpdateCallback, emit EventSink) *Scheduler {
	return &Scheduler{
		registry:    registry,
		checkpoints: checkpoints,
		historyFn:   historyFn,
		onBatch:     onBatch,
		onUpdate:    onUpdate,
		emit:        emit,
		pending:     make(map[string]chan confirmDecision),
		alwaysAllow: make(map[tools.Kind]bool),
	}
}

// Schedule appends the requests as a new batch and starts driving them.
// The batch callback fires once all of them are terminal.
func (s *Scheduler) Schedule(ctx context.Context, requests []ToolCallRequest) {
	if len(requests) == 0 {
		return
	}
	s.mu.Lock()
	s.batch = make([]*TrackedToolCall, 0, len(requests))
	s.remaining = len(requests)
	for i := range requests {
		s.batch = append(s.batch, &TrackedToolCall{
			Request: requests[i],
			Status:  StatusValidating,
		})
	}
	batch := s.batch
	s.mu.Unlock()
	s.notifyUpdate()

	for _, call := range batch {
		go s.runCall(ctx, call)
	}
}

// Confirm delivers the user's decision for an awaiting call. Unknown
// call ids are ignored.
func (s *Scheduler) Confirm(callID string, outcome tools.ConfirmOutcome, modifiedArgs map[string]any) {
	s.mu.Lock()
	ch, ok := s.pending[callID]
	if ok {
		delete(s.pending, callID)
	}
	s.mu.Unlock()
	if ok {
		ch <- confirmDecision{outcome: outcome, modifiedArgs: modifiedArgs}
	}
}

// MarkSubmitted flips ResponseSubmittedToModel for the given calls.
// Applying it twice is a no-op.
func (s *Scheduler) MarkSubmitted(callIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]bool, len(callIDs))
	for _, id := range callIDs {
		ids[id] = true
	}
	for _, call := range s.batch {
		if ids[call.Request.CallID] {
			call.ResponseSubmittedToModel = true
		}
	}
}

// Batch returns a snapshot of the current batch.
func (s *Scheduler) Batch() []TrackedToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrackedToolCall, 0, len(s.batch))
	for _, call := range s.batch {
		out = append(out, *call)
	}
	return out
}

// HasPendingConfirmations reports whether any call waits on the user.
func (s *Scheduler) HasPendingConfirmations() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

func (s *Scheduler) runCall(ctx context.Context, call *TrackedToolCall) {
	req := call.Request

	tool, ok := s.registry.Get(req.Name)
	if !ok {
		s.finish(call, StatusError, &ToolCallResponse{
			CallID:        req.CallID,
			ResponseParts: errorResponseParts(req.CallID, req.Name, fmt.Sprintf("Tool %q not found in registry.", req.Name)),
			Error:         tools.NewToolErrorf(tools.ErrNotFound, "tool not found: %s", req.Name),
			ErrorType:     tools.ErrNotFound,
		})
		return
	}

	if err := s.validateArgs(tool, req.Args); err != nil {
		s.finish(call, StatusError, &ToolCallResponse{
			CallID:        req.CallID,
			ResponseParts: errorResponseParts(req.CallID, req.Name, fmt.Sprintf("Invalid arguments: %v", err)),
			Error:         tools.NewToolErrorf(tools.ErrInvalidArgs, "%v", err),
			ErrorType:     tools.ErrInvalidArgs,
		})
		return
	}
	s.setStatus(call, StatusScheduled)

	args, proceed := s.confirmCall(ctx, call, tool)
	if !proceed {
		return
	}

	s.setStatus(call, StatusExecuting)
	result, err := tool.Execute(ctx, args)
	if ctx.Err() != nil {
		s.finish(call, StatusCancelled, cancelledResponse(req))
		return
	}
	if err != nil {
		errType := tools.ErrExecutionFailed
		if toolErr, ok := err.(*tools.ToolError); ok {
			errType = toolErr.Type
		}
		s.finish(call, StatusError, &ToolCallResponse{
			CallID:        req.CallID,
			ResponseParts: errorResponseParts(req.CallID, req.Name, err.Error()),
			Error:         err,
			ErrorType:     errType,
		})
		return
	}

	s.finish(call, StatusSuccess, &ToolCallResponse{
		CallID: req.CallID,
		ResponseParts: []llm.Part{{
			FunctionResponse: &llm.FunctionResponse{
				ID:       req.CallID,
				Name:     req.Name,
				Response: map[string]any{"output": result.Content},
			},
		}},
		ResultDisplay: result.Display,
	})
}

// confirmCall runs the confirmation protocol for one call. It returns
// the (possibly modified) arguments and whether execution should
// proceed. Confirmation is serialized so the user sees one dialog at a
// time; independent approved calls still execute concurrently.
func (s *Scheduler) confirmCall(ctx context.Context, call *TrackedToolCall, tool tools.Tool) (map[string]any, bool) {
	req := call.Request

	s.confirmMu.Lock()
	defer s.confirmMu.Unlock()

	s.mu.Lock()
	preApproved := s.alwaysAllow[tool.Kind()]
	s.mu.Unlock()
	if preApproved {
		return req.Args, true
	}

	details, err := tool.ShouldConfirmExecute(ctx, req.Args)
	if err != nil {
		s.finish(call, StatusError, &ToolCallResponse{
			CallID:        req.CallID,
			ResponseParts: errorResponseParts(req.CallID, req.Name, err.Error()),
			Error:         err,
			ErrorType:     tools.ErrInvalidArgs,
		})
		return nil, false
	}
	if details == nil {
		return req.Args, true
	}

	call.Confirmation = details
	s.setStatus(call, StatusAwaitingApproval)
	s.writeCheckpoint(ctx, req, details)

	ch := make(chan confirmDecision, 1)
	s.mu.Lock()
	s.pending[req.CallID] = ch
	s.mu.Unlock()

	if s.emit != nil {
		s.emit(StreamEvent{
			Type:         EventToolCallConfirmation,
			Confirmation: &ConfirmationRequest{CallID: req.CallID, Details: details},
		})
	}

	select {
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, req.CallID)
		s.mu.Unlock()
		s.finish(call, StatusCancelled, cancelledResponse(req))
		return nil, false
	case decision := <-ch:
		switch decision.outcome {
		case tools.Cancel:
			s.finish(call, StatusCancelled, cancelledResponse(req))
			return nil, false
		case tools.ProceedAlways:
			s.mu.Lock()
			s.alwaysAllow[tool.Kind()] = true
			s.mu.Unlock()
			return req.Args, true
		case tools.ModifyAndProceed:
			if decision.modifiedArgs != nil {
				call.Request.Args = decision.modifiedArgs
				return decision.modifiedArgs, true
			}
			return req.Args, true
		default: // ProceedOnce
			return req.Args, true
		}
	}
}

// writeCheckpoint snapshots conversation and file state before a
// restorable tool is approved.
func (s *Scheduler) writeCheckpoint(ctx context.Context, req ToolCallRequest, details *tools.Confirmation) {
	if s.checkpoints == nil || !tools.IsRestorable(req.Name) {
		return
	}
	var history []llm.Message
	if s.historyFn != nil {
		history = s.historyFn()
	}
	_, err := s.checkpoints.Write(ctx, checkpoint.Snapshot{
		History:  history,
		ToolCall: checkpoint.ToolCallInfo{Name: req.Name, Args: req.Args},
		FilePath: details.FilePath,
	})
	if err != nil {
		slog.Warn("checkpoint write failed", "tool", req.Name, "error", err)
	}
}

// validateArgs checks args against the tool's parameter schema.
func (s *Scheduler) validateArgs(tool tools.Tool, args map[string]any) error {
	params := tool.Declaration().Parameters
	if params == nil {
		return nil
	}
	// Round-trip through JSON so the validator sees canonical types.
	raw, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", doc); err != nil {
		return nil
	}
	schema, err := compiler.Compile("tool.json")
	if err != nil {
		return nil
	}
	instance := map[string]any{}
	if args != nil {
		instance = args
	}
	normalized, err := normalizeInstance(instance)
	if err != nil {
		return err
	}
	return schema.Validate(normalized)
}

// normalizeInstance round-trips args through JSON so numbers take the
// types the validator expects.
func normalizeInstance(args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("arguments are not JSON-encodable: %w", err)
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

func (s *Scheduler) setStatus(call *TrackedToolCall, status CallStatus) {
	s.mu.Lock()
	call.Status = status
	s.mu.Unlock()
	s.notifyUpdate()
}

// finish records a terminal status. Client-initiated calls are marked
// submitted immediately: their results are UI-only.
func (s *Scheduler) finish(call *TrackedToolCall, status CallStatus, resp *ToolCallResponse) {
	s.mu.Lock()
	call.Status = status
	call.Response = resp
	if call.Request.IsClientInitiated {
		call.ResponseSubmittedToModel = true
	}
	s.remaining--
	done := s.remaining == 0
	batch := s.batch
	s.mu.Unlock()

	if s.emit != nil && resp != nil {
		s.emit(StreamEvent{Type: EventToolCallResponse, Response: resp})
	}
	s.notifyUpdate()
	if done && s.onBatch != nil {
		s.onBatch(batch)
	}
}

func (s *Scheduler) notifyUpdate() {
	if s.onUpdate != nil {
		s.onUpdate(s.Batch())
	}
}

func cancelledResponse(req ToolCallRequest) *ToolCallResponse {
	return &ToolCallResponse{
		CallID:        req.CallID,
		ResponseParts: errorResponseParts(req.CallID, req.Name, "Tool call cancelled by user."),
		Error:         tools.NewToolErrorf(tools.ErrCancelled, "cancelled"),
		ErrorType:     tools.ErrCancelled,
	}
}
