package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/codeloop-ai/codeloop/internal/llm"
	"github.com/codeloop-ai/codeloop/internal/tools"
)

// stubTool is a configurable in-memory tool.
type stubTool struct {
	name         string
	kind         tools.Kind
	params       map[string]any
	confirmation *tools.Confirmation
	execute      func(ctx context.Context, args map[string]any) (tools.Result, error)
}

func (t *stubTool) Name() string     { return t.name }
func (t *stubTool) Kind() tools.Kind { return t.kind }

func (t *stubTool) Declaration() llm.FunctionDeclaration {
	return llm.FunctionDeclaration{Name: t.name, Parameters: t.params}
}

func (t *stubTool) ShouldConfirmExecute(ctx context.Context, args map[string]any) (*tools.Confirmation, error) {
	return t.confirmation, nil
}

func (t *stubTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	if t.execute != nil {
		return t.execute(ctx, args)
	}
	return tools.TextResult("ok"), nil
}

func echoTool(name string) *stubTool {
	return &stubTool{
		name: name,
		kind: tools.KindRead,
		params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
			"required": []string{"path"},
		},
		execute: func(ctx context.Context, args map[string]any) (tools.Result, error) {
			return tools.TextResult(fmt.Sprintf("read %v", args["path"])), nil
		},
	}
}

type schedulerHarness struct {
	scheduler *Scheduler
	batches   chan []*TrackedToolCall
	events    chan StreamEvent
}

func newSchedulerHarness(t *testing.T, registry *tools.Registry) *schedulerHarness {
	t.Helper()
	h := &schedulerHarness{
		batches: make(chan []*TrackedToolCall, 4),
		events:  make(chan StreamEvent, 64),
	}
	h.scheduler = NewScheduler(registry, nil, nil,
		func(batch []*TrackedToolCall) { h.batches <- batch },
		nil,
		func(e StreamEvent) { h.events <- e },
	)
	return h
}

func (h *schedulerHarness) waitBatch(t *testing.T) []*TrackedToolCall {
	t.Helper()
	select {
	case batch := <-h.batches:
		return batch
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for batch completion")
		return nil
	}
}

func TestSchedulerExecutesValidCall(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(echoTool("read_file"))
	h := newSchedulerHarness(t, registry)

	h.scheduler.Schedule(context.Background(), []ToolCallRequest{{
		CallID: "t1", Name: "read_file", Args: map[string]any{"path": "foo.txt"},
	}})

	batch := h.waitBatch(t)
	if len(batch) != 1 {
		t.Fatalf("batch size = %d", len(batch))
	}
	call := batch[0]
	if call.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", call.Status)
	}
	fr := call.Response.ResponseParts[0].FunctionResponse
	if fr == nil || fr.ID != "t1" || fr.Response["output"] != "read foo.txt" {
		t.Errorf("function response = %+v", fr)
	}
	if call.ResponseSubmittedToModel {
		t.Error("model-initiated call must not be auto-submitted")
	}
}

func TestSchedulerRejectsInvalidArgs(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(echoTool("read_file"))
	h := newSchedulerHarness(t, registry)

	// "path" is required but missing.
	h.scheduler.Schedule(context.Background(), []ToolCallRequest{{
		CallID: "t1", Name: "read_file", Args: map[string]any{},
	}})

	batch := h.waitBatch(t)
	if batch[0].Status != StatusError {
		t.Fatalf("status = %s, want error", batch[0].Status)
	}
	if batch[0].Response.ErrorType != tools.ErrInvalidArgs {
		t.Errorf("error type = %s, want INVALID_ARGS", batch[0].Response.ErrorType)
	}
	fr := batch[0].Response.ResponseParts[0].FunctionResponse
	if fr.Response["error"] == nil {
		t.Error("expected textual error payload in response parts")
	}
}

func TestSchedulerToolNotFound(t *testing.T) {
	h := newSchedulerHarness(t, tools.NewRegistry())

	h.scheduler.Schedule(context.Background(), []ToolCallRequest{{
		CallID: "t1", Name: "no_such_tool",
	}})

	batch := h.waitBatch(t)
	if batch[0].Status != StatusError || batch[0].Response.ErrorType != tools.ErrNotFound {
		t.Errorf("got status=%s type=%s, want error/TOOL_NOT_FOUND",
			batch[0].Status, batch[0].Response.ErrorType)
	}
}

func TestSchedulerConfirmationCancel(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&stubTool{
		name:         "write_file",
		kind:         tools.KindEdit,
		confirmation: &tools.Confirmation{Kind: tools.KindEdit, Title: "Write foo"},
	})
	h := newSchedulerHarness(t, registry)

	h.scheduler.Schedule(context.Background(), []ToolCallRequest{{
		CallID: "t1", Name: "write_file", Args: map[string]any{},
	}})

	// Wait for the confirmation event, then deny.
	var confirmed bool
	for event := range h.events {
		if event.Type == EventToolCallConfirmation {
			if event.Confirmation.CallID != "t1" {
				t.Fatalf("confirmation for %q", event.Confirmation.CallID)
			}
			h.scheduler.Confirm("t1", tools.Cancel, nil)
			confirmed = true
			break
		}
	}
	if !confirmed {
		t.Fatal("no confirmation event observed")
	}

	batch := h.waitBatch(t)
	if batch[0].Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", batch[0].Status)
	}
	fr := batch[0].Response.ResponseParts[0].FunctionResponse
	if fr == nil || fr.Response["error"] == nil {
		t.Error("cancelled call must still carry a function response for history")
	}
}

func TestSchedulerProceedAlwaysMemoizesKind(t *testing.T) {
	execCount := 0
	mkTool := func(name string) *stubTool {
		return &stubTool{
			name:         name,
			kind:         tools.KindEdit,
			confirmation: &tools.Confirmation{Kind: tools.KindEdit, Title: name},
			execute: func(ctx context.Context, args map[string]any) (tools.Result, error) {
				execCount++
				return tools.TextResult("done"), nil
			},
		}
	}
	registry := tools.NewRegistry()
	registry.Register(mkTool("write_file"))
	registry.Register(mkTool("replace"))
	h := newSchedulerHarness(t, registry)

	h.scheduler.Schedule(context.Background(), []ToolCallRequest{{CallID: "t1", Name: "write_file"}})
	for event := range h.events {
		if event.Type == EventToolCallConfirmation {
			h.scheduler.Confirm("t1", tools.ProceedAlways, nil)
			break
		}
	}
	h.waitBatch(t)

	// Same kind: no confirmation required the second time.
	h.scheduler.Schedule(context.Background(), []ToolCallRequest{{CallID: "t2", Name: "replace"}})
	batch := h.waitBatch(t)
	if batch[0].Status != StatusSuccess {
		t.Fatalf("second call status = %s", batch[0].Status)
	}
	if execCount != 2 {
		t.Errorf("exec count = %d, want 2", execCount)
	}
	for len(h.events) > 0 {
		if e := <-h.events; e.Type == EventToolCallConfirmation && e.Confirmation.CallID == "t2" {
			t.Error("second call of approved kind should not require confirmation")
		}
	}
}

func TestSchedulerParallelBatchSingleCallback(t *testing.T) {
	var mu sync.Mutex
	running := 0
	peak := 0
	slow := func(ctx context.Context, args map[string]any) (tools.Result, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return tools.TextResult("ok"), nil
	}

	registry := tools.NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		registry.Register(&stubTool{name: name, kind: tools.KindRead, execute: slow})
	}
	h := newSchedulerHarness(t, registry)

	h.scheduler.Schedule(context.Background(), []ToolCallRequest{
		{CallID: "t1", Name: "a"},
		{CallID: "t2", Name: "b"},
		{CallID: "t3", Name: "c"},
	})

	batch := h.waitBatch(t)
	if len(batch) != 3 {
		t.Fatalf("batch size = %d", len(batch))
	}
	for _, call := range batch {
		if call.Status != StatusSuccess {
			t.Errorf("call %s status = %s", call.Request.CallID, call.Status)
		}
	}
	if peak < 2 {
		t.Errorf("peak concurrency = %d, want parallel execution", peak)
	}
	select {
	case <-h.batches:
		t.Error("batch callback fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSchedulerMarkSubmittedIdempotent(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(echoTool("read_file"))
	h := newSchedulerHarness(t, registry)

	h.scheduler.Schedule(context.Background(), []ToolCallRequest{{
		CallID: "t1", Name: "read_file", Args: map[string]any{"path": "x"},
	}})
	h.waitBatch(t)

	h.scheduler.MarkSubmitted([]string{"t1"})
	first := h.scheduler.Batch()[0].ResponseSubmittedToModel
	h.scheduler.MarkSubmitted([]string{"t1"})
	second := h.scheduler.Batch()[0].ResponseSubmittedToModel
	if !first || !second {
		t.Errorf("submitted flags = %v, %v; want true, true", first, second)
	}
}

func TestSchedulerClientInitiatedAutoSubmitted(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(echoTool("read_file"))
	h := newSchedulerHarness(t, registry)

	h.scheduler.Schedule(context.Background(), []ToolCallRequest{{
		CallID: "t1", Name: "read_file", Args: map[string]any{"path": "x"},
		IsClientInitiated: true,
	}})

	batch := h.waitBatch(t)
	if !batch[0].ResponseSubmittedToModel {
		t.Error("client-initiated call must be marked submitted on completion")
	}
}

func TestSchedulerCancelledContextSettlesBatch(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&stubTool{
		name: "slow",
		kind: tools.KindRead,
		execute: func(ctx context.Context, args map[string]any) (tools.Result, error) {
			<-ctx.Done()
			return tools.Result{}, ctx.Err()
		},
	})
	h := newSchedulerHarness(t, registry)

	ctx, cancel := context.WithCancel(context.Background())
	h.scheduler.Schedule(ctx, []ToolCallRequest{{CallID: "t1", Name: "slow"}})
	cancel()

	batch := h.waitBatch(t)
	if batch[0].Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", batch[0].Status)
	}
}
