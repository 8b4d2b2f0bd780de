package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codeloop-ai/codeloop/internal/llm"
	"github.com/codeloop-ai/codeloop/internal/tools"
)

// recordingSink captures typed history items.
type recordingSink struct {
	mu    sync.Mutex
	items []HistoryItem
}

func (s *recordingSink) Append(item HistoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
}

func (s *recordingSink) byType(t HistoryItemType) []HistoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HistoryItem
	for _, item := range s.items {
		if item.Type == t {
			out = append(out, item)
		}
	}
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []StreamEvent
}

func (r *eventRecorder) sink() EventSink {
	return func(e StreamEvent) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	}
}

func (r *eventRecorder) content() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, e := range r.events {
		if e.Type == EventContent {
			b.WriteString(e.Content)
		}
	}
	return b.String()
}

func (r *eventRecorder) has(t EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

func newTestOrchestrator(gen llm.ContentGenerator, registry *tools.Registry, maxTurns int) (*Orchestrator, *eventRecorder, *recordingSink) {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	rec := &eventRecorder{}
	sink := &recordingSink{}
	sess := NewSession("test-model", llm.AuthGeminiAPIKey, maxTurns)
	o := NewOrchestrator(sess, gen, registry, Options{Emit: rec.sink(), Sink: sink})
	return o, rec, sink
}

func TestPlainTextTurn(t *testing.T) {
	gen := &fakeGenerator{streams: []*sliceStream{{responses: []*llm.Response{
		textResponse("Hello"),
		textResponse(" world"),
		finishedResponse(llm.FinishStop),
	}}}}
	o, rec, _ := newTestOrchestrator(gen, nil, -1)

	if err := o.Submit(context.Background(), "Say hello."); err != nil {
		t.Fatal(err)
	}

	if got := rec.content(); got != "Hello world" {
		t.Errorf("streamed content = %q", got)
	}
	history := o.Session().History()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want user+model", len(history))
	}
	if history[0].Role != llm.RoleUser || history[1].Role != llm.RoleModel {
		t.Errorf("history roles = %s, %s", history[0].Role, history[1].Role)
	}
	if history[1].Parts[0].Text != "Hello world" {
		t.Errorf("model history text = %q", history[1].Parts[0].Text)
	}
	if o.Session().PromptCount() != 1 {
		t.Errorf("promptCount = %d, want 1", o.Session().PromptCount())
	}
	if o.State() != StateIdle {
		t.Errorf("state = %s, want idle", o.State())
	}
}

func TestSingleToolTurn(t *testing.T) {
	gen := &fakeGenerator{streams: []*sliceStream{
		{responses: []*llm.Response{
			functionCallResponse("t1", "read_file", map[string]any{"path": "foo.txt"}),
			finishedResponse(llm.FinishStop),
		}},
		{responses: []*llm.Response{
			textResponse("The file says: file contents"),
			finishedResponse(llm.FinishStop),
		}},
	}}
	registry := tools.NewRegistry()
	registry.Register(&stubTool{
		name: "read_file",
		kind: tools.KindRead,
		execute: func(ctx context.Context, args map[string]any) (tools.Result, error) {
			return tools.TextResult("file contents"), nil
		},
	})
	o, rec, _ := newTestOrchestrator(gen, registry, -1)

	if err := o.Submit(context.Background(), "Read foo.txt"); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(rec.content(), "The file says: file contents") {
		t.Errorf("content = %q", rec.content())
	}

	// History: user, model(tool call), tool(response), model(text).
	history := o.Session().History()
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4: %+v", len(history), history)
	}
	wantRoles := []llm.Role{llm.RoleUser, llm.RoleModel, llm.RoleTool, llm.RoleModel}
	for i, want := range wantRoles {
		if history[i].Role != want {
			t.Errorf("history[%d].Role = %s, want %s", i, history[i].Role, want)
		}
	}
	fc := history[1].Parts[0].FunctionCall
	if fc == nil || fc.ID != "t1" {
		t.Fatalf("model turn missing function call: %+v", history[1])
	}
	fr := history[2].Parts[0].FunctionResponse
	if fr == nil || fr.ID != "t1" || fr.Response["output"] != "file contents" {
		t.Fatalf("tool turn wrong: %+v", history[2])
	}

	// Continuations do not increment promptCount.
	if o.Session().PromptCount() != 1 {
		t.Errorf("promptCount = %d, want 1", o.Session().PromptCount())
	}
	// Both backend calls used the same prompt id path; two calls total.
	if gen.callCount() != 2 {
		t.Errorf("backend calls = %d, want 2", gen.callCount())
	}
	// The scheduled call was submitted exactly once.
	for _, call := range o.Scheduler().Batch() {
		if !call.ResponseSubmittedToModel {
			t.Errorf("call %s never marked submitted", call.Request.CallID)
		}
	}
}

func TestToolNotFoundIsReportedToModel(t *testing.T) {
	gen := &fakeGenerator{streams: []*sliceStream{
		{responses: []*llm.Response{
			functionCallResponse("t1", "no_such_tool", nil),
			finishedResponse(llm.FinishStop),
		}},
		{responses: []*llm.Response{
			textResponse("Sorry, that tool is unavailable."),
			finishedResponse(llm.FinishStop),
		}},
	}}
	o, rec, _ := newTestOrchestrator(gen, nil, -1)

	if err := o.Submit(context.Background(), "Use the magic tool"); err != nil {
		t.Fatal(err)
	}

	// The error goes back to the model as a second turn.
	if gen.callCount() != 2 {
		t.Fatalf("backend calls = %d, want 2", gen.callCount())
	}
	if !strings.Contains(rec.content(), "unavailable") {
		t.Errorf("content = %q", rec.content())
	}
	history := o.Session().History()
	fr := history[2].Parts[0].FunctionResponse
	if fr == nil || fr.Response["error"] == nil {
		t.Fatalf("expected error payload in tool response, got %+v", history[2])
	}
	errs := o.ToolErrors()
	if len(errs) != 1 || errs[0].ErrorType != tools.ErrNotFound {
		t.Errorf("tool errors = %+v", errs)
	}
}

func TestMaxSessionTurnsZeroMakesNoBackendCall(t *testing.T) {
	gen := &fakeGenerator{}
	o, rec, sink := newTestOrchestrator(gen, nil, 0)

	if err := o.Submit(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}

	if gen.callCount() != 0 {
		t.Errorf("backend calls = %d, want 0", gen.callCount())
	}
	if !rec.has(EventMaxSessionTurns) {
		t.Error("expected MaxSessionTurns event")
	}
	infos := sink.byType(ItemInfo)
	if len(infos) == 0 || !strings.Contains(infos[0].Text, "turn limit") {
		t.Errorf("info items = %+v", infos)
	}
}

func TestCancellationAppendsInfoAndUnblocks(t *testing.T) {
	stream := &chanStream{ch: make(chan *llm.Response)}
	gen := &chanGenerator{stream: stream}
	o, rec, sink := newTestOrchestrator(gen, nil, -1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Submit(ctx, "stream forever") }()

	stream.ch <- textResponse("chunk one, ")
	stream.ch <- textResponse("chunk two")
	// Let both events drain, then cancel mid-stream.
	for rec.content() != "chunk one, chunk two" {
		time.Sleep(time.Millisecond)
	}
	cancel()
	stream.ch <- textResponse("never seen")

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !rec.has(EventUserCancelled) {
		t.Error("expected UserCancelled event")
	}
	foundCancelInfo := false
	for _, item := range sink.byType(ItemInfo) {
		if strings.Contains(item.Text, "Request cancelled.") {
			foundCancelInfo = true
		}
	}
	if !foundCancelInfo {
		t.Error("expected 'Request cancelled.' info item")
	}
	if o.State() != StateIdle {
		t.Errorf("state after cancel = %s, want idle", o.State())
	}
	// A fresh submission is accepted afterwards.
	gen2 := &fakeGenerator{streams: []*sliceStream{{responses: []*llm.Response{
		textResponse("ok"), finishedResponse(llm.FinishStop),
	}}}}
	o2, _, _ := newTestOrchestrator(gen2, nil, -1)
	if err := o2.Submit(context.Background(), "again"); err != nil {
		t.Errorf("fresh submission rejected: %v", err)
	}
}

func TestRejectsConcurrentSubmission(t *testing.T) {
	stream := &chanStream{ch: make(chan *llm.Response)}
	gen := &chanGenerator{stream: stream}
	o, rec, _ := newTestOrchestrator(gen, nil, -1)

	done := make(chan error, 1)
	go func() { done <- o.Submit(context.Background(), "first") }()

	stream.ch <- textResponse("busy now")
	for rec.content() == "" {
		time.Sleep(time.Millisecond)
	}
	if err := o.Submit(context.Background(), "second"); err == nil {
		t.Error("expected rejection while Responding")
	}
	close(stream.ch)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestQuotaErrorSuppressesContinuation(t *testing.T) {
	gen := &fakeGenerator{streams: []*sliceStream{
		{
			responses: []*llm.Response{
				functionCallResponse("t1", "read_file", map[string]any{"path": "x"}),
			},
			err: llm.NewAPIError(429, "quota exhausted", nil),
		},
	}}
	registry := tools.NewRegistry()
	registry.Register(&stubTool{name: "read_file", kind: tools.KindRead})
	o, _, _ := newTestOrchestrator(gen, registry, -1)

	if err := o.Submit(context.Background(), "read"); err != nil {
		t.Fatal(err)
	}
	if !o.Session().QuotaErrorOccurred() {
		t.Error("quota flag not set")
	}
	if o.Session().ModelName != llm.FlashFallbackModel {
		t.Errorf("model = %s, want fallback", o.Session().ModelName)
	}
	// The turn errored before tools were dispatched: exactly one call.
	if gen.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1", gen.callCount())
	}
}

func TestAuthErrorBubblesOut(t *testing.T) {
	gen := &fakeGenerator{errs: []error{llm.NewAPIError(401, "expired", nil)}}
	o, rec, _ := newTestOrchestrator(gen, nil, -1)

	err := o.Submit(context.Background(), "hello")
	if err == nil || !llm.IsUnauthorized(err) {
		t.Fatalf("Submit err = %v, want unauthorized", err)
	}
	if rec.has(EventError) {
		t.Error("auth failure must not be reported as Error event")
	}
	// The invalid model turn is not retained.
	for _, msg := range o.Session().History() {
		if msg.Role == llm.RoleModel {
			t.Errorf("unexpected model turn in history: %+v", msg)
		}
	}
}

func TestFinishReasonWarningSurfaced(t *testing.T) {
	gen := &fakeGenerator{streams: []*sliceStream{{responses: []*llm.Response{
		textResponse("partial answer"),
		finishedResponse(llm.FinishMaxTokens),
	}}}}
	o, _, sink := newTestOrchestrator(gen, nil, -1)

	if err := o.Submit(context.Background(), "long question"); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, item := range sink.byType(ItemInfo) {
		if strings.Contains(item.Text, "token limit") {
			found = true
		}
	}
	if !found {
		t.Error("expected max-tokens warning info item")
	}
}

func TestLoopDetectionHaltsTurn(t *testing.T) {
	// The model repeats the identical tool call past the threshold.
	var responses []*llm.Response
	for i := 0; i < toolLoopThreshold; i++ {
		responses = append(responses, functionCallResponse("", "read_file", map[string]any{"path": "same.txt"}))
	}
	gen := &fakeGenerator{streams: []*sliceStream{{responses: responses}}}
	registry := tools.NewRegistry()
	registry.Register(&stubTool{name: "read_file", kind: tools.KindRead})
	o, rec, _ := newTestOrchestrator(gen, registry, -1)

	if err := o.Submit(context.Background(), "loop"); err != nil {
		t.Fatal(err)
	}
	if !rec.has(EventLoopDetected) {
		t.Error("expected LoopDetected event")
	}
	// The halted turn never dispatched tools or continued.
	if gen.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1", gen.callCount())
	}
}

func TestClientInitiatedToolSkipsModel(t *testing.T) {
	gen := &fakeGenerator{}
	registry := tools.NewRegistry()
	executed := false
	registry.Register(&stubTool{
		name: "memory_show",
		kind: tools.KindRead,
		execute: func(ctx context.Context, args map[string]any) (tools.Result, error) {
			executed = true
			return tools.TextResult("memory contents"), nil
		},
	})

	rec := &eventRecorder{}
	sink := &recordingSink{}
	sess := NewSession("test-model", llm.AuthGeminiAPIKey, -1)
	o := NewOrchestrator(sess, gen, registry, Options{
		Emit: rec.sink(),
		Sink: sink,
		SlashProcessor: commandFunc(func(ctx context.Context, input string) (*CommandResult, error) {
			if input == "/memory show" {
				return &CommandResult{Type: CommandScheduleTool, ToolName: "memory_show"}, nil
			}
			return nil, nil
		}),
	})

	if err := o.Submit(context.Background(), "/memory show"); err != nil {
		t.Fatal(err)
	}
	if !executed {
		t.Fatal("client-initiated tool never ran")
	}
	if gen.callCount() != 0 {
		t.Errorf("backend calls = %d, want 0", gen.callCount())
	}
	if len(o.Session().History()) != 0 {
		t.Error("client-initiated results must not enter model history")
	}
	groups := sink.byType(ItemToolGroup)
	if len(groups) != 1 || !groups[0].Calls[0].ResponseSubmittedToModel {
		t.Errorf("tool group items = %+v", groups)
	}
}

type commandFunc func(ctx context.Context, input string) (*CommandResult, error)

func (f commandFunc) Process(ctx context.Context, input string) (*CommandResult, error) {
	return f(ctx, input)
}

func TestAllCancelledAppendsDirectlyToHistory(t *testing.T) {
	gen := &fakeGenerator{streams: []*sliceStream{{responses: []*llm.Response{
		functionCallResponse("t1", "write_file", map[string]any{}),
		finishedResponse(llm.FinishStop),
	}}}}
	registry := tools.NewRegistry()
	registry.Register(&stubTool{
		name:         "write_file",
		kind:         tools.KindEdit,
		confirmation: &tools.Confirmation{Kind: tools.KindEdit, Title: "write"},
	})

	rec := &eventRecorder{}
	sess := NewSession("test-model", llm.AuthGeminiAPIKey, -1)
	var o *Orchestrator
	o = NewOrchestrator(sess, gen, registry, Options{
		Emit: func(e StreamEvent) {
			rec.sink()(e)
			if e.Type == EventToolCallConfirmation {
				go o.Confirm(e.Confirmation.CallID, tools.Cancel, nil)
			}
		},
		Sink: &recordingSink{},
	})

	if err := o.Submit(context.Background(), "write something"); err != nil {
		t.Fatal(err)
	}

	// No continuation was sent: one backend call, but the cancelled
	// response still landed in history.
	if gen.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1", gen.callCount())
	}
	history := sess.History()
	last := history[len(history)-1]
	if last.Role != llm.RoleTool || last.Parts[0].FunctionResponse == nil {
		t.Fatalf("last history message = %+v, want cancelled tool response", last)
	}
	for _, call := range o.Scheduler().Batch() {
		if !call.ResponseSubmittedToModel {
			t.Error("cancelled call must be marked submitted after direct append")
		}
	}
}
