package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterGenerator speaks the OpenAI-compatible /chat/completions
// surface: role and tool mapping on the way out, SSE frames on the way
// back, and an explicitly constructed Response on every frame.
type OpenRouterGenerator struct {
	baseURL string
	apiKey  string
	model   string
	title   string
	referer string
	client  *http.Client
}

// NewOpenRouterGenerator builds a router backend. title and referer feed
// the X-Title and HTTP-Referer attribution headers.
func NewOpenRouterGenerator(apiKey, model, title, referer, proxyAddr string) (*OpenRouterGenerator, error) {
	client, err := newHTTPClient(proxyAddr)
	if err != nil {
		return nil, err
	}
	return &OpenRouterGenerator{
		baseURL: openRouterBaseURL,
		apiKey:  apiKey,
		model:   model,
		title:   title,
		referer: referer,
		client:  client,
	}, nil
}

// SetBaseURL overrides the router endpoint (tests, self-hosted routers).
func (g *OpenRouterGenerator) SetBaseURL(url string) {
	g.baseURL = strings.TrimSuffix(url, "/")
}

func (g *OpenRouterGenerator) Name() string {
	return fmt.Sprintf("OpenRouter (%s)", g.model)
}

// Wire structures for /chat/completions.
type routerChatRequest struct {
	Model       string          `json:"model"`
	Messages    []routerMessage `json:"messages"`
	Tools       []routerTool    `json:"tools,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type routerMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []routerToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type routerTool struct {
	Type     string         `json:"type"`
	Function routerFunction `json:"function"`
}

type routerFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type routerToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

type routerChatResponse struct {
	Choices []routerChoice  `json:"choices"`
	Usage   *routerUsage    `json:"usage,omitempty"`
	Error   *routerAPIError `json:"error,omitempty"`
}

type routerChoice struct {
	Message      *routerMessage `json:"message,omitempty"`
	Delta        *routerMessage `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason"`
}

type routerUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type routerAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (g *OpenRouterGenerator) Generate(ctx context.Context, req Request, promptID string) (*Response, error) {
	chatReq := g.buildChatRequest(req, false)
	resp, err := g.doChatRequest(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewAPIError(0, "read response body", err)
	}
	var chatResp routerChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, NewAPIError(0, fmt.Sprintf("malformed response: %v", err), err)
	}
	if chatResp.Error != nil {
		return nil, NewAPIError(chatResp.Error.Code, chatResp.Error.Message, nil)
	}
	if len(chatResp.Choices) == 0 {
		return nil, NewAPIError(0, "response contained no choices", nil)
	}
	choice := chatResp.Choices[0]
	return buildRouterResponse(choice.Message, choice.FinishReason, chatResp.Usage), nil
}

func (g *OpenRouterGenerator) GenerateStream(ctx context.Context, req Request, promptID string) (Stream, error) {
	chatReq := g.buildChatRequest(req, true)
	resp, err := g.doChatRequest(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	return newResponseStream(ctx, func(ctx context.Context, out chan<- *Response) error {
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		toolState := newRouterToolState()
		var finishReason string
		var usage *routerUsage

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var chatResp routerChatResponse
			if err := json.Unmarshal([]byte(data), &chatResp); err != nil {
				// Malformed frames are skipped, not fatal.
				continue
			}
			if chatResp.Error != nil {
				return NewAPIError(chatResp.Error.Code, chatResp.Error.Message, nil)
			}
			if chatResp.Usage != nil {
				usage = chatResp.Usage
			}

			for _, choice := range chatResp.Choices {
				if choice.FinishReason != "" {
					finishReason = choice.FinishReason
				}
				if choice.Delta == nil {
					continue
				}
				if len(choice.Delta.ToolCalls) > 0 {
					toolState.Add(choice.Delta.ToolCalls)
				}
				if choice.Delta.Content != "" {
					out <- &Response{Candidates: []Candidate{{
						Content: &Message{Role: RoleModel, Parts: []Part{{Text: choice.Delta.Content}}},
					}}}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return NewAPIError(0, "streaming read failed", err)
		}

		// Terminal frame: accumulated tool calls, finish reason, usage.
		final := &Response{Candidates: []Candidate{{
			Content:      &Message{Role: RoleModel},
			FinishReason: mapRouterFinishReason(finishReason),
		}}}
		for _, call := range toolState.Calls() {
			call := call
			final.Candidates[0].Content.Parts = append(final.Candidates[0].Content.Parts, Part{FunctionCall: &call})
		}
		if usage != nil {
			final.UsageMetadata = &UsageMetadata{
				PromptTokenCount:     usage.PromptTokens,
				CandidatesTokenCount: usage.CompletionTokens,
				TotalTokenCount:      usage.TotalTokens,
			}
		}
		out <- final
		return nil
	}), nil
}

// CountTokens estimates at four characters per token; the router exposes
// no counting endpoint.
func (g *OpenRouterGenerator) CountTokens(ctx context.Context, req Request) (int, error) {
	total := utf8.RuneCountInString(req.SystemText())
	for _, msg := range req.Messages {
		for _, part := range msg.Parts {
			total += utf8.RuneCountInString(part.Text)
			if part.FunctionCall != nil {
				if data, err := json.Marshal(part.FunctionCall.Args); err == nil {
					total += len(data)
				}
			}
			if part.FunctionResponse != nil {
				if data, err := json.Marshal(part.FunctionResponse.Response); err == nil {
					total += len(data)
				}
			}
		}
	}
	return total / 4, nil
}

func (g *OpenRouterGenerator) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, ErrEmbeddingUnsupported
}

func (g *OpenRouterGenerator) buildChatRequest(req Request, stream bool) routerChatRequest {
	chatReq := routerChatRequest{
		Model:    chooseModel(req.Model, g.model),
		Messages: buildRouterMessages(req),
		Stream:   stream,
	}
	if SupportsFunctionCalls(chatReq.Model) {
		chatReq.Tools = buildRouterTools(req.Tools)
	}
	if req.Config.Temperature > 0 {
		v := float64(req.Config.Temperature)
		chatReq.Temperature = &v
	}
	if req.Config.TopP > 0 {
		v := float64(req.Config.TopP)
		chatReq.TopP = &v
	}
	if req.Config.MaxOutputTokens > 0 {
		v := req.Config.MaxOutputTokens
		chatReq.MaxTokens = &v
	}
	return chatReq
}

func (g *OpenRouterGenerator) doChatRequest(ctx context.Context, chatReq routerChatRequest) (*http.Response, error) {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	if g.referer != "" {
		httpReq.Header.Set("HTTP-Referer", g.referer)
	}
	if g.title != "" {
		httpReq.Header.Set("X-Title", g.title)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, NewAPIError(0, "request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		status := resp.StatusCode
		if inner := statusFromBody(string(respBody)); inner != 0 {
			status = inner
		}
		return nil, NewAPIError(status, strings.TrimSpace(string(respBody)), nil)
	}
	return resp, nil
}

// buildRouterMessages maps the internal conversation shape onto chat
// messages: model→assistant, a prepended system message from the system
// instruction, function calls as assistant tool_calls, and function
// responses as role=tool messages keyed by tool_call_id.
func buildRouterMessages(req Request) []routerMessage {
	var result []routerMessage
	if system := req.SystemText(); system != "" {
		result = append(result, routerMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			text := collectText(msg.Parts)
			if text == "" {
				continue
			}
			result = append(result, routerMessage{Role: "user", Content: text})
		case RoleModel:
			out := routerMessage{Role: "assistant", Content: collectText(msg.Parts)}
			for _, part := range msg.Parts {
				if part.FunctionCall == nil {
					continue
				}
				args := "{}"
				if part.FunctionCall.Args != nil {
					if data, err := json.Marshal(part.FunctionCall.Args); err == nil {
						args = string(data)
					}
				}
				tc := routerToolCall{ID: part.FunctionCall.ID, Type: "function"}
				tc.Function.Name = part.FunctionCall.Name
				tc.Function.Arguments = args
				out.ToolCalls = append(out.ToolCalls, tc)
			}
			if out.Content == "" && len(out.ToolCalls) == 0 {
				continue
			}
			result = append(result, out)
		case RoleTool:
			for _, part := range msg.Parts {
				if part.FunctionResponse == nil {
					continue
				}
				content := ""
				if data, err := json.Marshal(part.FunctionResponse.Response); err == nil {
					content = string(data)
				}
				result = append(result, routerMessage{
					Role:       "tool",
					Content:    content,
					ToolCallID: part.FunctionResponse.ID,
				})
			}
		}
	}
	return result
}

func buildRouterTools(tools []Tool) []routerTool {
	var result []routerTool
	for _, t := range tools {
		for _, decl := range t.FunctionDeclarations {
			result = append(result, routerTool{
				Type: "function",
				Function: routerFunction{
					Name:        decl.Name,
					Description: decl.Description,
					Parameters:  decl.Parameters,
				},
			})
		}
	}
	return result
}

// buildRouterResponse converts a non-streaming chat message into the
// native response record. Function calls precede text when both are
// present.
func buildRouterResponse(msg *routerMessage, finishReason string, usage *routerUsage) *Response {
	content := &Message{Role: RoleModel}
	if msg != nil {
		for _, tc := range msg.ToolCalls {
			content.Parts = append(content.Parts, Part{FunctionCall: &FunctionCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: parseToolArguments(tc.Function.Arguments),
			}})
		}
		if msg.Content != "" {
			content.Parts = append(content.Parts, Part{Text: msg.Content})
		}
	}
	resp := &Response{Candidates: []Candidate{{
		Content:      content,
		FinishReason: mapRouterFinishReason(finishReason),
	}}}
	if usage != nil {
		resp.UsageMetadata = &UsageMetadata{
			PromptTokenCount:     usage.PromptTokens,
			CandidatesTokenCount: usage.CompletionTokens,
			TotalTokenCount:      usage.TotalTokens,
		}
	}
	return resp
}

// parseToolArguments decodes a tool-call arguments string, treating empty
// or malformed input as an empty object.
func parseToolArguments(raw string) map[string]any {
	if raw == "" {
		raw = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

func mapRouterFinishReason(reason string) FinishReason {
	switch reason {
	case "stop", "tool_calls":
		return FinishStop
	case "length":
		return FinishMaxTokens
	case "content_filter":
		return FinishSafety
	case "":
		return ""
	default:
		return FinishOther
	}
}

func collectText(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Thought {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// routerToolState accumulates streamed tool-call fragments by index.
type routerToolState struct {
	byIndex map[int]*routerCallState
	order   []int
}

type routerCallState struct {
	id   string
	name string
	args strings.Builder
}

func newRouterToolState() *routerToolState {
	return &routerToolState{byIndex: make(map[int]*routerCallState)}
}

func (s *routerToolState) Add(calls []routerToolCall) {
	for _, call := range calls {
		state, ok := s.byIndex[call.Index]
		if !ok {
			state = &routerCallState{}
			s.byIndex[call.Index] = state
			s.order = append(s.order, call.Index)
		}
		if call.ID != "" {
			state.id = call.ID
		}
		if call.Function.Name != "" {
			state.name = call.Function.Name
		}
		if call.Function.Arguments != "" {
			state.args.WriteString(call.Function.Arguments)
		}
	}
}

func (s *routerToolState) Calls() []FunctionCall {
	if len(s.order) == 0 {
		return nil
	}
	sort.Ints(s.order)
	calls := make([]FunctionCall, 0, len(s.order))
	for _, idx := range s.order {
		state := s.byIndex[idx]
		if state == nil || state.name == "" {
			continue
		}
		calls = append(calls, FunctionCall{
			ID:   state.id,
			Name: state.name,
			Args: parseToolArguments(state.args.String()),
		})
	}
	return calls
}
