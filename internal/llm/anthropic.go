package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicGenerator adapts the Anthropic SDK's streaming surface to the
// native response shape.
type AnthropicGenerator struct {
	client anthropic.Client
	model  string
}

// NewAnthropicGenerator builds an API-key backed Anthropic backend.
func NewAnthropicGenerator(apiKey, model string) *AnthropicGenerator {
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &AnthropicGenerator{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (g *AnthropicGenerator) Name() string {
	return fmt.Sprintf("Anthropic (%s)", g.model)
}

func (g *AnthropicGenerator) buildParams(req Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(chooseModel(req.Model, g.model)),
		MaxTokens: 8192,
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if req.Config.MaxOutputTokens > 0 {
		params.MaxTokens = int64(req.Config.MaxOutputTokens)
	}
	if system := req.SystemText(); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}
	return params
}

func (g *AnthropicGenerator) Generate(ctx context.Context, req Request, promptID string) (*Response, error) {
	msg, err := g.client.Messages.New(ctx, g.buildParams(req))
	if err != nil {
		return nil, translateAnthropicError(err)
	}
	content := &Message{Role: RoleModel}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.Parts = append(content.Parts, Part{Text: variant.Text})
		case anthropic.ToolUseBlock:
			content.Parts = append(content.Parts, Part{FunctionCall: &FunctionCall{
				ID:   variant.ID,
				Name: variant.Name,
				Args: parseToolArguments(toolInputJSON(variant.Input)),
			}})
		}
	}
	return &Response{
		Candidates: []Candidate{{
			Content:      content,
			FinishReason: mapAnthropicStopReason(string(msg.StopReason)),
		}},
		UsageMetadata: &UsageMetadata{
			PromptTokenCount:     int(msg.Usage.InputTokens),
			CandidatesTokenCount: int(msg.Usage.OutputTokens),
			TotalTokenCount:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func (g *AnthropicGenerator) GenerateStream(ctx context.Context, req Request, promptID string) (Stream, error) {
	params := g.buildParams(req)
	return newResponseStream(ctx, func(ctx context.Context, out chan<- *Response) error {
		stream := g.client.Messages.NewStreaming(ctx, params)
		accumulator := newAnthropicToolAccumulator()
		var usage *UsageMetadata
		var stopReason string

		for stream.Next() {
			event := stream.Current()
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						out <- &Response{Candidates: []Candidate{{
							Content: &Message{Role: RoleModel, Parts: []Part{{Text: delta.Text}}},
						}}}
					}
				case anthropic.ThinkingDelta:
					if delta.Thinking != "" {
						out <- &Response{Candidates: []Candidate{{
							Content: &Message{Role: RoleModel, Parts: []Part{{Text: delta.Thinking, Thought: true}}},
						}}}
					}
				case anthropic.InputJSONDelta:
					accumulator.Append(variant.Index, delta.PartialJSON)
				}
			case anthropic.ContentBlockStartEvent:
				if block, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					accumulator.Start(variant.Index, block.ID, block.Name, toolInputJSON(block.Input))
				}
			case anthropic.ContentBlockStopEvent:
				if call, ok := accumulator.Finish(variant.Index); ok {
					out <- &Response{Candidates: []Candidate{{
						Content: &Message{Role: RoleModel, Parts: []Part{{FunctionCall: call}}},
					}}}
				}
			case anthropic.MessageDeltaEvent:
				if variant.Delta.StopReason != "" {
					stopReason = string(variant.Delta.StopReason)
				}
				if variant.Usage.OutputTokens > 0 {
					usage = &UsageMetadata{
						PromptTokenCount:     int(variant.Usage.InputTokens),
						CandidatesTokenCount: int(variant.Usage.OutputTokens),
						TotalTokenCount:      int(variant.Usage.InputTokens + variant.Usage.OutputTokens),
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			return translateAnthropicError(err)
		}
		final := &Response{
			Candidates: []Candidate{{
				Content:      &Message{Role: RoleModel},
				FinishReason: mapAnthropicStopReason(stopReason),
			}},
			UsageMetadata: usage,
		}
		out <- final
		return nil
	}), nil
}

func (g *AnthropicGenerator) CountTokens(ctx context.Context, req Request) (int, error) {
	messages := buildAnthropicMessages(req.Messages)
	if system := req.SystemText(); system != "" {
		messages = append([]anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(system))}, messages...)
	}
	params := anthropic.MessageCountTokensParams{
		Model:    anthropic.Model(chooseModel(req.Model, g.model)),
		Messages: messages,
	}
	count, err := g.client.Messages.CountTokens(ctx, params)
	if err != nil {
		return 0, translateAnthropicError(err)
	}
	return int(count.InputTokens), nil
}

func (g *AnthropicGenerator) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, ErrEmbeddingUnsupported
}

func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			if text := collectText(msg.Parts); text != "" {
				result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}
		case RoleModel:
			var blocks []anthropic.ContentBlockParamUnion
			if text := collectText(msg.Parts); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, part := range msg.Parts {
				if part.FunctionCall == nil {
					continue
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(part.FunctionCall.ID, part.FunctionCall.Args, part.FunctionCall.Name))
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, part := range msg.Parts {
				if part.FunctionResponse == nil {
					continue
				}
				content := ""
				if data, err := json.Marshal(part.FunctionResponse.Response); err == nil {
					content = string(data)
				}
				isError := part.FunctionResponse.Response["error"] != nil
				block := anthropic.ToolResultBlockParam{
					ToolUseID: part.FunctionResponse.ID,
					IsError:   anthropic.Bool(isError),
					Content: []anthropic.ToolResultBlockParamContentUnion{{
						OfText: &anthropic.TextBlockParam{Text: content},
					}},
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{OfToolResult: &block})
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return result
}

func buildAnthropicTools(tools []Tool) []anthropic.ToolUnionParam {
	var result []anthropic.ToolUnionParam
	for _, t := range tools {
		for _, decl := range t.FunctionDeclarations {
			schema := anthropic.ToolInputSchemaParam{
				Properties: decl.Parameters["properties"],
				Required:   schemaRequired(decl.Parameters),
			}
			tool := anthropic.ToolUnionParamOfTool(schema, decl.Name)
			if decl.Description != "" {
				tool.OfTool.Description = anthropic.String(decl.Description)
			}
			result = append(result, tool)
		}
	}
	return result
}

func schemaRequired(schema map[string]any) []string {
	var out []string
	switch required := schema["required"].(type) {
	case []string:
		return required
	case []any:
		for _, r := range required {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func mapAnthropicStopReason(reason string) FinishReason {
	switch reason {
	case "end_turn", "tool_use", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishMaxTokens
	case "refusal":
		return FinishSafety
	case "":
		return ""
	default:
		return FinishOther
	}
}

// toolInputJSON renders a tool-use input, whatever Go shape the SDK
// hands back, as a JSON string.
func toolInputJSON(input any) string {
	switch v := input.(type) {
	case json.RawMessage:
		return string(v)
	case []byte:
		return string(v)
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func translateAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return NewAPIError(apiErr.StatusCode, apiErr.Error(), err)
	}
	return NewAPIError(0, err.Error(), err)
}

// anthropicToolAccumulator rebuilds tool-use inputs from streamed JSON
// fragments, keyed by content-block index.
type anthropicToolAccumulator struct {
	blocks map[int64]*anthropicToolBlock
}

type anthropicToolBlock struct {
	id   string
	name string
	args strings.Builder
}

func newAnthropicToolAccumulator() *anthropicToolAccumulator {
	return &anthropicToolAccumulator{blocks: make(map[int64]*anthropicToolBlock)}
}

func (a *anthropicToolAccumulator) Start(index int64, id, name, initial string) {
	block := &anthropicToolBlock{id: id, name: name}
	if initial != "" && initial != "{}" {
		block.args.WriteString(initial)
	}
	a.blocks[index] = block
}

func (a *anthropicToolAccumulator) Append(index int64, fragment string) {
	if block, ok := a.blocks[index]; ok {
		block.args.WriteString(fragment)
	}
}

func (a *anthropicToolAccumulator) Finish(index int64) (*FunctionCall, bool) {
	block, ok := a.blocks[index]
	if !ok {
		return nil, false
	}
	delete(a.blocks, index)
	return &FunctionCall{
		ID:   block.id,
		Name: block.name,
		Args: parseToolArguments(block.args.String()),
	}, true
}
