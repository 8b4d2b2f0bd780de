package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// GeminiGenerator is the native-API backend: a thin pass-through over the
// genai SDK, serving both API-key and Vertex-style clients.
type GeminiGenerator struct {
	client *genai.Client
	model  string
	vertex bool
}

// NewGeminiGenerator builds a native backend. Either apiKey or
// project+location must be set; the latter selects the Vertex backend.
func NewGeminiGenerator(apiKey, project, location, model string) (*GeminiGenerator, error) {
	cfg := &genai.ClientConfig{}
	vertex := false
	if project != "" {
		cfg.Backend = genai.BackendVertexAI
		cfg.Project = project
		cfg.Location = location
		vertex = true
	} else {
		cfg.Backend = genai.BackendGeminiAPI
		cfg.APIKey = apiKey
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if model == "" {
		model = DefaultModel
	}
	return &GeminiGenerator{client: client, model: model, vertex: vertex}, nil
}

func (g *GeminiGenerator) Name() string {
	if g.vertex {
		return fmt.Sprintf("Vertex (%s)", g.model)
	}
	return fmt.Sprintf("Gemini (%s)", g.model)
}

func (g *GeminiGenerator) Generate(ctx context.Context, req Request, promptID string) (*Response, error) {
	contents, config := g.buildRequest(req)
	resp, err := g.client.Models.GenerateContent(ctx, chooseModel(req.Model, g.model), contents, config)
	if err != nil {
		return nil, translateGenaiError(err)
	}
	return fromGenaiResponse(resp), nil
}

func (g *GeminiGenerator) GenerateStream(ctx context.Context, req Request, promptID string) (Stream, error) {
	contents, config := g.buildRequest(req)
	model := chooseModel(req.Model, g.model)
	return newResponseStream(ctx, func(ctx context.Context, out chan<- *Response) error {
		for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				return translateGenaiError(err)
			}
			out <- fromGenaiResponse(resp)
		}
		return nil
	}), nil
}

func (g *GeminiGenerator) CountTokens(ctx context.Context, req Request) (int, error) {
	contents, _ := g.buildRequest(req)
	resp, err := g.client.Models.CountTokens(ctx, chooseModel(req.Model, g.model), contents, nil)
	if err != nil {
		return 0, translateGenaiError(err)
	}
	return int(resp.TotalTokens), nil
}

func (g *GeminiGenerator) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}
	resp, err := g.client.Models.EmbedContent(ctx, "gemini-embedding-001", contents, nil)
	if err != nil {
		return nil, translateGenaiError(err)
	}
	vectors := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		vectors = append(vectors, e.Values)
	}
	return vectors, nil
}

func (g *GeminiGenerator) buildRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if system := req.SystemText(); system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		config.Tools = buildGenaiTools(req.Tools)
	}
	if req.Config.Temperature > 0 {
		v := req.Config.Temperature
		config.Temperature = &v
	}
	if req.Config.TopP > 0 {
		v := req.Config.TopP
		config.TopP = &v
	}
	if req.Config.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(req.Config.MaxOutputTokens)
	}
	return buildGenaiContents(req.Messages), config
}

func buildGenaiTools(tools []Tool) []*genai.Tool {
	result := make([]*genai.Tool, 0, len(tools))
	for _, t := range tools {
		decls := make([]*genai.FunctionDeclaration, 0, len(t.FunctionDeclarations))
		for _, d := range t.FunctionDeclarations {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  schemaToGenai(d.Parameters),
			})
		}
		result = append(result, &genai.Tool{FunctionDeclarations: decls})
	}
	return result
}

// schemaToGenai converts a JSON-schema map to the SDK's schema type.
func schemaToGenai(schema map[string]any) *genai.Schema {
	if schema == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	out := &genai.Schema{Type: genaiType(schema)}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if required, ok := schema["required"].([]string); ok {
		out.Required = required
	} else if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				out.Properties[name] = schemaToGenai(propMap)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = schemaToGenai(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	return out
}

func genaiType(schema map[string]any) genai.Type {
	t, _ := schema["type"].(string)
	switch t {
	case "string":
		return genai.TypeString
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func buildGenaiContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		role := genai.RoleUser
		if msg.Role == RoleModel {
			role = genai.RoleModel
		}
		content := &genai.Content{Role: role}
		for _, part := range msg.Parts {
			switch {
			case part.FunctionCall != nil:
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   part.FunctionCall.ID,
						Name: part.FunctionCall.Name,
						Args: part.FunctionCall.Args,
					},
				})
			case part.FunctionResponse != nil:
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       part.FunctionResponse.ID,
						Name:     part.FunctionResponse.Name,
						Response: part.FunctionResponse.Response,
					},
				})
			case part.InlineData != nil:
				content.Parts = append(content.Parts, &genai.Part{
					InlineData: &genai.Blob{
						MIMEType: part.InlineData.MIMEType,
						Data:     part.InlineData.Data,
					},
				})
			case part.Text != "":
				content.Parts = append(content.Parts, &genai.Part{Text: part.Text, Thought: part.Thought})
			}
		}
		if len(content.Parts) > 0 {
			contents = append(contents, content)
		}
	}
	return contents
}

func fromGenaiResponse(resp *genai.GenerateContentResponse) *Response {
	if resp == nil {
		return &Response{}
	}
	out := &Response{}
	for _, cand := range resp.Candidates {
		c := Candidate{FinishReason: FinishReason(cand.FinishReason)}
		if cand.Content != nil {
			msg := &Message{Role: RoleModel}
			for _, part := range cand.Content.Parts {
				p := Part{Text: part.Text, Thought: part.Thought}
				if part.FunctionCall != nil {
					p = Part{FunctionCall: &FunctionCall{
						ID:   part.FunctionCall.ID,
						Name: part.FunctionCall.Name,
						Args: part.FunctionCall.Args,
					}}
				}
				if part.InlineData != nil {
					p = Part{InlineData: &Blob{MIMEType: part.InlineData.MIMEType, Data: part.InlineData.Data}}
				}
				msg.Parts = append(msg.Parts, p)
			}
			c.Content = msg
		}
		out.Candidates = append(out.Candidates, c)
	}
	if resp.UsageMetadata != nil {
		out.UsageMetadata = &UsageMetadata{
			PromptTokenCount:     int(resp.UsageMetadata.PromptTokenCount),
			CandidatesTokenCount: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokenCount:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out
}

func translateGenaiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return NewAPIError(apiErr.Code, apiErr.Message, err)
	}
	return NewAPIError(0, err.Error(), err)
}

func chooseModel(requested, configured string) string {
	if requested != "" {
		return requested
	}
	return configured
}
