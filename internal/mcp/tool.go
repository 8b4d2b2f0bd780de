package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/codeloop-ai/codeloop/internal/llm"
	"github.com/codeloop-ai/codeloop/internal/tools"
)

// DiscoveredTool bridges an MCP server tool into the tool registry.
// Registered names are prefixed "server__tool" to avoid collisions.
type DiscoveredTool struct {
	client  *Client
	server  string
	spec    ToolSpec
	timeout time.Duration
	trusted bool
}

// NewDiscoveredTool wraps one discovered tool spec.
func NewDiscoveredTool(client *Client, server string, spec ToolSpec, timeout time.Duration, trusted bool) *DiscoveredTool {
	return &DiscoveredTool{
		client:  client,
		server:  server,
		spec:    spec,
		timeout: timeout,
		trusted: trusted,
	}
}

func (t *DiscoveredTool) Name() string {
	return fmt.Sprintf("%s__%s", t.server, t.spec.Name)
}

func (t *DiscoveredTool) Kind() tools.Kind { return tools.KindMCP }

// Server returns the owning server name.
func (t *DiscoveredTool) Server() string { return t.server }

func (t *DiscoveredTool) Declaration() llm.FunctionDeclaration {
	return llm.FunctionDeclaration{
		Name:        t.Name(),
		Description: fmt.Sprintf("[%s] %s", t.server, t.spec.Description),
		Parameters:  t.spec.Schema,
	}
}

func (t *DiscoveredTool) ShouldConfirmExecute(ctx context.Context, args map[string]any) (*tools.Confirmation, error) {
	if t.trusted {
		return nil, nil
	}
	return &tools.Confirmation{
		Kind:        tools.KindMCP,
		Title:       fmt.Sprintf("Run %s on MCP server %q", t.spec.Name, t.server),
		Description: t.spec.Description,
	}, nil
}

func (t *DiscoveredTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	content, err := t.client.CallTool(ctx, t.spec.Name, args)
	if err != nil {
		return tools.Result{}, tools.NewToolErrorf(tools.ErrExecutionFailed, "%v", err)
	}
	return tools.TextResult(content), nil
}
