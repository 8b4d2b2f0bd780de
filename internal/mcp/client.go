package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/oauth2"
)

// Client owns one server connection through its lifecycle: transport
// construction, connect with OAuth fallback, and tool/prompt discovery.
type Client struct {
	name   string
	config ServerConfig
	auth   *Authenticator

	mu            sync.RWMutex
	session       *sdk.ClientSession
	tools         []ToolSpec
	prompts       []PromptSpec
	requiresOAuth bool
}

// ToolSpec describes one discovered tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// PromptSpec describes one discovered prompt.
type PromptSpec struct {
	Name        string
	Description string
}

// NewClient creates a client for a configured server.
func NewClient(name string, config ServerConfig, auth *Authenticator) *Client {
	return &Client{name: name, config: config, auth: auth}
}

// Name returns the server name.
func (c *Client) Name() string { return c.name }

// Tools returns the discovered tool specs.
func (c *Client) Tools() []ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// Prompts returns the discovered prompt specs.
func (c *Client) Prompts() []PromptSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prompts
}

// RequiresOAuth reports whether the server answered the first connect
// attempt with an auth challenge.
func (c *Client) RequiresOAuth() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requiresOAuth
}

// headerTransport injects static headers (and an optional bearer token)
// into every request of an HTTP transport.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
	bearer  string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		if v != "" {
			clone.Header.Set(k, v)
		}
	}
	if t.bearer != "" {
		clone.Header.Set("Authorization", "Bearer "+t.bearer)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

func (c *Client) httpClient(bearer string) *http.Client {
	return &http.Client{
		Transport: &headerTransport{headers: c.config.Headers, bearer: bearer},
	}
}

// newTransport builds the transport selected by the config. bearer,
// when non-empty, is attached as an Authorization header on HTTP
// transports.
func (c *Client) newTransport(ctx context.Context, bearer string) sdk.Transport {
	switch c.config.Transport() {
	case TransportStdio:
		cmd := exec.CommandContext(ctx, c.config.Command, c.config.Args...)
		cmd.Env = os.Environ()
		for k, v := range c.config.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
		return &sdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		return &sdk.StreamableClientTransport{
			Endpoint:   c.config.HTTPURL,
			HTTPClient: c.httpClient(bearer),
		}
	default:
		return &sdk.SSEClientTransport{
			Endpoint:   c.config.URL,
			HTTPClient: c.httpClient(bearer),
		}
	}
}

// Connect establishes the session using any cached OAuth token. When
// the server answers with an auth challenge and OAuth is enabled, the
// caller should follow up with AuthenticateAndReconnect; CanFallback
// reports whether that applies.
func (c *Client) Connect(ctx context.Context) error {
	bearer := ""
	if c.config.Transport() != TransportStdio && c.auth != nil {
		if token := c.auth.CachedToken(c.name); token != nil && token.Valid() {
			bearer = token.AccessToken
		}
	}
	session, err := c.connectOnce(ctx, bearer)
	if err != nil {
		if c.config.Transport() != TransportStdio && isAuthChallenge(err) {
			c.mu.Lock()
			c.requiresOAuth = true
			c.mu.Unlock()
		}
		return fmt.Errorf("connect %s: %w", c.name, err)
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	return nil
}

// CanFallback reports whether a failed connect can be retried through
// the OAuth authorization-code flow.
func (c *Client) CanFallback(err error) bool {
	return err != nil && c.config.OAuth.Enabled &&
		c.config.Transport() != TransportStdio && isAuthChallenge(err)
}

// AuthenticateAndReconnect runs the OAuth flow for a challenge that
// failed Connect, then re-creates the transport with the bearer token
// and connects again.
func (c *Client) AuthenticateAndReconnect(ctx context.Context, connectErr error) error {
	token, err := c.authenticate(ctx, connectErr)
	if err != nil {
		return fmt.Errorf("OAuth fallback for %s failed: %w", c.name, err)
	}
	session, err := c.connectOnce(ctx, token.AccessToken)
	if err != nil {
		return fmt.Errorf("reconnect %s with bearer token: %w", c.name, err)
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	return nil
}

func (c *Client) connectOnce(ctx context.Context, bearer string) (*sdk.ClientSession, error) {
	client := sdk.NewClient(&sdk.Implementation{Name: "codeloop", Version: "1.0.0"}, nil)
	return client.Connect(ctx, c.newTransport(ctx, bearer), nil)
}

func (c *Client) authenticate(ctx context.Context, connectErr error) (*oauth2.Token, error) {
	header := extractWWWAuthenticate(connectErr.Error())
	meta, err := discoverOAuthConfig(ctx, http.DefaultClient, c.config.Endpoint(), header)
	if err != nil {
		return nil, err
	}
	slog.Info("mcp server requires OAuth, starting authorization flow", "server", c.name)
	return c.auth.Authorize(ctx, c.name, c.config.OAuth, meta)
}

// Discover fetches tools and prompts from the connected session. It
// returns an error when the server yields neither.
func (c *Client) Discover(ctx context.Context) error {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return fmt.Errorf("server %s is not connected", c.name)
	}

	var tools []ToolSpec
	toolsResult, err := session.ListTools(ctx, nil)
	if err != nil {
		slog.Warn("mcp tool listing failed", "server", c.name, "error", err)
	} else {
		for _, t := range toolsResult.Tools {
			schema := schemaToMap(t.InputSchema)
			if !HasValidTypes(schema) {
				slog.Warn("mcp tool rejected: schema nodes missing types", "server", c.name, "tool", t.Name)
				continue
			}
			tools = append(tools, ToolSpec{
				Name:        t.Name,
				Description: t.Description,
				Schema:      schema,
			})
		}
	}

	var prompts []PromptSpec
	if declaresPrompts(session) {
		promptsResult, err := session.ListPrompts(ctx, nil)
		if err != nil {
			slog.Warn("mcp prompt listing failed", "server", c.name, "error", err)
		} else {
			for _, p := range promptsResult.Prompts {
				prompts = append(prompts, PromptSpec{Name: p.Name, Description: p.Description})
			}
		}
	}

	if len(tools) == 0 && len(prompts) == 0 {
		return fmt.Errorf("server %s exposed no tools or prompts", c.name)
	}

	c.mu.Lock()
	c.tools = tools
	c.prompts = prompts
	c.mu.Unlock()
	return nil
}

func declaresPrompts(session *sdk.ClientSession) bool {
	result := session.InitializeResult()
	return result != nil && result.Capabilities != nil && result.Capabilities.Prompts != nil
}

// CallTool invokes a tool on this server. Callers bound the invocation
// with their own timeout.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return "", fmt.Errorf("server %s is not connected", c.name)
	}

	result, err := session.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("call %s on %s: %w", name, c.name, err)
	}
	content := flattenContent(result.Content)
	if result.IsError {
		return "", fmt.Errorf("tool %s reported an error: %s", name, content)
	}
	return content, nil
}

// GetPrompt resolves a discovered prompt to its message text.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return "", fmt.Errorf("server %s is not connected", c.name)
	}
	result, err := session.GetPrompt(ctx, &sdk.GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("get prompt %s from %s: %w", name, c.name, err)
	}
	var text string
	for _, msg := range result.Messages {
		if tc, ok := msg.Content.(*sdk.TextContent); ok {
			text += tc.Text
		}
	}
	return text, nil
}

// Close tears down the session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	c.tools = nil
	c.prompts = nil
	return err
}

func schemaToMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	return map[string]any{"type": "object"}
}

func flattenContent(content []sdk.Content) string {
	var out string
	for _, item := range content {
		if tc, ok := item.(*sdk.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}
