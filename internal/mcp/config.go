// Package mcp discovers external tool servers over stdio, SSE and
// streamable-HTTP transports and registers their tools and prompts.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// DefaultTimeout applies to tool invocations on servers that do not
// configure their own.
const DefaultTimeout = 10 * time.Minute

// ServerConfig declares one MCP server. Exactly one transport is
// selected: Command (stdio), HTTPURL (streamable HTTP) or URL (SSE).
type ServerConfig struct {
	// Stdio transport
	Command string            `json:"command,omitempty" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`

	// HTTP transports
	HTTPURL string            `json:"httpUrl,omitempty" mapstructure:"httpUrl"`
	URL     string            `json:"url,omitempty" mapstructure:"url"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`

	// Tool invocation timeout in milliseconds (0 = DefaultTimeout).
	TimeoutMillis int `json:"timeout,omitempty" mapstructure:"timeout"`

	// Trust skips per-call confirmation for this server's tools.
	Trust bool `json:"trust,omitempty" mapstructure:"trust"`

	// OAuth enables the authorization-code fallback on 401/403.
	OAuth OAuthConfig `json:"oauth,omitempty" mapstructure:"oauth"`
}

// OAuthConfig controls the optional OAuth fallback for HTTP transports.
type OAuthConfig struct {
	Enabled  bool     `json:"enabled,omitempty" mapstructure:"enabled"`
	ClientID string   `json:"clientId,omitempty" mapstructure:"clientId"`
	Scopes   []string `json:"scopes,omitempty" mapstructure:"scopes"`
}

// TransportKind identifies the effective transport for a server.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "http"
)

// Transport returns the transport kind selected by the config fields.
// Command wins over HTTPURL, which wins over URL.
func (c *ServerConfig) Transport() TransportKind {
	switch {
	case c.Command != "":
		return TransportStdio
	case c.HTTPURL != "":
		return TransportStreamableHTTP
	default:
		return TransportSSE
	}
}

// Endpoint returns the HTTP endpoint for non-stdio transports.
func (c *ServerConfig) Endpoint() string {
	if c.HTTPURL != "" {
		return c.HTTPURL
	}
	return c.URL
}

// Timeout returns the effective tool-invocation timeout.
func (c *ServerConfig) Timeout() time.Duration {
	if c.TimeoutMillis > 0 {
		return time.Duration(c.TimeoutMillis) * time.Millisecond
	}
	return DefaultTimeout
}

// Validate checks that exactly one transport is configured.
func (c *ServerConfig) Validate() error {
	count := 0
	if c.Command != "" {
		count++
	}
	if c.HTTPURL != "" {
		count++
	}
	if c.URL != "" {
		count++
	}
	if count == 0 {
		return fmt.Errorf("server config requires one of command, httpUrl or url")
	}
	if count > 1 && c.Command != "" {
		return fmt.Errorf("cannot combine command with an HTTP transport")
	}
	return nil
}

// LoadServerMap reads a {"mcpServers": {...}} JSON file. A missing file
// yields an empty map.
func LoadServerMap(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ServerConfig{}, nil
		}
		return nil, err
	}
	var file struct {
		MCPServers map[string]ServerConfig `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse MCP config %s: %w", path, err)
	}
	if file.MCPServers == nil {
		file.MCPServers = map[string]ServerConfig{}
	}
	return file.MCPServers, nil
}
