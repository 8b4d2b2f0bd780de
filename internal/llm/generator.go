package llm

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/net/proxy"
)

// AuthType selects which backend variant serves a session.
type AuthType string

const (
	AuthGeminiAPIKey AuthType = "gemini-api-key"
	AuthVertexAI     AuthType = "vertex-ai"
	AuthCodeAssist   AuthType = "oauth-personal"
	AuthOpenRouter   AuthType = "openrouter"
	AuthAnthropic    AuthType = "anthropic"
)

// UserTier is reported by OAuth'd backends that distinguish plan levels.
type UserTier string

const (
	TierFree     UserTier = "free"
	TierStandard UserTier = "standard"
)

// ContentGenerator is the uniform contract over all model backends.
type ContentGenerator interface {
	Name() string
	Generate(ctx context.Context, req Request, promptID string) (*Response, error)
	GenerateStream(ctx context.Context, req Request, promptID string) (Stream, error)
	CountTokens(ctx context.Context, req Request) (int, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// TieredGenerator is an optional interface for backends that know the
// user's plan tier.
type TieredGenerator interface {
	UserTier() UserTier
}

// GeneratorConfig carries everything the factory needs to build a backend.
type GeneratorConfig struct {
	AuthType AuthType
	Model    string
	Proxy    string // optional SOCKS5/HTTP proxy address

	// Gemini native / Vertex
	APIKey   string
	Project  string
	Location string

	// OpenRouter
	OpenRouterKey string
	AppTitle      string
	AppReferer    string

	// Anthropic
	AnthropicKey string

	// Code assist
	TokenFile string
}

const defaultHTTPTimeout = 10 * time.Minute

// newHTTPClient builds the shared HTTP client, honoring the configured
// proxy. Backend requests carry no implicit timeout beyond this transport
// ceiling; cancellation comes from the caller's context.
func newHTTPClient(proxyAddr string) (*http.Client, error) {
	client := &http.Client{Timeout: defaultHTTPTimeout}
	if proxyAddr == "" {
		return client, nil
	}
	u, err := url.Parse(proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("parse proxy address: %w", err)
	}
	switch u.Scheme {
	case "socks5":
		dialer, err := proxy.SOCKS5("tcp", u.Host, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy: %w", err)
		}
		client.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	default:
		client.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
	}
	return client, nil
}

// NewContentGenerator builds the backend selected by cfg.AuthType,
// falling back to environment variables for credentials the config
// leaves empty.
func NewContentGenerator(ctx context.Context, cfg GeneratorConfig) (ContentGenerator, error) {
	switch cfg.AuthType {
	case AuthGeminiAPIKey:
		key := firstNonEmpty(cfg.APIKey, os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY"))
		if key == "" {
			return nil, fmt.Errorf("gemini API key not configured. Set GEMINI_API_KEY or add it to config")
		}
		return NewGeminiGenerator(key, "", "", cfg.Model)
	case AuthVertexAI:
		project := firstNonEmpty(cfg.Project, os.Getenv("GOOGLE_CLOUD_PROJECT"))
		location := firstNonEmpty(cfg.Location, os.Getenv("GOOGLE_CLOUD_LOCATION"))
		if project == "" || location == "" {
			return nil, fmt.Errorf("vertex auth requires GOOGLE_CLOUD_PROJECT and GOOGLE_CLOUD_LOCATION")
		}
		return NewGeminiGenerator("", project, location, cfg.Model)
	case AuthCodeAssist:
		return NewCodeAssistGenerator(ctx, cfg.TokenFile, cfg.Model, cfg.Proxy)
	case AuthOpenRouter:
		key := firstNonEmpty(cfg.OpenRouterKey, os.Getenv("OPENROUTER_API_KEY"))
		if key == "" {
			return nil, fmt.Errorf("openrouter API key not configured. Set OPENROUTER_API_KEY or add it to config")
		}
		return NewOpenRouterGenerator(key, cfg.Model, cfg.AppTitle, cfg.AppReferer, cfg.Proxy)
	case AuthAnthropic:
		key := firstNonEmpty(cfg.AnthropicKey, os.Getenv("ANTHROPIC_API_KEY"))
		if key == "" {
			return nil, fmt.Errorf("anthropic API key not configured. Set ANTHROPIC_API_KEY or add it to config")
		}
		return NewAnthropicGenerator(key, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown auth type: %s", cfg.AuthType)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
