package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractWWWAuthenticate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"lowercase header",
			`request failed: 401 Unauthorized, www-authenticate: Bearer resource_metadata="https://x/.well-known/oauth"`,
			`Bearer resource_metadata="https://x/.well-known/oauth"`,
		},
		{
			"canonical header",
			"connect: 401\nWWW-Authenticate: Bearer realm=\"mcp\"",
			`Bearer realm="mcp"`,
		},
		{
			"quoted json variant",
			`{"status":401,"www-authenticate":"Bearer realm=mcp"}`,
			`Bearer realm=mcp`,
		},
		{"absent", "plain 500 error", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractWWWAuthenticate(tt.in); got != tt.want {
				t.Errorf("extractWWWAuthenticate(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseResourceMetadataURI(t *testing.T) {
	header := `Bearer resource_metadata="https://server.example/.well-known/oauth-protected-resource"`
	if got := parseResourceMetadataURI(header); got != "https://server.example/.well-known/oauth-protected-resource" {
		t.Errorf("got %q", got)
	}
	if got := parseResourceMetadataURI("Bearer realm=x"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestIsAuthChallenge(t *testing.T) {
	if !isAuthChallenge(errors.New(`POST failed: 401 Unauthorized, WWW-Authenticate: Bearer`)) {
		t.Error("401 with challenge header should be a challenge")
	}
	if !isAuthChallenge(errors.New("server said 403 forbidden")) {
		t.Error("403 forbidden text should be a challenge")
	}
	if isAuthChallenge(errors.New("500 internal error")) {
		t.Error("500 is not a challenge")
	}
	if isAuthChallenge(nil) {
		t.Error("nil error is not a challenge")
	}
}

func TestDiscoverOAuthConfigViaResourceMetadata(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"authorization_servers": []string{server.URL},
		})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"authorization_endpoint": server.URL + "/authorize",
			"token_endpoint":         server.URL + "/token",
		})
	})

	header := `Bearer resource_metadata="` + server.URL + `/.well-known/oauth-protected-resource"`
	meta, err := discoverOAuthConfig(context.Background(), server.Client(), server.URL+"/mcp", header)
	if err != nil {
		t.Fatal(err)
	}
	if meta.AuthorizationEndpoint != server.URL+"/authorize" {
		t.Errorf("authorization endpoint = %q", meta.AuthorizationEndpoint)
	}
	if meta.TokenEndpoint != server.URL+"/token" {
		t.Errorf("token endpoint = %q", meta.TokenEndpoint)
	}
}

func TestDiscoverOAuthConfigFallsBackToBaseURL(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	// No resource metadata anywhere; only the authorization-server
	// well-known endpoint under the server's own base URL.
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"authorization_endpoint": server.URL + "/auth",
			"token_endpoint":         server.URL + "/tok",
		})
	})

	meta, err := discoverOAuthConfig(context.Background(), server.Client(), server.URL+"/mcp/stream", "Bearer realm=x")
	if err != nil {
		t.Fatal(err)
	}
	if meta.AuthorizationEndpoint != server.URL+"/auth" {
		t.Errorf("authorization endpoint = %q", meta.AuthorizationEndpoint)
	}
}

func TestDiscoverOAuthConfigNoMetadata(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := discoverOAuthConfig(context.Background(), server.Client(), server.URL, "")
	if err == nil {
		t.Error("expected discovery failure when no metadata exists")
	}
}
