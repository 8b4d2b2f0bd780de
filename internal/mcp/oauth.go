package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// wwwAuthenticatePatterns extract the challenge header from transport
// error text, in priority order: exact case first, then quoted and
// case-insensitive variants.
var wwwAuthenticatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`www-authenticate:\s*([^\n\r]+)`),
	regexp.MustCompile(`WWW-Authenticate:\s*([^\n\r]+)`),
	regexp.MustCompile(`"www-authenticate"\s*:\s*"([^"]+)"`),
	regexp.MustCompile(`(?i)www-authenticate[:=]\s*([^\n\r]+)`),
}

// extractWWWAuthenticate pulls a WWW-Authenticate value out of an error
// string, if present.
func extractWWWAuthenticate(errText string) string {
	for _, re := range wwwAuthenticatePatterns {
		if m := re.FindStringSubmatch(errText); len(m) > 1 {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

var resourceMetadataPattern = regexp.MustCompile(`resource_metadata="([^"]+)"`)

// parseResourceMetadataURI extracts the resource_metadata URI from a
// WWW-Authenticate challenge.
func parseResourceMetadataURI(header string) string {
	if m := resourceMetadataPattern.FindStringSubmatch(header); len(m) > 1 {
		return m[1]
	}
	return ""
}

// isAuthChallenge reports whether a connect error looks like an HTTP
// 401/403 bearing an auth challenge.
func isAuthChallenge(err error) bool {
	if err == nil {
		return false
	}
	text := err.Error()
	if !strings.Contains(text, "401") && !strings.Contains(text, "403") {
		return false
	}
	return extractWWWAuthenticate(text) != "" ||
		strings.Contains(strings.ToLower(text), "unauthorized") ||
		strings.Contains(strings.ToLower(text), "forbidden")
}

// authServerMetadata is the subset of RFC 8414 metadata the flow needs.
type authServerMetadata struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

type protectedResourceMetadata struct {
	AuthorizationServers []string `json:"authorization_servers"`
}

// discoverOAuthConfig resolves the authorization server for serverURL.
// The resource_metadata URI from the challenge is consulted first; when
// absent or unusable, well-known paths under the server's base URL are
// probed directly.
func discoverOAuthConfig(ctx context.Context, client *http.Client, serverURL, wwwAuthenticate string) (*authServerMetadata, error) {
	if metaURI := parseResourceMetadataURI(wwwAuthenticate); metaURI != "" {
		if meta, err := fetchViaResourceMetadata(ctx, client, metaURI); err == nil {
			return meta, nil
		}
	}

	base, err := baseURLOf(serverURL)
	if err != nil {
		return nil, err
	}
	if meta, err := fetchViaResourceMetadata(ctx, client, base+"/.well-known/oauth-protected-resource"); err == nil {
		return meta, nil
	}
	meta, err := fetchAuthServerMetadata(ctx, client, base+"/.well-known/oauth-authorization-server")
	if err != nil {
		return nil, fmt.Errorf("no OAuth metadata discoverable for %s: %w", serverURL, err)
	}
	return meta, nil
}

func fetchViaResourceMetadata(ctx context.Context, client *http.Client, uri string) (*authServerMetadata, error) {
	var resource protectedResourceMetadata
	if err := fetchJSON(ctx, client, uri, &resource); err != nil {
		return nil, err
	}
	if len(resource.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("resource metadata at %s lists no authorization servers", uri)
	}
	authBase := strings.TrimSuffix(resource.AuthorizationServers[0], "/")
	return fetchAuthServerMetadata(ctx, client, authBase+"/.well-known/oauth-authorization-server")
}

func fetchAuthServerMetadata(ctx context.Context, client *http.Client, uri string) (*authServerMetadata, error) {
	var meta authServerMetadata
	if err := fetchJSON(ctx, client, uri, &meta); err != nil {
		return nil, err
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("incomplete OAuth metadata at %s", uri)
	}
	return &meta, nil
}

func fetchJSON(ctx context.Context, client *http.Client, uri string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", uri, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", uri, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func baseURLOf(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Authenticator runs the authorization-code flow and persists tokens per
// server under the token directory.
type Authenticator struct {
	tokenDir string
	client   *http.Client

	// openURL presents the authorization URL to the user. Defaults to
	// printing it; the UI layer may replace it with a browser launcher.
	openURL func(url string)
}

// NewAuthenticator creates an authenticator storing tokens in tokenDir.
func NewAuthenticator(tokenDir string) *Authenticator {
	return &Authenticator{
		tokenDir: tokenDir,
		client:   &http.Client{Timeout: 30 * time.Second},
		openURL: func(u string) {
			fmt.Fprintf(os.Stderr, "Open this URL to authorize: %s\n", u)
		},
	}
}

func (a *Authenticator) tokenFile(serverName string) string {
	return filepath.Join(a.tokenDir, serverName+".json")
}

// CachedToken returns the persisted token for a server, if any.
func (a *Authenticator) CachedToken(serverName string) *oauth2.Token {
	data, err := os.ReadFile(a.tokenFile(serverName))
	if err != nil {
		return nil
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil
	}
	return &token
}

func (a *Authenticator) saveToken(serverName string, token *oauth2.Token) error {
	if err := os.MkdirAll(a.tokenDir, 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return os.WriteFile(a.tokenFile(serverName), data, 0o600)
}

// Authorize runs the authorization-code flow against the discovered
// endpoints and persists the resulting token. It blocks until the
// loopback redirect arrives or ctx is cancelled.
func (a *Authenticator) Authorize(ctx context.Context, serverName string, cfg OAuthConfig, meta *authServerMetadata) (*oauth2.Token, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("start redirect listener: %w", err)
	}
	defer listener.Close()

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "codeloop"
	}
	conf := &oauth2.Config{
		ClientID: clientID,
		Scopes:   cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  meta.AuthorizationEndpoint,
			TokenURL: meta.TokenEndpoint,
		},
		RedirectURL: fmt.Sprintf("http://%s/callback", listener.Addr().String()),
	}

	state := randomState()
	verifier := oauth2.GenerateVerifier()
	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
	a.openURL(authURL)

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/callback" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("state"); got != state {
			errCh <- fmt.Errorf("state mismatch in OAuth redirect")
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			errCh <- fmt.Errorf("OAuth redirect carried no code: %s", r.URL.Query().Get("error"))
			http.Error(w, "authorization failed", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "Authentication complete. You can close this tab.")
		codeCh <- code
	})}
	go server.Serve(listener)
	defer server.Close()

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, a.client)
	token, err := conf.Exchange(tokenCtx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if err := a.saveToken(serverName, token); err != nil {
		return nil, fmt.Errorf("persist OAuth token: %w", err)
	}
	return token, nil
}

func randomState() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
