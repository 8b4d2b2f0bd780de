package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	codeAssistEndpoint   = "https://cloudcode-pa.googleapis.com"
	codeAssistAPIVersion = "v1internal"

	// Public installed-app client for the code-assist surface.
	codeAssistClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	codeAssistClientSecret = "d-FL95Q19q7MQmFpd7hHD0Ty"

	tokenExpiryBuffer = 5 * time.Minute
)

var codeAssistScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// CodeAssistGenerator drives the OAuth'd code-assist endpoint. Token
// acquisition happens out of band (the auth dialog owns the browser
// flow); this backend loads the cached token, refreshes it as needed and
// persists refreshes back to disk.
type CodeAssistGenerator struct {
	model     string
	project   string
	tokenFile string
	source    oauth2.TokenSource
	client    *http.Client
	tier      UserTier
}

type cachedToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiryDate   int64  `json:"expiry_date"`
}

// NewCodeAssistGenerator loads OAuth credentials from tokenFile and
// builds the backend. Fails if no usable token is cached.
func NewCodeAssistGenerator(ctx context.Context, tokenFile, model, proxyAddr string) (*CodeAssistGenerator, error) {
	data, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("no cached OAuth credentials at %s: %w (run the auth flow first)", tokenFile, err)
	}
	var cached cachedToken
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("parse cached OAuth credentials: %w", err)
	}
	if cached.RefreshToken == "" && cached.AccessToken == "" {
		return nil, fmt.Errorf("cached OAuth credentials are empty")
	}

	conf := &oauth2.Config{
		ClientID:     codeAssistClientID,
		ClientSecret: codeAssistClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       codeAssistScopes,
	}
	token := &oauth2.Token{
		AccessToken:  cached.AccessToken,
		RefreshToken: cached.RefreshToken,
		Expiry:       time.UnixMilli(cached.ExpiryDate).Add(-tokenExpiryBuffer),
	}
	base, err := newHTTPClient(proxyAddr)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	source := &savingTokenSource{
		inner: oauth2.ReuseTokenSource(token, conf.TokenSource(ctx, token)),
		file:  tokenFile,
	}
	if model == "" {
		model = DefaultModel
	}
	return &CodeAssistGenerator{
		model:     model,
		tokenFile: tokenFile,
		source:    source,
		client:    base,
		tier:      TierFree,
	}, nil
}

func (g *CodeAssistGenerator) Name() string {
	return fmt.Sprintf("CodeAssist (%s)", g.model)
}

// UserTier reports the plan tier discovered at load time.
func (g *CodeAssistGenerator) UserTier() UserTier { return g.tier }

// savingTokenSource persists refreshed tokens back to the cache file so
// the next process start skips the refresh round-trip.
type savingTokenSource struct {
	inner oauth2.TokenSource
	file  string
	last  string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.inner.Token()
	if err != nil {
		return nil, err
	}
	if token.AccessToken != s.last {
		s.last = token.AccessToken
		cached := cachedToken{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			ExpiryDate:   token.Expiry.UnixMilli(),
		}
		if data, err := json.Marshal(cached); err == nil {
			_ = os.MkdirAll(filepath.Dir(s.file), 0o700)
			_ = os.WriteFile(s.file, data, 0o600)
		}
	}
	return token, nil
}

// Wire shape: the code-assist surface nests a native-style request and
// response under an envelope that also carries the cloud project.
type caRequestEnvelope struct {
	Model   string         `json:"model"`
	Project string         `json:"project,omitempty"`
	Request caInnerRequest `json:"request"`
}

type caInnerRequest struct {
	Contents          []Message    `json:"contents"`
	SystemInstruction *Message     `json:"systemInstruction,omitempty"`
	Tools             []Tool       `json:"tools,omitempty"`
	GenerationConfig  *caGenConfig `json:"generationConfig,omitempty"`
}

type caGenConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	TopP            float32 `json:"topP,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type caResponseEnvelope struct {
	Response *Response `json:"response,omitempty"`
}

func (g *CodeAssistGenerator) buildEnvelope(req Request) caRequestEnvelope {
	inner := caInnerRequest{
		Contents: req.Messages,
		Tools:    req.Tools,
	}
	if req.SystemInstruction != nil {
		inner.SystemInstruction = req.SystemInstruction
	}
	if req.Config != (GenerationConfig{}) {
		inner.GenerationConfig = &caGenConfig{
			Temperature:     req.Config.Temperature,
			TopP:            req.Config.TopP,
			MaxOutputTokens: req.Config.MaxOutputTokens,
		}
	}
	return caRequestEnvelope{
		Model:   chooseModel(req.Model, g.model),
		Project: g.project,
		Request: inner,
	}
}

func (g *CodeAssistGenerator) doRequest(ctx context.Context, method string, stream bool, body any) (*http.Response, error) {
	token, err := g.source.Token()
	if err != nil {
		return nil, NewAPIError(http.StatusUnauthorized, "OAuth token refresh failed", err)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/%s:%s", codeAssistEndpoint, codeAssistAPIVersion, method)
	if stream {
		url += "?alt=sse"
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, NewAPIError(0, "request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, NewAPIError(resp.StatusCode, strings.TrimSpace(string(respBody)), nil)
	}
	return resp, nil
}

func (g *CodeAssistGenerator) Generate(ctx context.Context, req Request, promptID string) (*Response, error) {
	resp, err := g.doRequest(ctx, "generateContent", false, g.buildEnvelope(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewAPIError(0, "read response body", err)
	}
	var envelope caResponseEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, NewAPIError(0, fmt.Sprintf("malformed response: %v", err), err)
	}
	if envelope.Response == nil {
		return &Response{}, nil
	}
	return envelope.Response, nil
}

func (g *CodeAssistGenerator) GenerateStream(ctx context.Context, req Request, promptID string) (Stream, error) {
	resp, err := g.doRequest(ctx, "streamGenerateContent", true, g.buildEnvelope(req))
	if err != nil {
		return nil, err
	}
	return newResponseStream(ctx, func(ctx context.Context, out chan<- *Response) error {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var envelope caResponseEnvelope
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &envelope); err != nil {
				continue
			}
			if envelope.Response != nil {
				out <- envelope.Response
			}
		}
		if err := scanner.Err(); err != nil {
			return NewAPIError(0, "streaming read failed", err)
		}
		return nil
	}), nil
}

func (g *CodeAssistGenerator) CountTokens(ctx context.Context, req Request) (int, error) {
	body := struct {
		Request struct {
			Model    string    `json:"model"`
			Contents []Message `json:"contents"`
		} `json:"request"`
	}{}
	body.Request.Model = chooseModel(req.Model, g.model)
	body.Request.Contents = req.Messages

	resp, err := g.doRequest(ctx, "countTokens", false, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var result struct {
		TotalTokens int `json:"totalTokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, NewAPIError(0, "malformed count response", err)
	}
	return result.TotalTokens, nil
}

func (g *CodeAssistGenerator) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, ErrEmbeddingUnsupported
}
