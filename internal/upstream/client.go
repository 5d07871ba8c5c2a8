// Package upstream is the thin HTTP client for the Upstream backend: the
// device-code/token-exchange handshake, model listing, chat/messages
// dispatch (translated and native surfaces), embeddings, and usage.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"

	"github.com/roelfdiedericks/duoproxy/internal/config"
	"github.com/roelfdiedericks/duoproxy/internal/models"
	"github.com/roelfdiedericks/duoproxy/internal/protocol"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

// TokenSource is read at the start of every upstream call, per the
// concurrency model's "short-lived token slot" discipline: callers never
// cache the bearer themselves.
type TokenSource interface {
	CurrentShortToken() string
}

// Client is the low-level Upstream surface. One instance is shared by the
// whole process; its SDK sub-clients are built afresh on every call from
// the current short-lived token.
type Client struct {
	cfg    config.UpstreamConfig
	tokens TokenSource
	http   *http.Client
}

// New builds a Client against cfg, reading the bearer from tokens on every
// call rather than caching it.
func New(cfg config.UpstreamConfig, tokens TokenSource) *Client {
	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		http:   &http.Client{Timeout: timeout},
	}
}

// UseProxyFromEnv rebuilds the client's transport to select a per-origin
// proxy from HTTP_PROXY/HTTPS_PROXY/NO_PROXY, per the proxy-from-env
// CLI flag.
func (c *Client) UseProxyFromEnv() {
	c.http.Transport = &http.Transport{Proxy: http.ProxyFromEnvironment}
}

// headerInjectingTransport sets X-Initiator and the vision capability
// header from values stashed on the request context by
// withUpstreamHeaders, since go-openai exposes no per-call header hook; it
// is installed only on the go-openai client (the anthropic client sets
// these headers through option.WithHeader).
type headerInjectingTransport struct {
	base http.RoundTripper
}

func (t *headerInjectingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if hdrs, ok := req.Context().Value(upstreamHeaderCtxKey{}).(upstreamHeaders); ok {
		req.Header.Set("X-Initiator", hdrs.initiator)
		if hdrs.vision {
			req.Header.Set(visionCapabilityHeader, "true")
		}
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func (c *Client) openaiClient() *openai.Client {
	cfg := openai.DefaultConfig(c.tokens.CurrentShortToken())
	cfg.BaseURL = c.cfg.APIBaseURL
	cfg.HTTPClient = &http.Client{
		Timeout:   c.http.Timeout,
		Transport: &headerInjectingTransport{base: c.http.Transport},
	}
	return openai.NewClientWithConfig(cfg)
}

func (c *Client) anthropicClient() anthropic.Client {
	return anthropic.NewClient(
		option.WithAPIKey(c.tokens.CurrentShortToken()),
		option.WithBaseURL(c.cfg.APIBaseURL),
		option.WithHTTPClient(c.http),
	)
}

// initiatorFor implements §4.B's X-Initiator rule: "agent" if any message
// role is assistant or tool, else "user".
func initiatorFor(messages []protocol.Message) string {
	for _, m := range messages {
		if m.Role == protocol.RoleAssistant || m.Role == protocol.RoleTool {
			return "agent"
		}
	}
	return "user"
}

// hasVision reports whether any message carries an image content part, used
// to decide whether the vision capability header is set.
func hasVision(messages []protocol.Message) bool {
	for _, m := range messages {
		for _, p := range m.Parts {
			if p.Kind == protocol.PartImage {
				return true
			}
		}
	}
	return false
}

func readErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return string(body)
}

// ListModels fetches the raw model catalog from Upstream's models endpoint
// and adapts it into the process-wide descriptor shape.
func (c *Client) ListModels(ctx context.Context) ([]*models.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIBaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: build models request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.tokens.CurrentShortToken())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &protocol.UpstreamError{StatusCode: resp.StatusCode, BodyText: readErrorBody(resp)}
	}

	var raw modelsCatalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("upstream: decode models response: %w", err)
	}

	out := make([]*models.Model, 0, len(raw.Data))
	for _, m := range raw.Data {
		out = append(out, m.toModel())
	}
	L_info("upstream: models listed", "count", len(out))
	return out, nil
}

// modelsCatalogResponse is the Upstream models endpoint's wire shape.
type modelsCatalogResponse struct {
	Data []modelCatalogEntry `json:"data"`
}

type modelCatalogEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Vendor      string `json:"vendor"`
	Preview     bool   `json:"preview"`
	Capabilities struct {
		Tokenizer string `json:"tokenizer"`
		Limits    struct {
			MaxPromptTokens  int `json:"max_prompt_tokens"`
			MaxOutputTokens  int `json:"max_output_tokens"`
			MaxContextWindow int `json:"max_context_window_tokens"`
		} `json:"limits"`
		Supports struct {
			ToolCalls         bool `json:"tool_calls"`
			ParallelToolCalls bool `json:"parallel_tool_calls"`
			Vision            bool `json:"vision"`
		} `json:"supports"`
	} `json:"capabilities"`
}

func (e modelCatalogEntry) toModel() *models.Model {
	tokenizerName := e.Capabilities.Tokenizer
	if tokenizerName == "" {
		tokenizerName = models.DefaultTokenizerName
	}
	vendor := models.VendorOf(e.ID)
	if e.Vendor == "anthropic" {
		vendor = models.VendorAnthropic
	} else if e.Vendor == "openai" {
		vendor = models.VendorOpenAI
	}
	return &models.Model{
		ID:          e.ID,
		Vendor:      vendor,
		DisplayName: e.Name,
		Capabilities: models.Capabilities{
			TokenizerName:              tokenizerName,
			MaxPromptTokens:            e.Capabilities.Limits.MaxPromptTokens,
			MaxOutputTokens:            e.Capabilities.Limits.MaxOutputTokens,
			MaxContextWindowTokens:     e.Capabilities.Limits.MaxContextWindow,
			SupportsToolCalls:          e.Capabilities.Supports.ToolCalls,
			SupportsParallelToolCalls:  e.Capabilities.Supports.ParallelToolCalls,
			SupportsVision:             e.Capabilities.Supports.Vision,
			IsPreview:                  e.Preview,
		},
	}
}

// Usage fetches the raw usage JSON Upstream reports for the current account.
func (c *Client) Usage(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIBaseURL+"/usage", nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.tokens.CurrentShortToken())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: usage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &protocol.UpstreamError{StatusCode: resp.StatusCode, BodyText: readErrorBody(resp)}
	}

	return io.ReadAll(resp.Body)
}
