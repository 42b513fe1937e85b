// Package openai implements the provider adapter for OpenAI-compatible
// chat completion endpoints.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/aicsynergy/llmguard/internal/httputil"
	"github.com/aicsynergy/llmguard/pkg/errors"
	"github.com/aicsynergy/llmguard/pkg/provider"
	"github.com/aicsynergy/llmguard/pkg/types"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// Provider implements the OpenAI API adapter.
type Provider struct {
	apiKey  string
	baseURL string
	model   string
	headers map[string]string
	now     func() time.Time
}

// New creates a new OpenAI provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: DefaultBaseURL,
		headers: make(map[string]string),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromConfig creates a provider from a Config struct.
func NewFromConfig(cfg provider.Config) (provider.Provider, error) {
	if cfg.BaseURL != "" {
		if err := provider.ValidateBaseURL(cfg.BaseURL); err != nil {
			return nil, err
		}
	}
	p := New(
		WithAPIKey(cfg.APIKey),
		WithBaseURL(cfg.BaseURL),
		WithModel(cfg.Model),
	)
	for k, v := range cfg.Headers {
		p.headers[k] = v
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return ProviderName
}

// BuildRequest creates an HTTP request for the chat completions endpoint.
func (p *Provider) BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	if req.Model == "" {
		withModel := *req
		withModel.Model = p.model
		req = &withModel
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/chat/completions"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	p.authorize(httpReq)
	return httpReq, nil
}

// ProbeRequest lists models, which validates the key without generating tokens.
func (p *Provider) ProbeRequest(ctx context.Context) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/models"), nil)
	if err != nil {
		return nil, fmt.Errorf("create probe request: %w", err)
	}
	p.authorize(httpReq)
	return httpReq, nil
}

// ParseResponse decodes a chat completion body.
func (p *Provider) ParseResponse(body []byte) (*types.ChatResponse, error) {
	var chatResp types.ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &chatResp, nil
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// MapError converts an OpenAI error response to an *errors.LLMError.
func (p *Provider) MapError(statusCode int, header http.Header, body []byte) error {
	var env errorEnvelope
	message := http.StatusText(statusCode)
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		message = env.Error.Message
	}
	code := ""
	if s, ok := env.Error.Code.(string); ok {
		code = s
	}

	var mapped *errors.LLMError
	switch {
	case statusCode == http.StatusUnauthorized:
		mapped = errors.NewAuthenticationError(ProviderName, p.model, message)
	case statusCode == http.StatusForbidden:
		mapped = errors.NewPermissionError(ProviderName, p.model, message)
	case statusCode == http.StatusTooManyRequests:
		if code == errors.TypeInsufficientQuota || env.Error.Type == errors.TypeInsufficientQuota {
			mapped = errors.NewInsufficientQuotaError(ProviderName, p.model, message)
		} else {
			mapped = errors.NewRateLimitError(ProviderName, p.model, message, httputil.RetryAfter(header, p.now()))
		}
	case statusCode == http.StatusNotFound:
		mapped = errors.NewNotFoundError(ProviderName, p.model, message)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		mapped = errors.NewTimeoutError(ProviderName, p.model, message)
	case statusCode == http.StatusBadGateway || statusCode == http.StatusServiceUnavailable:
		mapped = errors.NewServiceUnavailableError(ProviderName, p.model, message)
		mapped.RetryAfter = httputil.RetryAfter(header, p.now())
	case statusCode >= 500:
		mapped = errors.NewInternalError(ProviderName, p.model, message)
	case code == errors.TypeContextLength:
		mapped = errors.NewContextLengthError(ProviderName, p.model, message)
	case code == errors.TypeContentPolicy || code == "content_filter" || env.Error.Type == errors.TypeContentPolicy:
		mapped = errors.NewContentPolicyError(ProviderName, p.model, message)
	default:
		mapped = errors.NewInvalidRequestError(ProviderName, p.model, message)
		mapped.StatusCode = statusCode
	}
	mapped.Code = code
	return mapped
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimSuffix(p.baseURL, "/") + path
}

func (p *Provider) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
}
