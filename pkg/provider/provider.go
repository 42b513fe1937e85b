// Package provider defines the interface an LLM provider adapter implements.
// The client owns transport, retries and budgets; an adapter only translates
// between the unified types and the provider's HTTP API.
package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/aicsynergy/llmguard/pkg/types"
)

// Provider translates unified requests into provider HTTP calls and back.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai").
	Name() string

	// BuildRequest turns a ChatRequest into a ready-to-send HTTP request.
	BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error)

	// ParseResponse decodes a successful (2xx) response body.
	ParseResponse(body []byte) (*types.ChatResponse, error)

	// MapError converts a non-2xx response into an *errors.LLMError.
	MapError(statusCode int, header http.Header, body []byte) error

	// ProbeRequest builds a request that checks reachability and credentials
	// without consuming model tokens.
	ProbeRequest(ctx context.Context) (*http.Request, error)
}

// Config contains provider configuration.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Headers map[string]string
	Timeout time.Duration
}

// Factory creates provider instances from configuration.
type Factory func(cfg Config) (Provider, error)
