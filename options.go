package llmguard

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/aicsynergy/llmguard/internal/httputil"
	"github.com/aicsynergy/llmguard/internal/tokenizer"
	"github.com/aicsynergy/llmguard/pkg/provider"
	"github.com/aicsynergy/llmguard/providers/openai"
)

// TokenEstimator returns the number of tokens to reserve for a request.
type TokenEstimator = tokenizer.Estimator

// ClientConfig holds all configuration for the Client.
type ClientConfig struct {
	// APIKey is a literal key or a reference such as env://OPENAI_API_KEY.
	APIKey       string
	BaseEndpoint string
	Model        string
	Headers      map[string]string

	// Generation
	Temperature     float64
	MaxOutputTokens int
	// StrictJSON requests schema-conformant output; otherwise plain JSON mode.
	StrictJSON bool

	// Retries
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// RetryBudgetPerSecond caps retries across all calls; zero disables it.
	RetryBudgetPerSecond float64
	RetryBudgetBurst     int

	// Budgets. RequestsPerWindow and TokensPerWindow have no defaults.
	RequestsPerWindow int64
	TokensPerWindow   int64
	Window            time.Duration
	CapacityTimeout   time.Duration
	BudgetStore       BudgetStore
	// BudgetPollInterval bounds how long a blocked waiter sleeps before
	// checking a shared store again. Zero waits for the window boundary.
	BudgetPollInterval time.Duration

	// Timeouts
	OperationTimeout time.Duration
	HTTPTimeout      time.Duration
	MaxResponseBytes int64
	HealthCacheTTL   time.Duration

	// Collaborators
	Logger         *slog.Logger
	Tracer         trace.Tracer
	Meter          metric.Meter
	Registerer     prometheus.Registerer
	MetricsLabels  prometheus.Labels
	LatencyWindow  int
	HTTPClient     *http.Client
	Provider       provider.Provider
	TokenEstimator TokenEstimator
	Observers      []Observer
	SecretResolver SecretResolver
}

// Option is a function that configures the Client.
type Option func(*ClientConfig)

// defaultConfig returns sensible defaults.
func defaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseEndpoint:     openai.DefaultBaseURL,
		Model:            "gpt-4o-mini",
		Temperature:      0.2,
		MaxOutputTokens:  1024,
		StrictJSON:       true,
		MaxRetries:       3,
		BaseDelay:        time.Second,
		MaxDelay:         10 * time.Second,
		Window:           time.Minute,
		CapacityTimeout:  30 * time.Second,
		OperationTimeout: 2 * time.Minute,
		HTTPTimeout:      60 * time.Second,
		MaxResponseBytes: httputil.DefaultMaxResponseBytes,
		HealthCacheTTL:   15 * time.Second,
		Logger:           slog.Default(),
		TokenEstimator:   tokenizer.EstimateRequest,
	}
}

// Validate checks the configuration for errors.
func (c *ClientConfig) Validate() error {
	if c.Provider == nil {
		if c.APIKey == "" {
			return fmt.Errorf("api key is required")
		}
		if err := provider.ValidateBaseURL(c.BaseEndpoint); err != nil {
			return err
		}
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be within [0, 2], got %v", c.Temperature)
	}
	if c.MaxOutputTokens < 0 {
		return fmt.Errorf("max output tokens cannot be negative, got %d", c.MaxOutputTokens)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got %d", c.MaxRetries)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive, got %s", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max delay %s must not be below base delay %s", c.MaxDelay, c.BaseDelay)
	}
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("requests per window is required and must be positive")
	}
	if c.TokensPerWindow <= 0 {
		return fmt.Errorf("tokens per window is required and must be positive")
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	if c.CapacityTimeout <= 0 {
		return fmt.Errorf("capacity timeout must be positive, got %s", c.CapacityTimeout)
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("operation timeout must be positive, got %s", c.OperationTimeout)
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("http timeout cannot be negative")
	}
	return nil
}

// WithAPIKey sets the provider API key. References such as
// env://OPENAI_API_KEY or vault://secret/data/llm#api_key are resolved
// when the client is built.
func WithAPIKey(key string) Option {
	return func(c *ClientConfig) {
		c.APIKey = key
	}
}

// WithBaseEndpoint sets the provider base URL, e.g. https://api.openai.com/v1.
func WithBaseEndpoint(url string) Option {
	return func(c *ClientConfig) {
		c.BaseEndpoint = url
	}
}

// WithModel sets the model used for every operation.
func WithModel(model string) Option {
	return func(c *ClientConfig) {
		c.Model = model
	}
}

// WithHeader adds a header sent with every provider request.
func WithHeader(key, value string) Option {
	return func(c *ClientConfig) {
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		c.Headers[key] = value
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *ClientConfig) {
		c.Temperature = t
	}
}

// WithMaxOutputTokens sets the output allowance per call. It is reserved
// from the token budget up front.
func WithMaxOutputTokens(n int) Option {
	return func(c *ClientConfig) {
		c.MaxOutputTokens = n
	}
}

// WithStrictJSON toggles schema-constrained output.
func WithStrictJSON(strict bool) Option {
	return func(c *ClientConfig) {
		c.StrictJSON = strict
	}
}

// WithRetry configures the retry policy.
// maxRetries: retries after the first attempt (0 = no retries)
// base, max: exponential backoff start and cap
func WithRetry(maxRetries int, base, max time.Duration) Option {
	return func(c *ClientConfig) {
		c.MaxRetries = maxRetries
		c.BaseDelay = base
		c.MaxDelay = max
	}
}

// WithRetryBudget caps retries shared by all calls of the client.
func WithRetryBudget(perSecond float64, burst int) Option {
	return func(c *ClientConfig) {
		c.RetryBudgetPerSecond = perSecond
		c.RetryBudgetBurst = burst
	}
}

// WithBudget sets the request and token ceilings per window.
func WithBudget(requests, tokens int64, window time.Duration) Option {
	return func(c *ClientConfig) {
		c.RequestsPerWindow = requests
		c.TokensPerWindow = tokens
		c.Window = window
	}
}

// WithCapacityTimeout bounds how long a call waits for budget.
func WithCapacityTimeout(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.CapacityTimeout = d
	}
}

// WithBudgetStore shares the budget through store, e.g. a Redis store used
// by several processes. pollInterval bounds how stale a waiter's view of the
// shared counters may get.
func WithBudgetStore(store BudgetStore, pollInterval time.Duration) Option {
	return func(c *ClientConfig) {
		c.BudgetStore = store
		c.BudgetPollInterval = pollInterval
	}
}

// WithOperationTimeout sets the deadline applied when the caller's context
// has none.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.OperationTimeout = d
	}
}

// WithHTTPTimeout bounds a single provider attempt.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.HTTPTimeout = d
	}
}

// WithHTTPClient replaces the HTTP client used for provider calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *ClientConfig) {
		c.HTTPClient = client
	}
}

// WithMaxResponseBytes caps provider response bodies.
func WithMaxResponseBytes(n int64) Option {
	return func(c *ClientConfig) {
		c.MaxResponseBytes = n
	}
}

// WithHealthCacheTTL sets how long TestConnection reuses its last answer.
func WithHealthCacheTTL(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.HealthCacheTTL = d
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ClientConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithTracer sets the tracer for operation spans. The global tracer
// provider is used otherwise.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *ClientConfig) {
		c.Tracer = tracer
	}
}

// WithMeter mirrors operation metrics into an OpenTelemetry meter.
func WithMeter(meter metric.Meter) Option {
	return func(c *ClientConfig) {
		c.Meter = meter
	}
}

// WithPrometheus registers operation, budget and collector metrics on reg.
func WithPrometheus(reg prometheus.Registerer, constLabels prometheus.Labels) Option {
	return func(c *ClientConfig) {
		c.Registerer = reg
		c.MetricsLabels = constLabels
	}
}

// WithLatencyWindow sets how many recent latencies feed p50/p95.
func WithLatencyWindow(n int) Option {
	return func(c *ClientConfig) {
		c.LatencyWindow = n
	}
}

// WithProvider uses a custom provider adapter instead of the built-in
// OpenAI-compatible one. APIKey and BaseEndpoint are then ignored.
func WithProvider(p Provider) Option {
	return func(c *ClientConfig) {
		c.Provider = p
	}
}

// WithTokenEstimator replaces the cost heuristic.
func WithTokenEstimator(estimate TokenEstimator) Option {
	return func(c *ClientConfig) {
		if estimate != nil {
			c.TokenEstimator = estimate
		}
	}
}

// WithObserver registers an observer for lifecycle events.
func WithObserver(o Observer) Option {
	return func(c *ClientConfig) {
		if o != nil {
			c.Observers = append(c.Observers, o)
		}
	}
}

// WithSecretResolver resolves the API key reference. By default only
// env:// references are understood.
func WithSecretResolver(r SecretResolver) Option {
	return func(c *ClientConfig) {
		c.SecretResolver = r
	}
}
