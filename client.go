package llmguard

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/aicsynergy/llmguard/internal/httputil"
	"github.com/aicsynergy/llmguard/internal/metrics"
	"github.com/aicsynergy/llmguard/internal/observability"
	"github.com/aicsynergy/llmguard/internal/resilience"
	"github.com/aicsynergy/llmguard/internal/secret"
	"github.com/aicsynergy/llmguard/internal/secret/env"
	"github.com/aicsynergy/llmguard/internal/tokenizer"
	"github.com/aicsynergy/llmguard/pkg/errors"
	"github.com/aicsynergy/llmguard/pkg/provider"
	"github.com/aicsynergy/llmguard/pkg/types"
	"github.com/aicsynergy/llmguard/providers/openai"
)

const (
	healthCacheKey   = "connection"
	probeBodyLimit   = 1 << 20
	secretResolveTTL = 30 * time.Second
)

// Client governs calls to one provider. It owns its budget limiter, retrier,
// metrics collector and event notifier; two clients share nothing.
//
// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	config     *ClientConfig
	provider   provider.Provider
	httpClient *http.Client
	limiter    *resilience.BudgetLimiter
	retrier    *resilience.Retrier
	metrics    *metrics.Collector
	notifier   *observability.Notifier
	tracer     trace.Tracer
	logger     *slog.Logger
	health     *cache.Cache

	closed atomic.Bool
}

// New creates a Client. Budgets are required:
//
//	client, err := llmguard.New(
//	    llmguard.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
//	    llmguard.WithBudget(60, 90_000, time.Minute),
//	    llmguard.WithRetry(3, time.Second, 10*time.Second),
//	)
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Provider == nil && secret.IsReference(cfg.APIKey) {
		key, err := resolveAPIKey(cfg)
		if err != nil {
			return nil, fmt.Errorf("resolve api key: %w", err)
		}
		cfg.APIKey = key
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	prov := cfg.Provider
	if prov == nil {
		var err error
		prov, err = openai.NewFromConfig(provider.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseEndpoint,
			Model:   cfg.Model,
			Headers: cfg.Headers,
			Timeout: cfg.HTTPTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create provider: %w", err)
		}
	}

	limiter, err := resilience.NewBudgetLimiter(resilience.BudgetConfig{
		RequestsPerWindow: cfg.RequestsPerWindow,
		TokensPerWindow:   cfg.TokensPerWindow,
		Window:            cfg.Window,
	},
		resilience.WithBudgetStore(cfg.BudgetStore),
		resilience.WithBudgetLogger(cfg.Logger),
		resilience.WithPollInterval(cfg.BudgetPollInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("create budget limiter: %w", err)
	}

	c := &Client{
		config:   cfg,
		provider: prov,
		limiter:  limiter,
		notifier: observability.NewNotifier(cfg.Logger),
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(observability.TracerName)
	}

	retrierOpts := []resilience.RetrierOption{resilience.WithAttemptHook(c.logAttempt)}
	if cfg.RetryBudgetPerSecond > 0 {
		retrierOpts = append(retrierOpts, resilience.WithRetryBudget(cfg.RetryBudgetPerSecond, cfg.RetryBudgetBurst))
	}
	c.retrier, err = resilience.NewRetrier(resilience.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
	}, retrierOpts...)
	if err != nil {
		return nil, fmt.Errorf("create retrier: %w", err)
	}

	if c.metrics, err = c.newCollector(); err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	// Initialize HTTP client with connection pooling
	c.httpClient = cfg.HTTPClient
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: cfg.HTTPTimeout,
		}
	}

	if cfg.HealthCacheTTL > 0 {
		c.health = cache.New(cfg.HealthCacheTTL, 2*cfg.HealthCacheTTL)
	}

	for _, o := range cfg.Observers {
		c.notifier.AddObserver(o)
	}

	c.logger.Info("llmguard client initialized",
		"provider", prov.Name(),
		"model", cfg.Model,
		"requests_per_window", cfg.RequestsPerWindow,
		"tokens_per_window", cfg.TokensPerWindow,
		"window", cfg.Window,
		"max_retries", cfg.MaxRetries,
	)
	return c, nil
}

func resolveAPIKey(cfg *ClientConfig) (string, error) {
	resolver := cfg.SecretResolver
	if resolver == nil {
		m := secret.NewManager()
		m.Register("env", env.New())
		resolver = m
	}
	ctx, cancel := context.WithTimeout(context.Background(), secretResolveTTL)
	defer cancel()
	return resolver.Resolve(ctx, cfg.APIKey)
}

func (c *Client) newCollector() (*metrics.Collector, error) {
	opts := []metrics.Option{
		metrics.WithWindow(c.config.LatencyWindow),
		metrics.WithOperations(OperationGenerateAssessment, OperationAnalyzeCode, OperationGenerateUseCases),
	}

	if reg := c.config.Registerer; reg != nil {
		prom, err := metrics.NewPrometheusExporter(reg, c.config.MetricsLabels)
		if err != nil {
			return nil, err
		}
		opts = append(opts, metrics.WithExporter(prom))
		if err := metrics.RegisterBudgetGauges(reg, c.config.MetricsLabels, c.budgetGauge); err != nil {
			return nil, err
		}
	}
	if c.config.Meter != nil {
		mirror, err := metrics.NewOTelExporter(c.config.Meter)
		if err != nil {
			return nil, err
		}
		opts = append(opts, metrics.WithExporter(mirror))
	}

	collector := metrics.NewCollector(opts...)
	if reg := c.config.Registerer; reg != nil {
		if err := metrics.RegisterCollectorHealth(reg, c.config.MetricsLabels, collector); err != nil {
			return nil, err
		}
	}
	return collector, nil
}

func (c *Client) budgetGauge() (requests, tokens int64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	state, err := c.limiter.State(ctx)
	if err != nil {
		return -1, -1
	}
	return state.RequestsRemaining, state.TokensRemaining
}

func (c *Client) logAttempt(a resilience.Attempt) {
	switch a.Outcome {
	case resilience.OutcomeRetryable:
		c.logger.Warn("provider attempt failed",
			"attempt", a.Number,
			"error_kind", a.Kind,
			"retry_in", a.Delay,
			"error", a.Err,
		)
	case resilience.OutcomeTerminal:
		c.logger.Debug("provider attempt failed terminally", "attempt", a.Number, "error_kind", a.Kind)
	default:
		c.logger.Debug("provider attempt succeeded", "attempt", a.Number, "duration", a.Duration)
	}
}

// WithRequestID returns a context whose calls are tagged with requestID in
// events, spans, logs and the X-Request-ID header sent to the provider.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return observability.ContextWithRequestID(ctx, requestID)
}

// providerResult is a decoded provider answer and the bookkeeping around it.
type providerResult struct {
	content  string
	attempts int
}

// call runs one operation: admission, retried provider attempts, decoding,
// and exactly one metric sample plus started and finished events.
func call[T any](ctx context.Context, c *Client, op string, req validator, build func() *types.ChatRequest, decode func(content string) (T, error)) (result T, err error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.OperationTimeout)
		defer cancel()
	}
	ctx, requestID := observability.GetOrCreateRequestID(ctx)
	logger := observability.WithRequestID(ctx, c.logger).With("operation", op)

	start := time.Now()
	var (
		chatReq   *types.ChatRequest
		estimated int64
		attempts  int
	)
	if req != nil && req.validate() == nil {
		chatReq = build()
		estimated = c.config.TokenEstimator(chatReq)
	}

	ctx, span := observability.StartOperationSpan(ctx, c.tracer, observability.OperationSpanAttributes{
		Operation:       op,
		Provider:        c.provider.Name(),
		Model:           c.config.Model,
		RequestID:       requestID,
		MaxTokens:       c.config.MaxOutputTokens,
		EstimatedTokens: estimated,
	})
	defer span.End()

	c.notifier.Publish(ctx, observability.Event{
		Phase:           observability.PhaseStarted,
		Operation:       op,
		Timestamp:       start,
		RequestID:       requestID,
		Model:           c.config.Model,
		EstimatedTokens: estimated,
	})

	defer func() {
		d := time.Since(start)
		e := observability.Event{
			Phase:     observability.PhaseSucceeded,
			Operation: op,
			Duration:  d,
			RequestID: requestID,
			Attempts:  attempts,
			Model:     c.config.Model,
		}
		if err != nil {
			kind := string(errors.KindOf(err))
			c.metrics.RecordError(op, d, kind)
			observability.RecordError(span, err, kind)
			e.Phase = observability.PhaseFailed
			e.ErrorKind = kind
			e.Err = err
			logger.Warn("operation failed", "error_kind", kind, "attempts", attempts, "duration", d, "error", err)
		} else {
			c.metrics.RecordSuccess(op, d)
			logger.Debug("operation succeeded", "attempts", attempts, "duration", d)
		}
		c.notifier.Publish(ctx, e)
	}()

	if c.closed.Load() {
		return result, errors.New(errors.KindCanceled, op, "client closed")
	}
	if req == nil {
		return result, &errors.Error{Kind: errors.KindInvalidRequest, Op: op, Message: "request is nil"}
	}
	if verr := req.validate(); verr != nil {
		return result, &errors.Error{Kind: errors.KindInvalidRequest, Op: op, Message: verr.Error()}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if stderrors.Is(ctxErr, context.Canceled) {
			return result, errors.Wrap(errors.KindCanceled, op, ctxErr)
		}
		return result, &errors.Error{Kind: errors.KindCapacityTimeout, Op: op, Message: "deadline passed before admission", Cause: ctxErr}
	}

	comp, err := c.execute(ctx, span, chatReq, estimated)
	attempts = comp.attempts
	if err != nil {
		return result, withOp(err, op)
	}

	result, err = decode(comp.content)
	if err != nil {
		return result, withOp(err, op)
	}
	return result, nil
}

// execute reserves budget and runs the provider attempts. The first attempt
// uses the initial reservation; every retry reserves again because the
// provider charges each attempt.
func (c *Client) execute(ctx context.Context, span trace.Span, chatReq *types.ChatRequest, estimated int64) (providerResult, error) {
	grant, err := c.limiter.Reserve(ctx, estimated, c.config.CapacityTimeout)
	if err != nil {
		return providerResult{}, err
	}
	span.AddEvent("budget_granted")
	if grant.Waited > 0 {
		c.logger.Debug("budget granted after wait", "waited", grant.Waited, "sequence", grant.Sequence)
	}

	var (
		attempts int
		lastErr  error
	)
	resp, err := resilience.Execute(ctx, c.retrier, func(ctx context.Context, attempt int) (*types.ChatResponse, error) {
		attempts = attempt
		if attempt > 1 {
			next, rerr := c.limiter.Reserve(ctx, estimated, c.config.CapacityTimeout)
			if rerr != nil {
				return nil, retryAdmissionFailure(ctx, attempt-1, lastErr, rerr)
			}
			grant = next
		}

		resp, aerr := c.send(ctx, chatReq)
		outcome, kind := resilience.OutcomeSuccess, ""
		if aerr != nil {
			lastErr = aerr
			kind = string(errors.KindOf(aerr))
			outcome = resilience.OutcomeTerminal
			if errors.IsRetryable(aerr) {
				outcome = resilience.OutcomeRetryable
			}
		}
		observability.RecordAttempt(span, attempt, string(outcome), kind)
		return resp, aerr
	})
	if err != nil {
		return providerResult{attempts: attempts}, err
	}

	if used := tokenizer.UsedTokens(resp); used >= 0 {
		c.limiter.Release(grant, grant.Tokens-used)
	}

	choice, ok := resp.FirstChoice()
	if !ok {
		return providerResult{attempts: attempts}, errors.NewResponseParse("provider returned no choices", nil)
	}
	if resp.Usage != nil {
		observability.RecordUsage(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, choice.FinishReason)
	}
	switch choice.FinishReason {
	case types.FinishContentFilter:
		return providerResult{attempts: attempts}, errors.NewContentPolicyError(c.provider.Name(), chatReq.Model, "output blocked by content filter")
	case types.FinishLength:
		return providerResult{attempts: attempts}, errors.NewResponseParse(
			fmt.Sprintf("output truncated at %d tokens", chatReq.MaxTokens), nil)
	}
	return providerResult{content: choice.Message.Content, attempts: attempts}, nil
}

// retryAdmissionFailure maps a failed re-reservation. The caller has already
// paid for at least one attempt, so CapacityTimeout would misreport it.
func retryAdmissionFailure(ctx context.Context, attempts int, last, reserveErr error) error {
	if errors.KindOf(reserveErr) == errors.KindCanceled {
		return reserveErr
	}
	if ctx.Err() != nil {
		return errors.NewDeadlineExceeded(attempts, last)
	}
	if errors.KindOf(reserveErr) == errors.KindCapacityTimeout {
		return &errors.Error{
			Kind:     errors.KindRetriesExhausted,
			Message:  "no capacity for retry",
			Attempts: attempts,
			Cause:    last,
		}
	}
	return reserveErr
}

// send performs one HTTP attempt.
func (c *Client) send(ctx context.Context, chatReq *types.ChatRequest) (*types.ChatResponse, error) {
	httpReq, err := c.provider.BuildRequest(ctx, chatReq)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "build request", err)
	}
	if id := observability.RequestIDFromContext(ctx); id != "" {
		httpReq.Header.Set(observability.RequestIDHeader, id)
	}

	resp, err := c.httpClient.Do(httpReq) // #nosec G107 -- URL comes from the validated base endpoint.
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.NewConnectionError(c.provider.Name(), chatReq.Model, err)
	}
	defer httputil.DrainAndClose(resp)

	body, err := httputil.ReadBody(resp.Body, c.config.MaxResponseBytes)
	if err != nil {
		if stderrors.Is(err, httputil.ErrBodyTooLarge) {
			return nil, errors.NewResponseParse(fmt.Sprintf("response exceeds %d bytes", c.config.MaxResponseBytes), err)
		}
		return nil, errors.NewConnectionError(c.provider.Name(), chatReq.Model, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.provider.MapError(resp.StatusCode, resp.Header, body)
	}

	chatResp, err := c.provider.ParseResponse(body)
	if err != nil {
		return nil, errors.NewResponseParse("decode chat completion", err)
	}
	return chatResp, nil
}

// Ping checks reachability and credentials with a request that consumes no
// tokens. It is not cached and does not touch the budget.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := c.provider.ProbeRequest(ctx)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "ping", err)
	}
	resp, err := c.httpClient.Do(httpReq) // #nosec G107 -- URL comes from the validated base endpoint.
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrap(errors.KindOf(ctxErr), "ping", ctxErr)
		}
		return errors.NewConnectionError(c.provider.Name(), c.config.Model, err)
	}
	defer httputil.DrainAndClose(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := httputil.ReadBody(resp.Body, probeBodyLimit)
		return c.provider.MapError(resp.StatusCode, resp.Header, body)
	}
	return nil
}

// TestConnection reports whether the provider is reachable with valid
// credentials. Answers are cached for HealthCacheTTL.
func (c *Client) TestConnection(ctx context.Context) bool {
	if c.health != nil {
		if ok, found := c.health.Get(healthCacheKey); found {
			return ok.(bool)
		}
	}
	err := c.Ping(ctx)
	if err != nil {
		c.logger.Warn("connection test failed", "error_kind", errors.KindOf(err), "error", err)
	}
	healthy := err == nil
	if c.health != nil {
		c.health.SetDefault(healthCacheKey, healthy)
	}
	return healthy
}

// GetMetrics returns per-operation counts and latency percentiles.
func (c *Client) GetMetrics() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// BudgetState reports the remaining budget of the current window.
func (c *Client) BudgetState(ctx context.Context) (BudgetState, error) {
	return c.limiter.State(ctx)
}

// PendingReservations returns how many calls are waiting for budget.
func (c *Client) PendingReservations() int {
	return c.limiter.QueueLen()
}

// Subscribe returns a channel of lifecycle events and a function to stop the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (c *Client) Subscribe(buffer int) (<-chan Event, func()) {
	return c.notifier.Subscribe(buffer)
}

// AddObserver registers o for subsequent events.
func (c *Client) AddObserver(o Observer) {
	c.notifier.AddObserver(o)
}

// DroppedEvents returns how many subscriber deliveries were skipped.
func (c *Client) DroppedEvents() int64 {
	return c.notifier.Dropped()
}

// Close fails waiting reservations, closes subscriber channels and releases
// idle connections. Calls started afterwards fail with Canceled.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.limiter.Close()
	c.notifier.Close()
	c.httpClient.CloseIdleConnections()
	if c.health != nil {
		c.health.Flush()
	}
	c.logger.Info("llmguard client closed")
	return nil
}

// withOp stamps op on a classified error that has none.
func withOp(err error, op string) error {
	var ce *errors.Error
	if stderrors.As(err, &ce) && ce.Op == "" {
		cp := *ce
		cp.Op = op
		return &cp
	}
	return err
}
