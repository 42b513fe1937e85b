package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/aicsynergy/llmguard"
	"github.com/aicsynergy/llmguard/internal/config"
	"github.com/aicsynergy/llmguard/internal/observability"
	"github.com/aicsynergy/llmguard/internal/resilience"
	"github.com/aicsynergy/llmguard/internal/secret"
	"github.com/aicsynergy/llmguard/internal/secret/env"
	"github.com/aicsynergy/llmguard/internal/secret/vault"
)

const (
	redisPollInterval = 250 * time.Millisecond
	resolveTimeout    = 15 * time.Second
)

// deps are created once at startup and shared by every client generation.
type deps struct {
	logger    *slog.Logger
	redactor  *observability.Redactor
	secrets   secret.Resolver
	tracer    trace.Tracer
	meter     metric.Meter
	store     resilience.BudgetStore
	observers []llmguard.Observer
}

func newSecretManager(cfg config.SecretsConfig, logger *slog.Logger) (*secret.Manager, error) {
	m := secret.NewManager()
	m.Register("env", env.New())
	if cfg.Vault.Enabled {
		vp, err := vault.New(cfg.Vault.Config, logger)
		if err != nil {
			return nil, fmt.Errorf("init vault: %w", err)
		}
		var p secret.Provider = vp
		if cfg.CacheTTL > 0 {
			p = secret.NewCachedProvider(vp, cfg.CacheTTL)
		}
		m.Register("vault", p)
		logger.Info("vault secret provider enabled", "address", cfg.Vault.Address)
	}
	return m, nil
}

// newBudgetStore returns nil for the in-process store. The returned close
// function is never nil.
func newBudgetStore(ctx context.Context, cfg *config.Config, secrets secret.Resolver) (resilience.BudgetStore, func() error, error) {
	noop := func() error { return nil }
	if cfg.Budget.Store != "redis" {
		return nil, noop, nil
	}

	password, err := secrets.Resolve(ctx, cfg.Redis.Password)
	if err != nil {
		return nil, noop, fmt.Errorf("resolve redis password: %w", err)
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      cfg.Redis.Addrs,
		Username:   cfg.Redis.Username,
		Password:   password,
		DB:         cfg.Redis.DB,
		MasterName: cfg.Redis.MasterName,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, noop, fmt.Errorf("connect to redis: %w", err)
	}

	key := cfg.Budget.RedisKey
	if key == "" {
		key = resilience.DefaultRedisBudgetKey
	}
	return resilience.NewRedisStore(rdb, key), rdb.Close, nil
}

// buildGeneration creates a client for cfg with a registry of its own.
func buildGeneration(ctx context.Context, cfg *config.Config, d deps) (*generation, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	key, err := d.secrets.Resolve(ctx, cfg.Provider.APIKey)
	if err != nil {
		return nil, fmt.Errorf("resolve provider api key: %w", err)
	}
	if d.redactor != nil {
		d.redactor.AddLiteral(key)
	}

	reg := prometheus.NewRegistry()
	client, err := llmguard.New(clientOptions(cfg, key, reg, d)...)
	if err != nil {
		return nil, err
	}
	return &generation{client: client, registry: reg}, nil
}

func clientOptions(cfg *config.Config, apiKey string, reg prometheus.Registerer, d deps) []llmguard.Option {
	opts := []llmguard.Option{
		llmguard.WithAPIKey(apiKey),
		llmguard.WithBaseEndpoint(cfg.Provider.BaseURL),
		llmguard.WithModel(cfg.Provider.Model),
		llmguard.WithTemperature(cfg.Operations.Temperature),
		llmguard.WithMaxOutputTokens(cfg.Operations.MaxOutputTokens),
		llmguard.WithStrictJSON(cfg.Operations.StrictJSON),
		llmguard.WithRetry(cfg.Retry.MaxRetries, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay),
		llmguard.WithRetryBudget(cfg.Retry.BudgetPerSecond, cfg.Retry.BudgetBurst),
		llmguard.WithBudget(cfg.Budget.RequestsPerWindow, cfg.Budget.TokensPerWindow, cfg.Budget.Window),
		llmguard.WithHTTPTimeout(cfg.Provider.Timeout),
		llmguard.WithHealthCacheTTL(cfg.Health.CacheTTL),
		llmguard.WithLogger(d.logger),
		llmguard.WithTracer(d.tracer),
		llmguard.WithMeter(d.meter),
		llmguard.WithPrometheus(reg, prometheus.Labels{"model": cfg.Provider.Model}),
	}
	for k, v := range cfg.Provider.Headers {
		opts = append(opts, llmguard.WithHeader(k, v))
	}
	if cfg.Budget.CapacityTimeout > 0 {
		opts = append(opts, llmguard.WithCapacityTimeout(cfg.Budget.CapacityTimeout))
	}
	if cfg.Operations.Timeout > 0 {
		opts = append(opts, llmguard.WithOperationTimeout(cfg.Operations.Timeout))
	}
	if cfg.Provider.MaxResponseBytes > 0 {
		opts = append(opts, llmguard.WithMaxResponseBytes(cfg.Provider.MaxResponseBytes))
	}
	if d.store != nil {
		opts = append(opts, llmguard.WithBudgetStore(d.store, redisPollInterval))
	}
	for _, o := range d.observers {
		opts = append(opts, llmguard.WithObserver(o))
	}
	return opts
}

// reloader swaps in a new generation after every configuration change.
// Concurrent reloads are skipped rather than queued.
type reloader struct {
	logger *slog.Logger
	swap   *clientSwap[*generation]
	build  func(*config.Config) (*generation, error)

	inProgress atomic.Bool
}

func newReloader(logger *slog.Logger, swap *clientSwap[*generation], build func(*config.Config) (*generation, error)) *reloader {
	return &reloader{logger: logger, swap: swap, build: build}
}

func (r *reloader) Reload(cfg *config.Config) {
	if !r.inProgress.CompareAndSwap(false, true) {
		r.logger.Warn("client reload already in progress")
		return
	}
	defer r.inProgress.Store(false)

	next, err := r.build(cfg)
	if err != nil {
		r.logger.Error("failed to rebuild llmguard client, keeping current", "error", err)
		return
	}
	r.swap.swap(next)
	r.logger.Info("llmguard client reloaded",
		"model", cfg.Provider.Model,
		"requests_per_window", cfg.Budget.RequestsPerWindow,
		"tokens_per_window", cfg.Budget.TokensPerWindow,
	)
}

// keyInvalidator drops a cached secret.
type keyInvalidator interface {
	Invalidate(ref string) bool
}

// refreshOnAuthFailure returns a hook that drops the cached provider key and
// rebuilds the client, so a key rotated in the secret store is picked up
// without waiting for the cache to expire. Literal and uncached keys are left
// alone since a rebuild would resolve the same value.
func refreshOnAuthFailure(logger *slog.Logger, secrets keyInvalidator, current func() *config.Config, reload func(*config.Config)) func() {
	return func() {
		cfg := current()
		if !secrets.Invalidate(cfg.Provider.APIKey) {
			return
		}
		logger.Warn("provider rejected api key, re-reading it from the secret store")
		go reload(cfg)
	}
}
