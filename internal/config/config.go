// Package config loads the llmguard daemon configuration from YAML and
// reloads it when the file changes.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aicsynergy/llmguard/internal/observability"
	"github.com/aicsynergy/llmguard/internal/secret/vault"
)

// Config represents the complete daemon configuration.
type Config struct {
	Server      ServerConfig                `yaml:"server"`
	Provider    ProviderConfig              `yaml:"provider"`
	Budget      BudgetConfig                `yaml:"budget"`
	Retry       RetryConfig                 `yaml:"retry"`
	Operations  OperationsConfig            `yaml:"operations"`
	Redis       RedisConfig                 `yaml:"redis"`
	Secrets     SecretsConfig               `yaml:"secrets"`
	Health      HealthConfig                `yaml:"health"`
	Logging     LoggingConfig               `yaml:"logging"`
	Metrics     MetricsConfig               `yaml:"metrics"`
	Tracing     observability.TracingConfig `yaml:"tracing"`
	OTelMetrics observability.MetricsConfig `yaml:"otel_metrics"`
	OTelLogs    observability.LogsConfig    `yaml:"otel_logs"`
	Archive     observability.S3Config      `yaml:"archive"`
}

// ServerConfig contains diagnostics HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProviderConfig describes the upstream model endpoint.
type ProviderConfig struct {
	Type string `yaml:"type"`
	// APIKey may be a literal or a secret reference such as env://OPENAI_API_KEY.
	APIKey           string            `yaml:"api_key"`
	BaseURL          string            `yaml:"base_url"`
	Model            string            `yaml:"model"`
	Headers          map[string]string `yaml:"headers"`
	Timeout          time.Duration     `yaml:"timeout"`
	MaxResponseBytes int64             `yaml:"max_response_bytes"`
}

// BudgetConfig defines the shared request and token budgets.
type BudgetConfig struct {
	RequestsPerWindow int64         `yaml:"requests_per_window"`
	TokensPerWindow   int64         `yaml:"tokens_per_window"`
	Window            time.Duration `yaml:"window"`
	CapacityTimeout   time.Duration `yaml:"capacity_timeout"`
	// Store is "memory" or "redis".
	Store    string `yaml:"store"`
	RedisKey string `yaml:"redis_key"`
}

// RetryConfig bounds provider retries.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	// BudgetPerSecond caps retries across all operations; zero disables it.
	BudgetPerSecond float64 `yaml:"budget_per_second"`
	BudgetBurst     int     `yaml:"budget_burst"`
}

// OperationsConfig holds per-call generation settings.
type OperationsConfig struct {
	Temperature     float64       `yaml:"temperature"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	StrictJSON      bool          `yaml:"strict_json"`
	Timeout         time.Duration `yaml:"timeout"`
}

// RedisConfig is used when Budget.Store is "redis".
type RedisConfig struct {
	Addrs      []string `yaml:"addrs"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	DB         int      `yaml:"db"`
	MasterName string   `yaml:"master_name"`
}

// SecretsConfig configures secret reference resolution.
type SecretsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Vault    VaultConfig   `yaml:"vault"`
}

// VaultConfig enables vault:// references.
type VaultConfig struct {
	Enabled      bool `yaml:"enabled"`
	vault.Config `yaml:",inline"`
}

// HealthConfig configures the background connectivity prober.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults. Budgets
// have no defaults and must be set.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Provider: ProviderConfig{
			Type:    "openai",
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: 60 * time.Second,
		},
		Budget: BudgetConfig{
			Window:          time.Minute,
			CapacityTimeout: 30 * time.Second,
			Store:           "memory",
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   10 * time.Second,
		},
		Operations: OperationsConfig{
			Temperature:     0.2,
			MaxOutputTokens: 1024,
			StrictJSON:      true,
			Timeout:         2 * time.Minute,
		},
		Secrets: SecretsConfig{CacheTTL: 5 * time.Minute},
		Health: HealthConfig{
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
			CacheTTL: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: observability.DefaultTracingConfig(),
		OTelMetrics: observability.MetricsConfig{
			Exporter:       observability.ExporterGRPC,
			Endpoint:       "localhost:4317",
			Insecure:       true,
			ExportInterval: time.Minute,
		},
		OTelLogs: observability.LogsConfig{
			Exporter: observability.ExporterGRPC,
			Endpoint: "localhost:4317",
			Insecure: true,
		},
		Archive: observability.DefaultS3Config(),
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Provider.Type != "openai" {
		return fmt.Errorf("provider.type %q is not supported", c.Provider.Type)
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required")
	}
	if u, err := url.Parse(c.Provider.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("provider.base_url %q is not an absolute URL", c.Provider.BaseURL)
	}
	if c.Provider.Timeout < 0 {
		return fmt.Errorf("provider.timeout cannot be negative")
	}

	if c.Budget.RequestsPerWindow <= 0 {
		return fmt.Errorf("budget.requests_per_window must be positive")
	}
	if c.Budget.TokensPerWindow <= 0 {
		return fmt.Errorf("budget.tokens_per_window must be positive")
	}
	if c.Budget.Window <= 0 {
		return fmt.Errorf("budget.window must be positive")
	}
	if c.Budget.CapacityTimeout < 0 {
		return fmt.Errorf("budget.capacity_timeout cannot be negative")
	}
	switch c.Budget.Store {
	case "memory":
	case "redis":
		if len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("redis.addrs is required when budget.store is redis")
		}
	default:
		return fmt.Errorf("budget.store must be memory or redis, got %q", c.Budget.Store)
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must not be below retry.base_delay")
	}
	if c.Retry.BudgetPerSecond < 0 || c.Retry.BudgetBurst < 0 {
		return fmt.Errorf("retry budget cannot be negative")
	}

	if c.Operations.MaxOutputTokens < 0 {
		return fmt.Errorf("operations.max_output_tokens cannot be negative")
	}
	if c.Operations.Temperature < 0 || c.Operations.Temperature > 2 {
		return fmt.Errorf("operations.temperature must be within [0, 2]")
	}

	if c.Secrets.Vault.Enabled && c.Secrets.Vault.Address == "" {
		return fmt.Errorf("secrets.vault.address is required when vault is enabled")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	for name, e := range map[string]observability.ExporterType{
		"tracing":      c.Tracing.Exporter,
		"otel_metrics": c.OTelMetrics.Exporter,
		"otel_logs":    c.OTelLogs.Exporter,
	} {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%s.exporter: %w", name, err)
		}
	}

	if c.Archive.Enabled && c.Archive.BucketName == "" {
		return fmt.Errorf("archive.bucket is required when archive is enabled")
	}
	return nil
}
