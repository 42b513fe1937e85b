package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	lognoop "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// ExporterType selects the OTLP transport.
type ExporterType string

const (
	ExporterGRPC ExporterType = "grpc"
	ExporterHTTP ExporterType = "http"
)

// Validate rejects unknown transports. Empty means gRPC.
func (e ExporterType) Validate() error {
	switch e {
	case "", ExporterGRPC, ExporterHTTP:
		return nil
	default:
		return fmt.Errorf("unknown otlp exporter %q", string(e))
	}
}

// Version is reported as service.version on every exported resource.
var Version = "dev"

func newResource(serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = "llmguard"
	}
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
			attribute.String("gen_ai.system", "llmguard"),
		),
	)
}

// MetricsConfig configures OTLP metric export.
type MetricsConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	Exporter       ExporterType      `yaml:"exporter"`
	ServiceName    string            `yaml:"service_name"`
	Insecure       bool              `yaml:"insecure"`
	Headers        map[string]string `yaml:"headers"`
	ExportInterval time.Duration     `yaml:"export_interval"`
}

// MeterProvider wraps the OpenTelemetry meter provider.
type MeterProvider struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
}

// InitMeter installs a global meter provider with a periodic OTLP reader.
// Disabled configs yield a no-op meter.
func InitMeter(ctx context.Context, cfg MetricsConfig) (*MeterProvider, error) {
	if !cfg.Enabled {
		return &MeterProvider{meter: metricnoop.NewMeterProvider().Meter(TracerName)}, nil
	}

	var (
		exporter sdkmetric.Exporter
		err      error
	)
	switch cfg.Exporter {
	case ExporterHTTP:
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
		}
		exporter, err = otlpmetrichttp.New(ctx, opts...)
	default:
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
		}
		exporter, err = otlpmetricgrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, err
	}

	res, err := newResource(cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = time.Minute
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)

	return &MeterProvider{provider: provider, meter: provider.Meter(TracerName)}, nil
}

// Meter returns the meter instance.
func (m *MeterProvider) Meter() metric.Meter {
	return m.meter
}

// Shutdown flushes and stops the provider.
func (m *MeterProvider) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// LogsConfig configures OTLP log export.
type LogsConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Exporter    ExporterType      `yaml:"exporter"`
	ServiceName string            `yaml:"service_name"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// LoggerProvider wraps the OpenTelemetry logger provider.
type LoggerProvider struct {
	provider *sdklog.LoggerProvider
	logger   log.Logger
}

// InitLogs installs a global logger provider with a batching OTLP exporter.
// Disabled configs yield a no-op logger.
func InitLogs(ctx context.Context, cfg LogsConfig) (*LoggerProvider, error) {
	if !cfg.Enabled {
		return &LoggerProvider{logger: lognoop.NewLoggerProvider().Logger(TracerName)}, nil
	}

	var (
		exporter sdklog.Exporter
		err      error
	)
	switch cfg.Exporter {
	case ExporterHTTP:
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		exporter, err = otlploghttp.New(ctx, opts...)
	default:
		opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlploggrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
		}
		exporter, err = otlploggrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, err
	}

	res, err := newResource(cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	global.SetLoggerProvider(provider)

	return &LoggerProvider{provider: provider, logger: provider.Logger(TracerName)}, nil
}

// Logger returns the OTel logger.
func (l *LoggerProvider) Logger() log.Logger {
	return l.logger
}

// Shutdown flushes and stops the provider.
func (l *LoggerProvider) Shutdown(ctx context.Context) error {
	if l == nil || l.provider == nil {
		return nil
	}
	return l.provider.Shutdown(ctx)
}
