package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracing_Disabled(t *testing.T) {
	tp, err := InitTracing(context.Background(), TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.NotNil(t, tp.Tracer())
	assert.NoError(t, tp.Shutdown(context.Background()))

	var nilProvider *TracerProvider
	assert.NoError(t, nilProvider.Shutdown(context.Background()))
}

func TestDefaultTracingConfig(t *testing.T) {
	cfg := DefaultTracingConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, ExporterGRPC, cfg.Exporter)
	assert.Equal(t, "llmguard", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestExporterType_Validate(t *testing.T) {
	assert.NoError(t, ExporterType("").Validate())
	assert.NoError(t, ExporterHTTP.Validate())
	assert.Error(t, ExporterType("zipkin").Validate())
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestStartOperationSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer(TracerName)

	_, span := StartOperationSpan(context.Background(), tracer, OperationSpanAttributes{
		Operation:       "analyze_code",
		Provider:        "openai",
		Model:           "gpt-4o-mini",
		RequestID:       "req-1",
		MaxTokens:       800,
		EstimatedTokens: 1200,
	})
	RecordAttempt(span, 1, "retryable_failure", "transient_provider_error")
	RecordAttempt(span, 2, "success", "")
	RecordUsage(span, 300, 150, "stop")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "analyze_code", s.Name())

	attrs := spanAttrs(s)
	assert.Equal(t, "gpt-4o-mini", attrs["gen_ai.request.model"].AsString())
	assert.Equal(t, "req-1", attrs["llmguard.request_id"].AsString())
	assert.Equal(t, int64(800), attrs["gen_ai.request.max_tokens"].AsInt64())
	assert.Equal(t, int64(1200), attrs["llmguard.estimated_tokens"].AsInt64())
	assert.Equal(t, int64(150), attrs["gen_ai.usage.output_tokens"].AsInt64())

	require.Len(t, s.Events(), 2)
	assert.Equal(t, "attempt", s.Events()[0].Name)
}

func TestRecordError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := provider.Tracer(TracerName).Start(context.Background(), "generate_assessment")
	RecordError(span, errors.New("boom"), "retries_exhausted")
	span.End()

	s := recorder.Ended()[0]
	assert.Equal(t, codes.Error, s.Status().Code)
	assert.Equal(t, "retries_exhausted", s.Status().Description)
	assert.Equal(t, "retries_exhausted", spanAttrs(s)["error.type"].AsString())
}
