package observability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type memoryLogExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *memoryLogExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *memoryLogExporter) Shutdown(context.Context) error   { return nil }
func (e *memoryLogExporter) ForceFlush(context.Context) error { return nil }

func recordAttrs(r sdklog.Record) map[string]log.Value {
	out := make(map[string]log.Value)
	r.WalkAttributes(func(kv log.KeyValue) bool {
		out[kv.Key] = kv.Value
		return true
	})
	return out
}

func TestLogObserver_EmitsRecords(t *testing.T) {
	exp := &memoryLogExporter{}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp)))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	redactor := NewRedactor()
	obs := NewLogObserver(provider.Logger(TracerName), redactor)

	tracer := sdktrace.NewTracerProvider().Tracer(TracerName)
	ctx, span := tracer.Start(context.Background(), "analyze_code")
	defer span.End()

	id := uuid.New()
	obs.OnEvent(ctx, Event{
		ID:              id,
		Phase:           PhaseStarted,
		Operation:       "analyze_code",
		Timestamp:       time.Now(),
		Model:           "gpt-4o-mini",
		RequestID:       "req-9",
		EstimatedTokens: 640,
	})
	obs.OnEvent(ctx, Event{
		ID:        uuid.New(),
		Phase:     PhaseFailed,
		Operation: "analyze_code",
		Timestamp: time.Now(),
		Duration:  250 * time.Millisecond,
		Attempts:  1,
		ErrorKind: "terminal_provider_error",
		Err:       errors.New("invalid key sk-1234567890abcdefghijklmnop"),
	})

	exp.mu.Lock()
	defer exp.mu.Unlock()
	require.Len(t, exp.records, 2)

	started := exp.records[0]
	assert.Equal(t, "operation_started", started.Body().AsString())
	assert.Equal(t, log.SeverityInfo, started.Severity())
	attrs := recordAttrs(started)
	assert.Equal(t, id.String(), attrs["event.id"].AsString())
	assert.Equal(t, "req-9", attrs["llmguard.request_id"].AsString())
	assert.Equal(t, int64(640), attrs["llmguard.estimated_tokens"].AsInt64())
	assert.Equal(t, span.SpanContext().TraceID().String(), attrs["trace_id"].AsString())

	failed := exp.records[1]
	assert.Equal(t, log.SeverityError, failed.Severity())
	attrs = recordAttrs(failed)
	assert.Equal(t, int64(250), attrs["llmguard.duration_ms"].AsInt64())
	assert.Equal(t, "terminal_provider_error", attrs["error.type"].AsString())
	assert.Equal(t, "invalid key [REDACTED_OPENAI_KEY]", attrs["error.message"].AsString())
}
