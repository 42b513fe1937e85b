package observability

import (
	"context"

	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/trace"
)

// LogObserver emits lifecycle events as OpenTelemetry log records.
type LogObserver struct {
	logger   log.Logger
	redactor *Redactor
}

// NewLogObserver creates an observer writing to logger. Error messages pass
// through redactor when it is non-nil.
func NewLogObserver(logger log.Logger, redactor *Redactor) *LogObserver {
	return &LogObserver{logger: logger, redactor: redactor}
}

// OnEvent implements Observer.
func (o *LogObserver) OnEvent(ctx context.Context, e Event) {
	var rec log.Record
	rec.SetTimestamp(e.Timestamp)
	rec.SetEventName(string(e.Phase))
	rec.SetBody(log.StringValue(string(e.Phase)))

	severity := log.SeverityInfo
	if e.Phase == PhaseFailed {
		severity = log.SeverityError
	}
	rec.SetSeverity(severity)
	rec.SetSeverityText(severity.String())

	rec.AddAttributes(
		log.String("event.id", e.ID.String()),
		log.String("gen_ai.operation.name", e.Operation),
		log.String("gen_ai.request.model", e.Model),
	)
	if e.RequestID != "" {
		rec.AddAttributes(log.String("llmguard.request_id", e.RequestID))
	}
	if e.Phase != PhaseStarted {
		rec.AddAttributes(
			log.Int64("llmguard.duration_ms", e.Duration.Milliseconds()),
			log.Int("llmguard.attempts", e.Attempts),
		)
	} else if e.EstimatedTokens > 0 {
		rec.AddAttributes(log.Int64("llmguard.estimated_tokens", e.EstimatedTokens))
	}
	if e.ErrorKind != "" {
		rec.AddAttributes(log.String("error.type", e.ErrorKind))
	}
	if e.Err != nil {
		rec.AddAttributes(log.String("error.message", o.redactor.Redact(e.Err.Error())))
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		rec.AddAttributes(
			log.String("trace_id", sc.TraceID().String()),
			log.String("span_id", sc.SpanID().String()),
		)
	}

	o.logger.Emit(ctx, rec)
}
