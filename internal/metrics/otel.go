package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelExporter mirrors samples into OpenTelemetry instruments following the
// gen_ai client conventions.
type OTelExporter struct {
	duration metric.Float64Histogram
	count    metric.Int64Counter
}

// NewOTelExporter creates the instruments on meter.
func NewOTelExporter(meter metric.Meter) (*OTelExporter, error) {
	duration, err := meter.Float64Histogram(
		"gen_ai.client.operation.duration",
		metric.WithDescription("Gateway operation duration, including queueing and retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(LatencyBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	count, err := meter.Int64Counter(
		"llmguard.operation.count",
		metric.WithDescription("Finished gateway operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create operation counter: %w", err)
	}
	return &OTelExporter{duration: duration, count: count}, nil
}

// Observe implements Exporter.
func (o *OTelExporter) Observe(s Sample) {
	attrs := []attribute.KeyValue{
		attribute.String("gen_ai.operation.name", s.Operation),
		attribute.Bool("llmguard.success", s.Succeeded),
	}
	if !s.Succeeded {
		attrs = append(attrs, attribute.String("error.type", s.ErrorKind))
	}
	set := metric.WithAttributes(attrs...)
	ctx := context.Background()
	o.duration.Record(ctx, s.Duration.Seconds(), set)
	o.count.Add(ctx, 1, set)
}
