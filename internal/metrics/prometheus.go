package metrics

import (
	stderrors "errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "llmguard"

// LatencyBuckets are histogram buckets for operation latency in seconds.
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 3.0, 5.0,
	7.5, 10.0, 15.0, 20.0, 30.0, 60.0, 120.0,
}

// PrometheusExporter mirrors samples into Prometheus vectors.
type PrometheusExporter struct {
	operations *prometheus.CounterVec
	failures   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewPrometheusExporter registers the operation vectors on reg. Collectors
// that are already registered (e.g. by a previous client on the same
// registry) are reused.
func NewPrometheusExporter(reg prometheus.Registerer, constLabels prometheus.Labels) (*PrometheusExporter, error) {
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "operations_total",
		Help:        "Finished gateway operations by outcome",
		ConstLabels: constLabels,
	}, []string{"operation", "outcome"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "operation_failures_total",
		Help:        "Failed gateway operations by error kind",
		ConstLabels: constLabels,
	}, []string{"operation", "error_kind"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Name:        "operation_duration_seconds",
		Help:        "End-to-end operation latency in seconds, including queueing and retries",
		Buckets:     LatencyBuckets,
		ConstLabels: constLabels,
	}, []string{"operation", "outcome"})

	var err error
	if operations, err = register(reg, operations); err != nil {
		return nil, err
	}
	if failures, err = register(reg, failures); err != nil {
		return nil, err
	}
	if latency, err = register(reg, latency); err != nil {
		return nil, err
	}
	return &PrometheusExporter{operations: operations, failures: failures, latency: latency}, nil
}

// Observe implements Exporter.
func (p *PrometheusExporter) Observe(s Sample) {
	op := sanitizeLabel(s.Operation)
	outcome := "success"
	if !s.Succeeded {
		outcome = "failure"
		p.failures.WithLabelValues(op, sanitizeLabel(s.ErrorKind)).Inc()
	}
	p.operations.WithLabelValues(op, outcome).Inc()
	p.latency.WithLabelValues(op, outcome).Observe(s.Duration.Seconds())
}

// RegisterBudgetGauges exposes the remaining request and token budget.
// state is called on every scrape.
func RegisterBudgetGauges(reg prometheus.Registerer, constLabels prometheus.Labels, state func() (requests, tokens int64)) error {
	requests := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "budget_requests_remaining",
		Help:        "Requests left in the current rate-limit window",
		ConstLabels: constLabels,
	}, func() float64 {
		r, _ := state()
		return float64(r)
	})
	tokens := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "budget_tokens_remaining",
		Help:        "Tokens left in the current rate-limit window",
		ConstLabels: constLabels,
	}, func() float64 {
		_, t := state()
		return float64(t)
	})
	for _, c := range []prometheus.Collector{requests, tokens} {
		if _, err := register(reg, c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterCollectorHealth exposes the record-failure counter of c.
func RegisterCollectorHealth(reg prometheus.Registerer, constLabels prometheus.Labels, c *Collector) error {
	_, err := register(reg, prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "metrics_record_failures_total",
		Help:        "Samples the metrics collector could not record",
		ConstLabels: constLabels,
	}, func() float64 {
		return float64(c.RecordFailures())
	}))
	return err
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if reg == nil {
		return c, nil
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if stderrors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

const maxLabelLen = 64

func sanitizeLabel(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(min(len(v), maxLabelLen))
	for _, r := range v {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxLabelLen {
			break
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}
