package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusExporter_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	exp, err := NewPrometheusExporter(reg, prometheus.Labels{"client": "test"})
	require.NoError(t, err)

	c := NewCollector(WithExporter(exp))
	c.RecordSuccess("generate_use_cases", 120*time.Millisecond)
	c.RecordSuccess("generate_use_cases", 80*time.Millisecond)
	c.RecordError("generate_use_cases", time.Second, "capacity_timeout")

	assert.InDelta(t, 2, testutil.ToFloat64(exp.operations.WithLabelValues("generate_use_cases", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(exp.operations.WithLabelValues("generate_use_cases", "failure")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(exp.failures.WithLabelValues("generate_use_cases", "capacity_timeout")), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(exp.latency))
}

func TestPrometheusExporter_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusExporter(reg, nil)
	require.NoError(t, err)
	second, err := NewPrometheusExporter(reg, nil)
	require.NoError(t, err)

	first.Observe(Sample{Operation: "op", Succeeded: true})
	second.Observe(Sample{Operation: "op", Succeeded: true})
	assert.InDelta(t, 2, testutil.ToFloat64(first.operations.WithLabelValues("op", "success")), 0)
}

func TestRegisterBudgetGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	requests, tokens := int64(7), int64(900)
	require.NoError(t, RegisterBudgetGauges(reg, nil, func() (int64, int64) { return requests, tokens }))

	expected := `
# HELP llmguard_budget_requests_remaining Requests left in the current rate-limit window
# TYPE llmguard_budget_requests_remaining gauge
llmguard_budget_requests_remaining 7
# HELP llmguard_budget_tokens_remaining Tokens left in the current rate-limit window
# TYPE llmguard_budget_tokens_remaining gauge
llmguard_budget_tokens_remaining 900
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"llmguard_budget_requests_remaining", "llmguard_budget_tokens_remaining"))
}

func TestRegisterCollectorHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector()
	require.NoError(t, RegisterCollectorHealth(reg, nil, c))

	c.Record(Sample{})
	n, err := testutil.GatherAndCount(reg, "llmguard_metrics_record_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "analyze_code", sanitizeLabel("analyze_code"))
	assert.Equal(t, "unknown", sanitizeLabel("   "))
	assert.Equal(t, "a_b", sanitizeLabel("a\nb"))
	assert.Len(t, sanitizeLabel(strings.Repeat("x", maxLabelLen+10)), maxLabelLen)
}
