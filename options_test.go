package llmguard_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicsynergy/llmguard"
	"github.com/aicsynergy/llmguard/internal/resilience"
)

func TestWithBudget_Applied(t *testing.T) {
	cfg := &llmguard.ClientConfig{}
	llmguard.WithBudget(60, 90_000, 30*time.Second)(cfg)

	assert.Equal(t, int64(60), cfg.RequestsPerWindow)
	assert.Equal(t, int64(90_000), cfg.TokensPerWindow)
	assert.Equal(t, 30*time.Second, cfg.Window)
}

func TestWithBudgetStore_Applied(t *testing.T) {
	store := resilience.NewMemoryStore()
	cfg := &llmguard.ClientConfig{}
	llmguard.WithBudgetStore(store, 100*time.Millisecond)(cfg)

	assert.Same(t, store, cfg.BudgetStore)
	assert.Equal(t, 100*time.Millisecond, cfg.BudgetPollInterval)
}

func TestWithHeader_Accumulates(t *testing.T) {
	cfg := &llmguard.ClientConfig{}
	llmguard.WithHeader("OpenAI-Organization", "org-1")(cfg)
	llmguard.WithHeader("OpenAI-Project", "proj-1")(cfg)

	assert.Equal(t, map[string]string{"OpenAI-Organization": "org-1", "OpenAI-Project": "proj-1"}, cfg.Headers)
}

func TestNilOptionsKeepDefaults(t *testing.T) {
	cfg := &llmguard.ClientConfig{}
	llmguard.WithLogger(nil)(cfg)
	llmguard.WithTokenEstimator(nil)(cfg)
	llmguard.WithObserver(nil)(cfg)

	assert.Nil(t, cfg.Logger)
	assert.Nil(t, cfg.TokenEstimator)
	assert.Empty(t, cfg.Observers)
}

func TestWithPrometheus_Applied(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := &llmguard.ClientConfig{}
	llmguard.WithPrometheus(reg, prometheus.Labels{"model": "gpt-4o-mini"})(cfg)

	assert.Same(t, reg, cfg.Registerer)
	assert.Equal(t, "gpt-4o-mini", cfg.MetricsLabels["model"])
}

func TestWithObserver_Applied(t *testing.T) {
	cfg := &llmguard.ClientConfig{}
	llmguard.WithObserver(llmguard.ObserverFunc(func(context.Context, llmguard.Event) {}))(cfg)
	require.Len(t, cfg.Observers, 1)
}
