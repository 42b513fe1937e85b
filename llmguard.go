// Package llmguard is a client-side governor for calls to an LLM provider.
//
// A Client admits every call against a request budget and a token budget
// that share a fixed window, retries transient provider failures with
// jittered exponential backoff, decodes the model output into typed results
// and reports each call through metrics and lifecycle events.
//
// Basic usage:
//
//	client, err := llmguard.New(
//	    llmguard.WithAPIKey("env://OPENAI_API_KEY"),
//	    llmguard.WithBudget(500, 200_000, time.Minute),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	analysis, err := client.AnalyzeCode(ctx, &llmguard.CodeAnalysisRequest{
//	    Language: "go",
//	    Code:     src,
//	})
//	switch errors.KindOf(err) {
//	case errors.KindCapacityTimeout, errors.KindRetriesExhausted:
//	    // ask again later
//	}
package llmguard

import (
	"github.com/aicsynergy/llmguard/internal/metrics"
	"github.com/aicsynergy/llmguard/internal/observability"
	"github.com/aicsynergy/llmguard/internal/resilience"
	"github.com/aicsynergy/llmguard/internal/secret"
	"github.com/aicsynergy/llmguard/pkg/errors"
	"github.com/aicsynergy/llmguard/pkg/provider"
	"github.com/aicsynergy/llmguard/pkg/types"
)

// Version is the current version of llmguard.
const Version = "0.4.0"

// Re-exported types so callers do not need the internal packages.
type (
	// ChatRequest is the provider request built for an operation.
	ChatRequest = types.ChatRequest

	// Provider translates requests into provider HTTP calls.
	Provider = provider.Provider

	// Event is an operation lifecycle notification.
	Event = observability.Event

	// EventPhase is the lifecycle point of an Event.
	EventPhase = observability.Phase

	// Observer receives lifecycle events synchronously and must not block.
	Observer = observability.Observer

	// ObserverFunc adapts a function to Observer.
	ObserverFunc = observability.ObserverFunc

	// MetricsSnapshot is the aggregated view returned by GetMetrics.
	MetricsSnapshot = metrics.Snapshot

	// OperationMetrics aggregates one operation inside a MetricsSnapshot.
	OperationMetrics = metrics.OperationSnapshot

	// BudgetState reports the remaining request and token budget.
	BudgetState = resilience.BudgetState

	// BudgetStore holds the budget counters, e.g. in Redis for a shared budget.
	BudgetStore = resilience.BudgetStore

	// SecretResolver resolves API key references such as env://NAME.
	SecretResolver = secret.Resolver

	// Error is a classified client failure.
	Error = errors.Error

	// ErrorKind classifies an Error.
	ErrorKind = errors.Kind
)

// Lifecycle phases.
const (
	PhaseStarted   = observability.PhaseStarted
	PhaseSucceeded = observability.PhaseSucceeded
	PhaseFailed    = observability.PhaseFailed
)

// Operation names used in metrics, events and spans.
const (
	OperationGenerateAssessment = "generate_assessment"
	OperationAnalyzeCode        = "analyze_code"
	OperationGenerateUseCases   = "generate_use_cases"
)
