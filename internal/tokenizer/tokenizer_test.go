package tokenizer

import (
	"strings"
	"testing"

	"github.com/aicsynergy/llmguard/pkg/types"
)

func TestCountTextTokens(t *testing.T) {
	if got := CountTextTokens("gpt-4o-mini", ""); got != 0 {
		t.Fatalf("CountTextTokens(empty) = %d", got)
	}
	// "hello world" is two tokens in every OpenAI encoding.
	if got := CountTextTokens("gpt-4", "hello world"); got != 2 {
		t.Fatalf("CountTextTokens(hello world) = %d, want 2", got)
	}
}

func TestCountTextTokens_UnknownModelUsesDefaultEncoding(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog."
	want := CountTextTokens("gpt-4", text)
	if got := CountTextTokens("acme/unknown-model", text); got != want {
		t.Fatalf("unknown model counted %d tokens, cl100k_base counts %d", got, want)
	}
}

func TestCountTextTokens_CodeIsDenserThanHeuristic(t *testing.T) {
	code := strings.Repeat("if(x){y[i]=z*2;}\n", 50)
	heuristic := int64((len(code) + BytesPerToken - 1) / BytesPerToken)
	if got := CountTextTokens("gpt-4", code); got <= heuristic {
		t.Fatalf("CountTextTokens(code) = %d, want more than the byte heuristic %d", got, heuristic)
	}
}

func TestNormalizeModelName(t *testing.T) {
	tests := map[string]string{
		"":                   "",
		"gpt-4o":             "gpt-4o",
		"openai/gpt-4o-mini": "gpt-4o-mini",
		"trailing/":          "trailing/",
	}
	for in, want := range tests {
		if got := normalizeModelName(in); got != want {
			t.Errorf("normalizeModelName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEstimatePromptTokens(t *testing.T) {
	req := &types.ChatRequest{
		Model: "gpt-4",
		Messages: []types.ChatMessage{
			{Role: types.RoleSystem, Content: "You are terse."},
			{Role: types.RoleUser, Content: "hello world"},
		},
	}
	var want int64 = replyPrimer
	for _, m := range req.Messages {
		want += CountTextTokens(req.Model, m.Role) + CountTextTokens(req.Model, m.Content) + messageOverhead
	}
	if got := EstimatePromptTokens(req); got != want {
		t.Fatalf("EstimatePromptTokens() = %d, want %d", got, want)
	}
	if got := EstimatePromptTokens(nil); got != 0 {
		t.Fatalf("EstimatePromptTokens(nil) = %d", got)
	}
}

func TestEstimateRequest_IncludesOutputAllowance(t *testing.T) {
	req := &types.ChatRequest{
		Model:     "gpt-4o-mini",
		Messages:  []types.ChatMessage{{Role: types.RoleUser, Content: strings.Repeat("u ", 80)}},
		MaxTokens: 500,
	}
	prompt := EstimatePromptTokens(req)
	got := EstimateRequest(req)
	if got < prompt+500 {
		t.Fatalf("EstimateRequest() = %d, want at least %d", got, prompt+500)
	}
	if got > prompt*2+500 {
		t.Fatalf("EstimateRequest() = %d, margin too large", got)
	}
}

func TestUsedTokens(t *testing.T) {
	if UsedTokens(nil) != -1 {
		t.Fatal("nil response has unknown usage")
	}
	if UsedTokens(&types.ChatResponse{}) != -1 {
		t.Fatal("missing usage is unknown")
	}
	if got := UsedTokens(&types.ChatResponse{Usage: &types.Usage{TotalTokens: 42}}); got != 42 {
		t.Fatalf("UsedTokens() = %d", got)
	}
}
