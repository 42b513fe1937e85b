package observability

import (
	"strings"
	"testing"
)

func TestRedactor_ProviderKeys(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		input    string
		contains string
	}{
		{"sk-1234567890abcdefghijklmnop", "[REDACTED_OPENAI_KEY]"},
		{"key: sk-proj-abcdefghijklmnopqrstuvwxyz123456", "[REDACTED_OPENAI_PROJECT_KEY]"},
		{"key: sk-ant-REDACTED", "[REDACTED_ANTHROPIC_KEY]"},
		{"token hvs.CAESIabcdefghijklmnopqrstuvwxyz", "[REDACTED_VAULT_TOKEN]"},
	}

	for _, tt := range tests {
		result := r.Redact(tt.input)
		if !strings.Contains(result, tt.contains) {
			t.Errorf("expected result to contain %q, got %q", tt.contains, result)
		}
	}
}

func TestRedactor_BearerToken(t *testing.T) {
	r := NewRedactor()

	input := "Bearer eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJzdWIiOiIxMjM0NTY3ODkwIn0"
	result := r.Redact(input)

	if !strings.Contains(result, "Bearer [REDACTED]") {
		t.Errorf("expected bearer token to be redacted, got %q", result)
	}
}

func TestRedactor_Email(t *testing.T) {
	r := NewRedactor()

	result := r.Redact("user email is test@example.com")
	if !strings.Contains(result, "[REDACTED_EMAIL]") {
		t.Errorf("expected email to be redacted, got %q", result)
	}
}

func TestRedactor_KeepsIdentifiers(t *testing.T) {
	r := NewRedactor()

	// Request and trace IDs must stay readable for correlation.
	input := "request 0b6f3c2e-8a7d-4b55-9d1e-2f0c6a9b1e44 trace 4bf92f3577b34da6a3ce929d0e0e4736"
	if result := r.Redact(input); result != input {
		t.Errorf("expected identifiers unchanged, got %q", result)
	}
}

func TestRedactor_AddLiteral(t *testing.T) {
	r := NewRedactor()
	r.AddLiteral("custom-gateway-key-42")
	r.AddLiteral("short")

	result := r.Redact("dial failed with custom-gateway-key-42 and short")
	if strings.Contains(result, "custom-gateway-key-42") {
		t.Errorf("expected literal to be redacted, got %q", result)
	}
	if !strings.Contains(result, "short") {
		t.Errorf("short literals are ignored, got %q", result)
	}
}

func TestRedactor_NilIsNoop(t *testing.T) {
	var r *Redactor
	if got := r.Redact("sk-1234567890abcdefghijklmnop"); got != "sk-1234567890abcdefghijklmnop" {
		t.Errorf("nil redactor must return input, got %q", got)
	}
}

func TestRedactor_RedactHeaders(t *testing.T) {
	r := NewRedactor()

	headers := map[string][]string{
		"Authorization": {"Bearer token123"},
		"X-Api-Key":     {"sk-secret"},
		"Content-Type":  {"application/json"},
		"Cookie":        {"session=abc123"},
	}

	result := r.RedactHeaders(headers)

	if result["Authorization"][0] != "[REDACTED]" {
		t.Errorf("expected Authorization to be redacted")
	}
	if result["X-Api-Key"][0] != "[REDACTED]" {
		t.Errorf("expected X-Api-Key to be redacted")
	}
	if result["Content-Type"][0] != "application/json" {
		t.Errorf("expected Content-Type to be unchanged")
	}
	if result["Cookie"][0] != "[REDACTED]" {
		t.Errorf("expected Cookie to be redacted")
	}
}

func TestRedactor_InvalidPattern(t *testing.T) {
	r := NewRedactor()

	r.AddPattern(`[invalid`, "replacement", "invalid")

	if result := r.Redact("test"); result != "test" {
		t.Errorf("expected unchanged result, got %q", result)
	}
}

func TestIsSensitiveKey(t *testing.T) {
	tests := map[string]bool{
		"api_key":          true,
		"APIKey":           true,
		"vault_token":      true,
		"client_secret":    true,
		"authorization":    true,
		"estimated_tokens": false,
		"operation":        false,
		"cache_key_count":  false,
	}
	for key, want := range tests {
		if got := isSensitiveKey(key); got != want {
			t.Errorf("isSensitiveKey(%q) = %v, want %v", key, got, want)
		}
	}
}
