package observability

import (
	"regexp"
	"strings"
	"sync"
)

// Redactor masks credentials in log output.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*redactPattern
	literals []string
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
	name        string
}

// NewRedactor creates a redactor with the default credential patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.addDefaultPatterns()
	return r
}

func (r *Redactor) addDefaultPatterns() {
	// Project keys first so the plain sk- pattern does not swallow them.
	r.AddPattern(`sk-proj-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_OPENAI_PROJECT_KEY]", "openai_project_key")
	r.AddPattern(`sk-ant-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_ANTHROPIC_KEY]", "anthropic_key")
	r.AddPattern(`sk-[a-zA-Z0-9]{20,}`, "[REDACTED_OPENAI_KEY]", "openai_key")
	r.AddPattern(`AIza[a-zA-Z0-9\-_]{35}`, "[REDACTED_GOOGLE_KEY]", "google_key")
	r.AddPattern(`hvs\.[a-zA-Z0-9\-_]{20,}`, "[REDACTED_VAULT_TOKEN]", "vault_token")
	r.AddPattern(`Bearer\s+[a-zA-Z0-9\-_\.]+`, "Bearer [REDACTED]", "bearer_token")
	r.AddPattern(`Authorization:\s*[^\s]+`, "Authorization: [REDACTED]", "auth_header")
	r.AddPattern(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, "[REDACTED_EMAIL]", "email")
}

// AddPattern adds a custom redaction pattern. Invalid patterns are skipped.
func (r *Redactor) AddPattern(pattern, replacement, name string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.patterns = append(r.patterns, &redactPattern{
		regex:       regex,
		replacement: replacement,
		name:        name,
	})
	r.mu.Unlock()
}

// AddLiteral masks every occurrence of secret, e.g. a resolved API key
// whose format no pattern knows. Values shorter than 8 bytes are ignored.
func (r *Redactor) AddLiteral(secret string) {
	if len(secret) < 8 {
		return
	}
	r.mu.Lock()
	r.literals = append(r.literals, secret)
	r.mu.Unlock()
}

// Redact applies all literals and patterns to input.
func (r *Redactor) Redact(input string) string {
	if r == nil || input == "" {
		return input
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := input
	for _, lit := range r.literals {
		result = strings.ReplaceAll(result, lit, "[REDACTED]")
	}
	for _, p := range r.patterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}

var sensitiveSuffixes = []string{"api_key", "apikey", "token", "secret", "password", "authorization", "credential"}

// isSensitiveKey matches attribute names such as "api_key" or
// "vault_token" but not counters like "estimated_tokens".
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// RedactHeaders returns a copy of headers with credential headers masked.
func (r *Redactor) RedactHeaders(headers map[string][]string) map[string][]string {
	result := make(map[string][]string, len(headers))
	for k, v := range headers {
		switch strings.ToLower(k) {
		case "authorization", "x-api-key", "api-key", "openai-organization", "cookie":
			result[k] = []string{"[REDACTED]"}
		default:
			result[k] = v
		}
	}
	return result
}
