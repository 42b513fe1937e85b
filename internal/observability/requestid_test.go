package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()

	if id1 == id2 {
		t.Error("expected unique request IDs")
	}
	if _, err := uuid.Parse(id1); err != nil {
		t.Errorf("expected a uuid, got %q: %v", id1, err)
	}
}

func TestContextWithRequestID(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "test-request-123")

	if got := RequestIDFromContext(ctx); got != "test-request-123" {
		t.Errorf("expected %q, got %q", "test-request-123", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		preserve bool
	}{
		{"generates when missing", "", false},
		{"preserves valid", "existing-request-id-123", true},
		{"replaces invalid characters", "bad id<script>", false},
		{"replaces oversized", strings.Repeat("a", maxRequestIDLen+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = RequestIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if captured == "" {
				t.Fatal("expected request ID in context")
			}
			if rec.Header().Get(RequestIDHeader) != captured {
				t.Error("response header should match context ID")
			}
			if tt.preserve && captured != tt.header {
				t.Errorf("expected preserved ID %q, got %q", tt.header, captured)
			}
			if !tt.preserve && captured == tt.header {
				t.Errorf("expected %q to be replaced", tt.header)
			}
		})
	}
}

func TestGetOrCreateRequestID(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "existing-id")
	if _, id := GetOrCreateRequestID(ctx); id != "existing-id" {
		t.Errorf("expected existing ID, got %q", id)
	}

	newCtx, id := GetOrCreateRequestID(context.Background())
	if id == "" {
		t.Fatal("expected generated ID")
	}
	if RequestIDFromContext(newCtx) != id {
		t.Error("context should carry the generated ID")
	}
}
