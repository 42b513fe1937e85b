package provider

import "testing"

func TestValidateBaseURL(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{"https://api.openai.com/v1", false},
		{"http://127.0.0.1:8080", false},
		{"ftp://example.com", true},
		{"https://", true},
		{"https://user:pw@example.com", true},
		{"https://example.com/v1?x=1", true},
		{"https://example.com/v1#frag", true},
		{"::not a url", true},
	}
	for _, tt := range tests {
		err := ValidateBaseURL(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateBaseURL(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
	}
}
