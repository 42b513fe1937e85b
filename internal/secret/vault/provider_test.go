package vault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVaultServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "root-token" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/secret/data/llm":
			_, _ = w.Write([]byte(`{"data":{"data":{"api_key":"sk-from-vault","retries":3},"metadata":{"version":2}}}`))
		case "/v1/kv1/llm":
			_, _ = w.Write([]byte(`{"data":{"value":"sk-kv1"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProvider_TokenAuth(t *testing.T) {
	srv := newVaultServer(t)
	p, err := New(Config{Address: srv.URL, Token: "root-token"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	ctx := context.Background()

	v, err := p.Get(ctx, "secret/data/llm#api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-from-vault", v)

	v, err = p.Get(ctx, "kv1/llm")
	require.NoError(t, err)
	assert.Equal(t, "sk-kv1", v, "defaults to the value key")

	_, err = p.Get(ctx, "secret/data/llm#missing")
	assert.ErrorContains(t, err, `key "missing" not found`)

	_, err = p.Get(ctx, "secret/data/llm#retries")
	assert.ErrorContains(t, err, "not a string")

	_, err = p.Get(ctx, "secret/data/absent")
	assert.ErrorContains(t, err, "not found")
}

func TestProvider_BadToken(t *testing.T) {
	srv := newVaultServer(t)
	p, err := New(Config{Address: srv.URL, Token: "wrong"}, nil)
	require.NoError(t, err)

	_, err = p.Get(context.Background(), "secret/data/llm#api_key")
	assert.Error(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestNew_UnknownAuthMethod(t *testing.T) {
	_, err := New(Config{Address: "http://127.0.0.1:1", AuthMethod: "kerberos"}, nil)
	assert.Error(t, err)
}
