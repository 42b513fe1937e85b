// Package env resolves secrets from environment variables.
package env

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Provider implements secret.Provider for environment variables.
type Provider struct {
	lookup func(string) (string, bool)
}

// Option configures a Provider.
type Option func(*Provider)

// WithLookup replaces os.LookupEnv.
func WithLookup(lookup func(string) (string, bool)) Option {
	return func(p *Provider) {
		if lookup != nil {
			p.lookup = lookup
		}
	}
}

// New creates an environment provider.
func New(opts ...Option) *Provider {
	p := &Provider{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns the variable named path with surrounding whitespace removed.
func (p *Provider) Get(_ context.Context, path string) (string, error) {
	val, ok := p.lookup(path)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", path)
	}
	return strings.TrimSpace(val), nil
}

// Close is a no-op.
func (p *Provider) Close() error {
	return nil
}
