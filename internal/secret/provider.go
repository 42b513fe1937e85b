// Package secret resolves credential references such as "env://OPENAI_API_KEY"
// or "vault://secret/data/llm#api_key" into their values.
package secret

import "context"

// Provider reads secrets for one URI scheme.
type Provider interface {
	// Get returns the secret at path, the part of a reference after "scheme://".
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}

// Resolver turns a reference into a secret value. Plain strings without a
// scheme resolve to themselves.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ref string) (string, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, ref string) (string, error) { return f(ctx, ref) }
