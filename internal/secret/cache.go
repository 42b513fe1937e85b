package secret

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedProvider decorates a Provider with an in-memory TTL cache. Errors
// are not cached.
type CachedProvider struct {
	inner Provider
	cache *cache.Cache
}

// NewCachedProvider wraps inner, keeping values for ttl.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: cache.New(ttl, ttl*2),
	}
}

// Get returns the cached value or asks the inner provider.
func (p *CachedProvider) Get(ctx context.Context, path string) (string, error) {
	if val, found := p.cache.Get(path); found {
		if str, ok := val.(string); ok {
			return str, nil
		}
	}

	val, err := p.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}
	p.cache.Set(path, val, cache.DefaultExpiration)
	return val, nil
}

// Invalidate drops path so the next Get reads through, e.g. after the
// upstream rejected the key as revoked. It reports whether a value was held.
func (p *CachedProvider) Invalidate(path string) bool {
	_, found := p.cache.Get(path)
	p.cache.Delete(path)
	return found
}

// Close flushes the cache and closes the inner provider.
func (p *CachedProvider) Close() error {
	p.cache.Flush()
	return p.inner.Close()
}
