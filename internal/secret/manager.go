package secret

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrEmptySecret is returned when a reference resolves to an empty value.
var ErrEmptySecret = errors.New("secret resolved to an empty value")

// Manager routes references to the provider registered for their scheme.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewManager creates a manager with no providers.
func NewManager() *Manager {
	return &Manager{providers: make(map[string]Provider)}
}

// Register sets the provider for scheme, e.g. "vault" or "env".
func (m *Manager) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[strings.ToLower(scheme)] = provider
}

// SplitRef splits "scheme://path". ok is false for plain values.
func SplitRef(ref string) (scheme, path string, ok bool) {
	scheme, path, ok = strings.Cut(ref, "://")
	if !ok || scheme == "" || strings.ContainsAny(scheme, "/ ") {
		return "", "", false
	}
	return strings.ToLower(scheme), path, true
}

// IsReference reports whether ref names a provider rather than holding a
// literal value. http and https URLs are never references.
func IsReference(ref string) bool {
	scheme, _, ok := SplitRef(ref)
	return ok && scheme != "http" && scheme != "https"
}

// Resolve returns the secret ref points to. Values without a scheme are
// returned unchanged.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	if !IsReference(ref) {
		return ref, nil
	}
	scheme, path, _ := SplitRef(ref)

	m.mu.RLock()
	provider, ok := m.providers[scheme]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no secret provider registered for scheme %q", scheme)
	}

	val, err := provider.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("resolve %s secret: %w", scheme, err)
	}
	if val == "" {
		return "", fmt.Errorf("resolve %s secret %q: %w", scheme, path, ErrEmptySecret)
	}
	return val, nil
}

// invalidator is implemented by providers that cache values.
type invalidator interface {
	Invalidate(path string) bool
}

// Invalidate drops any cached value behind ref so the next Resolve reads
// the backing store. It reports whether a cached value was dropped.
func (m *Manager) Invalidate(ref string) bool {
	if !IsReference(ref) {
		return false
	}
	scheme, path, _ := SplitRef(ref)

	m.mu.RLock()
	provider, ok := m.providers[scheme]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	inv, ok := provider.(invalidator)
	return ok && inv.Invalidate(path)
}

// Close closes all registered providers.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", scheme, err))
		}
		delete(m.providers, scheme)
	}
	return errors.Join(errs...)
}
