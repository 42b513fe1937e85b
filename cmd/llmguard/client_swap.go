package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aicsynergy/llmguard"
	"github.com/aicsynergy/llmguard/internal/healthcheck"
	"github.com/aicsynergy/llmguard/pkg/errors"
)

type clientSwap[T interface{ Close() error }] struct {
	current atomic.Pointer[clientRef[T]]
}

type clientRef[T interface{ Close() error }] struct {
	value   T
	refs    atomic.Int64
	closing atomic.Bool
	closed  atomic.Bool
}

func newClientSwap[T interface{ Close() error }](initial T) *clientSwap[T] {
	s := &clientSwap[T]{}
	s.current.Store(&clientRef[T]{value: initial})
	return s
}

// acquire pins the current value until release is called. A value swapped
// out while pinned is closed by its last release.
func (s *clientSwap[T]) acquire() (T, func()) {
	ref := s.current.Load()
	if ref == nil {
		var zero T
		return zero, func() {}
	}
	ref.refs.Add(1)
	return ref.value, func() {
		if ref.refs.Add(-1) == 0 && ref.closing.Load() {
			ref.closeOnce()
		}
	}
}

func (s *clientSwap[T]) swap(next T) {
	prev := s.current.Swap(&clientRef[T]{value: next})
	if prev != nil {
		prev.retire()
	}
}

func (s *clientSwap[T]) close() {
	if ref := s.current.Load(); ref != nil {
		ref.retire()
	}
}

func (r *clientRef[T]) retire() {
	r.closing.Store(true)
	if r.refs.Load() == 0 {
		r.closeOnce()
	}
}

func (r *clientRef[T]) closeOnce() {
	if r.closed.CompareAndSwap(false, true) {
		_ = r.value.Close()
	}
}

// generation is one client together with the registry its metrics live in.
// Every reload starts a fresh registry so scrape-time gauges never point at a
// closed client.
type generation struct {
	client   *llmguard.Client
	registry *prometheus.Registry
}

func (g *generation) Close() error {
	return g.client.Close()
}

// probeTargets lets the prober ping whichever client is current.
// onAuthFailure, when set, runs after a ping the provider rejected for
// bad credentials.
type probeTargets struct {
	swap          *clientSwap[*generation]
	onAuthFailure func()
}

func (p probeTargets) Acquire() (healthcheck.Target, func()) {
	g, release := p.swap.acquire()
	if g == nil || g.client == nil {
		return nil, release
	}
	if p.onAuthFailure == nil {
		return g.client, release
	}
	return authWatch{target: g.client, onAuthFailure: p.onAuthFailure}, release
}

type authWatch struct {
	target        healthcheck.Target
	onAuthFailure func()
}

func (w authWatch) Ping(ctx context.Context) error {
	err := w.target.Ping(ctx)
	if isAuthFailure(err) {
		w.onAuthFailure()
	}
	return err
}

func isAuthFailure(err error) bool {
	var le *errors.LLMError
	if !stderrors.As(err, &le) {
		return false
	}
	return le.Type == errors.TypeAuthentication || le.StatusCode == http.StatusUnauthorized
}
