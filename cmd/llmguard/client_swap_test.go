package main

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicsynergy/llmguard/pkg/errors"
)

type fakeCloser struct {
	closed atomic.Int64
}

func (f *fakeCloser) Close() error {
	f.closed.Add(1)
	return nil
}

func TestClientSwap_UsesLatestValue(t *testing.T) {
	first := &fakeCloser{}
	s := newClientSwap(first)

	got, release := s.acquire()
	require.Same(t, first, got)
	release()

	next := &fakeCloser{}
	s.swap(next)

	got, release = s.acquire()
	require.Same(t, next, got)
	release()
}

func TestClientSwap_DefersCloseUntilRelease(t *testing.T) {
	first := &fakeCloser{}
	s := newClientSwap(first)

	_, release := s.acquire()
	s.swap(&fakeCloser{})
	require.Equal(t, int64(0), first.closed.Load())

	release()
	require.Equal(t, int64(1), first.closed.Load())

	// A second release path must not close twice.
	s.close()
	require.Equal(t, int64(1), first.closed.Load())
}

func TestClientSwap_ClosesIdleValueOnSwap(t *testing.T) {
	first := &fakeCloser{}
	s := newClientSwap(first)

	s.swap(&fakeCloser{})
	require.Equal(t, int64(1), first.closed.Load())
}

func TestClientSwap_CloseCurrent(t *testing.T) {
	only := &fakeCloser{}
	s := newClientSwap(only)

	_, release := s.acquire()
	s.close()
	require.Equal(t, int64(0), only.closed.Load())
	release()
	require.Equal(t, int64(1), only.closed.Load())
}

func TestProbeTargets_NilGeneration(t *testing.T) {
	p := probeTargets{swap: newClientSwap[*generation](nil)}
	target, release := p.Acquire()
	defer release()
	require.Nil(t, target)
}

func TestIsAuthFailure(t *testing.T) {
	assert.True(t, isAuthFailure(errors.NewAuthenticationError("openai", "gpt-4o-mini", "bad key")))
	assert.True(t, isAuthFailure(fmt.Errorf("ping: %w", errors.NewAuthenticationError("openai", "", "bad key"))))
	assert.False(t, isAuthFailure(errors.NewRateLimitError("openai", "", "slow down", time.Second)))
	assert.False(t, isAuthFailure(nil))
}
