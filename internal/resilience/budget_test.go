package resilience

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicsynergy/llmguard/pkg/errors"
)

func newTestLimiter(t *testing.T, requests, tokens int64, window time.Duration, opts ...BudgetOption) *BudgetLimiter {
	t.Helper()
	l, err := NewBudgetLimiter(BudgetConfig{RequestsPerWindow: requests, TokensPerWindow: tokens, Window: window}, opts...)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestBudgetConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  BudgetConfig
		ok   bool
	}{
		{"valid", BudgetConfig{1, 1, time.Second}, true},
		{"zero requests", BudgetConfig{0, 1, time.Second}, false},
		{"zero tokens", BudgetConfig{1, 0, time.Second}, false},
		{"zero window", BudgetConfig{1, 1, 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			assert.Equal(t, tt.ok, err == nil, "err=%v", err)
		})
	}
}

func TestBudgetLimiter_GrantsWithinCeiling(t *testing.T) {
	l := newTestLimiter(t, 5, 500, time.Minute)
	ctx := context.Background()

	var total int64
	for i := 0; i < 5; i++ {
		g, err := l.Reserve(ctx, 100, time.Second)
		require.NoError(t, err)
		total += g.Tokens
		assert.Equal(t, uint64(i+1), g.Sequence)
	}
	assert.Equal(t, int64(500), total)

	state, err := l.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.RequestsRemaining)
	assert.Equal(t, int64(0), state.TokensRemaining)
}

func TestBudgetLimiter_QuotaImpossible(t *testing.T) {
	l := newTestLimiter(t, 5, 100, time.Minute)

	start := time.Now()
	_, err := l.Reserve(context.Background(), 101, 5*time.Second)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrQuotaImpossible))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "must fail without waiting")
	assert.Equal(t, 0, l.QueueLen())

	state, err := l.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), state.TokensRemaining)
}

func TestBudgetLimiter_InvalidInput(t *testing.T) {
	l := newTestLimiter(t, 1, 10, time.Minute)

	_, err := l.Reserve(context.Background(), -1, time.Second)
	assert.Equal(t, errors.KindInvalidRequest, errors.KindOf(err))

	_, err = l.Reserve(context.Background(), 1, 0)
	assert.Equal(t, errors.KindInvalidRequest, errors.KindOf(err))
}

func TestBudgetLimiter_CapacityTimeoutLeavesBudgetUntouched(t *testing.T) {
	l := newTestLimiter(t, 1, 1000, time.Minute)
	ctx := context.Background()

	_, err := l.Reserve(ctx, 10, time.Second)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, 10, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrCapacityTimeout))
	assert.Equal(t, 0, l.QueueLen())

	state, err := l.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.RequestsRemaining)
	assert.Equal(t, int64(990), state.TokensRemaining)
}

func TestBudgetLimiter_ContextDeadlineIsCapacityTimeout(t *testing.T) {
	l := newTestLimiter(t, 1, 100, time.Minute)
	_, err := l.Reserve(context.Background(), 1, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Reserve(ctx, 1, time.Minute)
	assert.Equal(t, errors.KindCapacityTimeout, errors.KindOf(err))

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = l.Reserve(ctx, 1, time.Minute)
	assert.Equal(t, errors.KindCanceled, errors.KindOf(err))
}

func TestBudgetLimiter_ReplenishesToExactMaxima(t *testing.T) {
	window := 100 * time.Millisecond
	l := newTestLimiter(t, 3, 300, window)
	ctx := context.Background()

	_, err := l.Reserve(ctx, 250, time.Second)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, 50, time.Second)
	require.NoError(t, err)

	time.Sleep(window + 20*time.Millisecond)

	state, err := l.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.RequestsRemaining)
	assert.Equal(t, int64(300), state.TokensRemaining)

	g, err := l.Reserve(ctx, 300, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), g.RequestsRemaining)
	assert.Equal(t, int64(0), g.TokensRemaining)
}

// Two requests per window, three concurrent callers: the third is granted
// only once the window rolls over.
func TestBudgetLimiter_ThirdRequestWaitsForBoundary(t *testing.T) {
	window := time.Second
	l := newTestLimiter(t, 2, 1000, window)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		grants []Grant
	)
	start := time.Now()
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := l.Reserve(context.Background(), 100, 3*time.Second)
			assert.NoError(t, err)
			mu.Lock()
			grants = append(grants, g)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, grants, 3)
	sort.Slice(grants, func(i, j int) bool { return grants[i].Sequence < grants[j].Sequence })
	assert.Less(t, grants[0].Waited, 200*time.Millisecond)
	assert.Less(t, grants[1].Waited, 200*time.Millisecond)
	assert.GreaterOrEqual(t, grants[2].Waited, 800*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 800*time.Millisecond)
	assert.True(t, grants[2].WindowResetAt.After(grants[0].WindowResetAt))
}

func TestBudgetLimiter_FIFOOrder(t *testing.T) {
	window := 150 * time.Millisecond
	l := newTestLimiter(t, 100, 100, window)
	ctx := context.Background()

	// Drain the token budget so every following caller has to queue.
	_, err := l.Reserve(ctx, 100, time.Second)
	require.NoError(t, err)

	const waiters = 5
	seqs := make([]uint64, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := l.Reserve(ctx, 20, 2*time.Second)
			assert.NoError(t, err)
			seqs[i] = g.Sequence
		}(i)
		require.Eventually(t, func() bool { return l.QueueLen() == i+1 }, time.Second, time.Millisecond)
	}
	wg.Wait()

	for i := 1; i < waiters; i++ {
		assert.Equal(t, seqs[i-1]+1, seqs[i], "grant order must follow arrival order")
	}
}

func TestBudgetLimiter_SmallRequestDoesNotOvertakeLargeHead(t *testing.T) {
	window := 200 * time.Millisecond
	l := newTestLimiter(t, 10, 100, window)
	ctx := context.Background()

	_, err := l.Reserve(ctx, 60, time.Second)
	require.NoError(t, err)

	large := make(chan Grant, 1)
	go func() {
		g, err := l.Reserve(ctx, 80, 2*time.Second)
		assert.NoError(t, err)
		large <- g
	}()
	require.Eventually(t, func() bool { return l.QueueLen() == 1 }, time.Second, time.Millisecond)

	// 40 tokens remain, enough for this request, but the large head is first.
	small, err := l.Reserve(ctx, 10, 2*time.Second)
	require.NoError(t, err)

	g := <-large
	assert.Less(t, g.Sequence, small.Sequence)
}

func TestBudgetLimiter_TimedOutHeadUnblocksQueue(t *testing.T) {
	l := newTestLimiter(t, 10, 100, time.Minute)
	ctx := context.Background()

	_, err := l.Reserve(ctx, 60, time.Second)
	require.NoError(t, err)

	headDone := make(chan error, 1)
	go func() {
		_, err := l.Reserve(ctx, 80, 50*time.Millisecond)
		headDone <- err
	}()
	require.Eventually(t, func() bool { return l.QueueLen() == 1 }, time.Second, time.Millisecond)

	small := make(chan error, 1)
	go func() {
		_, err := l.Reserve(ctx, 30, time.Second)
		small <- err
	}()

	assert.Equal(t, errors.KindCapacityTimeout, errors.KindOf(<-headDone))
	assert.NoError(t, <-small)
}

func TestBudgetLimiter_ReleaseRefundsTokens(t *testing.T) {
	l := newTestLimiter(t, 10, 100, time.Minute)
	ctx := context.Background()

	g, err := l.Reserve(ctx, 80, time.Second)
	require.NoError(t, err)

	l.Release(g, 50)
	state, err := l.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(70), state.TokensRemaining)

	// Refunds never exceed what the grant took.
	l.Release(g, 500)
	state, err = l.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), state.TokensRemaining)
}

func TestBudgetLimiter_CloseFailsWaiters(t *testing.T) {
	l, err := NewBudgetLimiter(BudgetConfig{RequestsPerWindow: 1, TokensPerWindow: 10, Window: time.Minute})
	require.NoError(t, err)

	_, err = l.Reserve(context.Background(), 1, time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := l.Reserve(context.Background(), 1, 5*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return l.QueueLen() == 1 }, time.Second, time.Millisecond)

	l.Close()
	assert.Equal(t, errors.KindCanceled, errors.KindOf(<-done))

	_, err = l.Reserve(context.Background(), 1, time.Second)
	assert.Equal(t, errors.KindCanceled, errors.KindOf(err))
}

type failingStore struct{ MemoryStore }

func (f *failingStore) TryConsume(context.Context, time.Time, BudgetLimits, int64) (BudgetState, bool, error) {
	return BudgetState{}, false, stderrors.New("store down")
}

func TestBudgetLimiter_StoreFailureIsInternal(t *testing.T) {
	l := newTestLimiter(t, 1, 10, time.Minute, WithBudgetStore(&failingStore{}))
	_, err := l.Reserve(context.Background(), 1, time.Second)
	assert.Equal(t, errors.KindInternal, errors.KindOf(err))
	assert.Equal(t, 0, l.QueueLen())
}

type blockingRefundStore struct {
	*MemoryStore
	entered chan struct{}
	unblock chan struct{}
}

func (b *blockingRefundStore) Refund(ctx context.Context, limits BudgetLimits, windowResetAt time.Time, tokens int64) error {
	close(b.entered)
	<-b.unblock
	return b.MemoryStore.Refund(ctx, limits, windowResetAt, tokens)
}

func TestBudgetLimiter_SlowRefundDoesNotBlockReserve(t *testing.T) {
	store := &blockingRefundStore{
		MemoryStore: NewMemoryStore(),
		entered:     make(chan struct{}),
		unblock:     make(chan struct{}),
	}
	l := newTestLimiter(t, 10, 100, time.Minute, WithBudgetStore(store), WithStoreTimeout(5*time.Second))
	ctx := context.Background()

	g, err := l.Reserve(ctx, 60, time.Second)
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		l.Release(g, 60)
		close(released)
	}()
	<-store.entered

	// The refund is still in flight; admission and queue inspection proceed.
	_, err = l.Reserve(ctx, 40, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, l.QueueLen())

	close(store.unblock)
	<-released
	state, err := l.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(60), state.TokensRemaining)
}
