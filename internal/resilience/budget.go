package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aicsynergy/llmguard/pkg/errors"
)

// BudgetConfig configures a dual request/token budget over a fixed window.
type BudgetConfig struct {
	RequestsPerWindow int64
	TokensPerWindow   int64
	Window            time.Duration
}

// Validate checks that every ceiling is positive.
func (c BudgetConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("requests per window must be positive, got %d", c.RequestsPerWindow)
	}
	if c.TokensPerWindow <= 0 {
		return fmt.Errorf("tokens per window must be positive, got %d", c.TokensPerWindow)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	return nil
}

// Grant is a successful reservation.
type Grant struct {
	// Sequence increases by one for every grant of this limiter, in grant order.
	Sequence          uint64
	Tokens            int64
	WindowResetAt     time.Time
	Waited            time.Duration
	RequestsRemaining int64
	TokensRemaining   int64
}

// BudgetOption configures a BudgetLimiter.
type BudgetOption func(*BudgetLimiter)

// WithBudgetStore replaces the in-memory counters, e.g. with a RedisStore.
func WithBudgetStore(store BudgetStore) BudgetOption {
	return func(l *BudgetLimiter) {
		if store != nil {
			l.store = store
		}
	}
}

// WithBudgetLogger sets the logger used for store failures.
func WithBudgetLogger(logger *slog.Logger) BudgetOption {
	return func(l *BudgetLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithPollInterval bounds how long a blocked queue head sleeps before asking
// the store again. Useful when other processes share the store and may refund.
func WithPollInterval(d time.Duration) BudgetOption {
	return func(l *BudgetLimiter) {
		l.pollInterval = d
	}
}

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(d time.Duration) BudgetOption {
	return func(l *BudgetLimiter) {
		if d > 0 {
			l.storeTimeout = d
		}
	}
}

type reservation struct {
	grant Grant
	err   error
}

type budgetWaiter struct {
	tokens     int64
	enqueuedAt time.Time
	ready      chan reservation
}

// BudgetLimiter admits requests against a request budget and a token budget
// that both replenish at the window boundary. Admission is strictly FIFO:
// only the head of the queue can be granted, so a small request never
// overtakes an earlier large one.
type BudgetLimiter struct {
	limits       BudgetLimits
	store        BudgetStore
	logger       *slog.Logger
	now          func() time.Time
	pollInterval time.Duration
	storeTimeout time.Duration

	mu     sync.Mutex
	queue  []*budgetWaiter
	timer  *time.Timer
	seq    uint64
	closed bool
}

// NewBudgetLimiter creates a limiter. It fails when cfg is invalid.
func NewBudgetLimiter(cfg BudgetConfig, opts ...BudgetOption) (*BudgetLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &BudgetLimiter{
		limits: BudgetLimits{
			Requests: cfg.RequestsPerWindow,
			Tokens:   cfg.TokensPerWindow,
			Window:   cfg.Window,
		},
		store:        NewMemoryStore(),
		logger:       slog.Default(),
		now:          time.Now,
		storeTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Reserve blocks until one request and estimatedTokens tokens are granted,
// timeout elapses, or ctx is done. Requests costing more than the token
// ceiling fail at once with QuotaImpossible. A reservation that is not granted
// in time fails with CapacityTimeout and leaves the budget untouched.
func (l *BudgetLimiter) Reserve(ctx context.Context, estimatedTokens int64, timeout time.Duration) (Grant, error) {
	if estimatedTokens < 0 {
		return Grant{}, errors.NewInvalidRequest(fmt.Sprintf("estimated tokens must be non-negative, got %d", estimatedTokens))
	}
	if timeout <= 0 {
		return Grant{}, errors.NewInvalidRequest(fmt.Sprintf("reservation timeout must be positive, got %s", timeout))
	}
	if estimatedTokens > l.limits.Tokens {
		return Grant{}, errors.NewQuotaImpossible(estimatedTokens, l.limits.Tokens)
	}

	w := &budgetWaiter{
		tokens:     estimatedTokens,
		enqueuedAt: l.now(),
		ready:      make(chan reservation, 1),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Grant{}, errors.New(errors.KindCanceled, "reserve", "limiter closed")
	}
	l.queue = append(l.queue, w)
	l.dispatchLocked()
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-w.ready:
		return r.grant, r.err
	case <-timer.C:
		return l.abandon(w, errors.NewCapacityTimeout(timeout))
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.Canceled) {
			return l.abandon(w, errors.Wrap(errors.KindCanceled, "reserve", ctx.Err()))
		}
		return l.abandon(w, errors.NewCapacityTimeout(l.now().Sub(w.enqueuedAt)))
	}
}

// Release returns unused tokens of g to the window it was granted from.
func (l *BudgetLimiter) Release(g Grant, unusedTokens int64) {
	if unusedTokens <= 0 {
		return
	}
	unusedTokens = min(unusedTokens, g.Tokens)

	// Refunds commute with admission, so the store call runs unlocked.
	ctx, cancel := context.WithTimeout(context.Background(), l.storeTimeout)
	err := l.store.Refund(ctx, l.limits, g.WindowResetAt, unusedTokens)
	cancel()
	if err != nil {
		l.logger.Warn("budget refund failed", "tokens", unusedTokens, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.dispatchLocked()
	}
}

// State reports the current budget.
func (l *BudgetLimiter) State(ctx context.Context) (BudgetState, error) {
	return l.store.State(ctx, l.now(), l.limits)
}

// Limits returns the configured ceilings.
func (l *BudgetLimiter) Limits() BudgetLimits {
	return l.limits
}

// QueueLen returns the number of waiting reservations.
func (l *BudgetLimiter) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close fails every waiting reservation and rejects new ones.
func (l *BudgetLimiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
	}
	for _, w := range l.queue {
		w.ready <- reservation{err: errors.New(errors.KindCanceled, "reserve", "limiter closed")}
	}
	l.queue = nil
}

// abandon removes w from the queue unless it was granted in the meantime,
// in which case the grant wins.
func (l *BudgetLimiter) abandon(w *budgetWaiter, cause error) (Grant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case r := <-w.ready:
		return r.grant, r.err
	default:
	}

	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			break
		}
	}
	// The departed waiter may have been the head blocking everyone else.
	l.dispatchLocked()
	return Grant{}, cause
}

// dispatchLocked grants queue heads while the store admits them. When the
// head does not fit it arms a timer for the window boundary. TryConsume runs
// under l.mu so the head cannot leave the queue between admission and
// grant; each call is bounded by storeTimeout.
func (l *BudgetLimiter) dispatchLocked() {
	for len(l.queue) > 0 {
		head := l.queue[0]
		now := l.now()

		ctx, cancel := context.WithTimeout(context.Background(), l.storeTimeout)
		state, ok, err := l.store.TryConsume(ctx, now, l.limits, head.tokens)
		cancel()

		if err != nil {
			l.logger.Warn("budget store unavailable", "error", err)
			l.popLocked()
			head.ready <- reservation{err: errors.Wrap(errors.KindInternal, "reserve", err)}
			continue
		}
		if !ok {
			l.armLocked(state.WindowResetAt.Sub(now))
			return
		}

		l.seq++
		l.popLocked()
		head.ready <- reservation{grant: Grant{
			Sequence:          l.seq,
			Tokens:            head.tokens,
			WindowResetAt:     state.WindowResetAt,
			Waited:            now.Sub(head.enqueuedAt),
			RequestsRemaining: state.RequestsRemaining,
			TokensRemaining:   state.TokensRemaining,
		}}
	}
}

func (l *BudgetLimiter) popLocked() {
	l.queue[0] = nil
	l.queue = l.queue[1:]
}

func (l *BudgetLimiter) armLocked(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	if l.pollInterval > 0 && d > l.pollInterval {
		d = l.pollInterval
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(d, l.onTimer)
}

func (l *BudgetLimiter) onTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.dispatchLocked()
}
