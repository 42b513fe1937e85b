package resilience

import (
	"context"
	"sync"
	"time"
)

// LimitType names one of the two budgets.
type LimitType string

const (
	LimitTypeRequests LimitType = "requests"
	LimitTypeTokens   LimitType = "tokens"
)

// BudgetLimits are the per-window ceilings.
type BudgetLimits struct {
	Requests int64
	Tokens   int64
	Window   time.Duration
}

// BudgetState is a point-in-time view of the remaining budget.
// A zero WindowResetAt means no window is open and the next reservation
// starts one with both budgets at their maxima.
type BudgetState struct {
	RequestsRemaining int64     `json:"requests_remaining"`
	TokensRemaining   int64     `json:"tokens_remaining"`
	WindowResetAt     time.Time `json:"window_reset_at"`
}

// BudgetStore holds the two counters of a fixed window. Implementations must
// make TryConsume atomic: either both budgets are decremented or neither is.
type BudgetStore interface {
	// TryConsume replenishes the window if it has expired, then takes one
	// request and the given tokens when both fit.
	TryConsume(ctx context.Context, now time.Time, limits BudgetLimits, tokens int64) (BudgetState, bool, error)

	// Refund returns tokens to the window identified by windowResetAt. Refunds
	// for a window that has already closed are ignored.
	Refund(ctx context.Context, limits BudgetLimits, windowResetAt time.Time, tokens int64) error

	// State reports the budget without consuming anything.
	State(ctx context.Context, now time.Time, limits BudgetLimits) (BudgetState, error)
}

// MemoryStore is a process-local BudgetStore.
type MemoryStore struct {
	mu       sync.Mutex
	requests int64
	tokens   int64
	resetAt  time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) TryConsume(_ context.Context, now time.Time, limits BudgetLimits, tokens int64) (BudgetState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resetAt.IsZero() || !now.Before(s.resetAt) {
		s.requests = limits.Requests
		s.tokens = limits.Tokens
		s.resetAt = now.Add(limits.Window)
	}

	ok := s.requests >= 1 && s.tokens >= tokens
	if ok {
		s.requests--
		s.tokens -= tokens
	}
	return BudgetState{RequestsRemaining: s.requests, TokensRemaining: s.tokens, WindowResetAt: s.resetAt}, ok, nil
}

func (s *MemoryStore) Refund(_ context.Context, limits BudgetLimits, windowResetAt time.Time, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tokens <= 0 || !s.resetAt.Equal(windowResetAt) {
		return nil
	}
	s.tokens = min(s.tokens+tokens, limits.Tokens)
	return nil
}

func (s *MemoryStore) State(_ context.Context, now time.Time, limits BudgetLimits) (BudgetState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resetAt.IsZero() || !now.Before(s.resetAt) {
		return BudgetState{RequestsRemaining: limits.Requests, TokensRemaining: limits.Tokens}, nil
	}
	return BudgetState{RequestsRemaining: s.requests, TokensRemaining: s.tokens, WindowResetAt: s.resetAt}, nil
}
