package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aicsynergy/llmguard/pkg/errors"
)

// RetryPolicy bounds a retry sequence.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns 3 retries with 1s base and 10s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got %d", p.MaxRetries)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s must not be below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// Outcome of a single attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable_failure"
	OutcomeTerminal  Outcome = "terminal_failure"
)

// Attempt records one try of a retry sequence.
type Attempt struct {
	Number    int
	StartedAt time.Time
	Duration  time.Duration
	Outcome   Outcome
	Kind      errors.Kind
	Err       error
	// Delay is the backoff scheduled before the next attempt, if any.
	Delay time.Duration
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithRand sets the jitter source.
func WithRand(rnd *rand.Rand) RetrierOption {
	return func(r *Retrier) {
		if rnd != nil {
			r.rnd = rnd
		}
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// WithAttemptHook registers a callback invoked after every attempt.
func WithAttemptHook(hook func(Attempt)) RetrierOption {
	return func(r *Retrier) {
		r.onAttempt = hook
	}
}

// WithRetryBudget caps retries across all sequences sharing this Retrier to
// perSecond with the given burst. First attempts are never limited.
func WithRetryBudget(perSecond float64, burst int) RetrierOption {
	return func(r *Retrier) {
		if perSecond > 0 && burst > 0 {
			r.budget = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithRetryClassifier overrides which failures are retried.
func WithRetryClassifier(retryable func(error) bool) RetrierOption {
	return func(r *Retrier) {
		if retryable != nil {
			r.retryable = retryable
		}
	}
}

// Retrier runs work with exponential backoff and jitter.
type Retrier struct {
	policy    RetryPolicy
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	retryable func(error) bool
	onAttempt func(Attempt)
	budget    *rate.Limiter

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRetrier creates a Retrier. It fails when policy is invalid.
func NewRetrier(policy RetryPolicy, opts ...RetrierOption) (*Retrier, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	r := &Retrier{
		policy:    policy,
		now:       time.Now,
		sleep:     sleepContext,
		retryable: errors.IsRetryable,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Policy returns the configured policy.
func (r *Retrier) Policy() RetryPolicy {
	return r.policy
}

// Backoff returns the jittered delay after the given failed attempt (1-based):
// min(MaxDelay, BaseDelay*2^(failed-1)) scaled by a factor in [0.5, 1.5).
func (r *Retrier) Backoff(failed int) time.Duration {
	if failed < 1 {
		failed = 1
	}
	d := float64(r.policy.BaseDelay) * math.Pow(2, float64(failed-1))
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}

	r.mu.Lock()
	jitter := 0.5 + r.rnd.Float64()
	r.mu.Unlock()

	return time.Duration(d * jitter)
}

func (r *Retrier) delay(failed int, err error) time.Duration {
	d := r.Backoff(failed)
	if hint := errors.RetryAfterOf(err); hint > 0 {
		d = max(d, min(hint, r.policy.MaxDelay))
	}
	return d
}

// Do runs work until it succeeds, fails terminally, or retries run out.
func (r *Retrier) Do(ctx context.Context, work func(ctx context.Context, attempt int) error) error {
	_, err := Execute(ctx, r, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, work(ctx, attempt)
	})
	return err
}

// Execute runs work with r's policy and returns its first successful value.
//
// Terminal failures are returned unchanged after one attempt. Retryable
// failures are retried up to MaxRetries times, then wrapped in
// RetriesExhausted. When ctx expires no new attempt is started and the last
// failure is wrapped in DeadlineExceeded (or Canceled).
func Execute[T any](ctx context.Context, r *Retrier, work func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var (
		zero T
		last error
	)
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, contextFailure(attempt-1, last, ctxErr)
		}

		start := r.now()
		v, err := work(ctx, attempt)
		rec := Attempt{Number: attempt, StartedAt: start, Duration: r.now().Sub(start), Err: err}
		if err == nil {
			rec.Outcome = OutcomeSuccess
			r.report(rec)
			return v, nil
		}
		last = err
		rec.Kind = errors.KindOf(err)

		if !r.retryable(err) {
			rec.Outcome = OutcomeTerminal
			r.report(rec)
			return zero, err
		}
		rec.Outcome = OutcomeRetryable

		if ctxErr := ctx.Err(); ctxErr != nil {
			r.report(rec)
			return zero, contextFailure(attempt, err, ctxErr)
		}
		if attempt > r.policy.MaxRetries {
			r.report(rec)
			return zero, errors.NewRetriesExhausted(attempt, err)
		}
		if r.budget != nil && !r.budget.Allow() {
			r.report(rec)
			return zero, &errors.Error{Kind: errors.KindRetriesExhausted, Message: "retry budget exhausted", Attempts: attempt, Cause: err}
		}

		rec.Delay = r.delay(attempt, err)
		r.report(rec)

		if deadline, ok := ctx.Deadline(); ok && !r.now().Add(rec.Delay).Before(deadline) {
			return zero, errors.NewDeadlineExceeded(attempt, err)
		}
		if sleepErr := r.sleep(ctx, rec.Delay); sleepErr != nil {
			return zero, contextFailure(attempt, err, sleepErr)
		}
	}
}

func (r *Retrier) report(a Attempt) {
	if r.onAttempt != nil {
		r.onAttempt(a)
	}
}

func contextFailure(attempts int, last, ctxErr error) error {
	cause := last
	if cause == nil {
		cause = ctxErr
	}
	if stderrors.Is(ctxErr, context.Canceled) {
		return &errors.Error{Kind: errors.KindCanceled, Attempts: attempts, Cause: cause}
	}
	return errors.NewDeadlineExceeded(attempts, cause)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
