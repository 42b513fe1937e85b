package resilience

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisBudgetKey is the hash that holds the shared window.
const DefaultRedisBudgetKey = "llmguard:budget"

// consumeScript refreshes an expired window and takes one request plus
// ARGV[6] tokens only when both budgets allow it.
//
// KEYS[1] budget hash
// ARGV: now_ms, window_ms, max_requests, max_tokens, need_requests, need_tokens
// Returns {granted, requests_left, tokens_left, reset_at_ms}.
const consumeScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local reset = tonumber(redis.call('HGET', KEYS[1], 'reset_at') or '0')
local requests = tonumber(redis.call('HGET', KEYS[1], 'requests') or '0')
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens') or '0')

if reset == 0 or now >= reset then
    requests = tonumber(ARGV[3])
    tokens = tonumber(ARGV[4])
    reset = now + window
end

local granted = 0
local needRequests = tonumber(ARGV[5])
local needTokens = tonumber(ARGV[6])
if needRequests <= requests and needTokens <= tokens then
    requests = requests - needRequests
    tokens = tokens - needTokens
    granted = 1
end

redis.call('HSET', KEYS[1], 'requests', requests, 'tokens', tokens, 'reset_at', reset)
redis.call('PEXPIREAT', KEYS[1], reset + window)
return {granted, requests, tokens, reset}
`

// refundScript adds tokens back when the window is still the one the grant
// was taken from.
//
// KEYS[1] budget hash
// ARGV: reset_at_ms, tokens, max_tokens
const refundScript = `
local reset = tonumber(redis.call('HGET', KEYS[1], 'reset_at') or '0')
if reset ~= tonumber(ARGV[1]) then
    return 0
end
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens') or '0') + tonumber(ARGV[2])
local max = tonumber(ARGV[3])
if tokens > max then
    tokens = max
end
redis.call('HSET', KEYS[1], 'tokens', tokens)
return 1
`

// RedisStore shares one budget window between every process pointing at the
// same key. Times are kept in milliseconds.
type RedisStore struct {
	client  redis.UniversalClient
	key     string
	consume *redis.Script
	refund  *redis.Script
}

// NewRedisStore creates a store on client. An empty key selects DefaultRedisBudgetKey.
func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisBudgetKey
	}
	return &RedisStore{
		client:  client,
		key:     key,
		consume: redis.NewScript(consumeScript),
		refund:  redis.NewScript(refundScript),
	}
}

func (s *RedisStore) TryConsume(ctx context.Context, now time.Time, limits BudgetLimits, tokens int64) (BudgetState, bool, error) {
	vals, err := s.consume.Run(ctx, s.client, []string{s.key},
		now.UnixMilli(), limits.Window.Milliseconds(), limits.Requests, limits.Tokens, 1, tokens,
	).Int64Slice()
	if err != nil {
		return BudgetState{}, false, fmt.Errorf("redis budget consume: %w", err)
	}
	if len(vals) != 4 {
		return BudgetState{}, false, fmt.Errorf("redis budget consume: unexpected reply length %d", len(vals))
	}
	state := BudgetState{
		RequestsRemaining: vals[1],
		TokensRemaining:   vals[2],
		WindowResetAt:     time.UnixMilli(vals[3]),
	}
	return state, vals[0] == 1, nil
}

func (s *RedisStore) Refund(ctx context.Context, limits BudgetLimits, windowResetAt time.Time, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	if err := s.refund.Run(ctx, s.client, []string{s.key}, windowResetAt.UnixMilli(), tokens, limits.Tokens).Err(); err != nil {
		return fmt.Errorf("redis budget refund: %w", err)
	}
	return nil
}

func (s *RedisStore) State(ctx context.Context, now time.Time, limits BudgetLimits) (BudgetState, error) {
	vals, err := s.client.HMGet(ctx, s.key, "requests", "tokens", "reset_at").Result()
	if err != nil {
		return BudgetState{}, fmt.Errorf("redis budget state: %w", err)
	}
	full := BudgetState{RequestsRemaining: limits.Requests, TokensRemaining: limits.Tokens}
	resetMs, ok := redisInt(vals[2])
	if !ok || now.UnixMilli() >= resetMs {
		return full, nil
	}
	requests, _ := redisInt(vals[0])
	tokens, _ := redisInt(vals[1])
	return BudgetState{RequestsRemaining: requests, TokensRemaining: tokens, WindowResetAt: time.UnixMilli(resetMs)}, nil
}

func redisInt(v interface{}) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}
