package limiter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptLimiter is the ephemeral TTL-bound counter consulted before any
// durable store access on login. It is advisory: callers treat a limiter
// error as count 0 because the durable lockout is the authoritative
// defense.
type AttemptLimiter struct {
	client    redis.UniversalClient
	luaScript string
}

func New(client redis.UniversalClient) *AttemptLimiter {
	// INCR creates the key with count=1; the TTL is set only on creation
	// so later increments never extend the window.
	luaScript := `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count`

	return &AttemptLimiter{
		client:    client,
		luaScript: luaScript,
	}
}

// Get returns the current attempt count for the identifier. A missing
// key reads as 0.
func (l *AttemptLimiter) Get(ctx context.Context, identifier string) (int, error) {
	count, err := l.client.Get(ctx, attemptKey(identifier)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read attempt count: %w", err)
	}
	return count, nil
}

// Increment atomically bumps the counter, creating it with the window
// TTL when absent. Returns the new count.
func (l *AttemptLimiter) Increment(ctx context.Context, identifier string, ttl time.Duration) (int, error) {
	result, err := l.client.Eval(ctx, l.luaScript, []string{attemptKey(identifier)}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to execute attempt counter script: %w", err)
	}

	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result type %T", result)
	}

	return int(count), nil
}

// Reset clears the counter for the identifier.
func (l *AttemptLimiter) Reset(ctx context.Context, identifier string) error {
	if err := l.client.Del(ctx, attemptKey(identifier)).Err(); err != nil {
		return fmt.Errorf("failed to reset attempt count: %w", err)
	}
	return nil
}

// attemptKey lowercases the caller-supplied identifier so "Alice" and
// "alice" share a window.
func attemptKey(identifier string) string {
	return "auth:attempts:" + strings.ToLower(identifier)
}
