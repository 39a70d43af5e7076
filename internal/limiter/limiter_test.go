package limiter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*AttemptLimiter, *redis.Client) {
	t.Helper()

	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		t.Skipf("redis not available: %v", err)
	}

	return New(redisClient), redisClient
}

func TestAttemptLimiter_IncrementAndGet(t *testing.T) {
	limiter, redisClient := newTestLimiter(t)
	defer redisClient.Close()

	ctx := context.Background()
	identifier := fmt.Sprintf("test-user-%d", time.Now().UnixNano())
	defer redisClient.Del(ctx, attemptKey(identifier))

	count, err := limiter.Get(ctx, identifier)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "missing key reads as zero")

	for i := 1; i <= 5; i++ {
		count, err = limiter.Increment(ctx, identifier, 15*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	count, err = limiter.Get(ctx, identifier)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	require.NoError(t, limiter.Reset(ctx, identifier))

	count, err = limiter.Get(ctx, identifier)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

// The window TTL is set on creation and must not slide on later
// increments.
func TestAttemptLimiter_TTLNotExtended(t *testing.T) {
	limiter, redisClient := newTestLimiter(t)
	defer redisClient.Close()

	ctx := context.Background()
	identifier := fmt.Sprintf("test-ttl-%d", time.Now().UnixNano())
	key := attemptKey(identifier)
	defer redisClient.Del(ctx, key)

	_, err := limiter.Increment(ctx, identifier, 10*time.Second)
	require.NoError(t, err)

	ttlBefore, err := redisClient.PTTL(ctx, key).Result()
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	_, err = limiter.Increment(ctx, identifier, 10*time.Second)
	require.NoError(t, err)

	ttlAfter, err := redisClient.PTTL(ctx, key).Result()
	require.NoError(t, err)

	assert.LessOrEqual(t, ttlAfter, ttlBefore, "increment must not reset the window")
	assert.Greater(t, ttlAfter, time.Duration(0))
}

func TestAttemptLimiter_ConcurrentIncrements(t *testing.T) {
	limiter, redisClient := newTestLimiter(t)
	defer redisClient.Close()

	ctx := context.Background()
	identifier := fmt.Sprintf("test-conc-%d", time.Now().UnixNano())
	defer redisClient.Del(ctx, attemptKey(identifier))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := limiter.Increment(ctx, identifier, 15*time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, err := limiter.Get(ctx, identifier)
	require.NoError(t, err)
	assert.Equal(t, workers, count, "no increment may be lost")
}

func TestAttemptLimiter_IdentifierCaseInsensitive(t *testing.T) {
	limiter, redisClient := newTestLimiter(t)
	defer redisClient.Close()

	ctx := context.Background()
	identifier := fmt.Sprintf("Test-Case-%d", time.Now().UnixNano())
	defer redisClient.Del(ctx, attemptKey(identifier))

	_, err := limiter.Increment(ctx, identifier, 15*time.Minute)
	require.NoError(t, err)

	count, err := limiter.Get(ctx, strings.ToLower(identifier))
	require.NoError(t, err)
	assert.Equal(t, 1, count, "differently-cased identifiers share a window")
}
