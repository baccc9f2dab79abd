package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, preset Preset) (*Limiter, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// The script receives time from Go, not the Redis clock, so tests
	// advance a fake clock instead of miniredis.FastForward.
	now := time.Unix(1_700_000_000, 0)
	limiter := New(client, preset, 0)
	limiter.Now = func() time.Time { return now }
	return limiter, &now
}

func TestConsumeDrainsAndRefills(t *testing.T) {
	ctx := context.Background()
	limiter, now := newTestLimiter(t, Preset{Name: "test", BucketSize: 2, RefillRate: 1, MaxDelay: time.Minute})

	require.NoError(t, limiter.Consume(ctx, "session-1", 1))
	require.NoError(t, limiter.Consume(ctx, "session-1", 1))

	err := limiter.Consume(ctx, "session-1", 1)
	var lim *LimitError
	require.ErrorAs(t, err, &lim)
	require.Equal(t, 2, lim.Limit)
	require.Greater(t, lim.RetryAfter, time.Duration(0))

	// One token refills per second.
	*now = now.Add(time.Second)
	require.NoError(t, limiter.Consume(ctx, "session-1", 1))
}

func TestTokensNeverExceedBucketSize(t *testing.T) {
	ctx := context.Background()
	limiter, now := newTestLimiter(t, Preset{Name: "test", BucketSize: 5, RefillRate: 100, MaxDelay: time.Minute})

	require.NoError(t, limiter.Consume(ctx, "id", 1))
	*now = now.Add(time.Hour)

	state, err := limiter.State(ctx, "id")
	require.NoError(t, err)
	require.InDelta(t, 5, state.Tokens, 0.001)
	require.GreaterOrEqual(t, state.Tokens, 0.0)
}

func TestHourlyBucketRetryAfter(t *testing.T) {
	// 50 tokens refilled per hour: drain the bucket, then a further
	// consume must reject with a positive retry_after, and waiting it
	// out must admit the request.
	ctx := context.Background()
	limiter, now := newTestLimiter(t, Preset{Name: "test", BucketSize: 50, RefillRate: 50.0 / 3600, MaxDelay: time.Hour})

	require.NoError(t, limiter.Consume(ctx, "s", 50))

	err := limiter.Consume(ctx, "s", 1)
	var lim *LimitError
	require.ErrorAs(t, err, &lim)
	require.Greater(t, lim.RetryAfterSeconds(), 0)

	*now = now.Add(time.Duration(lim.RetryAfterSeconds()) * time.Second)
	require.NoError(t, limiter.Consume(ctx, "s", 1))
}

func TestRejectionDoesNotMutateBucket(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t, Preset{Name: "test", BucketSize: 3, RefillRate: 0.001, MaxDelay: time.Hour})

	require.NoError(t, limiter.Consume(ctx, "s", 2))
	before, err := limiter.State(ctx, "s")
	require.NoError(t, err)

	err = limiter.Consume(ctx, "s", 2)
	require.Error(t, err)

	after, err := limiter.State(ctx, "s")
	require.NoError(t, err)
	require.InDelta(t, before.Tokens, after.Tokens, 0.01)
}

func TestRetryAfterCappedAtMaxDelay(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t, Preset{Name: "test", BucketSize: 10, RefillRate: 10.0 / 3600, MaxDelay: 2 * time.Minute})

	require.NoError(t, limiter.Consume(ctx, "s", 10))
	err := limiter.Consume(ctx, "s", 10)
	var lim *LimitError
	require.ErrorAs(t, err, &lim)
	require.Equal(t, 2*time.Minute, lim.RetryAfter)
}

func TestIsLimitedDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t, Preset{Name: "test", BucketSize: 1, RefillRate: 0.001, MaxDelay: time.Hour})

	limited, err := limiter.IsLimited(ctx, "s", 1)
	require.NoError(t, err)
	require.False(t, limited)

	// The peek above must not have taken the only token.
	require.NoError(t, limiter.Consume(ctx, "s", 1))

	limited, err = limiter.IsLimited(ctx, "s", 1)
	require.NoError(t, err)
	require.True(t, limited)
}

func TestResetRestoresFullBucket(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t, Preset{Name: "test", BucketSize: 1, RefillRate: 0.001, MaxDelay: time.Hour})

	require.NoError(t, limiter.Consume(ctx, "s", 1))
	require.Error(t, limiter.Consume(ctx, "s", 1))

	require.NoError(t, limiter.Reset(ctx, "s"))
	require.NoError(t, limiter.Consume(ctx, "s", 1))
}

func TestCleanupExpiredBuckets(t *testing.T) {
	ctx := context.Background()
	limiter, now := newTestLimiter(t, Preset{Name: "test", BucketSize: 5, RefillRate: 1, MaxDelay: time.Minute})

	require.NoError(t, limiter.Consume(ctx, "stale", 1))
	require.NoError(t, limiter.Consume(ctx, "fresh", 1))

	*now = now.Add(limiter.ttl + time.Minute)
	require.NoError(t, limiter.Consume(ctx, "fresh", 1))

	removed, err := limiter.CleanupExpiredBuckets(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestRegistry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	reg := NewRegistry(client, PresetWebhooks, PresetJobs)
	require.NotNil(t, reg.Get("webhooks"))
	require.NotNil(t, reg.Get("jobs"))
	require.Nil(t, reg.Get("unknown"))
}

func TestLimitErrorUnwrap(t *testing.T) {
	err := error(&LimitError{Key: "k", Limit: 10, RetryAfter: 3 * time.Second})
	var lim *LimitError
	require.True(t, errors.As(err, &lim))
	require.Equal(t, 3, lim.RetryAfterSeconds())
}
