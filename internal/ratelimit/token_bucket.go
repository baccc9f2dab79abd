package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Preset is a fixed (bucket_size, refill_rate, max_delay) tuple. Presets
// are configuration, not behavior variants: every bucket runs the same
// lazy-refill algorithm.
type Preset struct {
	Name       string
	BucketSize float64
	RefillRate float64 // tokens per second
	MaxDelay   time.Duration
}

// TimeToFull returns how long an empty bucket takes to refill completely.
func (p Preset) TimeToFull() time.Duration {
	if p.RefillRate <= 0 {
		return 0
	}
	return time.Duration(p.BucketSize / p.RefillRate * float64(time.Second))
}

// LimitError reports an admission rejection with the standard rate-limit
// response metadata the caller surfaces as headers.
type LimitError struct {
	Key        string
	Limit      int
	Remaining  float64
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("ratelimit: %q exceeded, retry after %s", e.Key, e.RetryAfter)
}

// RetryAfterSeconds returns the whole-second Retry-After value, never zero.
func (e *LimitError) RetryAfterSeconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// BucketState is a non-mutating view of a bucket after lazy refill.
type BucketState struct {
	Tokens     float64
	TimeToFull time.Duration
}

// Limiter is a token-bucket admission controller backed by Redis. Refill
// is computed lazily from elapsed wall-clock time inside a Lua script, so
// the bucket is just two stored fields and the read-modify-write is atomic
// per key.
type Limiter struct {
	client *redis.Client
	preset Preset
	ttl    time.Duration

	// Now is injectable for tests; the script receives time from Go,
	// not from the Redis clock.
	Now func() time.Time
}

// New constructs a limiter for a preset. Bucket keys idle longer than ttl
// are expired by Redis; ttl <= 0 picks a default of twice the time-to-full,
// floored at one hour.
func New(client *redis.Client, preset Preset, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 2 * preset.TimeToFull()
		if ttl < time.Hour {
			ttl = time.Hour
		}
	}
	return &Limiter{
		client: client,
		preset: preset,
		ttl:    ttl,
		Now:    time.Now,
	}
}

// Preset returns the limiter's configuration tuple.
func (l *Limiter) Preset() Preset {
	return l.preset
}

func (l *Limiter) key(identifier string) string {
	return fmt.Sprintf("ratelimit:%s:%s", l.preset.Name, identifier)
}

// Consume takes cost tokens from the identifier's bucket. On rejection the
// bucket is not mutated and the returned *LimitError carries the retry
// delay, capped at the preset's max delay.
func (l *Limiter) Consume(ctx context.Context, identifier string, cost float64) error {
	if cost <= 0 {
		cost = 1
	}
	now := l.Now().UnixMilli()
	res, err := consumeScript.Run(ctx, l.client, []string{l.key(identifier)},
		l.preset.BucketSize, l.preset.RefillRate, now, l.ttl.Milliseconds(), cost).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: consume %q: %w", identifier, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return fmt.Errorf("ratelimit: unexpected script reply %T", res)
	}
	allowed := arr[0].(int64) == 1
	available := parseTokens(arr[1])
	if allowed {
		return nil
	}

	retryAfter := time.Duration(math.Ceil((cost-available)/l.preset.RefillRate)) * time.Second
	if l.preset.MaxDelay > 0 && retryAfter > l.preset.MaxDelay {
		retryAfter = l.preset.MaxDelay
	}
	return &LimitError{
		Key:        identifier,
		Limit:      int(l.preset.BucketSize),
		Remaining:  math.Floor(available),
		RetryAfter: retryAfter,
	}
}

// State returns the current (lazily refilled) token count and time-to-full
// without mutating the bucket. A missing bucket reads as full.
func (l *Limiter) State(ctx context.Context, identifier string) (BucketState, error) {
	vals, err := l.client.HMGet(ctx, l.key(identifier), "tokens", "last_ms").Result()
	if err != nil {
		return BucketState{}, fmt.Errorf("ratelimit: read bucket %q: %w", identifier, err)
	}
	tokens := l.preset.BucketSize
	last := l.Now().UnixMilli()
	if s, ok := vals[0].(string); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			tokens = f
		}
	}
	if s, ok := vals[1].(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			last = ms
		}
	}

	elapsed := float64(l.Now().UnixMilli()-last) / 1000
	if elapsed < 0 {
		elapsed = 0
	}
	tokens = math.Min(l.preset.BucketSize, tokens+elapsed*l.preset.RefillRate)

	var toFull time.Duration
	if missing := l.preset.BucketSize - tokens; missing > 0 && l.preset.RefillRate > 0 {
		toFull = time.Duration(missing / l.preset.RefillRate * float64(time.Second))
	}
	return BucketState{Tokens: tokens, TimeToFull: toFull}, nil
}

// IsLimited peeks whether a consume of cost would currently be rejected.
func (l *Limiter) IsLimited(ctx context.Context, identifier string, cost float64) (bool, error) {
	if cost <= 0 {
		cost = 1
	}
	state, err := l.State(ctx, identifier)
	if err != nil {
		return false, err
	}
	return state.Tokens < cost, nil
}

// Reset deletes the identifier's bucket, restoring it to full.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	return l.client.Del(ctx, l.key(identifier)).Err()
}

// CleanupExpiredBuckets deletes buckets idle past the limiter's TTL. Redis
// key expiry already handles this; the sweep exists as an administrative
// operation and returns how many keys it removed.
func (l *Limiter) CleanupExpiredBuckets(ctx context.Context) (int, error) {
	now := l.Now().UnixMilli()
	pattern := fmt.Sprintf("ratelimit:%s:*", l.preset.Name)
	var removed int
	iter := l.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := l.client.HGet(ctx, key, "last_ms").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("ratelimit: sweep read %q: %w", key, err)
		}
		last, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if now-last > l.ttl.Milliseconds() {
			if err := l.client.Del(ctx, key).Err(); err != nil {
				return removed, fmt.Errorf("ratelimit: sweep delete %q: %w", key, err)
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("ratelimit: sweep scan: %w", err)
	}
	return removed, nil
}

func parseTokens(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	case int64:
		return float64(t)
	case float64:
		return t
	default:
		return 0
	}
}

// consumeScript performs the lazy refill and conditional deduction
// atomically. Available tokens are returned as a string so Redis does not
// truncate the fractional part. The bucket is only written when the
// consume is admitted.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local available = math.min(capacity, tokens + delta / 1000 * refill)

if available < cost then
  return {0, tostring(available)}
end

available = available - cost
redis.call('HMSET', key, 'tokens', available, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {1, tostring(available)}
`)
