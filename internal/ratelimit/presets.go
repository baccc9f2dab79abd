package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Named presets for the budgets the ingress enforces. The tuples are
// fixed; callers pick a preset by name from the registry built at startup.
var (
	// PresetChatMessages admits 50 messages per hour per session.
	PresetChatMessages = Preset{Name: "chat_messages", BucketSize: 50, RefillRate: 50.0 / 3600, MaxDelay: time.Hour}
	// PresetVoiceTokens admits 10 voice-session tokens per minute.
	PresetVoiceTokens = Preset{Name: "voice_tokens", BucketSize: 10, RefillRate: 10.0 / 60, MaxDelay: time.Minute}
	// PresetUploads admits 10 uploads per hour.
	PresetUploads = Preset{Name: "uploads", BucketSize: 10, RefillRate: 10.0 / 3600, MaxDelay: time.Hour}
	// PresetWebhooks admits bursts of 100 with 10/s sustained.
	PresetWebhooks = Preset{Name: "webhooks", BucketSize: 100, RefillRate: 10, MaxDelay: 30 * time.Second}
	// PresetJobs admits 50 job submissions per hour per session.
	PresetJobs = Preset{Name: "jobs", BucketSize: 50, RefillRate: 50.0 / 3600, MaxDelay: time.Hour}
)

// Registry maps preset names to limiter instances. It is built once at
// startup and injected where needed; there is no package-level mutable
// registry.
type Registry struct {
	limiters map[string]*Limiter
}

// NewRegistry builds limiters for the given presets on a shared client.
func NewRegistry(client *redis.Client, presets ...Preset) *Registry {
	r := &Registry{limiters: make(map[string]*Limiter, len(presets))}
	for _, p := range presets {
		r.limiters[p.Name] = New(client, p, 0)
	}
	return r
}

// Get returns the limiter for a preset name, or nil when unknown.
func (r *Registry) Get(name string) *Limiter {
	return r.limiters[name]
}

// CleanupExpired sweeps idle buckets across every registered preset and
// returns the total number deleted.
func (r *Registry) CleanupExpired(ctx context.Context) (int, error) {
	total := 0
	for _, l := range r.limiters {
		n, err := l.CleanupExpiredBuckets(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
