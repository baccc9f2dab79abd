package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Request-id headers consulted for duplicate detection, in priority order.
var requestIDHeaders = []string{"X-Request-ID", "X-Webhook-ID"}

// DuplicateDetector recognizes redelivery of the same logical request so
// it can be acknowledged without reprocessing. Records are set-if-absent
// with a fixed TTL; concurrent first sightings race safely because the
// SetNX loser treats the key as already seen.
type DuplicateDetector struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDuplicateDetector builds a detector. A zero ttl defaults to 24 hours.
func NewDuplicateDetector(client *redis.Client, ttl time.Duration) *DuplicateDetector {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DuplicateDetector{client: client, ttl: ttl}
}

// RequestID derives the idempotency identifier: a request-id header when
// present, otherwise a content hash of the body.
func RequestID(r *http.Request, body []byte) string {
	for _, h := range requestIDHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// IsDuplicate records the first sighting of the request id and reports
// whether it was already seen within the TTL.
func (d *DuplicateDetector) IsDuplicate(ctx context.Context, r *http.Request, body []byte) (bool, error) {
	id := RequestID(r, body)
	set, err := d.client.SetNX(ctx, "webhook:seen:"+id, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("webhook: dedupe %q: %w", id, err)
	}
	return !set, nil
}
