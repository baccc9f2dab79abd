package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scheduler is the "run this job at time T" primitive backing the job
// processor. Deferred jobs live in a sorted set scored by run time; due
// jobs are promoted to a ready list; dequeued jobs sit in an in-flight
// set with a visibility deadline so a crashed worker's lease expires and
// the job fires again (at-least-once).
type Scheduler struct {
	client       *redis.Client
	readyKey     string
	scheduledKey string
	inflightKey  string
	lease        time.Duration
}

// New builds a scheduler. A zero lease defaults to two minutes.
func New(client *redis.Client, lease time.Duration) *Scheduler {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &Scheduler{
		client:       client,
		readyKey:     "jobs:ready",
		scheduledKey: "jobs:scheduled",
		inflightKey:  "jobs:inflight",
		lease:        lease,
	}
}

// Schedule registers jobID to fire at runAt. Past or immediate run times
// go straight to the ready list.
func (s *Scheduler) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	if runAt.After(time.Now()) {
		err := s.client.ZAdd(ctx, s.scheduledKey, redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: jobID,
		}).Err()
		if err != nil {
			return fmt.Errorf("schedule %q: %w", jobID, err)
		}
		return nil
	}
	if err := s.client.RPush(ctx, s.readyKey, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue %q: %w", jobID, err)
	}
	return nil
}

// PromoteDue moves jobs whose run time has arrived onto the ready list.
func (s *Scheduler) PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("promote due: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, s.scheduledKey, id)
		pipe.RPush(ctx, s.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote due: %w", err)
	}
	return len(ids), nil
}

// DequeueWithLease pops the next ready job and records a visibility
// deadline for it. Returns "" when nothing is ready.
func (s *Scheduler) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, s.client,
		[]string{s.readyKey, s.inflightKey},
		time.Now().Add(s.lease).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("dequeue: unexpected reply type %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes a running job's visibility deadline forward.
func (s *Scheduler) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return s.client.ZAdd(ctx, s.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking once its store transition has
// been recorded.
func (s *Scheduler) Ack(ctx context.Context, jobID string) error {
	return s.client.ZRem(ctx, s.inflightKey, jobID).Err()
}

// RequeueExpired reclaims jobs whose lease lapsed, returning them to the
// ready list so they fire again.
func (s *Scheduler) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, s.inflightKey, id)
		pipe.RPush(ctx, s.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	return ids, nil
}

// ReadyDepth returns the length of the ready list.
func (s *Scheduler) ReadyDepth(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
