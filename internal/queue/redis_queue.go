package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"audiogen/internal/config"
)

// RedisQueue coordinates the ready, in-flight, and scheduled job sets in
// Redis. Delivery is at-least-once: consumers hold a lease while working and
// expired leases are reclaimed, so every step downstream must be idempotent
// on the job id.
// publishDedupTTL bounds how long a publish marker lives. Comfortably longer
// than any job lifetime including the full retry schedule.
const publishDedupTTL = 24 * time.Hour

type RedisQueue struct {
	client          *redis.Client
	readyKey        string
	inflightKey     string
	scheduledKey    string
	publishedPrefix string
	visibilityTTL   time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.VisibilityTimeout)
}

// NewRedisQueueWithClient wraps an existing client; used by tests.
func NewRedisQueueWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{
		client:          client,
		readyKey:        "genqueue:ready",
		inflightKey:     "genqueue:inflight",
		scheduledKey:    "genqueue:scheduled",
		publishedPrefix: "genqueue:published",
		visibilityTTL:   visibility,
	}
}

// Publish inserts a job id into the ready queue exactly once. A second
// publish for the same id is detected via its publish marker and dropped as a
// no-op; it reports whether the id was actually enqueued. Markers expire
// after publishDedupTTL so dedup state stays bounded.
func (q *RedisQueue) Publish(ctx context.Context, jobID string) (bool, error) {
	added, err := q.client.SetNX(ctx, q.publishedPrefix+":"+jobID, 1, publishDedupTTL).Result()
	if err != nil {
		return false, err
	}
	if !added {
		return false, nil
	}
	if err := q.client.RPush(ctx, q.readyKey, jobID).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Schedule moves a job into the scheduled set for deferred redelivery
// (retry backoff). It bypasses publish dedup: the id is already known.
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: jobID,
	}).Err()
}

// PromoteScheduled moves due scheduled jobs into the ready queue. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a job id from the ready queue and places it into
// inflight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
// Used when a provider call may outlast the default lease.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
// This is how a crashed worker's job gets redelivered.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
