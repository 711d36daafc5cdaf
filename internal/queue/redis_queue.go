package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"audiobook-pipeline/internal/models"
)

// RedisQueue coordinates per-stage ready lists plus shared in-flight and
// scheduled sets in Redis. Delivery is at-least-once: a dequeued job that is
// not acknowledged before its visibility deadline becomes eligible for
// redelivery via RequeueExpired.
type RedisQueue struct {
	client        *redis.Client
	inflightKey   string
	scheduledKey  string
	visibilityTTL time.Duration
}

// New builds a queue on an existing Redis client.
func New(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		inflightKey:   "pipeline:inflight",
		scheduledKey:  "pipeline:scheduled",
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) readyKey(stage models.Stage) string {
	return fmt.Sprintf("pipeline:ready:%s", stage)
}

// Enqueue makes a (book, stage) job immediately visible to that stage's consumers.
func (q *RedisQueue) Enqueue(ctx context.Context, bookID string, stage models.Stage) error {
	return q.client.RPush(ctx, q.readyKey(stage), models.JobKey(bookID, stage)).Err()
}

// Schedule defers a job until runAt. Used for retry backoff.
func (q *RedisQueue) Schedule(ctx context.Context, bookID string, stage models.Stage, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: models.JobKey(bookID, stage),
	}).Err()
}

// PromoteScheduled moves due scheduled jobs into their stage's ready list.
// It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	keys, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, key := range keys {
		_, stage, ok := models.SplitJobKey(key)
		if !ok {
			pipe.ZRem(ctx, q.scheduledKey, key)
			continue
		}
		pipe.ZRem(ctx, q.scheduledKey, key)
		pipe.RPush(ctx, q.readyKey(stage), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// DequeueWithLease pops the next job for a stage and places it into the
// in-flight set with a visibility deadline. It returns ("", nil) when the
// stage's ready list is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, stage models.Stage) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey(stage), q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	key, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return key, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobKey string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobKey,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, jobKey string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobKey).Err()
}

// RequeueExpired reclaims leases whose deadline passed, re-enqueuing the jobs
// on their stage's ready list. It returns the reclaimed job keys.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	keys, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, key := range keys {
		_, stage, ok := models.SplitJobKey(key)
		if !ok {
			pipe.ZRem(ctx, q.inflightKey, key)
			continue
		}
		pipe.ZRem(ctx, q.inflightKey, key)
		pipe.RPush(ctx, q.readyKey(stage), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return keys, nil
}

// Remove drops every queue entry for a book across all stages. Used on cancel
// so never-started jobs are not delivered at all.
func (q *RedisQueue) Remove(ctx context.Context, bookID string) error {
	pipe := q.client.TxPipeline()
	for _, stage := range models.Stages() {
		key := models.JobKey(bookID, stage)
		pipe.LRem(ctx, q.readyKey(stage), 0, key)
		pipe.ZRem(ctx, q.inflightKey, key)
		pipe.ZRem(ctx, q.scheduledKey, key)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveIdle drops a book's ready and scheduled entries but leaves any
// in-flight lease alone, so a running worker finishes cooperatively.
func (q *RedisQueue) RemoveIdle(ctx context.Context, bookID string) error {
	pipe := q.client.TxPipeline()
	for _, stage := range models.Stages() {
		key := models.JobKey(bookID, stage)
		pipe.LRem(ctx, q.readyKey(stage), 0, key)
		pipe.ZRem(ctx, q.scheduledKey, key)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// InFlight reports whether a (book, stage) job currently holds a lease.
func (q *RedisQueue) InFlight(ctx context.Context, bookID string, stage models.Stage) (bool, error) {
	err := q.client.ZScore(ctx, q.inflightKey, models.JobKey(bookID, stage)).Err()
	if err == nil {
		return true, nil
	}
	if err == redis.Nil {
		return false, nil
	}
	return false, err
}

// Pending reports whether a (book, stage) job is anywhere in the queue:
// ready, scheduled, or in-flight.
func (q *RedisQueue) Pending(ctx context.Context, bookID string, stage models.Stage) (bool, error) {
	key := models.JobKey(bookID, stage)

	if err := q.client.LPos(ctx, q.readyKey(stage), key, redis.LPosArgs{}).Err(); err == nil {
		return true, nil
	} else if err != redis.Nil {
		return false, err
	}
	if err := q.client.ZScore(ctx, q.inflightKey, key).Err(); err == nil {
		return true, nil
	} else if err != redis.Nil {
		return false, err
	}
	if err := q.client.ZScore(ctx, q.scheduledKey, key).Err(); err == nil {
		return true, nil
	} else if err != redis.Nil {
		return false, err
	}
	return false, nil
}

// Depth returns the ready-list length for one stage.
func (q *RedisQueue) Depth(ctx context.Context, stage models.Stage) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(stage)).Result()
}

// TotalDepth returns the summed ready depth across all stages.
func (q *RedisQueue) TotalDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(models.Stages()))
	for _, stage := range models.Stages() {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(stage)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
