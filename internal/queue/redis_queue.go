// Package queue holds delivery record ids in Redis: priority lanes of ready
// ids, a scheduled set for retries, an in-flight lease set and a dead-letter
// list. Records themselves live in the store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"event-pipeline/internal/config"
)

// Priority lanes used by the delivery service.
const (
	LaneCritical = "critical"
	LaneDefault  = "default"
	LaneLow      = "low"
)

// RedisQueue coordinates ready, in-flight, and scheduled delivery ids.
type RedisQueue struct {
	client        *redis.Client
	lanes         []string
	inflightKey   string
	scheduledKey  string
	metaPrefix    string
	visibilityTTL time.Duration
	dlqKey        string
	now           func() time.Time
}

// NewClient opens the Redis client described by cfg.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on top of an existing client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	lanes := cfg.PriorityQueues
	if len(lanes) == 0 {
		lanes = []string{LaneDefault}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "delivery:dlq"
	}
	return &RedisQueue{
		client:        client,
		lanes:         lanes,
		inflightKey:   "delivery:inflight",
		scheduledKey:  "delivery:scheduled",
		metaPrefix:    "delivery:meta:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
		now:           time.Now,
	}
}

// Client exposes the underlying Redis client for health checks.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) readyKey(lane string) string {
	return fmt.Sprintf("delivery:ready:%s", lane)
}

func (q *RedisQueue) metaKey(id string) string {
	return q.metaPrefix + id
}

func (q *RedisQueue) lane(lane string) string {
	for _, l := range q.lanes {
		if l == lane {
			return lane
		}
	}
	return q.lanes[len(q.lanes)/2]
}

// Enqueue makes a delivery ready now, or schedules it when runAt is in the
// future.
func (q *RedisQueue) Enqueue(ctx context.Context, id, lane string, runAt time.Time) error {
	lane = q.lane(lane)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(id), "lane", lane)
	if runAt.After(q.now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	} else {
		pipe.RPush(ctx, q.readyKey(lane), id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule defers a delivery until runAt.
func (q *RedisQueue) Schedule(ctx context.Context, id, lane string, runAt time.Time) error {
	lane = q.lane(lane)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(id), "lane", lane)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due retries into their ready lanes and returns how
// many moved.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.due(ctx, q.scheduledKey, now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	if err := q.moveToReady(ctx, q.scheduledKey, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next id, highest lane first, and leases it for
// the visibility timeout. An empty id means nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.lanes)+1)
	for _, l := range q.lanes {
		keys = append(keys, q.readyKey(l))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return id, nil
}

// ExtendLease pushes the visibility deadline of an in-flight delivery.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack releases the lease. The lane metadata is kept while the id may still be
// rescheduled; Forget drops it.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	return q.client.ZRem(ctx, q.inflightKey, id).Err()
}

// Forget removes every trace of the id except the dead-letter list.
func (q *RedisQueue) Forget(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	for _, l := range q.lanes {
		pipe.LRem(ctx, q.readyKey(l), 0, id)
	}
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.ZRem(ctx, q.scheduledKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired returns leases that timed out to their ready lanes.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.due(ctx, q.inflightKey, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	if err := q.moveToReady(ctx, q.inflightKey, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (q *RedisQueue) due(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
}

func (q *RedisQueue) moveToReady(ctx context.Context, from string, ids []string) error {
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		lane, err := q.client.HGet(ctx, q.metaKey(id), "lane").Result()
		if err != nil || lane == "" {
			lane = LaneDefault
		}
		pipe.ZRem(ctx, from, id)
		pipe.RPush(ctx, q.readyKey(q.lane(lane)), id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends a dead-lettered delivery id.
func (q *RedisQueue) DLQPush(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.dlqKey, 0, id)
	pipe.RPush(ctx, q.dlqKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQRemove drops an id from the dead-letter list, as replay does.
func (q *RedisQueue) DLQRemove(ctx context.Context, id string) error {
	return q.client.LRem(ctx, q.dlqKey, 0, id).Err()
}

// DLQPeek reads the oldest count dead-lettered ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// DLQLen returns the dead-letter list length.
func (q *RedisQueue) DLQLen(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.dlqKey).Result()
}

// ReadyDepth returns the total length of all ready lanes.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.lanes))
	for _, l := range q.lanes {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(l)))
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
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)
