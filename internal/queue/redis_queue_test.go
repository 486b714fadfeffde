package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-pipeline/internal/config"
)

func newQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Defaults()
	cfg.VisibilityTimeout = 10 * time.Second
	return NewRedisQueue(client, cfg), mr
}

func TestDequeueHonoursLanes(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Enqueue(ctx, "d-low", LaneLow, now))
	require.NoError(t, q.Enqueue(ctx, "d-default", LaneDefault, now))
	require.NoError(t, q.Enqueue(ctx, "d-critical", LaneCritical, now))
	require.NoError(t, q.Enqueue(ctx, "d-unknown", "bogus", now))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, depth)

	var order []string
	for {
		id, err := q.DequeueWithLease(ctx)
		require.NoError(t, err)
		if id == "" {
			break
		}
		order = append(order, id)
	}
	assert.Equal(t, []string{"d-critical", "d-default", "d-unknown", "d-low"}, order)
}

func TestScheduleAndPromote(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Enqueue(ctx, "d-1", LaneCritical, now.Add(time.Minute)))
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	n, err := q.PromoteScheduled(ctx, now, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.PromoteScheduled(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d-1", id)
}

func TestExpiredLeasesAreRequeued(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "d-1", LaneDefault, time.Now()))
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "d-1", id)

	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"d-1"}, ids)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d-1", id)
	require.NoError(t, q.Ack(ctx, id))

	ids, err = q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDeadLetterList(t *testing.T) {
	q, mr := newQueue(t)
	ctx := context.Background()

	require.NoError(t, q.DLQPush(ctx, "d-1"))
	require.NoError(t, q.DLQPush(ctx, "d-2"))
	require.NoError(t, q.DLQPush(ctx, "d-1"))

	n, err := q.DLQLen(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	ids, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"d-2", "d-1"}, ids)

	require.NoError(t, q.DLQRemove(ctx, "d-2"))
	list, err := mr.List("delivery:dlq")
	require.NoError(t, err)
	assert.Equal(t, []string{"d-1"}, list)
}

func TestForget(t *testing.T) {
	q, mr := newQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "d-1", LaneDefault, time.Now()))
	require.NoError(t, q.Forget(ctx, "d-1"))
	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.False(t, mr.Exists("delivery:meta:d-1"))
}
