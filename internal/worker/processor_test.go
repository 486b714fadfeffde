package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-pipeline/internal/config"
	"event-pipeline/internal/delivery"
	"event-pipeline/internal/logging"
	"event-pipeline/internal/models"
	"event-pipeline/internal/queue"
	"event-pipeline/internal/store"
	"event-pipeline/internal/subscriptions"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	for i := 0; i < 50; i++ {
		b1 := backoffWithJitter(base, max, 1)
		assert.GreaterOrEqual(t, b1, base/2)
		assert.Less(t, b1, base)

		b3 := backoffWithJitter(base, max, 3)
		assert.GreaterOrEqual(t, b3, 2*time.Second)
		assert.Less(t, b3, 4*time.Second)

		capped := backoffWithJitter(base, max, 30)
		assert.GreaterOrEqual(t, capped, max/2)
		assert.Less(t, capped, max)
	}
	assert.Equal(t, base, backoffWithJitter(base, max, 0))
}

type stubSender struct {
	errs  []error
	calls int
}

func (s *stubSender) Send(context.Context, models.DeliveryRecord, models.Subscription) error {
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

type harness struct {
	store  *store.SQLite
	queue  *queue.RedisQueue
	subs   *subscriptions.Registry
	svc    *delivery.Service
	sender *stubSender
	proc   *Processor
	clock  *time.Time
}

func newHarness(t *testing.T, threshold int) harness {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.RunMigrations(context.Background()))
	t.Cleanup(st.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Defaults()
	cfg.MaxAttempts = 3
	cfg.BackoffInitial = time.Second
	cfg.BackoffMax = 10 * time.Second
	cfg.ScheduledBatchSize = 10
	q := queue.NewRedisQueue(client, cfg)
	subs := subscriptions.NewRegistry(st, threshold, logging.Discard())
	sender := &stubSender{}
	proc := NewProcessor(cfg, q, st, subs, sender, logging.Discard(), "w-1")
	now := time.Now()
	proc.now = func() time.Time { return now }

	return harness{
		store: st, queue: q, subs: subs, sender: sender, proc: proc, clock: &now,
		svc: delivery.NewService(st, q, cfg.MaxAttempts, logging.Discard()),
	}
}

func (h harness) queueWebhook(t *testing.T) models.DeliveryRecord {
	t.Helper()
	ctx := context.Background()
	sub, err := h.subs.Subscribe(ctx, subscriptions.SubscribeParams{
		OrgID: "org-1", EventPattern: "*", Channel: models.ChannelWebhook, WebhookURL: "https://example.com/h",
	})
	require.NoError(t, err)
	rec, err := h.svc.QueueWebhook(ctx, sub, models.Event{
		ID: "evt-1", OrgID: "org-1", Type: "job.created", Severity: models.SeverityInfo, OccurredAt: time.Now(),
	})
	require.NoError(t, err)
	return rec
}

func TestProcessNextSends(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	rec := h.queueWebhook(t)

	worked, err := h.proc.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	got, err := h.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.NotNil(t, got.DeliveredAt)

	worked, err = h.proc.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestRetryThenDeadLetter(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	rec := h.queueWebhook(t)
	boom := errors.New("webhook responded 500")
	h.sender.errs = []error{boom, boom, boom}

	_, err := h.proc.ProcessNext(ctx)
	require.NoError(t, err)
	got, err := h.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, got.Status)
	assert.Equal(t, 1, got.Attempt)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, "webhook responded 500", *got.LastError)

	worked, err := h.proc.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "retry is not ready before its backoff elapses")

	for i := 0; i < 2; i++ {
		*h.clock = h.clock.Add(time.Minute)
		h.proc.housekeeping(ctx)
		worked, err = h.proc.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, worked)
	}

	got, err = h.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDeadLetter, got.Status)
	assert.Equal(t, 3, got.Attempt)
	assert.Nil(t, got.NextRetryAt)

	ids, err := h.queue.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, ids)

	sub, err := h.subs.Get(ctx, rec.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, 3, sub.FailureCount)

	*h.clock = h.clock.Add(time.Hour)
	h.proc.housekeeping(ctx)
	worked, err = h.proc.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "dead letters leave the normal flow")
	assert.Equal(t, 3, h.sender.calls)
}

func TestReplayedDeadLetterIsDelivered(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	rec := h.queueWebhook(t)
	boom := errors.New("webhook responded 503")
	h.sender.errs = []error{boom, boom, boom}

	for i := 0; i < 3; i++ {
		*h.clock = h.clock.Add(time.Minute)
		h.proc.housekeeping(ctx)
		worked, err := h.proc.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, worked)
	}
	got, err := h.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryDeadLetter, got.Status)

	res, err := h.svc.Replay(ctx, []string{rec.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, res.Replayed)

	got, err = h.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryQueued, got.Status)
	assert.Zero(t, got.Attempt)

	worked, err := h.proc.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	got, err = h.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Nil(t, got.LastError)
	assert.NotNil(t, got.DeliveredAt)
	assert.Equal(t, 4, h.sender.calls)

	n, err := h.queue.DLQLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	sub, err := h.subs.Get(ctx, rec.SubscriptionID)
	require.NoError(t, err)
	assert.Zero(t, sub.FailureCount)
}

func TestDisabledSubscriptionDeadLetters(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	rec := h.queueWebhook(t)
	require.NoError(t, h.subs.Disable(ctx, rec.SubscriptionID, "paused by admin"))

	_, err := h.proc.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Zero(t, h.sender.calls)

	got, err := h.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDeadLetter, got.Status)
	assert.Equal(t, "subscription disabled: paused by admin", *got.LastError)
}

func TestAutoDisableAfterThreshold(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	rec := h.queueWebhook(t)
	h.sender.errs = []error{errors.New("connection refused")}

	_, err := h.proc.ProcessNext(ctx)
	require.NoError(t, err)

	sub, err := h.subs.Get(ctx, rec.SubscriptionID)
	require.NoError(t, err)
	assert.False(t, sub.IsActive)
	assert.Equal(t, "auto-disabled after 1 consecutive delivery failures", sub.DisabledReason)

	*h.clock = h.clock.Add(time.Minute)
	h.proc.housekeeping(ctx)
	_, err = h.proc.ProcessNext(ctx)
	require.NoError(t, err)
	got, err := h.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDeadLetter, got.Status)
	assert.Equal(t, 1, h.sender.calls)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 0)
	h.proc.cfg.WorkerPollInterval = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.proc.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
