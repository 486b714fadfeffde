// Package worker runs the delivery loop: it leases delivery ids from Redis,
// sends them, and moves records through retry and dead-letter states.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"event-pipeline/internal/config"
	"event-pipeline/internal/delivery"
	"event-pipeline/internal/models"
	"event-pipeline/internal/queue"
	"event-pipeline/internal/store"
	"event-pipeline/internal/telemetry"
)

// Store is the record persistence the processor needs.
type Store interface {
	GetDelivery(ctx context.Context, id string) (models.DeliveryRecord, error)
	UpdateDelivery(ctx context.Context, rec models.DeliveryRecord) error
}

// Subscriptions tracks subscription health.
type Subscriptions interface {
	Get(ctx context.Context, id string) (models.Subscription, error)
	RecordFailure(ctx context.Context, id string) (bool, error)
	RecordSuccess(ctx context.Context, id string) error
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    Store
	subs     Subscriptions
	sender   delivery.Sender
	log      *slog.Logger
	workerID string
	now      func() time.Time
}

// NewProcessor creates a processor. workerID only labels log lines.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st Store, subs Subscriptions, sender delivery.Sender, logger *slog.Logger, workerID string) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		subs:     subs,
		sender:   sender,
		log:      logger.With(slog.String("component", "worker"), slog.String("worker_id", workerID)),
		workerID: workerID,
		now:      time.Now,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.housekeeping(ctx)

		worked, err := p.ProcessNext(ctx)
		if err != nil {
			p.log.Error("process delivery", slog.Any("error", err))
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

func (p *Processor) housekeeping(ctx context.Context) {
	now := p.now()
	if n, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.log.Warn("promote scheduled deliveries", slog.Any("error", err))
	} else if n > 0 {
		p.log.Debug("promoted scheduled deliveries", slog.Int("count", n))
	}
	if reclaimed, _ := p.queue.RequeueExpired(ctx, now, 100); len(reclaimed) > 0 {
		p.log.Warn("reclaimed expired leases", slog.Any("delivery_ids", reclaimed))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// ProcessNext leases and handles at most one delivery. It reports whether a
// delivery id was dequeued.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	id, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if id == "" {
		return false, nil
	}

	rec, err := p.store.GetDelivery(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		_ = p.queue.Forget(ctx, id)
		return true, nil
	}
	if err != nil {
		_ = p.queue.Ack(ctx, id)
		_ = p.queue.Schedule(ctx, id, queue.LaneDefault, p.now().Add(p.cfg.WorkerPollInterval))
		return true, fmt.Errorf("load delivery %s: %w", id, err)
	}
	if !rec.Retryable() {
		_ = p.queue.Forget(ctx, id)
		return true, nil
	}

	sub, err := p.subs.Get(ctx, rec.SubscriptionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return true, p.deadLetter(ctx, rec, "subscription deleted")
	case err != nil:
		_ = p.queue.Ack(ctx, id)
		_ = p.queue.Schedule(ctx, id, rec.Priority, p.now().Add(p.cfg.WorkerPollInterval))
		return true, fmt.Errorf("load subscription %s: %w", rec.SubscriptionID, err)
	case !sub.IsActive:
		return true, p.deadLetter(ctx, rec, "subscription disabled: "+sub.DisabledReason)
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	sendCtx, cancel := context.WithTimeout(ctx, p.deliveryTimeout())
	err = p.sender.Send(sendCtx, rec, sub)
	cancel()
	if err == nil {
		return true, p.markSent(ctx, rec)
	}
	return true, p.markFailed(ctx, rec, err)
}

func (p *Processor) deliveryTimeout() time.Duration {
	if p.cfg.DeliveryTimeout > 0 {
		return p.cfg.DeliveryTimeout
	}
	return 15 * time.Second
}

func (p *Processor) markSent(ctx context.Context, rec models.DeliveryRecord) error {
	now := p.now().UTC()
	rec.Attempt++
	rec.Status = models.DeliverySent
	rec.DeliveredAt = &now
	rec.NextRetryAt = nil
	rec.LastError = nil
	if err := p.store.UpdateDelivery(ctx, rec); err != nil {
		return fmt.Errorf("mark delivery %s sent: %w", rec.ID, err)
	}
	_ = p.queue.Forget(ctx, rec.ID)
	if err := p.subs.RecordSuccess(ctx, rec.SubscriptionID); err != nil {
		p.log.Warn("record subscription success", slog.String("subscription_id", rec.SubscriptionID), slog.Any("error", err))
	}
	telemetry.DeliveriesSent.WithLabelValues(rec.Channel).Inc()
	p.log.Info("delivery sent",
		slog.String("delivery_id", rec.ID),
		slog.String("channel", rec.Channel),
		slog.Int("attempt", rec.Attempt),
	)
	return nil
}

func (p *Processor) markFailed(ctx context.Context, rec models.DeliveryRecord, sendErr error) error {
	rec.Attempt++
	msg := sendErr.Error()
	rec.LastError = &msg

	if disabled, err := p.subs.RecordFailure(ctx, rec.SubscriptionID); err != nil {
		p.log.Warn("record subscription failure", slog.String("subscription_id", rec.SubscriptionID), slog.Any("error", err))
	} else if disabled {
		p.log.Warn("subscription disabled by delivery failures", slog.String("subscription_id", rec.SubscriptionID))
	}

	maxAttempts := rec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	if rec.Attempt >= maxAttempts {
		return p.deadLetter(ctx, rec, msg)
	}

	nextRun := p.now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, rec.Attempt)).UTC()
	rec.Status = models.DeliveryFailed
	rec.NextRetryAt = &nextRun
	if err := p.store.UpdateDelivery(ctx, rec); err != nil {
		return fmt.Errorf("mark delivery %s failed: %w", rec.ID, err)
	}
	_ = p.queue.Ack(ctx, rec.ID)
	if err := p.queue.Schedule(ctx, rec.ID, rec.Priority, nextRun); err != nil {
		return fmt.Errorf("schedule retry for %s: %w", rec.ID, err)
	}
	telemetry.DeliveryFailures.WithLabelValues(rec.Channel).Inc()
	p.log.Warn("delivery failed, retry scheduled",
		slog.String("delivery_id", rec.ID),
		slog.Int("attempt", rec.Attempt),
		slog.Time("next_retry_at", nextRun),
		slog.String("error", msg),
	)
	return nil
}

func (p *Processor) deadLetter(ctx context.Context, rec models.DeliveryRecord, reason string) error {
	rec.Status = models.DeliveryDeadLetter
	rec.NextRetryAt = nil
	rec.LastError = &reason
	if err := p.store.UpdateDelivery(ctx, rec); err != nil {
		return fmt.Errorf("dead-letter delivery %s: %w", rec.ID, err)
	}
	_ = p.queue.Forget(ctx, rec.ID)
	if err := p.queue.DLQPush(ctx, rec.ID); err != nil {
		return fmt.Errorf("push %s to dlq: %w", rec.ID, err)
	}
	telemetry.DeliveryDeadLetter.WithLabelValues(rec.Channel).Inc()
	p.log.Error("delivery dead-lettered",
		slog.String("delivery_id", rec.ID),
		slog.Int("attempt", rec.Attempt),
		slog.String("error", reason),
	)
	return nil
}

// backoffWithJitter returns base*2^(attempt-1), capped at max, scaled into
// [wait/2, wait).
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
