// Package delivery turns matched subscriptions into durable delivery records
// and sends them over their channels.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"event-pipeline/internal/models"
	"event-pipeline/internal/queue"
	"event-pipeline/internal/store"
	"event-pipeline/internal/telemetry"
)

// DefaultMaxAttempts bounds retries when the caller does not configure it.
const DefaultMaxAttempts = 5

// Store is the persistence the service needs.
type Store interface {
	CreateDelivery(ctx context.Context, rec models.DeliveryRecord) (models.DeliveryRecord, bool, error)
	GetDelivery(ctx context.Context, id string) (models.DeliveryRecord, error)
	UpdateDelivery(ctx context.Context, rec models.DeliveryRecord) error
}

// Queue is the subset of the Redis queue used for enqueue and replay.
type Queue interface {
	Enqueue(ctx context.Context, id, lane string, runAt time.Time) error
	DLQRemove(ctx context.Context, id string) error
}

// NotificationRequest is a rendered notification for one subscription.
type NotificationRequest struct {
	Subscription models.Subscription
	Event        models.Event
	Title        string
	Body         string
	URL          string
}

// ReplayResult reports what happened to each id passed to Replay.
type ReplayResult struct {
	Replayed []string `json:"replayed"`
	Skipped  []string `json:"skipped"`
	NotFound []string `json:"notFound"`
}

// Service creates delivery records and hands their ids to the queue.
type Service struct {
	store       Store
	queue       Queue
	maxAttempts int
	log         *slog.Logger
	now         func() time.Time
}

// NewService wires a delivery service.
func NewService(st Store, q Queue, maxAttempts int, logger *slog.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		queue:       q,
		maxAttempts: maxAttempts,
		log:         logger.With(slog.String("component", "delivery")),
		now:         time.Now,
	}
}

// Lane picks the queue lane for an event.
func Lane(evt models.Event) string {
	if evt.Severity == models.SeverityCritical {
		return queue.LaneCritical
	}
	return queue.LaneDefault
}

// QueueNotification records and enqueues a notification. Queuing the same
// (event, subscription) pair twice returns the first record.
func (s *Service) QueueNotification(ctx context.Context, req NotificationRequest) (models.DeliveryRecord, error) {
	payload := map[string]any{
		"title":     req.Title,
		"body":      req.Body,
		"eventType": req.Event.Type,
		"entityId":  req.Event.EntityID,
	}
	if req.URL != "" {
		payload["url"] = req.URL
	}
	rec := s.newRecord(req.Subscription, req.Event, models.KindNotification)
	rec.Recipient = req.Subscription.UserID
	rec.Payload = payload
	return s.create(ctx, rec)
}

// QueueWebhook records and enqueues a webhook delivery. The body is
// canonicalized once here and sent byte for byte on every attempt.
func (s *Service) QueueWebhook(ctx context.Context, sub models.Subscription, evt models.Event) (models.DeliveryRecord, error) {
	rec := s.newRecord(sub, evt, models.KindWebhook)
	rec.URL = sub.WebhookURL
	rec.Payload = Envelope(rec.ID, evt)
	body, err := Canonical(rec.Payload)
	if err != nil {
		return models.DeliveryRecord{}, err
	}
	rec.Body = body
	return s.create(ctx, rec)
}

func (s *Service) newRecord(sub models.Subscription, evt models.Event, kind string) models.DeliveryRecord {
	now := s.now().UTC()
	return models.DeliveryRecord{
		ID:             uuid.NewString(),
		OrgID:          evt.OrgID,
		EventID:        evt.ID,
		EventType:      evt.Type,
		SubscriptionID: sub.ID,
		Kind:           kind,
		Channel:        sub.Channel,
		Priority:       Lane(evt),
		Status:         models.DeliveryQueued,
		MaxAttempts:    s.maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Service) create(ctx context.Context, rec models.DeliveryRecord) (models.DeliveryRecord, error) {
	saved, created, err := s.store.CreateDelivery(ctx, rec)
	if err != nil {
		return models.DeliveryRecord{}, fmt.Errorf("create delivery: %w", err)
	}
	if !created && !unqueued(saved) {
		s.log.Debug("delivery already queued",
			slog.String("delivery_id", saved.ID),
			slog.String("event_id", saved.EventID),
			slog.String("subscription_id", saved.SubscriptionID),
		)
		return saved, nil
	}
	if !created {
		saved.Status = models.DeliveryQueued
		saved.LastError = nil
		saved.NextRetryAt = nil
		saved.UpdatedAt = s.now().UTC()
		if err := s.store.UpdateDelivery(ctx, saved); err != nil {
			return saved, fmt.Errorf("requeue delivery %s: %w", saved.ID, err)
		}
	}
	saved, err = s.enqueue(ctx, saved)
	if err != nil {
		return saved, err
	}
	telemetry.DeliveriesQueued.WithLabelValues(saved.Channel).Inc()
	return saved, nil
}

// unqueued reports a record whose id never reached the queue: it failed
// before its first attempt.
func unqueued(rec models.DeliveryRecord) bool {
	return rec.Status == models.DeliveryFailed && rec.Attempt == 0
}

// enqueue pushes the record id onto its lane. When the queue is unreachable
// the record is marked failed so Replay can pick it up later.
func (s *Service) enqueue(ctx context.Context, rec models.DeliveryRecord) (models.DeliveryRecord, error) {
	qerr := s.queue.Enqueue(ctx, rec.ID, rec.Priority, s.now())
	if qerr == nil {
		return rec, nil
	}
	msg := "enqueue: " + qerr.Error()
	rec.Status = models.DeliveryFailed
	rec.LastError = &msg
	rec.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateDelivery(ctx, rec); err != nil {
		s.log.Error("mark unqueued delivery failed",
			slog.String("delivery_id", rec.ID),
			slog.Any("error", err),
		)
	}
	return rec, fmt.Errorf("enqueue delivery %s: %w", rec.ID, qerr)
}

// Replay resets failed and dead-lettered records to queued with a fresh
// attempt budget. Sent and queued records are left alone.
func (s *Service) Replay(ctx context.Context, ids []string) (ReplayResult, error) {
	res := ReplayResult{Replayed: []string{}, Skipped: []string{}, NotFound: []string{}}
	for _, id := range ids {
		rec, err := s.store.GetDelivery(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			res.NotFound = append(res.NotFound, id)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("replay %s: %w", id, err)
		}
		if rec.Status != models.DeliveryFailed && rec.Status != models.DeliveryDeadLetter {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		rec.Status = models.DeliveryQueued
		rec.Attempt = 0
		rec.NextRetryAt = nil
		rec.LastError = nil
		if err := s.store.UpdateDelivery(ctx, rec); err != nil {
			return res, fmt.Errorf("replay %s: %w", id, err)
		}
		if err := s.queue.DLQRemove(ctx, id); err != nil {
			return res, fmt.Errorf("replay %s: %w", id, err)
		}
		if _, err := s.enqueue(ctx, rec); err != nil {
			return res, fmt.Errorf("replay %s: %w", id, err)
		}
		s.log.Info("delivery replayed", slog.String("delivery_id", id))
		res.Replayed = append(res.Replayed, id)
	}
	return res, nil
}

// Envelope is the JSON document posted to webhook endpoints.
func Envelope(deliveryID string, evt models.Event) map[string]any {
	body := map[string]any{
		"deliveryId":    deliveryID,
		"id":            evt.ID,
		"eventType":     evt.Type,
		"category":      evt.Category,
		"severity":      evt.Severity,
		"orgId":         evt.OrgID,
		"entityType":    evt.EntityType,
		"entityId":      evt.EntityID,
		"occurredAt":    evt.OccurredAt.UTC().Format(time.RFC3339Nano),
		"correlationId": evt.CorrelationID,
		"actor": map[string]any{
			"type": evt.ActorType,
			"id":   evt.ActorID,
			"name": evt.ActorName,
		},
		"data": evt.Data,
	}
	if evt.EntityName != "" {
		body["entityName"] = evt.EntityName
	}
	if len(evt.Changes) > 0 {
		body["changes"] = evt.Changes
	}
	return body
}

// Canonical renders v as RFC 8785 canonical JSON.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook body: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize webhook body: %w", err)
	}
	return out, nil
}
