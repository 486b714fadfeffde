package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"event-pipeline/internal/bus"
	"event-pipeline/internal/delivery"
	"event-pipeline/internal/events"
	"event-pipeline/internal/models"
)

// SubscriptionSource finds subscriptions for an event.
type SubscriptionSource interface {
	GetMatchingSubscriptions(ctx context.Context, orgID, eventType string) ([]models.Subscription, error)
	Webhooks(ctx context.Context, orgID string) ([]models.Subscription, error)
}

// Deliveries queues delivery records.
type Deliveries interface {
	QueueNotification(ctx context.Context, req delivery.NotificationRequest) (models.DeliveryRecord, error)
	QueueWebhook(ctx context.Context, sub models.Subscription, evt models.Event) (models.DeliveryRecord, error)
}

// Notification queues a rendered notification for every matching user
// subscription except the actor's own.
type Notification struct {
	subs       SubscriptionSource
	deliveries Deliveries
	log        *slog.Logger
}

// NewNotification returns the notification handler.
func NewNotification(subs SubscriptionSource, d Deliveries, logger *slog.Logger) *Notification {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notification{subs: subs, deliveries: d, log: logger}
}

// Name implements bus.Handler.
func (*Notification) Name() string { return "notification-dispatcher" }

// Handle implements bus.Handler.
func (n *Notification) Handle(ctx context.Context, evt models.Event) (bus.Result, error) {
	subs, err := n.subs.GetMatchingSubscriptions(ctx, evt.OrgID, evt.Type)
	if err != nil {
		return bus.Result{Error: err.Error()}, err
	}
	rendered := Render(evt)
	var ids []string
	var errs []error
	for _, sub := range subs {
		if sub.Channel == models.ChannelWebhook {
			continue
		}
		if evt.ActorID != "" && sub.UserID == evt.ActorID {
			continue
		}
		rec, err := n.deliveries.QueueNotification(ctx, delivery.NotificationRequest{
			Subscription: sub,
			Event:        evt,
			Title:        rendered.Title,
			Body:         rendered.Body,
			URL:          rendered.URL,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		ids = append(ids, rec.ID)
	}
	return result(ids, errs)
}

// Webhook queues a signed delivery for every active webhook subscription of
// the org whose pattern matches.
type Webhook struct {
	subs       SubscriptionSource
	deliveries Deliveries
	log        *slog.Logger
}

// NewWebhook returns the webhook handler.
func NewWebhook(subs SubscriptionSource, d Deliveries, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{subs: subs, deliveries: d, log: logger}
}

// Name implements bus.Handler.
func (*Webhook) Name() string { return "webhook-dispatcher" }

// Handle implements bus.Handler.
func (w *Webhook) Handle(ctx context.Context, evt models.Event) (bus.Result, error) {
	subs, err := w.subs.Webhooks(ctx, evt.OrgID)
	if err != nil {
		return bus.Result{Error: err.Error()}, err
	}
	var ids []string
	var errs []error
	for _, sub := range subs {
		if !events.MatchWebhook(sub.EventPattern, evt.Type) {
			continue
		}
		if sub.WebhookURL == "" {
			w.log.Warn("webhook subscription has no url", slog.String("subscription_id", sub.ID))
			continue
		}
		rec, err := w.deliveries.QueueWebhook(ctx, sub, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		ids = append(ids, rec.ID)
	}
	return result(ids, errs)
}

func result(ids []string, errs []error) (bus.Result, error) {
	if err := errors.Join(errs...); err != nil {
		return bus.Result{Count: len(ids), IDs: ids, Error: err.Error()}, err
	}
	return bus.Result{Success: true, Count: len(ids), IDs: ids}, nil
}
