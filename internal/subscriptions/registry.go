// Package subscriptions manages user and integration subscriptions and tracks
// their delivery health.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"event-pipeline/internal/events"
	"event-pipeline/internal/models"
	"event-pipeline/internal/store"
	"event-pipeline/internal/telemetry"
)

// ErrInvalidSubscription is returned when Subscribe parameters fail validation.
var ErrInvalidSubscription = errors.New("invalid subscription")

// DefaultFailureThreshold is the consecutive failure count that disables a
// subscription.
const DefaultFailureThreshold = 10

// Store is the persistence the registry needs.
type Store interface {
	CreateSubscription(ctx context.Context, sub models.Subscription) error
	GetSubscription(ctx context.Context, id string) (models.Subscription, error)
	ListSubscriptions(ctx context.Context, f store.SubscriptionFilter) ([]models.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	SetSubscriptionActive(ctx context.Context, id string, active bool, reason string) error
	IncrementSubscriptionFailures(ctx context.Context, id string) (int, error)
	ResetSubscriptionFailures(ctx context.Context, id string) error
}

// SubscribeParams describes a new subscription.
type SubscribeParams struct {
	OrgID        string `json:"-"`
	UserID       string `json:"userId"`
	EventPattern string `json:"eventPattern"`
	Channel      string `json:"channel"`
	WebhookURL   string `json:"webhookUrl"`
	Secret       string `json:"secret"`
}

// Registry is the subscription table.
type Registry struct {
	store     Store
	threshold int
	log       *slog.Logger
	now       func() time.Time
}

// NewRegistry returns a registry that disables subscriptions after threshold
// consecutive failures. A non-positive threshold uses the default.
func NewRegistry(st Store, threshold int, logger *slog.Logger) *Registry {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     st,
		threshold: threshold,
		log:       logger.With(slog.String("component", "subscriptions")),
		now:       time.Now,
	}
}

// Subscribe validates params and stores an active subscription.
func (r *Registry) Subscribe(ctx context.Context, p SubscribeParams) (models.Subscription, error) {
	p.EventPattern = strings.TrimSpace(p.EventPattern)
	if err := validate(p); err != nil {
		return models.Subscription{}, err
	}
	now := r.now().UTC()
	sub := models.Subscription{
		ID:           uuid.NewString(),
		OrgID:        p.OrgID,
		UserID:       p.UserID,
		EventPattern: p.EventPattern,
		Channel:      p.Channel,
		WebhookURL:   p.WebhookURL,
		Secret:       p.Secret,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		return models.Subscription{}, fmt.Errorf("create subscription: %w", err)
	}
	r.log.Info("subscription created",
		slog.String("subscription_id", sub.ID),
		slog.String("channel", sub.Channel),
		slog.String("pattern", sub.EventPattern),
	)
	return sub, nil
}

func validate(p SubscribeParams) error {
	if p.OrgID == "" {
		return fmt.Errorf("%w: org id is required", ErrInvalidSubscription)
	}
	if !slices.Contains(models.Channels, p.Channel) {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidSubscription, p.Channel)
	}
	webhook := p.Channel == models.ChannelWebhook
	if !events.ValidPattern(p.EventPattern, webhook) {
		return fmt.Errorf("%w: invalid event pattern %q", ErrInvalidSubscription, p.EventPattern)
	}
	if !webhook {
		if p.UserID == "" {
			return fmt.Errorf("%w: user id is required for %s", ErrInvalidSubscription, p.Channel)
		}
		return nil
	}
	u, err := url.Parse(p.WebhookURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: webhook url must be an absolute http(s) url", ErrInvalidSubscription)
	}
	return nil
}

// Unsubscribe removes the subscription.
func (r *Registry) Unsubscribe(ctx context.Context, id string) error {
	if err := r.store.DeleteSubscription(ctx, id); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", id, err)
	}
	return nil
}

// Get loads a subscription by id.
func (r *Registry) Get(ctx context.Context, id string) (models.Subscription, error) {
	return r.store.GetSubscription(ctx, id)
}

// List returns subscriptions matching f.
func (r *Registry) List(ctx context.Context, f store.SubscriptionFilter) ([]models.Subscription, error) {
	return r.store.ListSubscriptions(ctx, f)
}

// GetMatchingSubscriptions returns the org's active subscriptions whose
// pattern matches eventType. Webhook subscriptions also honour "*.<action>".
func (r *Registry) GetMatchingSubscriptions(ctx context.Context, orgID, eventType string) ([]models.Subscription, error) {
	subs, err := r.store.ListSubscriptions(ctx, store.SubscriptionFilter{OrgID: orgID, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	out := subs[:0]
	for _, s := range subs {
		match := events.Match
		if s.Channel == models.ChannelWebhook {
			match = events.MatchWebhook
		}
		if match(s.EventPattern, eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Webhooks returns the org's active webhook subscriptions.
func (r *Registry) Webhooks(ctx context.Context, orgID string) ([]models.Subscription, error) {
	subs, err := r.store.ListSubscriptions(ctx, store.SubscriptionFilter{
		OrgID:      orgID,
		Channel:    models.ChannelWebhook,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return subs, nil
}

// Enable re-activates a subscription and clears its failure count.
func (r *Registry) Enable(ctx context.Context, id string) error {
	if err := r.store.SetSubscriptionActive(ctx, id, true, ""); err != nil {
		return fmt.Errorf("enable subscription %s: %w", id, err)
	}
	return nil
}

// Disable deactivates a subscription with a human readable reason.
func (r *Registry) Disable(ctx context.Context, id, reason string) error {
	if err := r.store.SetSubscriptionActive(ctx, id, false, reason); err != nil {
		return fmt.Errorf("disable subscription %s: %w", id, err)
	}
	return nil
}

// RecordFailure counts a failed delivery and disables the subscription once
// the threshold is reached. It reports whether the subscription was disabled.
func (r *Registry) RecordFailure(ctx context.Context, id string) (bool, error) {
	count, err := r.store.IncrementSubscriptionFailures(ctx, id)
	if err != nil {
		return false, fmt.Errorf("record failure for %s: %w", id, err)
	}
	if count < r.threshold {
		return false, nil
	}
	reason := fmt.Sprintf("auto-disabled after %d consecutive delivery failures", count)
	if err := r.Disable(ctx, id, reason); err != nil {
		return false, err
	}
	telemetry.SubscriptionsDisabled.Inc()
	r.log.Warn("subscription auto-disabled",
		slog.String("subscription_id", id),
		slog.Int("failure_count", count),
	)
	return true, nil
}

// RecordSuccess resets the consecutive failure count.
func (r *Registry) RecordSuccess(ctx context.Context, id string) error {
	if err := r.store.ResetSubscriptionFailures(ctx, id); err != nil {
		return fmt.Errorf("record success for %s: %w", id, err)
	}
	return nil
}
