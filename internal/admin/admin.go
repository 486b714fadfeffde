// Package admin backs the operator surface: event and dead-letter queries,
// replay, subscription toggles and the health dashboard. Every call is scoped
// to one organization.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"event-pipeline/internal/bus"
	"event-pipeline/internal/delivery"
	"event-pipeline/internal/models"
	"event-pipeline/internal/store"
)

// Store is the read and bookkeeping surface admin needs.
type Store interface {
	GetEvent(ctx context.Context, id string) (models.Event, error)
	ListEvents(ctx context.Context, f store.EventFilter) ([]models.Event, error)
	MarkEventStatus(ctx context.Context, id, status string, lastError *string) error
	CountEventsByStatus(ctx context.Context, orgID string) (map[string]int64, error)
	GetDelivery(ctx context.Context, id string) (models.DeliveryRecord, error)
	ListDeliveries(ctx context.Context, f store.DeliveryFilter) ([]models.DeliveryRecord, error)
	CountDeliveriesByStatus(ctx context.Context, orgID string) (map[string]int64, error)
	ListSubscriptions(ctx context.Context, f store.SubscriptionFilter) ([]models.Subscription, error)
	ListAudit(ctx context.Context, f store.AuditFilter) ([]models.AuditLogEntry, error)
	ListActivities(ctx context.Context, f store.ActivityFilter) ([]models.Activity, error)
	ListInbox(ctx context.Context, orgID, userID string) ([]models.InboxNotification, error)
}

// Queue reports delivery queue sizes.
type Queue interface {
	ReadyDepth(ctx context.Context) (int64, error)
	DLQLen(ctx context.Context) (int64, error)
}

// Bus re-publishes events and lists its handlers.
type Bus interface {
	Enqueue(evt models.Event) (<-chan struct{}, error)
	Handlers() []bus.HandlerInfo
}

// Replayer resets delivery records for another attempt.
type Replayer interface {
	Replay(ctx context.Context, ids []string) (delivery.ReplayResult, error)
}

// Subscriptions toggles subscriptions.
type Subscriptions interface {
	Get(ctx context.Context, id string) (models.Subscription, error)
	Enable(ctx context.Context, id string) error
	Disable(ctx context.Context, id, reason string) error
	Unsubscribe(ctx context.Context, id string) error
}

// EventReplayResult reports what Replay did with each event id.
type EventReplayResult struct {
	Replayed []string `json:"replayed"`
	Skipped  []string `json:"skipped"`
	NotFound []string `json:"notFound"`
}

// SubscriptionHealth is one row of the dashboard's subscription table.
type SubscriptionHealth struct {
	ID             string `json:"id"`
	Channel        string `json:"channel"`
	EventPattern   string `json:"eventPattern"`
	UserID         string `json:"userId,omitempty"`
	IsActive       bool   `json:"isActive"`
	FailureCount   int    `json:"failureCount"`
	DisabledReason string `json:"disabledReason,omitempty"`
}

// Dashboard summarizes pipeline health for one organization.
type Dashboard struct {
	Subscriptions         []SubscriptionHealth `json:"subscriptions"`
	DisabledSubscriptions int                  `json:"disabledSubscriptions"`
	EventsByStatus        map[string]int64     `json:"eventsByStatus"`
	DeliveriesByStatus    map[string]int64     `json:"deliveriesByStatus"`
	DeadLetters           int64                `json:"deadLetters"`
	ReadyQueueDepth       int64                `json:"readyQueueDepth"`
	DLQLength             int64                `json:"dlqLength"`
	Handlers              []bus.HandlerInfo    `json:"handlers"`
	GeneratedAt           time.Time            `json:"generatedAt"`
}

// Service implements the admin operations.
type Service struct {
	store    Store
	queue    Queue
	bus      Bus
	replayer Replayer
	subs     Subscriptions
	log      *slog.Logger
	now      func() time.Time
}

// NewService wires the admin service.
func NewService(st Store, q Queue, b Bus, r Replayer, subs Subscriptions, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		queue:    q,
		bus:      b,
		replayer: r,
		subs:     subs,
		log:      logger.With(slog.String("component", "admin")),
		now:      time.Now,
	}
}

// ListEvents filters the org's events.
func (s *Service) ListEvents(ctx context.Context, f store.EventFilter) ([]models.Event, error) {
	return s.store.ListEvents(ctx, f)
}

// GetEvent returns one event of the org.
func (s *Service) GetEvent(ctx context.Context, orgID, id string) (models.Event, error) {
	evt, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return models.Event{}, err
	}
	if evt.OrgID != orgID {
		return models.Event{}, fmt.Errorf("event %s: %w", id, store.ErrNotFound)
	}
	return evt, nil
}

// FailedEvents lists events with at least one failed handler.
func (s *Service) FailedEvents(ctx context.Context, orgID string, limit, offset int) ([]models.Event, error) {
	return s.store.ListEvents(ctx, store.EventFilter{OrgID: orgID, Status: models.EventFailed, Limit: limit, Offset: offset})
}

// DeadLetters lists dead-lettered delivery records.
func (s *Service) DeadLetters(ctx context.Context, orgID string, limit, offset int) ([]models.DeliveryRecord, error) {
	return s.store.ListDeliveries(ctx, store.DeliveryFilter{OrgID: orgID, Status: models.DeliveryDeadLetter, Limit: limit, Offset: offset})
}

// ReplayEvents re-publishes failed events. Events that are pending or were
// processed are skipped.
func (s *Service) ReplayEvents(ctx context.Context, orgID string, ids []string) (EventReplayResult, error) {
	res := EventReplayResult{Replayed: []string{}, Skipped: []string{}, NotFound: []string{}}
	for _, id := range ids {
		evt, err := s.GetEvent(ctx, orgID, id)
		if errors.Is(err, store.ErrNotFound) {
			res.NotFound = append(res.NotFound, id)
			continue
		}
		if err != nil {
			return res, err
		}
		if evt.Status != models.EventFailed {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		if err := s.store.MarkEventStatus(ctx, id, models.EventPending, nil); err != nil {
			return res, fmt.Errorf("reset event %s: %w", id, err)
		}
		evt.Status = models.EventPending
		evt.LastError = nil
		if _, err := s.bus.Enqueue(evt); err != nil {
			return res, fmt.Errorf("republish %s: %w", id, err)
		}
		s.log.Info("event replayed", slog.String("event_id", id), slog.String("event_type", evt.Type))
		res.Replayed = append(res.Replayed, id)
	}
	return res, nil
}

// ReplayDeliveries resets the org's failed or dead-lettered deliveries.
func (s *Service) ReplayDeliveries(ctx context.Context, orgID string, ids []string) (delivery.ReplayResult, error) {
	owned := make([]string, 0, len(ids))
	var foreign []string
	for _, id := range ids {
		rec, err := s.store.GetDelivery(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			foreign = append(foreign, id)
		case err != nil:
			return delivery.ReplayResult{}, err
		case rec.OrgID != orgID:
			foreign = append(foreign, id)
		default:
			owned = append(owned, id)
		}
	}
	res, err := s.replayer.Replay(ctx, owned)
	res.NotFound = append(res.NotFound, foreign...)
	return res, err
}

// EnableSubscription re-activates one of the org's subscriptions.
func (s *Service) EnableSubscription(ctx context.Context, orgID, id string) error {
	if err := s.ownSubscription(ctx, orgID, id); err != nil {
		return err
	}
	return s.subs.Enable(ctx, id)
}

// DisableSubscription deactivates one of the org's subscriptions.
func (s *Service) DisableSubscription(ctx context.Context, orgID, id, reason string) error {
	if err := s.ownSubscription(ctx, orgID, id); err != nil {
		return err
	}
	if reason == "" {
		reason = "disabled by administrator"
	}
	return s.subs.Disable(ctx, id, reason)
}

// DeleteSubscription removes one of the org's subscriptions.
func (s *Service) DeleteSubscription(ctx context.Context, orgID, id string) error {
	if err := s.ownSubscription(ctx, orgID, id); err != nil {
		return err
	}
	return s.subs.Unsubscribe(ctx, id)
}

func (s *Service) ownSubscription(ctx context.Context, orgID, id string) error {
	sub, err := s.subs.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.OrgID != orgID {
		return fmt.Errorf("subscription %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// Audit lists audit rows.
func (s *Service) Audit(ctx context.Context, f store.AuditFilter) ([]models.AuditLogEntry, error) {
	return s.store.ListAudit(ctx, f)
}

// Activities lists activities created from events.
func (s *Service) Activities(ctx context.Context, f store.ActivityFilter) ([]models.Activity, error) {
	return s.store.ListActivities(ctx, f)
}

// Inbox lists a user's in-app notifications.
func (s *Service) Inbox(ctx context.Context, orgID, userID string) ([]models.InboxNotification, error) {
	return s.store.ListInbox(ctx, orgID, userID)
}

// Dashboard gathers the health summary.
func (s *Service) Dashboard(ctx context.Context, orgID string) (Dashboard, error) {
	subs, err := s.store.ListSubscriptions(ctx, store.SubscriptionFilter{OrgID: orgID})
	if err != nil {
		return Dashboard{}, fmt.Errorf("list subscriptions: %w", err)
	}
	d := Dashboard{
		Subscriptions: make([]SubscriptionHealth, 0, len(subs)),
		Handlers:      s.bus.Handlers(),
		GeneratedAt:   s.now().UTC(),
	}
	for _, sub := range subs {
		if !sub.IsActive {
			d.DisabledSubscriptions++
		}
		d.Subscriptions = append(d.Subscriptions, SubscriptionHealth{
			ID:             sub.ID,
			Channel:        sub.Channel,
			EventPattern:   sub.EventPattern,
			UserID:         sub.UserID,
			IsActive:       sub.IsActive,
			FailureCount:   sub.FailureCount,
			DisabledReason: sub.DisabledReason,
		})
	}
	sort.SliceStable(d.Subscriptions, func(i, j int) bool {
		return d.Subscriptions[i].FailureCount > d.Subscriptions[j].FailureCount
	})

	if d.EventsByStatus, err = s.store.CountEventsByStatus(ctx, orgID); err != nil {
		return Dashboard{}, fmt.Errorf("count events: %w", err)
	}
	if d.DeliveriesByStatus, err = s.store.CountDeliveriesByStatus(ctx, orgID); err != nil {
		return Dashboard{}, fmt.Errorf("count deliveries: %w", err)
	}
	d.DeadLetters = d.DeliveriesByStatus[models.DeliveryDeadLetter]

	if d.ReadyQueueDepth, err = s.queue.ReadyDepth(ctx); err != nil {
		s.log.Warn("ready depth unavailable", slog.Any("error", err))
	}
	if d.DLQLength, err = s.queue.DLQLen(ctx); err != nil {
		s.log.Warn("dlq length unavailable", slog.Any("error", err))
	}
	return d, nil
}
