// Package store persists events, audit rows, subscriptions, delivery records,
// activities and in-app notifications. Postgres is the production backend;
// SQLite serves single-node deployments and tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"event-pipeline/internal/models"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract shared by the Postgres and SQLite backends.
type Store interface {
	RunMigrations(ctx context.Context) error
	Close()

	InsertEvent(ctx context.Context, evt models.Event) error
	GetEvent(ctx context.Context, id string) (models.Event, error)
	ListEvents(ctx context.Context, f EventFilter) ([]models.Event, error)
	MarkEventStatus(ctx context.Context, id, status string, lastError *string) error
	CountEventsByStatus(ctx context.Context, orgID string) (map[string]int64, error)

	// AppendAudit inserts the entry unless one already exists for its event.
	AppendAudit(ctx context.Context, entry models.AuditLogEntry) (bool, error)
	ListAudit(ctx context.Context, f AuditFilter) ([]models.AuditLogEntry, error)

	CreateSubscription(ctx context.Context, sub models.Subscription) error
	GetSubscription(ctx context.Context, id string) (models.Subscription, error)
	ListSubscriptions(ctx context.Context, f SubscriptionFilter) ([]models.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	SetSubscriptionActive(ctx context.Context, id string, active bool, reason string) error
	IncrementSubscriptionFailures(ctx context.Context, id string) (int, error)
	ResetSubscriptionFailures(ctx context.Context, id string) error

	// CreateDelivery returns the existing record and false when the
	// (event, subscription) pair was already queued.
	CreateDelivery(ctx context.Context, rec models.DeliveryRecord) (models.DeliveryRecord, bool, error)
	GetDelivery(ctx context.Context, id string) (models.DeliveryRecord, error)
	UpdateDelivery(ctx context.Context, rec models.DeliveryRecord) error
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]models.DeliveryRecord, error)
	CountDeliveriesByStatus(ctx context.Context, orgID string) (map[string]int64, error)

	// CreateActivity returns false when the (event, pattern) pair already exists.
	CreateActivity(ctx context.Context, act models.Activity) (bool, error)
	ListActivities(ctx context.Context, f ActivityFilter) ([]models.Activity, error)

	// InsertInbox returns false when the delivery was already materialized.
	InsertInbox(ctx context.Context, n models.InboxNotification) (bool, error)
	ListInbox(ctx context.Context, orgID, userID string) ([]models.InboxNotification, error)
}

// EventFilter narrows ListEvents. Zero values mean "any".
type EventFilter struct {
	OrgID  string
	Type   string
	Status string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	OrgID          string
	Action         string
	EntityType     string
	Severity       string
	ActorID        string
	ComplianceOnly bool
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
}

// SubscriptionFilter narrows ListSubscriptions.
type SubscriptionFilter struct {
	OrgID      string
	UserID     string
	Channel    string
	ActiveOnly bool
}

// DeliveryFilter narrows ListDeliveries.
type DeliveryFilter struct {
	OrgID          string
	Status         string
	EventID        string
	SubscriptionID string
	Limit          int
	Offset         int
}

// ActivityFilter narrows ListActivities.
type ActivityFilter struct {
	OrgID      string
	EventID    string
	AssignedTo string
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// queryBuilder accumulates WHERE clauses written with "?" placeholders and
// rewrites them to $n for Postgres.
type queryBuilder struct {
	numbered bool
	timeArg  func(time.Time) any
	clauses  []string
	args     []any
}

func (q *queryBuilder) add(cond string, arg any) {
	q.args = append(q.args, arg)
	q.clauses = append(q.clauses, strings.Replace(cond, "?", q.placeholder(), 1))
}

func (q *queryBuilder) addTime(cond string, t time.Time) {
	q.add(cond, q.timeArg(t))
}

func (q *queryBuilder) placeholder() string {
	if q.numbered {
		return fmt.Sprintf("$%d", len(q.args))
	}
	return "?"
}

func (q *queryBuilder) where() string {
	if len(q.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.clauses, " AND ")
}

func (q *queryBuilder) page(limit, offset int) string {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	q.args = append(q.args, limit)
	lim := q.placeholder()
	q.args = append(q.args, offset)
	return fmt.Sprintf(" LIMIT %s OFFSET %s", lim, q.placeholder())
}

func (f EventFilter) apply(q *queryBuilder) {
	if f.OrgID != "" {
		q.add("org_id = ?", f.OrgID)
	}
	if f.Type != "" {
		q.add("event_type = ?", f.Type)
	}
	if f.Status != "" {
		q.add("status = ?", f.Status)
	}
	if f.From != nil {
		q.addTime("occurred_at >= ?", *f.From)
	}
	if f.To != nil {
		q.addTime("occurred_at <= ?", *f.To)
	}
}

func (f AuditFilter) apply(q *queryBuilder) {
	if f.OrgID != "" {
		q.add("org_id = ?", f.OrgID)
	}
	if f.Action != "" {
		q.add("action = ?", f.Action)
	}
	if f.EntityType != "" {
		q.add("entity_type = ?", f.EntityType)
	}
	if f.Severity != "" {
		q.add("severity = ?", f.Severity)
	}
	if f.ActorID != "" {
		q.add("actor_id = ?", f.ActorID)
	}
	if f.ComplianceOnly {
		q.add("is_compliance_relevant = ?", true)
	}
	if f.From != nil {
		q.addTime("occurred_at >= ?", *f.From)
	}
	if f.To != nil {
		q.addTime("occurred_at <= ?", *f.To)
	}
}

func (f SubscriptionFilter) apply(q *queryBuilder) {
	if f.OrgID != "" {
		q.add("org_id = ?", f.OrgID)
	}
	if f.UserID != "" {
		q.add("user_id = ?", f.UserID)
	}
	if f.Channel != "" {
		q.add("channel = ?", f.Channel)
	}
	if f.ActiveOnly {
		q.add("is_active = ?", true)
	}
}

func (f DeliveryFilter) apply(q *queryBuilder) {
	if f.OrgID != "" {
		q.add("org_id = ?", f.OrgID)
	}
	if f.Status != "" {
		q.add("status = ?", f.Status)
	}
	if f.EventID != "" {
		q.add("event_id = ?", f.EventID)
	}
	if f.SubscriptionID != "" {
		q.add("subscription_id = ?", f.SubscriptionID)
	}
}

func (f ActivityFilter) apply(q *queryBuilder) {
	if f.OrgID != "" {
		q.add("org_id = ?", f.OrgID)
	}
	if f.EventID != "" {
		q.add("event_id = ?", f.EventID)
	}
	if f.AssignedTo != "" {
		q.add("assigned_to = ?", f.AssignedTo)
	}
}

const eventColumns = `id, org_id, event_type, category, severity, actor_type, actor_id, actor_name,
	entity_type, entity_id, entity_name, related_entities, event_data, changes, source,
	correlation_id, parent_event_id, occurred_at, recorded_at, status, processed_at, last_error`

const auditColumns = `id, org_id, event_id, event_type, action, category, severity, entity_type, entity_id,
	entity_name, actor_id, actor_name, old_values, new_values, changed_fields, is_compliance_relevant,
	correlation_id, occurred_at, created_at`

const subscriptionColumns = `id, org_id, user_id, event_pattern, channel, webhook_url, secret, is_active,
	failure_count, disabled_reason, created_at, updated_at`

const deliveryColumns = `id, org_id, event_id, event_type, subscription_id, kind, channel, recipient, url,
	payload, body, priority, status, attempt, max_attempts, next_retry_at, last_error,
	created_at, updated_at, delivered_at`

const activityColumns = `id, org_id, event_id, pattern_id, activity_type, subject, description, priority,
	status, assigned_to, entity_type, entity_id, due_at, created_at`

const inboxColumns = `id, org_id, user_id, delivery_id, title, body, url, created_at, read_at`
