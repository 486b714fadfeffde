package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"event-pipeline/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) builder() *queryBuilder {
	return &queryBuilder{numbered: true, timeArg: func(t time.Time) any { return t }}
}

// InsertEvent persists an event. Re-inserting the same id is a no-op.
func (s *Postgres) InsertEvent(ctx context.Context, evt models.Event) error {
	related, data, changes, err := encodeEventJSON(evt)
	if err != nil {
		return err
	}
	status := evt.Status
	if status == "" {
		status = models.EventPending
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, NULL, NULL)
		ON CONFLICT (id) DO NOTHING
	`, evt.ID, evt.OrgID, evt.Type, evt.Category, evt.Severity, evt.ActorType, evt.ActorID, evt.ActorName,
		evt.EntityType, evt.EntityID, evt.EntityName, related, data, changes, evt.Source,
		evt.CorrelationID, evt.ParentEventID, evt.OccurredAt, evt.RecordedAt, status)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent fetches an event by id.
func (s *Postgres) GetEvent(ctx context.Context, id string) (models.Event, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	evt, err := scanPgEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return evt, err
}

// ListEvents returns events newest first.
func (s *Postgres) ListEvents(ctx context.Context, f EventFilter) ([]models.Event, error) {
	q := s.builder()
	f.apply(q)
	sql := `SELECT ` + eventColumns + ` FROM events` + q.where() + ` ORDER BY occurred_at DESC, id` + q.page(f.Limit, f.Offset)
	rows, err := s.pool.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []models.Event
	for rows.Next() {
		evt, err := scanPgEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// MarkEventStatus records processing bookkeeping for an event.
func (s *Postgres) MarkEventStatus(ctx context.Context, id, status string, lastError *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE events SET status = $2, last_error = $3, processed_at = NOW()
		WHERE id = $1
	`, id, status, lastError)
	if err != nil {
		return fmt.Errorf("mark event status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountEventsByStatus groups events by processing status.
func (s *Postgres) CountEventsByStatus(ctx context.Context, orgID string) (map[string]int64, error) {
	return s.countBy(ctx, "events", orgID)
}

func (s *Postgres) countBy(ctx context.Context, table, orgID string) (map[string]int64, error) {
	q := s.builder()
	if orgID != "" {
		q.add("org_id = ?", orgID)
	}
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM `+table+q.where()+` GROUP BY status`, q.args...)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", table, err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan %s count: %w", table, err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// AppendAudit adds an audit row; one per event.
func (s *Postgres) AppendAudit(ctx context.Context, e models.AuditLogEntry) (bool, error) {
	oldValues, newValues, fields, err := encodeAuditJSON(e)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (event_id) DO NOTHING
	`, e.ID, e.OrgID, e.EventID, e.EventType, e.Action, e.Category, e.Severity, e.EntityType, e.EntityID,
		e.EntityName, e.ActorID, e.ActorName, oldValues, newValues, fields, e.IsComplianceRelevant,
		e.CorrelationID, e.OccurredAt, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert audit log: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListAudit returns audit rows newest first.
func (s *Postgres) ListAudit(ctx context.Context, f AuditFilter) ([]models.AuditLogEntry, error) {
	q := s.builder()
	f.apply(q)
	sql := `SELECT ` + auditColumns + ` FROM audit_logs` + q.where() + ` ORDER BY occurred_at DESC, id` + q.page(f.Limit, f.Offset)
	rows, err := s.pool.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		var oldValues, newValues, fields []byte
		if err := rows.Scan(&e.ID, &e.OrgID, &e.EventID, &e.EventType, &e.Action, &e.Category, &e.Severity,
			&e.EntityType, &e.EntityID, &e.EntityName, &e.ActorID, &e.ActorName, &oldValues, &newValues, &fields,
			&e.IsComplianceRelevant, &e.CorrelationID, &e.OccurredAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		if err := decodeAuditJSON(&e, oldValues, newValues, fields); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateSubscription inserts a subscription row.
func (s *Postgres) CreateSubscription(ctx context.Context, sub models.Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, sub.ID, sub.OrgID, sub.UserID, sub.EventPattern, sub.Channel, sub.WebhookURL, sub.Secret, sub.IsActive,
		sub.FailureCount, sub.DisabledReason, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// GetSubscription fetches a subscription by id.
func (s *Postgres) GetSubscription(ctx context.Context, id string) (models.Subscription, error) {
	var sub models.Subscription
	err := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id).
		Scan(subscriptionDest(&sub)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Subscription{}, fmt.Errorf("scan subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns subscriptions in creation order.
func (s *Postgres) ListSubscriptions(ctx context.Context, f SubscriptionFilter) ([]models.Subscription, error) {
	q := s.builder()
	f.apply(q)
	rows, err := s.pool.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions`+q.where()+` ORDER BY created_at, id`, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	var out []models.Subscription
	for rows.Next() {
		var sub models.Subscription
		if err := rows.Scan(subscriptionDest(&sub)...); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// DeleteSubscription removes a subscription.
func (s *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetSubscriptionActive flips is_active. Enabling clears the failure state.
func (s *Postgres) SetSubscriptionActive(ctx context.Context, id string, active bool, reason string) error {
	sql := `UPDATE subscriptions SET is_active = FALSE, disabled_reason = $2, updated_at = NOW() WHERE id = $1`
	args := []any{id, reason}
	if active {
		sql = `UPDATE subscriptions SET is_active = TRUE, disabled_reason = '', failure_count = 0, updated_at = NOW() WHERE id = $1`
		args = args[:1]
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update subscription state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementSubscriptionFailures bumps failure_count and returns the new value.
func (s *Postgres) IncrementSubscriptionFailures(ctx context.Context, id string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		UPDATE subscriptions SET failure_count = failure_count + 1, updated_at = NOW()
		WHERE id = $1 RETURNING failure_count
	`, id).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("increment subscription failures: %w", err)
	}
	return n, nil
}

// ResetSubscriptionFailures zeroes failure_count after a successful delivery.
func (s *Postgres) ResetSubscriptionFailures(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET failure_count = 0, updated_at = NOW()
		WHERE id = $1 AND failure_count <> 0
	`, id)
	if err != nil {
		return fmt.Errorf("reset subscription failures: %w", err)
	}
	return nil
}

// CreateDelivery inserts a delivery record, honoring the (event, subscription) key.
func (s *Postgres) CreateDelivery(ctx context.Context, rec models.DeliveryRecord) (models.DeliveryRecord, bool, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return models.DeliveryRecord{}, false, fmt.Errorf("marshal delivery payload: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.DeliveryRecord{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		INSERT INTO delivery_records (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (event_id, subscription_id) DO NOTHING
	`, rec.ID, rec.OrgID, rec.EventID, rec.EventType, rec.SubscriptionID, rec.Kind, rec.Channel, rec.Recipient,
		rec.URL, payload, rec.Body, rec.Priority, rec.Status, rec.Attempt, rec.MaxAttempts, rec.NextRetryAt,
		rec.LastError, rec.CreatedAt, rec.UpdatedAt, rec.DeliveredAt)
	if err != nil {
		return models.DeliveryRecord{}, false, fmt.Errorf("insert delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := scanPgDelivery(tx.QueryRow(ctx, `
			SELECT `+deliveryColumns+` FROM delivery_records WHERE event_id = $1 AND subscription_id = $2
		`, rec.EventID, rec.SubscriptionID))
		if err != nil {
			return models.DeliveryRecord{}, false, err
		}
		return existing, false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return models.DeliveryRecord{}, false, fmt.Errorf("commit: %w", err)
	}
	return rec, true, nil
}

// GetDelivery fetches a delivery record by id.
func (s *Postgres) GetDelivery(ctx context.Context, id string) (models.DeliveryRecord, error) {
	rec, err := scanPgDelivery(s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM delivery_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeliveryRecord{}, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// UpdateDelivery persists the mutable lifecycle fields of a record.
func (s *Postgres) UpdateDelivery(ctx context.Context, rec models.DeliveryRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE delivery_records
		SET status = $2, attempt = $3, next_retry_at = $4, last_error = $5, delivered_at = $6, updated_at = NOW()
		WHERE id = $1
	`, rec.ID, rec.Status, rec.Attempt, rec.NextRetryAt, rec.LastError, rec.DeliveredAt)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// ListDeliveries returns delivery records newest first.
func (s *Postgres) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]models.DeliveryRecord, error) {
	q := s.builder()
	f.apply(q)
	sql := `SELECT ` + deliveryColumns + ` FROM delivery_records` + q.where() + ` ORDER BY updated_at DESC, id` + q.page(f.Limit, f.Offset)
	rows, err := s.pool.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()
	var out []models.DeliveryRecord
	for rows.Next() {
		rec, err := scanPgDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountDeliveriesByStatus groups delivery records by status.
func (s *Postgres) CountDeliveriesByStatus(ctx context.Context, orgID string) (map[string]int64, error) {
	return s.countBy(ctx, "delivery_records", orgID)
}

// CreateActivity inserts an activity once per (event, pattern).
func (s *Postgres) CreateActivity(ctx context.Context, a models.Activity) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO activities (`+activityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (event_id, pattern_id) DO NOTHING
	`, a.ID, a.OrgID, a.EventID, a.PatternID, a.ActivityType, a.Subject, a.Description, a.Priority,
		a.Status, a.AssignedTo, a.EntityType, a.EntityID, a.DueAt, a.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert activity: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListActivities returns activities ordered by due date.
func (s *Postgres) ListActivities(ctx context.Context, f ActivityFilter) ([]models.Activity, error) {
	q := s.builder()
	f.apply(q)
	rows, err := s.pool.Query(ctx, `SELECT `+activityColumns+` FROM activities`+q.where()+` ORDER BY due_at, id`, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()
	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.ID, &a.OrgID, &a.EventID, &a.PatternID, &a.ActivityType, &a.Subject, &a.Description,
			&a.Priority, &a.Status, &a.AssignedTo, &a.EntityType, &a.EntityID, &a.DueAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertInbox materializes an in-app notification once per delivery.
func (s *Postgres) InsertInbox(ctx context.Context, n models.InboxNotification) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO inbox_notifications (`+inboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (delivery_id) DO NOTHING
	`, n.ID, n.OrgID, n.UserID, n.DeliveryID, n.Title, n.Body, n.URL, n.CreatedAt, n.ReadAt)
	if err != nil {
		return false, fmt.Errorf("insert inbox notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListInbox returns a user's in-app notifications newest first.
func (s *Postgres) ListInbox(ctx context.Context, orgID, userID string) ([]models.InboxNotification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+inboxColumns+` FROM inbox_notifications
		WHERE org_id = $1 AND user_id = $2 ORDER BY created_at DESC, id
	`, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()
	var out []models.InboxNotification
	for rows.Next() {
		var n models.InboxNotification
		var readAt pgtype.Timestamptz
		if err := rows.Scan(&n.ID, &n.OrgID, &n.UserID, &n.DeliveryID, &n.Title, &n.Body, &n.URL, &n.CreatedAt, &readAt); err != nil {
			return nil, fmt.Errorf("scan inbox notification: %w", err)
		}
		n.ReadAt = timePtr(readAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanPgEvent(row pgx.Row) (models.Event, error) {
	var evt models.Event
	var related, data, changes []byte
	var processedAt pgtype.Timestamptz
	var lastErr pgtype.Text
	if err := row.Scan(&evt.ID, &evt.OrgID, &evt.Type, &evt.Category, &evt.Severity, &evt.ActorType, &evt.ActorID,
		&evt.ActorName, &evt.EntityType, &evt.EntityID, &evt.EntityName, &related, &data, &changes, &evt.Source,
		&evt.CorrelationID, &evt.ParentEventID, &evt.OccurredAt, &evt.RecordedAt, &evt.Status, &processedAt, &lastErr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Event{}, err
		}
		return models.Event{}, fmt.Errorf("scan event: %w", err)
	}
	if err := decodeEventJSON(&evt, related, data, changes); err != nil {
		return models.Event{}, err
	}
	evt.ProcessedAt = timePtr(processedAt)
	evt.LastError = textPtr(lastErr)
	return evt, nil
}

func scanPgDelivery(row pgx.Row) (models.DeliveryRecord, error) {
	var rec models.DeliveryRecord
	var payload []byte
	var nextRetry, delivered pgtype.Timestamptz
	var lastErr pgtype.Text
	if err := row.Scan(&rec.ID, &rec.OrgID, &rec.EventID, &rec.EventType, &rec.SubscriptionID, &rec.Kind, &rec.Channel,
		&rec.Recipient, &rec.URL, &payload, &rec.Body, &rec.Priority, &rec.Status, &rec.Attempt, &rec.MaxAttempts,
		&nextRetry, &lastErr, &rec.CreatedAt, &rec.UpdatedAt, &delivered); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DeliveryRecord{}, err
		}
		return models.DeliveryRecord{}, fmt.Errorf("scan delivery: %w", err)
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return models.DeliveryRecord{}, fmt.Errorf("unmarshal delivery payload: %w", err)
	}
	rec.NextRetryAt = timePtr(nextRetry)
	rec.DeliveredAt = timePtr(delivered)
	rec.LastError = textPtr(lastErr)
	return rec, nil
}

func subscriptionDest(sub *models.Subscription) []any {
	return []any{&sub.ID, &sub.OrgID, &sub.UserID, &sub.EventPattern, &sub.Channel, &sub.WebhookURL, &sub.Secret,
		&sub.IsActive, &sub.FailureCount, &sub.DisabledReason, &sub.CreatedAt, &sub.UpdatedAt}
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
