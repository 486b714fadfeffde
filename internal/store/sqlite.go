package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"event-pipeline/internal/models"
)

// sqliteTime is fixed width so lexical order equals chronological order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLite persists to a single SQLite database. Use ":memory:" for tests.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	_ = s.db.Close()
}

func (s *SQLite) builder() *queryBuilder {
	return &queryBuilder{timeArg: func(t time.Time) any { return formatTime(t) }}
}

// RunMigrations creates the schema if missing.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLite) InsertEvent(ctx context.Context, evt models.Event) error {
	related, data, changes, err := encodeEventJSON(evt)
	if err != nil {
		return err
	}
	status := evt.Status
	if status == "" {
		status = models.EventPending
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)
		ON CONFLICT (id) DO NOTHING
	`, evt.ID, evt.OrgID, evt.Type, evt.Category, evt.Severity, evt.ActorType, evt.ActorID, evt.ActorName,
		evt.EntityType, evt.EntityID, evt.EntityName, string(related), string(data), string(changes), evt.Source,
		evt.CorrelationID, evt.ParentEventID, formatTime(evt.OccurredAt), formatTime(evt.RecordedAt), status)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *SQLite) GetEvent(ctx context.Context, id string) (models.Event, error) {
	evt, err := scanSQLiteEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return evt, err
}

func (s *SQLite) ListEvents(ctx context.Context, f EventFilter) ([]models.Event, error) {
	q := s.builder()
	f.apply(q)
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events`+q.where()+` ORDER BY occurred_at DESC, id`+q.page(f.Limit, f.Offset), q.args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []models.Event
	for rows.Next() {
		evt, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkEventStatus(ctx context.Context, id, status string, lastError *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET status = ?, last_error = ?, processed_at = ? WHERE id = ?`,
		status, nullString(lastError), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark event status: %w", err)
	}
	return requireAffected(res, "event", id)
}

func (s *SQLite) CountEventsByStatus(ctx context.Context, orgID string) (map[string]int64, error) {
	return s.countBy(ctx, "events", orgID)
}

func (s *SQLite) countBy(ctx context.Context, table, orgID string) (map[string]int64, error) {
	q := s.builder()
	if orgID != "" {
		q.add("org_id = ?", orgID)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+table+q.where()+` GROUP BY status`, q.args...)
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

func (s *SQLite) AppendAudit(ctx context.Context, e models.AuditLogEntry) (bool, error) {
	oldValues, newValues, fields, err := encodeAuditJSON(e)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`, e.ID, e.OrgID, e.EventID, e.EventType, e.Action, e.Category, e.Severity, e.EntityType, e.EntityID,
		e.EntityName, e.ActorID, e.ActorName, string(oldValues), string(newValues), string(fields),
		e.IsComplianceRelevant, e.CorrelationID, formatTime(e.OccurredAt), formatTime(e.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert audit log: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLite) ListAudit(ctx context.Context, f AuditFilter) ([]models.AuditLogEntry, error) {
	q := s.builder()
	f.apply(q)
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_logs`+q.where()+` ORDER BY occurred_at DESC, id`+q.page(f.Limit, f.Offset), q.args...)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		var oldValues, newValues, fields, occurred, created string
		if err := rows.Scan(&e.ID, &e.OrgID, &e.EventID, &e.EventType, &e.Action, &e.Category, &e.Severity,
			&e.EntityType, &e.EntityID, &e.EntityName, &e.ActorID, &e.ActorName, &oldValues, &newValues, &fields,
			&e.IsComplianceRelevant, &e.CorrelationID, &occurred, &created); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		if err := decodeAuditJSON(&e, []byte(oldValues), []byte(newValues), []byte(fields)); err != nil {
			return nil, err
		}
		if e.OccurredAt, err = parseTime(occurred); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateSubscription(ctx context.Context, sub models.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.ID, sub.OrgID, sub.UserID, sub.EventPattern, sub.Channel, sub.WebhookURL, sub.Secret, sub.IsActive,
		sub.FailureCount, sub.DisabledReason, formatTime(sub.CreatedAt), formatTime(sub.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *SQLite) GetSubscription(ctx context.Context, id string) (models.Subscription, error) {
	sub, err := scanSQLiteSubscription(s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Subscription{}, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return sub, err
}

func (s *SQLite) ListSubscriptions(ctx context.Context, f SubscriptionFilter) ([]models.Subscription, error) {
	q := s.builder()
	f.apply(q)
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions`+q.where()+` ORDER BY created_at, id`, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	var out []models.Subscription
	for rows.Next() {
		sub, err := scanSQLiteSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return requireAffected(res, "subscription", id)
}

func (s *SQLite) SetSubscriptionActive(ctx context.Context, id string, active bool, reason string) error {
	now := formatTime(time.Now())
	var res sql.Result
	var err error
	if active {
		res, err = s.db.ExecContext(ctx, `UPDATE subscriptions SET is_active = 1, disabled_reason = '', failure_count = 0, updated_at = ? WHERE id = ?`, now, id)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE subscriptions SET is_active = 0, disabled_reason = ?, updated_at = ? WHERE id = ?`, reason, now, id)
	}
	if err != nil {
		return fmt.Errorf("update subscription state: %w", err)
	}
	return requireAffected(res, "subscription", id)
}

func (s *SQLite) IncrementSubscriptionFailures(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		UPDATE subscriptions SET failure_count = failure_count + 1, updated_at = ?
		WHERE id = ? RETURNING failure_count
	`, formatTime(time.Now()), id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("increment subscription failures: %w", err)
	}
	return n, nil
}

func (s *SQLite) ResetSubscriptionFailures(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET failure_count = 0, updated_at = ? WHERE id = ? AND failure_count <> 0`,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("reset subscription failures: %w", err)
	}
	return nil
}

func (s *SQLite) CreateDelivery(ctx context.Context, rec models.DeliveryRecord) (models.DeliveryRecord, bool, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return models.DeliveryRecord{}, false, fmt.Errorf("marshal delivery payload: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.DeliveryRecord{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_records (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, subscription_id) DO NOTHING
	`, rec.ID, rec.OrgID, rec.EventID, rec.EventType, rec.SubscriptionID, rec.Kind, rec.Channel, rec.Recipient,
		rec.URL, string(payload), rec.Body, rec.Priority, rec.Status, rec.Attempt, rec.MaxAttempts,
		nullTime(rec.NextRetryAt), nullString(rec.LastError), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
		nullTime(rec.DeliveredAt))
	if err != nil {
		return models.DeliveryRecord{}, false, fmt.Errorf("insert delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := scanSQLiteDelivery(tx.QueryRowContext(ctx, `
			SELECT `+deliveryColumns+` FROM delivery_records WHERE event_id = ? AND subscription_id = ?
		`, rec.EventID, rec.SubscriptionID))
		if err != nil {
			return models.DeliveryRecord{}, false, err
		}
		return existing, false, nil
	}
	if err := tx.Commit(); err != nil {
		return models.DeliveryRecord{}, false, fmt.Errorf("commit: %w", err)
	}
	return rec, true, nil
}

func (s *SQLite) GetDelivery(ctx context.Context, id string) (models.DeliveryRecord, error) {
	rec, err := scanSQLiteDelivery(s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM delivery_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.DeliveryRecord{}, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	return rec, err
}

func (s *SQLite) UpdateDelivery(ctx context.Context, rec models.DeliveryRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = ?, attempt = ?, next_retry_at = ?, last_error = ?, delivered_at = ?, updated_at = ?
		WHERE id = ?
	`, rec.Status, rec.Attempt, nullTime(rec.NextRetryAt), nullString(rec.LastError), nullTime(rec.DeliveredAt),
		formatTime(time.Now()), rec.ID)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return requireAffected(res, "delivery", rec.ID)
}

func (s *SQLite) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]models.DeliveryRecord, error) {
	q := s.builder()
	f.apply(q)
	rows, err := s.db.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM delivery_records`+q.where()+` ORDER BY updated_at DESC, id`+q.page(f.Limit, f.Offset), q.args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()
	var out []models.DeliveryRecord
	for rows.Next() {
		rec, err := scanSQLiteDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) CountDeliveriesByStatus(ctx context.Context, orgID string) (map[string]int64, error) {
	return s.countBy(ctx, "delivery_records", orgID)
}

func (s *SQLite) CreateActivity(ctx context.Context, a models.Activity) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (`+activityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, pattern_id) DO NOTHING
	`, a.ID, a.OrgID, a.EventID, a.PatternID, a.ActivityType, a.Subject, a.Description, a.Priority,
		a.Status, a.AssignedTo, a.EntityType, a.EntityID, formatTime(a.DueAt), formatTime(a.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert activity: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLite) ListActivities(ctx context.Context, f ActivityFilter) ([]models.Activity, error) {
	q := s.builder()
	f.apply(q)
	rows, err := s.db.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities`+q.where()+` ORDER BY due_at, id`, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()
	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		var due, created string
		if err := rows.Scan(&a.ID, &a.OrgID, &a.EventID, &a.PatternID, &a.ActivityType, &a.Subject, &a.Description,
			&a.Priority, &a.Status, &a.AssignedTo, &a.EntityType, &a.EntityID, &due, &created); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if a.DueAt, err = parseTime(due); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertInbox(ctx context.Context, n models.InboxNotification) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inbox_notifications (`+inboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (delivery_id) DO NOTHING
	`, n.ID, n.OrgID, n.UserID, n.DeliveryID, n.Title, n.Body, n.URL, formatTime(n.CreatedAt), nullTime(n.ReadAt))
	if err != nil {
		return false, fmt.Errorf("insert inbox notification: %w", err)
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

func (s *SQLite) ListInbox(ctx context.Context, orgID, userID string) ([]models.InboxNotification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inboxColumns+` FROM inbox_notifications
		WHERE org_id = ? AND user_id = ? ORDER BY created_at DESC, id
	`, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()
	var out []models.InboxNotification
	for rows.Next() {
		var n models.InboxNotification
		var created string
		var readAt sql.NullString
		if err := rows.Scan(&n.ID, &n.OrgID, &n.UserID, &n.DeliveryID, &n.Title, &n.Body, &n.URL, &created, &readAt); err != nil {
			return nil, fmt.Errorf("scan inbox notification: %w", err)
		}
		if n.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if n.ReadAt, err = parseNullTime(readAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(row rowScanner) (models.Event, error) {
	var evt models.Event
	var related, data, changes, occurred, recorded string
	var processedAt, lastErr sql.NullString
	if err := row.Scan(&evt.ID, &evt.OrgID, &evt.Type, &evt.Category, &evt.Severity, &evt.ActorType, &evt.ActorID,
		&evt.ActorName, &evt.EntityType, &evt.EntityID, &evt.EntityName, &related, &data, &changes, &evt.Source,
		&evt.CorrelationID, &evt.ParentEventID, &occurred, &recorded, &evt.Status, &processedAt, &lastErr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Event{}, err
		}
		return models.Event{}, fmt.Errorf("scan event: %w", err)
	}
	if err := decodeEventJSON(&evt, []byte(related), []byte(data), []byte(changes)); err != nil {
		return models.Event{}, err
	}
	var err error
	if evt.OccurredAt, err = parseTime(occurred); err != nil {
		return models.Event{}, err
	}
	if evt.RecordedAt, err = parseTime(recorded); err != nil {
		return models.Event{}, err
	}
	if evt.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return models.Event{}, err
	}
	evt.LastError = stringPtr(lastErr)
	return evt, nil
}

func scanSQLiteSubscription(row rowScanner) (models.Subscription, error) {
	var sub models.Subscription
	var created, updated string
	if err := row.Scan(&sub.ID, &sub.OrgID, &sub.UserID, &sub.EventPattern, &sub.Channel, &sub.WebhookURL, &sub.Secret,
		&sub.IsActive, &sub.FailureCount, &sub.DisabledReason, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Subscription{}, err
		}
		return models.Subscription{}, fmt.Errorf("scan subscription: %w", err)
	}
	var err error
	if sub.CreatedAt, err = parseTime(created); err != nil {
		return models.Subscription{}, err
	}
	if sub.UpdatedAt, err = parseTime(updated); err != nil {
		return models.Subscription{}, err
	}
	return sub, nil
}

func scanSQLiteDelivery(row rowScanner) (models.DeliveryRecord, error) {
	var rec models.DeliveryRecord
	var payload, created, updated string
	var nextRetry, lastErr, delivered sql.NullString
	if err := row.Scan(&rec.ID, &rec.OrgID, &rec.EventID, &rec.EventType, &rec.SubscriptionID, &rec.Kind, &rec.Channel,
		&rec.Recipient, &rec.URL, &payload, &rec.Body, &rec.Priority, &rec.Status, &rec.Attempt, &rec.MaxAttempts,
		&nextRetry, &lastErr, &created, &updated, &delivered); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DeliveryRecord{}, err
		}
		return models.DeliveryRecord{}, fmt.Errorf("scan delivery: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return models.DeliveryRecord{}, fmt.Errorf("unmarshal delivery payload: %w", err)
	}
	var err error
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return models.DeliveryRecord{}, err
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return models.DeliveryRecord{}, err
	}
	if rec.NextRetryAt, err = parseNullTime(nextRetry); err != nil {
		return models.DeliveryRecord{}, err
	}
	if rec.DeliveredAt, err = parseNullTime(delivered); err != nil {
		return models.DeliveryRecord{}, err
	}
	rec.LastError = stringPtr(lastErr)
	return rec, nil
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(v sql.NullString) *string {
	if v.Valid {
		return &v.String
	}
	return nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	category TEXT NOT NULL,
	severity TEXT NOT NULL,
	actor_type TEXT NOT NULL DEFAULT '',
	actor_id TEXT NOT NULL DEFAULT '',
	actor_name TEXT NOT NULL DEFAULT '',
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	entity_name TEXT NOT NULL DEFAULT '',
	related_entities TEXT NOT NULL DEFAULT '[]',
	event_data TEXT NOT NULL DEFAULT '{}',
	changes TEXT NOT NULL DEFAULT '[]',
	source TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	parent_event_id TEXT NOT NULL DEFAULT '',
	occurred_at TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	processed_at TEXT,
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_org_occurred ON events (org_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_status ON events (status);

CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	event_id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	action TEXT NOT NULL,
	category TEXT NOT NULL,
	severity TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	entity_name TEXT NOT NULL DEFAULT '',
	actor_id TEXT NOT NULL DEFAULT '',
	actor_name TEXT NOT NULL DEFAULT '',
	old_values TEXT NOT NULL DEFAULT 'null',
	new_values TEXT NOT NULL DEFAULT 'null',
	changed_fields TEXT NOT NULL DEFAULT 'null',
	is_compliance_relevant INTEGER NOT NULL DEFAULT 0,
	correlation_id TEXT NOT NULL DEFAULT '',
	occurred_at TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	event_pattern TEXT NOT NULL,
	channel TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	secret TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 1,
	failure_count INTEGER NOT NULL DEFAULT 0,
	disabled_reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS delivery_records (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	subscription_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	channel TEXT NOT NULL,
	recipient TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	body BLOB,
	priority TEXT NOT NULL DEFAULT 'default',
	status TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	next_retry_at TEXT,
	last_error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	delivered_at TEXT,
	UNIQUE (event_id, subscription_id)
);

CREATE TABLE IF NOT EXISTS activities (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	pattern_id TEXT NOT NULL,
	activity_type TEXT NOT NULL,
	subject TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	assigned_to TEXT NOT NULL DEFAULT '',
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	due_at TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (event_id, pattern_id)
);

CREATE TABLE IF NOT EXISTS inbox_notifications (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	delivery_id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	body TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	read_at TEXT
);
`
