package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-pipeline/internal/delivery"
	"event-pipeline/internal/logging"
	"event-pipeline/internal/models"
)

type fakeAuditStore struct {
	entries []models.AuditLogEntry
	seen    map[string]bool
}

func (f *fakeAuditStore) AppendAudit(_ context.Context, e models.AuditLogEntry) (bool, error) {
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[e.EventID] {
		return false, nil
	}
	f.seen[e.EventID] = true
	f.entries = append(f.entries, e)
	return true, nil
}

func event(eventType, category string) models.Event {
	return models.Event{
		ID: "evt-" + eventType, OrgID: "org-1", Type: eventType, Category: category, Severity: models.SeverityInfo,
		ActorID: "user-1", EntityType: "job", EntityID: "job-1",
		OccurredAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestAuditScoping(t *testing.T) {
	st := &fakeAuditStore{}
	h := NewAudit(st)
	ctx := context.Background()

	res, err := h.Handle(ctx, event("system.startup", models.CategorySystem))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, st.entries)

	for _, c := range []string{models.CategoryEntity, models.CategoryWorkflow, models.CategorySecurity} {
		_, err := h.Handle(ctx, event("x."+c, c))
		require.NoError(t, err)
	}
	assert.Len(t, st.entries, 3)

	res, err = h.Handle(ctx, event("x.entity", models.CategoryEntity))
	require.NoError(t, err)
	assert.True(t, res.Skipped, "one row per event")
}

func TestAuditEntry(t *testing.T) {
	tests := []struct {
		eventType, category, action, severity string
		compliance                            bool
	}{
		{"job.created", models.CategoryEntity, "INSERT", "info", false},
		{"job.deleted", models.CategoryEntity, "DELETE", "warning", false},
		{"job.status_changed", models.CategoryWorkflow, "UPDATE", "info", false},
		{"user.login", models.CategorySecurity, "LOGIN", "info", true},
		{"security.access_denied", models.CategorySecurity, "ACCESS_DENIED", "warning", true},
		{"security.suspicious_activity", models.CategorySecurity, "SUSPICIOUS_ACTIVITY", "warning", true},
		{"timesheet.approved", models.CategoryWorkflow, "APPROVE", "info", false},
		{"job.archived", models.CategoryEntity, "ARCHIVED", "info", false},
	}
	for _, tc := range tests {
		t.Run(tc.eventType, func(t *testing.T) {
			e := AuditEntry(event(tc.eventType, tc.category))
			assert.Equal(t, tc.action, e.Action)
			assert.Equal(t, tc.severity, e.Severity)
			assert.Equal(t, tc.compliance, e.IsComplianceRelevant)
		})
	}
}

func TestAuditDiffs(t *testing.T) {
	evt := event("job.updated", models.CategoryEntity)
	evt.Changes = []models.Change{
		{Field: "status", OldValue: "open", NewValue: "closed"},
		{Field: "title", OldValue: "Dev", NewValue: "Senior Dev"},
	}
	e := AuditEntry(evt)
	assert.Equal(t, []string{"status", "title"}, e.ChangedFields)
	assert.Equal(t, map[string]any{"status": "open", "title": "Dev"}, e.OldValues)
	assert.Equal(t, map[string]any{"status": "closed", "title": "Senior Dev"}, e.NewValues)

	created := event("job.created", models.CategoryEntity)
	created.Data = map[string]any{"title": "Dev"}
	assert.Equal(t, created.Data, AuditEntry(created).NewValues)
}

func TestRender(t *testing.T) {
	tests := []struct {
		eventType   string
		data        map[string]any
		title, body string
	}{
		{"submission.created", map[string]any{"jobTitle": "Backend Engineer"}, "New Submission", "A new candidate has been submitted for Backend Engineer"},
		{"submission.status_changed", map[string]any{"jobTitle": "QA", "newStatus": "interview"}, "Submission Updated", "Submission for QA moved to interview"},
		{"job.created", map[string]any{"title": "SRE", "clientName": "Acme"}, "New Job", "SRE has been opened for Acme"},
		{"job.sla_breach", map[string]any{"title": "SRE"}, "SLA Breach", "Job SRE has breached its SLA"},
		{"candidate.created", map[string]any{"firstName": "Jane", "lastName": "Smith"}, "New Candidate", "Jane Smith has been added"},
		{"placement.created", map[string]any{"candidateName": "Jane", "clientName": "Acme"}, "New Placement", "Jane has been placed at Acme"},
		{"interview.scheduled", map[string]any{"candidateName": "Jane", "scheduledAt": "2024-05-02T10:00:00Z"}, "Interview Scheduled", "Interview for Jane scheduled at 2024-05-02T10:00:00Z"},
		{"timesheet.timesheet_missing", map[string]any{"weekEnding": "2024-05-05"}, "Missing Timesheet", "Timesheet for week ending 2024-05-05 has not been submitted"},
		{"timesheet.submitted", map[string]any{"workerName": "Sam", "weekEnding": "2024-05-05"}, "Timesheet Submitted", "Sam submitted a timesheet for 2024-05-05"},
		{"course.enrolled", map[string]any{"studentName": "Ana", "courseTitle": "Go"}, "Course Enrollment", "Ana enrolled in Go"},
		{"job.status_changed", map[string]any{"status": "closed"}, "Job - Status Changed", "job job-1 was updated"},
		{"submission.created", map[string]any{"jobTitle": 42}, "Submission - Created", "job job-1 was updated"},
	}
	for _, tc := range tests {
		t.Run(tc.eventType, func(t *testing.T) {
			evt := event(tc.eventType, models.CategoryEntity)
			evt.Data = tc.data
			r := Render(evt)
			assert.Equal(t, tc.title, r.Title)
			assert.Equal(t, tc.body, r.Body)
			assert.Equal(t, "/job/job-1", r.URL)
		})
	}
}

type fakeSubs struct {
	matching []models.Subscription
	hooks    []models.Subscription
	err      error
}

func (f *fakeSubs) GetMatchingSubscriptions(context.Context, string, string) ([]models.Subscription, error) {
	return f.matching, f.err
}

func (f *fakeSubs) Webhooks(context.Context, string) ([]models.Subscription, error) {
	return f.hooks, f.err
}

type fakeDeliveries struct {
	notifications []delivery.NotificationRequest
	webhooks      []models.Subscription
	failFor       string
}

func (f *fakeDeliveries) QueueNotification(_ context.Context, req delivery.NotificationRequest) (models.DeliveryRecord, error) {
	if req.Subscription.ID == f.failFor {
		return models.DeliveryRecord{}, errors.New("queue down")
	}
	f.notifications = append(f.notifications, req)
	return models.DeliveryRecord{ID: "del-" + req.Subscription.ID}, nil
}

func (f *fakeDeliveries) QueueWebhook(_ context.Context, sub models.Subscription, _ models.Event) (models.DeliveryRecord, error) {
	if sub.ID == f.failFor {
		return models.DeliveryRecord{}, errors.New("queue down")
	}
	f.webhooks = append(f.webhooks, sub)
	return models.DeliveryRecord{ID: "del-" + sub.ID}, nil
}

func TestNotificationSkipsActorAndWebhooks(t *testing.T) {
	subs := &fakeSubs{matching: []models.Subscription{
		{ID: "s-actor", UserID: "user-1", Channel: models.ChannelEmail},
		{ID: "s-other", UserID: "user-2", Channel: models.ChannelInApp},
		{ID: "s-hook", Channel: models.ChannelWebhook, WebhookURL: "https://x"},
	}}
	d := &fakeDeliveries{}
	h := NewNotification(subs, d, logging.Discard())

	evt := event("submission.created", models.CategoryEntity)
	evt.Data = map[string]any{"jobTitle": "Backend Engineer"}
	res, err := h.Handle(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, []string{"del-s-other"}, res.IDs)
	require.Len(t, d.notifications, 1)
	assert.Equal(t, "New Submission", d.notifications[0].Title)
}

func TestNotificationIsolatesSubscriptionErrors(t *testing.T) {
	subs := &fakeSubs{matching: []models.Subscription{
		{ID: "s-bad", UserID: "user-2", Channel: models.ChannelEmail},
		{ID: "s-good", UserID: "user-3", Channel: models.ChannelEmail},
	}}
	d := &fakeDeliveries{failFor: "s-bad"}
	res, err := NewNotification(subs, d, logging.Discard()).Handle(context.Background(), event("job.created", models.CategoryEntity))
	assert.ErrorContains(t, err, "s-bad")
	assert.Equal(t, []string{"del-s-good"}, res.IDs)
}

func TestWebhookMatching(t *testing.T) {
	subs := &fakeSubs{hooks: []models.Subscription{
		{ID: "all", EventPattern: "*", WebhookURL: "https://a"},
		{ID: "exact", EventPattern: "job.created", WebhookURL: "https://b"},
		{ID: "prefix", EventPattern: "job.*", WebhookURL: "https://c"},
		{ID: "suffix", EventPattern: "*.created", WebhookURL: "https://d"},
		{ID: "other", EventPattern: "candidate.*", WebhookURL: "https://e"},
		{ID: "nourl", EventPattern: "*"},
	}}
	d := &fakeDeliveries{}
	res, err := NewWebhook(subs, d, logging.Discard()).Handle(context.Background(), event("job.created", models.CategoryEntity))
	require.NoError(t, err)
	assert.Equal(t, []string{"del-all", "del-exact", "del-prefix", "del-suffix"}, res.IDs)
}
