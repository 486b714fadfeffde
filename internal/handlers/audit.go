// Package handlers holds the bus handlers that turn events into audit rows,
// user notifications and webhook deliveries.
package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"event-pipeline/internal/bus"
	"event-pipeline/internal/events"
	"event-pipeline/internal/models"
)

var auditActions = map[string]string{
	"created":        "INSERT",
	"updated":        "UPDATE",
	"deleted":        "DELETE",
	"login":          "LOGIN",
	"logout":         "LOGOUT",
	"approved":       "APPROVE",
	"rejected":       "REJECT",
	"status_changed": "UPDATE",
	"owner_changed":  "UPDATE",
}

var complianceTypes = map[string]bool{
	"user.login":                   true,
	"user.logout":                  true,
	"user.password_changed":        true,
	"user.password_reset":          true,
	"user.permission_changed":      true,
	"security.access_denied":       true,
	"security.permission_denied":   true,
	"security.suspicious_activity": true,
}

// AuditStore appends audit rows.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry models.AuditLogEntry) (bool, error)
}

// Audit writes one audit row per entity, workflow or security event.
type Audit struct {
	store AuditStore
	now   func() time.Time
}

// NewAudit returns the audit handler.
func NewAudit(st AuditStore) *Audit {
	return &Audit{store: st, now: time.Now}
}

// Name implements bus.Handler.
func (*Audit) Name() string { return "audit-logger" }

// Handle implements bus.Handler.
func (a *Audit) Handle(ctx context.Context, evt models.Event) (bus.Result, error) {
	switch evt.Category {
	case models.CategoryEntity, models.CategoryWorkflow, models.CategorySecurity:
	default:
		return bus.Result{Success: true, Skipped: true}, nil
	}
	entry := AuditEntry(evt)
	entry.CreatedAt = a.now().UTC()
	created, err := a.store.AppendAudit(ctx, entry)
	if err != nil {
		return bus.Result{Error: err.Error()}, fmt.Errorf("append audit for %s: %w", evt.ID, err)
	}
	if !created {
		return bus.Result{Success: true, Skipped: true}, nil
	}
	return bus.Result{Success: true, Count: 1, IDs: []string{entry.ID}}, nil
}

// AuditEntry derives the audit row for evt.
func AuditEntry(evt models.Event) models.AuditLogEntry {
	_, action := events.Split(evt.Type)
	entry := models.AuditLogEntry{
		ID:                   uuid.NewString(),
		OrgID:                evt.OrgID,
		EventID:              evt.ID,
		EventType:            evt.Type,
		Action:               AuditAction(action),
		Category:             evt.Category,
		Severity:             auditSeverity(evt, action),
		EntityType:           evt.EntityType,
		EntityID:             evt.EntityID,
		EntityName:           evt.EntityName,
		ActorID:              evt.ActorID,
		ActorName:            evt.ActorName,
		IsComplianceRelevant: complianceTypes[evt.Type],
		CorrelationID:        evt.CorrelationID,
		OccurredAt:           evt.OccurredAt,
	}
	switch {
	case len(evt.Changes) > 0:
		entry.OldValues = make(map[string]any, len(evt.Changes))
		entry.NewValues = make(map[string]any, len(evt.Changes))
		for _, c := range evt.Changes {
			entry.OldValues[c.Field] = c.OldValue
			entry.NewValues[c.Field] = c.NewValue
			entry.ChangedFields = append(entry.ChangedFields, c.Field)
		}
	case action == "created":
		entry.NewValues = evt.Data
	case action == "deleted":
		entry.OldValues = evt.Data
	}
	return entry
}

// AuditAction maps an event action to its audit verb.
func AuditAction(action string) string {
	if v, ok := auditActions[action]; ok {
		return v
	}
	return strings.ToUpper(action)
}

func auditSeverity(evt models.Event, action string) string {
	if evt.Category == models.CategorySecurity &&
		(strings.Contains(evt.Type, "denied") || strings.Contains(evt.Type, "suspicious")) {
		return models.SeverityWarning
	}
	if action == "deleted" {
		return models.SeverityWarning
	}
	if evt.Severity != "" {
		return evt.Severity
	}
	return models.SeverityInfo
}
