package models

import "time"

// AuditLogEntry is an append-only row derived from exactly one event.
type AuditLogEntry struct {
	ID                   string         `json:"id"`
	OrgID                string         `json:"orgId"`
	EventID              string         `json:"eventId"`
	EventType            string         `json:"eventType"`
	Action               string         `json:"action"`
	Category             string         `json:"category"`
	Severity             string         `json:"severity"`
	EntityType           string         `json:"entityType"`
	EntityID             string         `json:"entityId"`
	EntityName           string         `json:"entityName,omitempty"`
	ActorID              string         `json:"actorId,omitempty"`
	ActorName            string         `json:"actorName,omitempty"`
	OldValues            map[string]any `json:"oldValues,omitempty"`
	NewValues            map[string]any `json:"newValues,omitempty"`
	ChangedFields        []string       `json:"changedFields,omitempty"`
	IsComplianceRelevant bool           `json:"isComplianceRelevant"`
	CorrelationID        string         `json:"correlationId,omitempty"`
	OccurredAt           time.Time      `json:"occurredAt"`
	CreatedAt            time.Time      `json:"createdAt"`
}
