package models

import (
	"time"
)

// Event categories derived from the event type.
const (
	CategoryEntity   = "entity"
	CategoryWorkflow = "workflow"
	CategorySecurity = "security"
	CategorySystem   = "system"
)

// Event severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Actor kinds and event sources.
const (
	ActorUser   = "user"
	ActorSystem = "system"

	SourceUI     = "ui"
	SourceSystem = "system"
	SourceAPI    = "api"
)

// EventStatus tracks processing bookkeeping kept beside the immutable record.
const (
	EventPending   = "pending"
	EventProcessed = "processed"
	EventFailed    = "failed"
)

// EntityRef points at a secondary entity touched by an event.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Change is a single field transition carried by update events.
type Change struct {
	Field    string `json:"field"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
}

// Event is an immutable domain fact. Status, ProcessedAt and LastError are
// bookkeeping maintained by the store and never part of the event identity.
type Event struct {
	ID              string         `json:"id"`
	OrgID           string         `json:"orgId"`
	Type            string         `json:"eventType"`
	Category        string         `json:"eventCategory"`
	Severity        string         `json:"eventSeverity"`
	ActorType       string         `json:"actorType,omitempty"`
	ActorID         string         `json:"actorId,omitempty"`
	ActorName       string         `json:"actorName,omitempty"`
	EntityType      string         `json:"entityType"`
	EntityID        string         `json:"entityId"`
	EntityName      string         `json:"entityName,omitempty"`
	RelatedEntities []EntityRef    `json:"relatedEntities,omitempty"`
	Data            map[string]any `json:"eventData"`
	Changes         []Change       `json:"changes,omitempty"`
	Source          string         `json:"source"`
	CorrelationID   string         `json:"correlationId,omitempty"`
	ParentEventID   string         `json:"parentEventId,omitempty"`
	OccurredAt      time.Time      `json:"occurredAt"`
	RecordedAt      time.Time      `json:"recordedAt"`

	Status      string     `json:"status,omitempty"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	LastError   *string    `json:"lastError,omitempty"`
}
