package models

import "time"

// ActivityPending is the initial state of auto-created activities.
const ActivityPending = "pending"

// Activity is a follow-up work item created from an event by a pattern.
type Activity struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"orgId"`
	EventID      string    `json:"eventId"`
	PatternID    string    `json:"patternId"`
	ActivityType string    `json:"activityType"`
	Subject      string    `json:"subject"`
	Description  string    `json:"description,omitempty"`
	Priority     string    `json:"priority"`
	Status       string    `json:"status"`
	AssignedTo   string    `json:"assignedTo,omitempty"`
	EntityType   string    `json:"entityType"`
	EntityID     string    `json:"entityId"`
	DueAt        time.Time `json:"dueAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// InboxNotification is the materialized row behind the in-app channel.
type InboxNotification struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"orgId"`
	UserID     string     `json:"userId"`
	DeliveryID string     `json:"deliveryId"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	URL        string     `json:"url,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ReadAt     *time.Time `json:"readAt,omitempty"`
}
