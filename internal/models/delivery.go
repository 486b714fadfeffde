package models

import "time"

// DeliveryStatus enumerates lifecycle states of a delivery record.
const (
	DeliveryQueued     = "queued"
	DeliverySent       = "sent"
	DeliveryFailed     = "failed"
	DeliveryDeadLetter = "dead_letter"
)

// Delivery kinds.
const (
	KindNotification = "notification"
	KindWebhook      = "webhook"
)

// DeliveryRecord is one delivery attempt chain for an (event, subscription) pair.
type DeliveryRecord struct {
	ID             string         `json:"id"`
	OrgID          string         `json:"orgId"`
	EventID        string         `json:"eventId"`
	EventType      string         `json:"eventType"`
	SubscriptionID string         `json:"subscriptionId"`
	Kind           string         `json:"kind"`
	Channel        string         `json:"channel"`
	Recipient      string         `json:"recipient,omitempty"`
	URL            string         `json:"url,omitempty"`
	Payload        map[string]any `json:"payload"`
	Body           []byte         `json:"-"`
	Priority       string         `json:"priority"`
	Status         string         `json:"status"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"maxAttempts"`
	NextRetryAt    *time.Time     `json:"nextRetryAt,omitempty"`
	LastError      *string        `json:"lastError,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeliveredAt    *time.Time     `json:"deliveredAt,omitempty"`
}

// Retryable reports whether the record may still be attempted by the worker.
func (d DeliveryRecord) Retryable() bool {
	return d.Status == DeliveryQueued || d.Status == DeliveryFailed
}
