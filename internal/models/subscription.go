package models

import "time"

// Delivery channels a subscription can target.
const (
	ChannelEmail   = "email"
	ChannelPush    = "push"
	ChannelInApp   = "in_app"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
)

// Channels lists every supported channel.
var Channels = []string{ChannelEmail, ChannelPush, ChannelInApp, ChannelSMS, ChannelWebhook}

// Subscription is a user or integration preference for receiving events.
type Subscription struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"orgId"`
	UserID         string    `json:"userId,omitempty"`
	EventPattern   string    `json:"eventPattern"`
	Channel        string    `json:"channel"`
	WebhookURL     string    `json:"webhookUrl,omitempty"`
	Secret         string    `json:"-"`
	IsActive       bool      `json:"isActive"`
	FailureCount   int       `json:"failureCount"`
	DisabledReason string    `json:"disabledReason,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
