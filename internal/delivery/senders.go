package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"event-pipeline/internal/models"
)

// Webhook request headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderAttempt   = "X-Webhook-Attempt"
)

// ErrUnsupportedChannel is returned by Router for channels with no sender.
var ErrUnsupportedChannel = errors.New("unsupported delivery channel")

// Sender delivers one attempt of a record to its subscription.
type Sender interface {
	Send(ctx context.Context, rec models.DeliveryRecord, sub models.Subscription) error
}

// Router dispatches to a Sender by channel.
type Router map[string]Sender

// Send implements Sender.
func (r Router) Send(ctx context.Context, rec models.DeliveryRecord, sub models.Subscription) error {
	s, ok := r[rec.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedChannel, rec.Channel)
	}
	return s.Send(ctx, rec, sub)
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Sign.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// WebhookSender posts the stored canonical body to the subscription URL.
type WebhookSender struct {
	client        *http.Client
	limiter       *rate.Limiter
	fallback      string
	userAgent     string
	maxBodyToKeep int64
}

// NewWebhookSender builds a sender throttled to ratePerSec with burst.
// fallbackSecret signs for subscriptions without their own secret.
func NewWebhookSender(client *http.Client, ratePerSec float64, burst int, fallbackSecret, userAgent string) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	if burst <= 0 {
		burst = 1
	}
	return &WebhookSender{
		client:        client,
		limiter:       rate.NewLimiter(limit, burst),
		fallback:      fallbackSecret,
		userAgent:     userAgent,
		maxBodyToKeep: 512,
	}
}

// Send implements Sender. Any non-2xx response is an error.
func (w *WebhookSender) Send(ctx context.Context, rec models.DeliveryRecord, sub models.Subscription) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}
	url := rec.URL
	if url == "" {
		url = sub.WebhookURL
	}
	body := rec.Body
	if len(body) == 0 {
		var err error
		if body, err = Canonical(rec.Payload); err != nil {
			return err
		}
	}
	secret := sub.Secret
	if secret == "" {
		secret = w.fallback
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set(HeaderSignature, Sign(secret, body))
	req.Header.Set(HeaderEvent, rec.EventType)
	req.Header.Set(HeaderDelivery, rec.ID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(rec.Attempt+1))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, w.maxBodyToKeep))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// InboxStore persists in-app notifications.
type InboxStore interface {
	InsertInbox(ctx context.Context, n models.InboxNotification) (bool, error)
}

// InAppSender materializes notifications into the user's inbox.
type InAppSender struct {
	store InboxStore
	now   func() time.Time
}

// NewInAppSender returns an in-app sender.
func NewInAppSender(st InboxStore) *InAppSender {
	return &InAppSender{store: st, now: time.Now}
}

// Send implements Sender. Retried attempts do not duplicate inbox rows.
func (s *InAppSender) Send(ctx context.Context, rec models.DeliveryRecord, _ models.Subscription) error {
	_, err := s.store.InsertInbox(ctx, models.InboxNotification{
		ID:         uuid.NewString(),
		OrgID:      rec.OrgID,
		UserID:     rec.Recipient,
		DeliveryID: rec.ID,
		Title:      str(rec.Payload["title"]),
		Body:       str(rec.Payload["body"]),
		URL:        str(rec.Payload["url"]),
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("write inbox: %w", err)
	}
	return nil
}

// Message is what an external notification provider receives.
type Message struct {
	DeliveryID string
	Channel    string
	Recipient  string
	Title      string
	Body       string
	URL        string
}

// Provider delivers email, push or SMS messages.
type Provider interface {
	Deliver(ctx context.Context, msg Message) error
}

// ProviderSender adapts a Provider to Sender.
type ProviderSender struct {
	Provider Provider
}

// Send implements Sender.
func (p ProviderSender) Send(ctx context.Context, rec models.DeliveryRecord, _ models.Subscription) error {
	return p.Provider.Deliver(ctx, Message{
		DeliveryID: rec.ID,
		Channel:    rec.Channel,
		Recipient:  rec.Recipient,
		Title:      str(rec.Payload["title"]),
		Body:       str(rec.Payload["body"]),
		URL:        str(rec.Payload["url"]),
	})
}

// LogProvider writes messages to the log instead of a third-party gateway.
type LogProvider struct {
	Logger *slog.Logger
}

// Deliver implements Provider.
func (l LogProvider) Deliver(ctx context.Context, msg Message) error {
	l.Logger.InfoContext(ctx, "notification delivered",
		slog.String("delivery_id", msg.DeliveryID),
		slog.String("channel", msg.Channel),
		slog.String("recipient", msg.Recipient),
		slog.String("title", msg.Title),
	)
	return nil
}

// NewRouter wires the standard channel set.
func NewRouter(webhook Sender, inbox InboxStore, provider Provider) Router {
	ps := ProviderSender{Provider: provider}
	return Router{
		models.ChannelWebhook: webhook,
		models.ChannelInApp:   NewInAppSender(inbox),
		models.ChannelEmail:   ps,
		models.ChannelPush:    ps,
		models.ChannelSMS:     ps,
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
