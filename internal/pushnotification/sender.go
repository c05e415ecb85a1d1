// Package pushnotification sends web push alerts for the notifications an
// operator has to act on.
package pushnotification

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/kazz187/storyguild/internal/config"
	"github.com/kazz187/storyguild/internal/pushsubscription"
)

// ttl is how long the push service keeps an undelivered message, in seconds.
const ttl = 86400

type NotificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// Subscriptions is the part of the subscription store the sender uses.
type Subscriptions interface {
	List(ctx context.Context) ([]*pushsubscription.Subscription, error)
	Delete(ctx context.Context, id string) error
}

type Sender struct {
	vapidEnv *config.VAPIDEnv
	subs     Subscriptions
	client   webpush.HTTPClient
}

func NewSender(vapidEnv *config.VAPIDEnv, subs Subscriptions) *Sender {
	return &Sender{
		vapidEnv: vapidEnv,
		subs:     subs,
		client:   http.DefaultClient,
	}
}

// WithHTTPClient replaces the client used to reach push services.
func (s *Sender) WithHTTPClient(c webpush.HTTPClient) *Sender {
	s.client = c
	return s
}

// SendToAll delivers payload to every subscription and reports how many
// push services accepted it. Subscriptions the push service reports as gone
// are removed.
func (s *Sender) SendToAll(ctx context.Context, payload *NotificationPayload) int {
	if !s.vapidEnv.Configured() {
		slog.WarnContext(ctx, "push notification: VAPID keys not configured, skipping")
		return 0
	}

	subs, err := s.subs.List(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "push notification: failed to list subscriptions", "error", err)
		return 0
	}

	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "push notification: failed to marshal payload", "error", err)
		return 0
	}

	sent := 0
	for _, sub := range subs {
		if s.sendToSubscription(ctx, sub, data) {
			sent++
		}
	}
	return sent
}

func (s *Sender) sendToSubscription(ctx context.Context, sub *pushsubscription.Subscription, data []byte) bool {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, data, wpSub, &webpush.Options{
		HTTPClient:      s.client,
		VAPIDPublicKey:  s.vapidEnv.VAPIDPublicKey,
		VAPIDPrivateKey: s.vapidEnv.VAPIDPrivateKey,
		Subscriber:      s.vapidEnv.VAPIDContact,
		TTL:             ttl,
	})
	if err != nil {
		slog.ErrorContext(ctx, "push notification: failed to send", "endpoint", sub.Endpoint, "error", err)
		return false
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		slog.InfoContext(ctx, "push notification: subscription expired, removing", "endpoint", sub.Endpoint)
		if err := s.subs.Delete(ctx, sub.ID); err != nil {
			slog.ErrorContext(ctx, "push notification: failed to delete expired subscription", "id", sub.ID, "error", err)
		}
		return false
	case resp.StatusCode >= 400:
		slog.WarnContext(ctx, "push notification: unexpected status", "endpoint", sub.Endpoint, "status", resp.StatusCode)
		return false
	}
	return true
}
