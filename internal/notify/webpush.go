package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"haven/internal/models"

	"github.com/SherClockHolmes/webpush-go"
)

// ErrSubscriptionGone is returned when the push service no longer knows the
// subscription. The caller should forget it.
var ErrSubscriptionGone = errors.New("push subscription gone")

type PushConfig struct {
	PublicKey  string
	PrivateKey string
	// Subject is a mailto: or https: contact sent to the push service.
	Subject string
	TTL     time.Duration
}

// Enabled reports whether VAPID keys are configured.
func (c PushConfig) Enabled() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

// WebPush delivers notifications through the Web Push protocol.
type WebPush struct {
	opts webpush.Options
}

func NewWebPush(cfg PushConfig, client *http.Client) *WebPush {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &WebPush{opts: webpush.Options{
		HTTPClient:      client,
		Subscriber:      cfg.Subject,
		VAPIDPublicKey:  cfg.PublicKey,
		VAPIDPrivateKey: cfg.PrivateKey,
		TTL:             int(ttl.Seconds()),
	}}
}

func (w *WebPush) Push(ctx context.Context, sub models.PushSubscription, payload []byte) error {
	opts := w.opts
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &opts)
	if err != nil {
		return fmt.Errorf("%w: web push: %v", models.ErrDelivery, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return ErrSubscriptionGone
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: web push: status %d", models.ErrDelivery, resp.StatusCode)
	}
	return nil
}
