package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// WebhookNotification is the shape an HTTP-push subscriber receives on its
// endpoint. No HTTP handler in this module decodes it; this file's helpers
// have no caller here. Type discriminates between the one-time subscription handshake
// and ordinary deliveries; only SubscriptionConfirmation carries a
// SubscribeURL, only Notification carries a Message.
type WebhookNotification struct {
	Type         string `json:"Type"`
	SubscribeURL string `json:"SubscribeURL,omitempty"`
	Message      string `json:"Message,omitempty"`
}

// ParseWebhookNotification decodes a raw HTTP POST body into a
// WebhookNotification.
func ParseWebhookNotification(body []byte) (*WebhookNotification, error) {
	var n WebhookNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("bus: parse webhook notification: %w", err)
	}
	return &n, nil
}

// ConfirmSubscription performs the subscription-confirmation handshake: a
// plain GET to the SubscribeURL carried in a SubscriptionConfirmation
// notification. Until this GET succeeds, the topic does not consider the
// endpoint subscribed and will not route further notifications to it — the
// webhook handler must perform this before accepting any Notification-typed
// payload from an endpoint it has not already confirmed.
func ConfirmSubscription(ctx context.Context, httpClient *http.Client, subscribeURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subscribeURL, nil)
	if err != nil {
		return fmt.Errorf("bus: build subscription confirmation request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bus: subscription confirmation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("bus: subscription confirmation returned status %d", resp.StatusCode)
	}
	return nil
}
