package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Notifier delivers send_notification action output.
type Notifier interface {
	Notify(ctx context.Context, channel, message string) error
}

// LogNotifier writes notifications to the process log. Used in dev and
// as the fallback when no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, channel, message string) error {
	log.Printf("[Notify] %s: %s", channel, message)
	return nil
}

// WebhookNotifier posts Slack-compatible payloads to an incoming webhook.
type WebhookNotifier struct {
	url            string
	defaultChannel string
	client         *http.Client
}

// NewWebhookNotifier creates a notifier for a Slack incoming webhook URL.
func NewWebhookNotifier(url, defaultChannel string) *WebhookNotifier {
	return &WebhookNotifier{
		url:            url,
		defaultChannel: defaultChannel,
		client:         &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, channel, message string) error {
	if channel == "" {
		channel = n.defaultChannel
	}
	payload, err := json.Marshal(map[string]string{
		"channel": channel,
		"text":    message,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}
	return nil
}
