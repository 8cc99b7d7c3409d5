package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/tablepay/internal/config"
)

const defaultTimeout = 5 * time.Second

// WebhookProvider posts messages to a Slack incoming webhook.
type WebhookProvider struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, client *http.Client) *WebhookProvider {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &WebhookProvider{url: strings.TrimSpace(url), client: client}
}

// NewFromConfig returns a no-op provider when SLACK_WEBHOOK_URL is unset.
func NewFromConfig(cfg config.Config) Provider {
	if strings.TrimSpace(cfg.Alert.SlackWebhookURL) == "" {
		return Disabled{}
	}
	return NewWebhook(cfg.Alert.SlackWebhookURL, nil)
}

type webhookMessage struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

func (p *WebhookProvider) PostMessage(ctx context.Context, channel string, message string) error {
	payload, err := json.Marshal(webhookMessage{Channel: strings.TrimSpace(channel), Text: message})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("slack webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
