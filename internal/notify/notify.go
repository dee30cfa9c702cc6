// Package notify delivers operator alerts to a Mattermost-compatible
// incoming webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single webhook POST.
const DefaultTimeout = 10 * time.Second

// ErrNoWebhook is returned when no webhook URL is configured.
var ErrNoWebhook = errors.New("notify: webhook url not configured")

// Webhook posts alert text as {"text": "..."}.
type Webhook struct {
	url      string
	username string
	client   *http.Client
}

// NewWebhook creates a Webhook. username, if set, overrides the bot name
// shown in the channel.
func NewWebhook(url, username string) *Webhook {
	return &Webhook{
		url:      url,
		username: username,
		client:   &http.Client{Timeout: DefaultTimeout},
	}
}

type payload struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
}

// Notify sends text to the webhook. Any non-2xx response is an error.
func (w *Webhook) Notify(ctx context.Context, text string) error {
	if w.url == "" {
		return ErrNoWebhook
	}

	body, err := json.Marshal(payload{Text: text, Username: w.username})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
