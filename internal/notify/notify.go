// Package notify posts batch summaries to a webhook. An empty URL yields a
// disabled notifier so callers never need to branch.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

type Webhook struct {
	url  string
	http *resty.Client
}

// NewWebhook builds a notifier for the given URL. With an empty URL the
// notifier silently drops everything.
func NewWebhook(url string) *Webhook {
	client := resty.New()
	client.SetTimeout(10 * time.Second)
	client.SetRetryCount(2)
	return &Webhook{url: url, http: client}
}

// Notify posts the summary as a Slack-compatible text payload.
func (w *Webhook) Notify(ctx context.Context, summary string) error {
	if w.url == "" {
		return nil
	}
	resp, err := w.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"text": summary}).
		Post(w.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
