package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// WebhookTokenHeader carries the shared secret, when configured.
const WebhookTokenHeader = "X-Webhook-Token"

// WebhookSink POSTs envelopes as JSON to a single receiver.
type WebhookSink struct {
	url    string
	token  string
	client *resty.Client
}

// NewWebhookSink returns nil when url is empty so callers can skip it.
func NewWebhookSink(url, token string, timeout time.Duration) *WebhookSink {
	if url == "" {
		log.Info().Msg("WEBHOOK_URL is not set. Webhook notifications disabled.")
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	log.Info().Str("url", url).Bool("token", token != "").Dur("timeout", timeout).Msg("Webhook sink configured")
	return &WebhookSink{url: url, token: token, client: client}
}

func (w *WebhookSink) Name() string { return "webhook" }

// Deliver treats transport errors and non-2xx responses as failures.
func (w *WebhookSink) Deliver(ctx context.Context, env Envelope) error {
	req := w.client.R().
		SetContext(ctx).
		SetBody(env)
	if w.token != "" {
		req.SetHeader(WebhookTokenHeader, w.token)
	}

	resp, err := req.Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook %s failed: %w", env.Event, err)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return fmt.Errorf("webhook %s responded %d", env.Event, code)
	}
	return nil
}
