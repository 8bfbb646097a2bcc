package notify

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-resty/resty/v2"

	"github.com/xenking/shop-checkout/internal/domain/order"
)

var _ order.Notifier = (*Webhook)(nil)

// Webhook posts notifications to a mail gateway over HTTP.
type Webhook struct {
	client *resty.Client
	url    string
	now    func() time.Time
}

// NewWebhook returns a Webhook sender. A non-empty token is sent as a bearer
// token.
func NewWebhook(url, token string, timeout time.Duration) *Webhook {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Webhook{client: client, url: url, now: time.Now}
}

// Send implements order.Notifier.
func (w *Webhook) Send(ctx context.Context, to, subject, body string) error {
	m := Message{To: to, Subject: subject, Body: body, SentAt: w.now()}
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(m.json()).
		Post(w.url)
	if err != nil {
		return errors.Wrap(err, "post notification")
	}
	if resp.IsError() {
		return errors.Errorf("mail gateway returned status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
