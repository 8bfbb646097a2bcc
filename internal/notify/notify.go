// Package notify delivers customer notifications to the external mailer.
//
// Every sender implements order.Notifier. Delivery is best-effort: the order
// service logs failures and never fails an order because of them.
package notify

import (
	"context"
	"time"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/shop-checkout/internal/domain/order"
)

// Message is the payload handed to the mailer.
type Message struct {
	To      string
	Subject string
	Body    string
	SentAt  time.Time
}

// Encode writes m as a JSON object.
func (m Message) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("to")
	e.Str(m.To)
	e.FieldStart("subject")
	e.Str(m.Subject)
	e.FieldStart("body")
	e.Str(m.Body)
	e.FieldStart("sentAt")
	e.Str(m.SentAt.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
}

func (m Message) json() []byte {
	var e jx.Encoder
	m.Encode(&e)
	return e.Bytes()
}

var _ order.Notifier = (*Log)(nil)

// Log writes notifications to the request logger. It is the development
// backend.
type Log struct{}

// Send implements order.Notifier.
func (Log) Send(ctx context.Context, to, subject, body string) error {
	zctx.From(ctx).Info("Notification",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_len", len(body)),
	)
	return nil
}
