package notify

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"

	"github.com/xenking/shop-checkout/internal/domain/order"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ order.Notifier = (*Kafka)(nil)

// Kafka publishes notifications to a topic consumed by the mailer. Messages
// are keyed by recipient so one customer's mail stays ordered.
type Kafka struct {
	w   messageWriter
	now func() time.Time
}

// NewKafka returns a Kafka sender writing to topic on brokers.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: 5 * time.Second,
		},
		now: time.Now,
	}
}

// Send implements order.Notifier.
func (k *Kafka) Send(ctx context.Context, to, subject, body string) error {
	m := Message{To: to, Subject: subject, Body: body, SentAt: k.now()}
	err := k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(to),
		Value: m.json(),
		Time:  m.SentAt,
		Headers: []kafka.Header{
			{Key: "x-event-type", Value: []byte("notification.email")},
			{Key: "x-event-version", Value: []byte("1")},
		},
	})
	if err != nil {
		return errors.Wrap(err, "write kafka message")
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.w.Close()
}
