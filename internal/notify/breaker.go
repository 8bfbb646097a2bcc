package notify

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xenking/shop-checkout/internal/domain/order"
)

// BreakerConfig tunes the circuit breaker around a sender.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval is the closed-state window after which counts reset.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// MinRequests and FailureRatio decide when to trip.
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerConfig trips at 60% failures over at least 3 requests.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  3,
		Interval:     15 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  3,
		FailureRatio: 0.6,
	}
}

var _ order.Notifier = (*Breaker)(nil)

// Breaker stops calling a failing sender until it recovers.
type Breaker struct {
	next order.Notifier
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next in a circuit breaker named name.
func NewBreaker(name string, next order.Notifier, cfg BreakerConfig, lg *zap.Logger) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.Warn("Circuit breaker state changed",
				zap.String("circuit", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
	return &Breaker{next: next, cb: cb}
}

// Send implements order.Notifier.
func (b *Breaker) Send(ctx context.Context, to, subject, body string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, to, subject, body)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return errors.Wrapf(err, "circuit %s", b.cb.Name())
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return errors.Wrapf(err, "circuit %s half-open", b.cb.Name())
	}
	return err
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
